package message

import "errors"

var (
	// Decoder errors
	ErrInvalidMessage = errors.New("invalid SIP message")
	ErrMissingHeader  = errors.New("missing required header")
	ErrInvalidURI     = errors.New("invalid URI")

	// Size errors
	ErrMessageTooLarge = errors.New("message too large")

	// Auth errors
	ErrNoChallenge = errors.New("no authentication challenge")
)
