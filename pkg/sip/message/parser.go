package message

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// headerSet is implemented by both *sip.Request and *sip.Response
type headerSet interface {
	Via() *sip.ViaHeader
	From() *sip.FromHeader
	To() *sip.ToHeader
	CallID() *sip.CallIDHeader
	CSeq() *sip.CSeqHeader
}

// Codec decodes inbound datagrams and encodes outbound messages
// within the MaxMessageSize ceiling. Not safe for concurrent use.
type Codec struct {
	parser *sip.Parser
}

// NewCodec creates a codec
func NewCodec() *Codec {
	return &Codec{parser: sip.NewParser()}
}

// Decode parses a datagram. Datagrams of MaxMessageSize bytes or more are
// rejected since the read may have cut them short.
func (c *Codec) Decode(data []byte) (sip.Message, error) {
	if len(data) == 0 {
		return nil, ErrInvalidMessage
	}
	if len(data) >= MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	msg, err := c.parser.ParseSIP(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch m := msg.(type) {
	case *sip.Request:
		if err := validateHeaders(m); err != nil {
			return nil, err
		}
	case *sip.Response:
		if err := validateHeaders(m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unexpected message type %T", ErrInvalidMessage, msg)
	}
	return msg, nil
}

// Encode serializes msg for a single datagram
func (c *Codec) Encode(msg sip.Message) ([]byte, error) {
	data := []byte(msg.String())
	if len(data) >= MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	return data, nil
}

// validateHeaders checks the headers every dialog or registration
// decision depends on
func validateHeaders(m headerSet) error {
	switch {
	case m.Via() == nil:
		return fmt.Errorf("%w: Via", ErrMissingHeader)
	case m.From() == nil:
		return fmt.Errorf("%w: From", ErrMissingHeader)
	case m.To() == nil:
		return fmt.Errorf("%w: To", ErrMissingHeader)
	case m.CallID() == nil || m.CallID().Value() == "":
		return fmt.Errorf("%w: Call-ID", ErrMissingHeader)
	case m.CSeq() == nil:
		return fmt.Errorf("%w: CSeq", ErrMissingHeader)
	}
	return nil
}
