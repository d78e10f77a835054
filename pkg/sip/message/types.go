package message

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const (
	// MaxMessageSize is the datagram ceiling for SIP and RTP alike.
	// A datagram of this size or larger may have been truncated by the read.
	MaxMessageSize = 1500

	// DefaultPort is the SIP port used when a URI carries none
	DefaultPort = 5060

	// DefaultMaxForwards RFC 3261 default
	DefaultMaxForwards = 70

	// ContentTypeSDP is the body type for offers and answers
	ContentTypeSDP = "application/sdp"
)

// Endpoint describes the local side of the UA as peers see it:
// the advertised host and port go into Via and Contact.
type Endpoint struct {
	Host      string
	Port      int
	User      string
	UserAgent string
}

// ContactURI returns the URI peers should use to reach us
func (e Endpoint) ContactURI() sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   e.User,
		Host:   e.Host,
		Port:   e.Port,
	}
}

// newVia builds a top Via for a request sent from this endpoint
func (e Endpoint) newVia(branch string) *sip.ViaHeader {
	if branch == "" {
		branch = GenerateBranch()
	}
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            e.Host,
		Port:            e.Port,
		Params:          sip.NewParams().Add("branch", branch),
	}
}

// GenerateBranch generates a branch parameter for Via header
func GenerateBranch() string {
	return sip.GenerateBranch()
}

// GenerateTag generates a tag for From/To headers
func GenerateTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// GenerateCallID generates a Call-ID scoped to host
func GenerateCallID(host string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if host == "" {
		return id
	}
	return id + "@" + host
}

// Tag returns the tag parameter of a From/To header, if any
func Tag(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

// Branch returns the branch of the top Via header of msg
func Branch(via *sip.ViaHeader) string {
	if via == nil || via.Params == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}
