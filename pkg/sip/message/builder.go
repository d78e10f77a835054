package message

import (
	"fmt"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// RequestBuilder helps build SIP requests sent from an Endpoint
type RequestBuilder struct {
	endpoint    Endpoint
	method      sip.RequestMethod
	target      sip.Uri
	branch      string
	from        *sip.FromHeader
	to          *sip.ToHeader
	callID      string
	cseq        uint32
	contact     bool
	headers     []sip.Header
	contentType string
	body        []byte
}

// NewRequest creates a new request builder
func (e Endpoint) NewRequest(method sip.RequestMethod, target sip.Uri) *RequestBuilder {
	return &RequestBuilder{
		endpoint: e,
		method:   method,
		target:   target,
	}
}

// Branch reuses a Via branch; used for CANCEL and ACK of a non-2xx
func (b *RequestBuilder) Branch(branch string) *RequestBuilder {
	b.branch = branch
	return b
}

// From sets the From header
func (b *RequestBuilder) From(uri sip.Uri, displayName, tag string) *RequestBuilder {
	params := sip.NewParams()
	if tag != "" {
		params.Add("tag", tag)
	}
	b.from = &sip.FromHeader{DisplayName: displayName, Address: uri, Params: params}
	return b
}

// To sets the To header
func (b *RequestBuilder) To(uri sip.Uri, tag string) *RequestBuilder {
	params := sip.NewParams()
	if tag != "" {
		params.Add("tag", tag)
	}
	b.to = &sip.ToHeader{Address: uri, Params: params}
	return b
}

// CallID sets the Call-ID header
func (b *RequestBuilder) CallID(callID string) *RequestBuilder {
	b.callID = callID
	return b
}

// CSeq sets the sequence number; the method is always the request method
func (b *RequestBuilder) CSeq(seq uint32) *RequestBuilder {
	b.cseq = seq
	return b
}

// Contact adds the endpoint Contact header
func (b *RequestBuilder) Contact() *RequestBuilder {
	b.contact = true
	return b
}

// Header adds a custom header
func (b *RequestBuilder) Header(h sip.Header) *RequestBuilder {
	if h != nil {
		b.headers = append(b.headers, h)
	}
	return b
}

// Body sets the message body
func (b *RequestBuilder) Body(contentType string, body []byte) *RequestBuilder {
	b.contentType = contentType
	b.body = body
	return b
}

// Build creates the final request
func (b *RequestBuilder) Build() (*sip.Request, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	req := sip.NewRequest(b.method, b.target)
	req.AppendHeader(b.endpoint.newVia(b.branch))

	maxFwd := sip.MaxForwardsHeader(DefaultMaxForwards)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(b.from)
	req.AppendHeader(b.to)

	callID := sip.CallIDHeader(b.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: b.cseq, MethodName: b.method})

	if b.contact {
		req.AppendHeader(&sip.ContactHeader{Address: b.endpoint.ContactURI()})
	}
	if b.endpoint.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", b.endpoint.UserAgent))
	}
	for _, h := range b.headers {
		req.AppendHeader(h)
	}

	if len(b.body) > 0 {
		ct := sip.ContentTypeHeader(b.contentType)
		req.AppendHeader(&ct)
	}
	req.SetBody(b.body)
	return req, nil
}

// validate checks for mandatory headers
func (b *RequestBuilder) validate() error {
	switch {
	case b.from == nil:
		return fmt.Errorf("%w: From", ErrMissingHeader)
	case b.to == nil:
		return fmt.Errorf("%w: To", ErrMissingHeader)
	case b.callID == "":
		return fmt.Errorf("%w: Call-ID", ErrMissingHeader)
	case b.cseq == 0:
		return fmt.Errorf("%w: CSeq", ErrMissingHeader)
	case b.target.Host == "":
		return fmt.Errorf("%w: request URI without host", ErrInvalidURI)
	}

	// Method-specific validation
	switch b.method {
	case sip.INVITE, sip.REGISTER:
		if !b.contact {
			return fmt.Errorf("%w: Contact required for %s", ErrMissingHeader, b.method)
		}
	}
	if len(b.body) > 0 && b.contentType == "" {
		return fmt.Errorf("%w: Content-Type", ErrMissingHeader)
	}
	return nil
}

// NewResponse creates a response to req. A non-empty toTag is added to To
// unless the request already carries one. Contact is added for 2xx to INVITE.
func (e Endpoint) NewResponse(req *sip.Request, code int, reason, toTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)

	if to := res.To(); to != nil && toTag != "" {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if Tag(to.Params) == "" {
			to.Params.Add("tag", toTag)
		}
	}
	if req.Method == sip.INVITE && code >= 200 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: e.ContactURI()})
	}
	if e.UserAgent != "" {
		res.AppendHeader(sip.NewHeader("Server", e.UserAgent))
	}
	return res
}

// SetBody sets an SDP or other typed body on a response
func SetBody(res *sip.Response, contentType string, body []byte) {
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentType)
		res.AppendHeader(&ct)
	}
	res.SetBody(body)
}

// NewAck builds the ACK for a final response to invite.
// For a non-2xx the ACK belongs to the INVITE transaction: same branch and
// Request-URI. For a 2xx it is a new transaction sent to the remote target.
func (e Endpoint) NewAck(invite *sip.Request, res *sip.Response) (*sip.Request, error) {
	if invite == nil || res == nil {
		return nil, fmt.Errorf("%w: ACK needs INVITE and response", ErrInvalidMessage)
	}
	from, to, cseq := invite.From(), res.To(), invite.CSeq()
	if from == nil || to == nil || cseq == nil {
		return nil, fmt.Errorf("%w: ACK source headers", ErrMissingHeader)
	}

	target := invite.Recipient
	branch := Branch(invite.Via())
	if res.IsSuccess() {
		branch = ""
		if c := res.Contact(); c != nil && c.Address.Host != "" {
			target = c.Address
		}
	}

	return e.NewRequest(sip.ACK, target).
		Branch(branch).
		From(from.Address, from.DisplayName, Tag(from.Params)).
		To(to.Address, Tag(to.Params)).
		CallID(CallID(invite)).
		CSeq(cseq.SeqNo).
		Build()
}

// NewCancel builds a CANCEL for a pending INVITE: same Request-URI, branch,
// From, To and CSeq number.
func (e Endpoint) NewCancel(invite *sip.Request) (*sip.Request, error) {
	if invite == nil {
		return nil, fmt.Errorf("%w: CANCEL needs INVITE", ErrInvalidMessage)
	}
	from, to, cseq := invite.From(), invite.To(), invite.CSeq()
	if from == nil || to == nil || cseq == nil {
		return nil, fmt.Errorf("%w: CANCEL source headers", ErrMissingHeader)
	}

	return e.NewRequest(sip.CANCEL, invite.Recipient).
		Branch(Branch(invite.Via())).
		From(from.Address, from.DisplayName, Tag(from.Params)).
		To(to.Address, Tag(to.Params)).
		CallID(CallID(invite)).
		CSeq(cseq.SeqNo).
		Build()
}

// DialogParams describe an established dialog from the local point of view
type DialogParams struct {
	CallID       string
	LocalURI     sip.Uri
	LocalTag     string
	RemoteURI    sip.Uri
	RemoteTag    string
	RemoteTarget sip.Uri
}

// NewBye builds an in-dialog BYE
func (e Endpoint) NewBye(d DialogParams, seq uint32) (*sip.Request, error) {
	return e.NewRequest(sip.BYE, d.RemoteTarget).
		From(d.LocalURI, "", d.LocalTag).
		To(d.RemoteURI, d.RemoteTag).
		CallID(d.CallID).
		CSeq(seq).
		Build()
}

// Expires returns the expiry granted in a REGISTER response: the Contact
// expires parameter first, then the Expires header. ok is false when the
// response carries neither.
func Expires(res *sip.Response) (seconds int, ok bool) {
	if c := res.Contact(); c != nil && c.Params != nil {
		if v, found := c.Params.Get("expires"); found {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n, true
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}

// CallID returns the Call-ID value of a request or response
func CallID(msg interface{ CallID() *sip.CallIDHeader }) string {
	if id := msg.CallID(); id != nil {
		return id.Value()
	}
	return ""
}
