package callcontrol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/embedded_phone/pkg/logger"
	"github.com/arzzra/embedded_phone/pkg/media_sdp"
	"github.com/arzzra/embedded_phone/pkg/resolver"
	"github.com/arzzra/embedded_phone/pkg/session"
	"github.com/arzzra/embedded_phone/pkg/sip/message"
)

type sentMessage struct {
	msg sip.Message
	to  *net.UDPAddr
}

type fakeSender struct {
	sent []sentMessage
}

func (f *fakeSender) Send(msg sip.Message, to *net.UDPAddr) error {
	f.sent = append(f.sent, sentMessage{msg: msg, to: to})
	return nil
}

func (f *fakeSender) requests(method sip.RequestMethod) []*sip.Request {
	var out []*sip.Request
	for _, s := range f.sent {
		if req, ok := s.msg.(*sip.Request); ok && req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (f *fakeSender) responses() []*sip.Response {
	var out []*sip.Response
	for _, s := range f.sent {
		if res, ok := s.msg.(*sip.Response); ok {
			out = append(out, res)
		}
	}
	return out
}

type fakeMedia struct {
	remote  *net.UDPAddr
	pt      uint8
	binds   int
	unbinds int
}

func (f *fakeMedia) Bind(remote *net.UDPAddr, pt uint8) {
	f.remote, f.pt = remote, pt
	f.binds++
}

func (f *fakeMedia) Unbind() {
	f.remote = nil
	f.unbinds++
}

// MachineTestSuite прогоняет вызовы против удаленной стороны,
// собирающей ответы тем же message.Endpoint
type MachineTestSuite struct {
	suite.Suite

	ctx    context.Context
	now    time.Time
	store  *session.Store
	sender *fakeSender
	media  *fakeMedia
	m      *Machine

	peer     message.Endpoint
	peerAddr *net.UDPAddr
}

func (s *MachineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store = session.NewStore()
	s.sender = &fakeSender{}
	s.media = &fakeMedia{}
	s.peer = message.Endpoint{Host: "127.0.0.1", Port: 5080, UserAgent: "peer"}
	s.peerAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5080}

	s.m = NewMachine(Options{
		Config:   DefaultConfig(),
		Store:    s.store,
		Endpoint: message.Endpoint{Host: "127.0.0.1", Port: 5060, UserAgent: "test"},
		Sender:   s.sender,
		Resolver: resolver.Static{"pbx.example": "127.0.0.1:5080"},
		Media:    s.media,
		Logger:   logger.Noop,
	})
}

// tick выполняет плановый шаг и публикует состояние, как сигнальный цикл
func (s *MachineTestSuite) tick() {
	s.m.Tick(s.ctx, s.now)
	s.publish()
}

func (s *MachineTestSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
	s.tick()
}

func (s *MachineTestSuite) publish() {
	s.store.Publish(DisplayState(s.m.PublicState(), false, false))
}

func (s *MachineTestSuite) handle(msg sip.Message) {
	switch v := msg.(type) {
	case *sip.Request:
		s.m.HandleRequest(s.ctx, v, s.peerAddr, s.now)
	case *sip.Response:
		s.True(s.m.HandleResponse(s.ctx, v, s.now))
	}
	s.publish()
}

func (s *MachineTestSuite) lastRequest(method sip.RequestMethod) *sip.Request {
	reqs := s.sender.requests(method)
	s.Require().NotEmpty(reqs, "нет %s", method)
	return reqs[len(reqs)-1]
}

func (s *MachineTestSuite) lastResponse() *sip.Response {
	res := s.sender.responses()
	s.Require().NotEmpty(res)
	return res[len(res)-1]
}

func (s *MachineTestSuite) sdp(port int, codecs ...media_sdp.CodecInfo) []byte {
	body, err := media_sdp.NewOffer(media_sdp.Config{
		SessionName: "peer",
		Host:        "127.0.0.1",
		Port:        port,
		Codecs:      codecs,
	}, 7)
	s.Require().NoError(err)
	return body
}

// dial начинает исходящий вызов и возвращает отправленный INVITE
func (s *MachineTestSuite) dial() *sip.Request {
	s.Require().True(s.store.PlaceCall("100", "sip:200@pbx.example", "", "100", "secret"))
	s.tick()
	s.Equal(OutgoingInviting, s.m.State())
	return s.lastRequest(sip.INVITE)
}

func (s *MachineTestSuite) peerRespond(req *sip.Request, code int, reason string, body []byte) *sip.Response {
	res := s.peer.NewResponse(req, code, reason, "calleetag")
	if body != nil {
		message.SetBody(res, message.ContentTypeSDP, body)
	}
	s.handle(res)
	return res
}

func (s *MachineTestSuite) peerInvite(callID string, body []byte) *sip.Request {
	b := s.peer.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "device", Host: "127.0.0.1", Port: 5060}).
		From(sip.Uri{Scheme: "sip", User: "300", Host: "127.0.0.1"}, "Alice", "peertag").
		To(sip.Uri{Scheme: "sip", User: "device", Host: "127.0.0.1"}, "").
		CallID(callID).
		CSeq(1).
		Contact()
	if body != nil {
		b = b.Body(message.ContentTypeSDP, body)
	}
	req, err := b.Build()
	s.Require().NoError(err)
	return req
}

// ring принимает входящий INVITE и возвращает его
func (s *MachineTestSuite) ring(body []byte) *sip.Request {
	inv := s.peerInvite("incoming-1", body)
	s.handle(inv)
	s.Equal(IncomingAlerting, s.m.State())
	s.Equal(session.IncomingAlerting, s.store.State())
	return inv
}

func (s *MachineTestSuite) ack(inv *sip.Request, res *sip.Response) {
	ack, err := s.peer.NewAck(inv, res)
	s.Require().NoError(err)
	s.handle(ack)
}

func (s *MachineTestSuite) TestOutgoingCallAnsweredAndHungUp() {
	inv := s.dial()
	s.Equal("127.0.0.1:5080", s.sender.sent[0].to.String())
	s.Equal("pbx.example", inv.Recipient.Host)
	s.Equal(message.ContentTypeSDP, inv.ContentType().Value())
	s.NotEmpty(s.store.Snapshot().CallID)
	s.Equal(session.Idle, s.store.State())

	s.peerRespond(inv, sip.StatusTrying, "Trying", nil)
	s.Equal(OutgoingRinging, s.m.State())
	s.Equal(session.OutgoingAlerting, s.store.State())

	s.peerRespond(inv, sip.StatusOK, "OK", s.sdp(30000, media_sdp.PCMU))
	s.Equal(OutgoingActive, s.m.State())
	s.Equal(session.OutgoingActive, s.store.State())

	ack := s.lastRequest(sip.ACK)
	s.Equal(uint32(1), ack.CSeq().SeqNo)
	s.Equal("calleetag", message.Tag(ack.To().Params))
	s.Equal(5080, ack.Recipient.Port)
	s.Equal("127.0.0.1:30000", s.media.remote.String())
	s.Equal(media_sdp.PayloadTypePCMU, s.media.pt)

	s.True(s.store.Hangup())
	s.tick()
	s.Equal(OutgoingTerminating, s.m.State())
	s.Equal(1, s.media.unbinds)

	bye := s.lastRequest(sip.BYE)
	s.Equal(uint32(2), bye.CSeq().SeqNo)
	s.Equal(message.CallID(inv), message.CallID(bye))

	s.peerRespond(bye, sip.StatusOK, "OK", nil)
	s.Equal(Idle, s.m.State())
	s.Empty(s.store.Snapshot().CallID)
	s.Equal(session.Idle, s.store.State())
}

func (s *MachineTestSuite) TestOutgoingRetransmitAndTimeout() {
	s.dial()

	for _, step := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		s.advance(step)
		s.Equal(OutgoingInviting, s.m.State())
	}
	s.Len(s.sender.requests(sip.INVITE), 4)

	s.advance(25 * time.Second)
	s.Equal(Idle, s.m.State())
	s.Empty(s.store.Snapshot().CallID)
}

func (s *MachineTestSuite) TestHangupRefusedWhileInviting() {
	s.dial()
	s.False(s.store.Hangup())
}

func (s *MachineTestSuite) TestOutgoingCancelWhileRinging() {
	inv := s.dial()
	s.peerRespond(inv, sip.StatusRinging, "Ringing", nil)

	s.True(s.store.Hangup())
	s.tick()
	s.Equal(OutgoingTerminating, s.m.State())
	s.Equal(session.Idle, s.store.State())

	cancel := s.lastRequest(sip.CANCEL)
	s.Equal(message.Branch(inv.Via()), message.Branch(cancel.Via()))
	s.Equal(inv.CSeq().SeqNo, cancel.CSeq().SeqNo)

	s.peerRespond(cancel, sip.StatusOK, "OK", nil)
	s.Equal(OutgoingTerminating, s.m.State())

	s.peerRespond(inv, 487, "Request Terminated", nil)
	s.Equal(Idle, s.m.State())

	ack := s.lastRequest(sip.ACK)
	s.Equal(message.Branch(inv.Via()), message.Branch(ack.Via()))
	s.Zero(s.media.binds)
}

func (s *MachineTestSuite) TestOutgoingAnswerCrossesCancel() {
	inv := s.dial()
	s.peerRespond(inv, sip.StatusRinging, "Ringing", nil)
	s.True(s.store.Hangup())
	s.tick()

	s.peerRespond(inv, sip.StatusOK, "OK", s.sdp(30000, media_sdp.PCMU))
	s.Equal(OutgoingTerminating, s.m.State())
	s.Len(s.sender.requests(sip.ACK), 1)
	bye := s.lastRequest(sip.BYE)
	s.Equal("calleetag", message.Tag(bye.To().Params))
	s.Zero(s.media.binds)

	s.peerRespond(bye, sip.StatusOK, "OK", nil)
	s.Equal(Idle, s.m.State())
}

func (s *MachineTestSuite) TestOutgoingDigestChallenge() {
	inv := s.dial()

	challenge := s.peer.NewResponse(inv, sip.StatusProxyAuthRequired, "Proxy Authentication Required", "calleetag")
	challenge.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="pbx.example", nonce="abc123", algorithm=MD5`))
	s.handle(challenge)

	invites := s.sender.requests(sip.INVITE)
	s.Require().Len(invites, 2)
	again := invites[1]
	s.Equal(uint32(2), again.CSeq().SeqNo)
	s.Equal(message.CallID(inv), message.CallID(again))
	s.Require().NotNil(again.GetHeader("Proxy-Authorization"))
	s.Contains(again.GetHeader("Proxy-Authorization").Value(), `username="100"`)
	s.Len(s.sender.requests(sip.ACK), 1)
	s.Equal(OutgoingInviting, s.m.State())

	// Повторный отказ после авторизации завершает вызов
	second := s.peer.NewResponse(again, sip.StatusProxyAuthRequired, "Proxy Authentication Required", "calleetag")
	second.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="pbx.example", nonce="def456", algorithm=MD5`))
	s.handle(second)
	s.Equal(Idle, s.m.State())
	s.Len(s.sender.requests(sip.INVITE), 2)
}

func (s *MachineTestSuite) TestOutgoingBusy() {
	inv := s.dial()
	s.peerRespond(inv, sip.StatusBusyHere, "Busy Here", nil)

	s.Equal(Idle, s.m.State())
	s.Len(s.sender.requests(sip.ACK), 1)
	s.Empty(s.store.Snapshot().CallID)
	s.True(s.store.PlaceCall("100", "sip:200@pbx.example", "", "", ""))
}

func (s *MachineTestSuite) TestOutgoingViaProxy() {
	s.Require().True(s.store.PlaceCall("100", "sip:200@10.1.1.1", "pbx.example", "", ""))
	s.tick()

	inv := s.lastRequest(sip.INVITE)
	s.Equal("10.1.1.1", inv.Recipient.Host)
	s.Equal("127.0.0.1:5080", s.sender.sent[0].to.String())
	s.Equal("pbx.example", inv.From().Address.Host)
}

func (s *MachineTestSuite) TestOutgoingResolveFailure() {
	s.Require().True(s.store.PlaceCall("100", "sip:200@unknown.example", "", "", ""))
	s.tick()

	s.Equal(Idle, s.m.State())
	s.Empty(s.sender.sent)
	s.Empty(s.store.Snapshot().CallID)
}

func (s *MachineTestSuite) TestIncomingAnsweredAndPeerBye() {
	inv := s.ring(s.sdp(40000, media_sdp.PCMA))

	ringing := s.lastResponse()
	s.Equal(sip.StatusRinging, ringing.StatusCode)
	localTag := message.Tag(ringing.To().Params)
	s.NotEmpty(localTag)
	s.Equal("127.0.0.1:5080", s.sender.sent[0].to.String())

	s.True(s.store.Answer())
	s.tick()
	s.Equal(IncomingAccepting, s.m.State())
	s.Equal(session.IncomingActive, s.store.State())

	ok := s.lastResponse()
	s.Equal(sip.StatusOK, ok.StatusCode)
	s.Equal(localTag, message.Tag(ok.To().Params))
	s.NotNil(ok.Contact())
	s.Contains(string(ok.Body()), "m=audio 8888 RTP/AVP 8")
	s.Equal("127.0.0.1:40000", s.media.remote.String())
	s.Equal(media_sdp.PayloadTypePCMA, s.media.pt)

	s.ack(inv, ok)
	s.Equal(IncomingActive, s.m.State())

	bye, err := s.peer.NewBye(message.DialogParams{
		CallID:       message.CallID(inv),
		LocalURI:     inv.From().Address,
		LocalTag:     "peertag",
		RemoteURI:    inv.To().Address,
		RemoteTag:    localTag,
		RemoteTarget: ok.Contact().Address,
	}, 2)
	s.Require().NoError(err)
	s.handle(bye)

	res := s.lastResponse()
	s.Equal(sip.StatusOK, res.StatusCode)
	s.Equal(sip.BYE, res.CSeq().MethodName)
	s.Equal(Idle, s.m.State())
	s.Equal(1, s.media.unbinds)
	s.Equal(session.Idle, s.store.State())
}

func (s *MachineTestSuite) TestIncomingRejected() {
	inv := s.ring(s.sdp(40000, media_sdp.PCMU))

	s.True(s.store.Hangup())
	s.tick()
	s.Equal(IncomingRejecting, s.m.State())
	busy := s.lastResponse()
	s.Equal(sip.StatusBusyHere, busy.StatusCode)

	// Без ACK ответ повторяется
	s.advance(time.Second)
	s.Equal(sip.StatusBusyHere, s.lastResponse().StatusCode)
	s.Len(s.sender.responses(), 3)

	s.ack(inv, busy)
	s.Equal(Idle, s.m.State())
	s.Empty(s.store.Snapshot().CallID)
}

func (s *MachineTestSuite) TestIncomingCancelled() {
	inv := s.ring(nil)

	cancel, err := s.peer.NewCancel(inv)
	s.Require().NoError(err)
	s.handle(cancel)

	responses := s.sender.responses()
	s.Require().Len(responses, 3)
	s.Equal(sip.StatusOK, responses[1].StatusCode)
	s.Equal(sip.CANCEL, responses[1].CSeq().MethodName)
	s.Equal(487, responses[2].StatusCode)
	s.Equal(sip.INVITE, responses[2].CSeq().MethodName)
	s.Equal(IncomingRejecting, s.m.State())
	s.Equal(session.Idle, s.store.State())

	s.ack(inv, responses[2])
	s.Equal(Idle, s.m.State())
}

func (s *MachineTestSuite) TestIncomingBusyDuringCall() {
	s.ring(s.sdp(40000, media_sdp.PCMU))

	s.handle(s.peerInvite("incoming-2", s.sdp(40002, media_sdp.PCMU)))
	res := s.lastResponse()
	s.Equal(sip.StatusBusyHere, res.StatusCode)
	s.Equal("incoming-2", message.CallID(res))
	s.Equal(IncomingAlerting, s.m.State())
	s.Equal("incoming-1", s.store.Snapshot().CallID)
}

func (s *MachineTestSuite) TestIncomingRetransmittedInvite() {
	inv := s.ring(s.sdp(40000, media_sdp.PCMU))
	s.handle(inv)

	responses := s.sender.responses()
	s.Require().Len(responses, 2)
	s.Equal(message.Tag(responses[0].To().Params), message.Tag(responses[1].To().Params))
	s.Equal(IncomingAlerting, s.m.State())
}

func (s *MachineTestSuite) TestIncomingAckTimeout() {
	s.ring(s.sdp(40000, media_sdp.PCMU))
	s.True(s.store.Answer())
	s.tick()

	s.advance(DefaultConfig().TransactionTimeout)
	s.Equal(IncomingTerminating, s.m.State())
	s.Len(s.sender.requests(sip.BYE), 1)
	s.Equal(1, s.media.unbinds)

	s.advance(DefaultConfig().TransactionTimeout)
	s.Equal(Idle, s.m.State())
}

func (s *MachineTestSuite) TestIncomingLateOffer() {
	inv := s.ring(nil)
	s.True(s.store.Answer())
	s.tick()

	ok := s.lastResponse()
	s.Contains(string(ok.Body()), "m=audio 8888 RTP/AVP 0 8")
	s.Zero(s.media.binds)

	ack, err := s.peer.NewAck(inv, ok)
	s.Require().NoError(err)
	ct := sip.ContentTypeHeader(message.ContentTypeSDP)
	ack.AppendHeader(&ct)
	ack.SetBody(s.sdp(40000, media_sdp.PCMU))
	s.handle(ack)

	s.Equal(IncomingActive, s.m.State())
	s.Equal("127.0.0.1:40000", s.media.remote.String())
}

func (s *MachineTestSuite) TestIncomingIncompatibleOffer() {
	s.handle(s.peerInvite("incoming-1", s.sdp(40000, media_sdp.CodecInfo{PayloadType: 18, Name: "G729", ClockRate: 8000})))

	s.Equal(488, s.lastResponse().StatusCode)
	s.Equal(Idle, s.m.State())
	s.Empty(s.store.Snapshot().CallID)
}

func (s *MachineTestSuite) TestOutOfDialogRequests() {
	bye, err := s.peer.NewBye(message.DialogParams{
		CallID:       "nope",
		LocalURI:     sip.Uri{Scheme: "sip", User: "300", Host: "127.0.0.1"},
		LocalTag:     "a",
		RemoteURI:    sip.Uri{Scheme: "sip", User: "device", Host: "127.0.0.1"},
		RemoteTag:    "b",
		RemoteTarget: sip.Uri{Scheme: "sip", Host: "127.0.0.1"},
	}, 1)
	s.Require().NoError(err)
	s.handle(bye)
	s.Equal(481, s.lastResponse().StatusCode)

	options, err := s.peer.NewRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", Host: "127.0.0.1"}).
		From(sip.Uri{Scheme: "sip", User: "300", Host: "127.0.0.1"}, "", "a").
		To(sip.Uri{Scheme: "sip", Host: "127.0.0.1"}, "").
		CallID("options-1").
		CSeq(1).
		Build()
	s.Require().NoError(err)
	s.handle(options)
	res := s.lastResponse()
	s.Equal(sip.StatusOK, res.StatusCode)
	s.NotNil(res.GetHeader("Allow"))

	msg, err := s.peer.NewRequest(sip.MESSAGE, sip.Uri{Scheme: "sip", Host: "127.0.0.1"}).
		From(sip.Uri{Scheme: "sip", User: "300", Host: "127.0.0.1"}, "", "a").
		To(sip.Uri{Scheme: "sip", Host: "127.0.0.1"}, "").
		CallID("message-1").
		CSeq(1).
		Build()
	s.Require().NoError(err)
	s.handle(msg)
	s.Equal(501, s.lastResponse().StatusCode)

	s.Equal(Idle, s.m.State())
}

func (s *MachineTestSuite) TestForeignResponseIgnored() {
	inv := s.dial()
	res := s.peer.NewResponse(inv, sip.StatusOK, "OK", "x")
	*res.CallID() = sip.CallIDHeader("other")
	s.False(s.m.HandleResponse(s.ctx, res, s.now))
	s.Equal(OutgoingInviting, s.m.State())
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}
