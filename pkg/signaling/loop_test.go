package signaling

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"github.com/arzzra/embedded_phone/pkg/callcontrol"
	"github.com/arzzra/embedded_phone/pkg/logger"
	"github.com/arzzra/embedded_phone/pkg/media_sdp"
	"github.com/arzzra/embedded_phone/pkg/notify"
	"github.com/arzzra/embedded_phone/pkg/registration"
	"github.com/arzzra/embedded_phone/pkg/resolver"
	"github.com/arzzra/embedded_phone/pkg/session"
	"github.com/arzzra/embedded_phone/pkg/sip/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeMedia struct {
	mu     sync.Mutex
	remote *net.UDPAddr
	bound  bool
}

func (f *fakeMedia) Bind(remote *net.UDPAddr, _ uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote, f.bound = remote, true
}

func (f *fakeMedia) Unbind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = false
}

func (f *fakeMedia) state() (*net.UDPAddr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote, f.bound
}

// LoopTestSuite гоняет цикл на loopback против удаленной стороны,
// которая одна играет и регистратора, и абонента
type LoopTestSuite struct {
	suite.Suite

	store     *session.Store
	media     *fakeMedia
	transport *UDPTransport
	events    chan notify.Event

	peer   *net.UDPConn
	peerEP message.Endpoint
	codec  *message.Codec

	cancel context.CancelFunc
	done   chan error
}

func TestLoopTestSuite(t *testing.T) {
	suite.Run(t, new(LoopTestSuite))
}

func (s *LoopTestSuite) SetupTest() {
	var err error
	s.transport, err = ListenUDP("127.0.0.1:0", logger.Noop, nil)
	s.Require().NoError(err)

	s.peer, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	s.Require().NoError(err)
	peerAddr := s.peer.LocalAddr().(*net.UDPAddr)
	s.peerEP = message.Endpoint{Host: "127.0.0.1", Port: peerAddr.Port, UserAgent: "peer"}
	s.codec = message.NewCodec()

	s.store = session.NewStore()
	s.media = &fakeMedia{}
	s.events = make(chan notify.Event, 32)

	local := message.Endpoint{Host: "127.0.0.1", Port: s.transport.LocalAddr().Port, UserAgent: "loop-test"}
	res := resolver.Static{"pbx.test": peerAddr.String()}

	reg := registration.NewManager(registration.Options{
		Config:   registration.DefaultConfig(),
		Store:    s.store,
		Endpoint: local,
		Sender:   s.transport,
		Resolver: res,
		Logger:   logger.Noop,
	})
	machine := callcontrol.NewMachine(callcontrol.Options{
		Config:   callcontrol.DefaultConfig(),
		Store:    s.store,
		Endpoint: local,
		Sender:   s.transport,
		Resolver: res,
		Media:    s.media,
		Logger:   logger.Noop,
	})
	bus := notify.NewBus(logger.Noop)
	bus.SetCallback(func(ev notify.Event) { s.events <- ev })

	loop := New(Options{
		Config:       Config{Interval: 50 * time.Millisecond},
		Transport:    s.transport,
		Store:        s.store,
		Registration: reg,
		Machine:      machine,
		Bus:          bus,
		Logger:       logger.Noop,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- loop.Run(ctx) }()
}

func (s *LoopTestSuite) TearDownTest() {
	s.cancel()
	select {
	case err := <-s.done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("цикл не остановился")
	}
	s.peer.Close()
}

func (s *LoopTestSuite) send(msg sip.Message) {
	data, err := s.codec.Encode(msg)
	s.Require().NoError(err)
	s.sendRaw(data)
}

func (s *LoopTestSuite) sendRaw(data []byte) {
	_, err := s.peer.WriteToUDP(data, s.transport.LocalAddr())
	s.Require().NoError(err)
}

func (s *LoopTestSuite) read() sip.Message {
	buf := make([]byte, message.MaxMessageSize)
	s.Require().NoError(s.peer.SetReadDeadline(time.Now().Add(2 * time.Second)))
	n, _, err := s.peer.ReadFromUDP(buf)
	s.Require().NoError(err)

	msg, err := s.codec.Decode(buf[:n])
	s.Require().NoError(err)
	return msg
}

func (s *LoopTestSuite) readRequest(method sip.RequestMethod) *sip.Request {
	req, ok := s.read().(*sip.Request)
	s.Require().True(ok, "ожидался запрос %s", method)
	s.Require().Equal(method, req.Method)
	return req
}

func (s *LoopTestSuite) readResponse(code int) *sip.Response {
	res, ok := s.read().(*sip.Response)
	s.Require().True(ok, "ожидался ответ %d", code)
	s.Require().Equal(code, res.StatusCode)
	return res
}

func (s *LoopTestSuite) expectEvent(state, previous session.State) {
	select {
	case ev := <-s.events:
		s.Equal(state, ev.State)
		s.Equal(previous, ev.Previous)
		s.False(ev.At.IsZero())
	case <-time.After(2 * time.Second):
		s.FailNow("нет уведомления", "ожидалось %s", state)
	}
}

func (s *LoopTestSuite) expectNoEvent() {
	select {
	case ev := <-s.events:
		s.Failf("лишнее уведомление", "%s -> %s", ev.Previous, ev.State)
	case <-time.After(150 * time.Millisecond):
	}
}

func (s *LoopTestSuite) sdp(port int) []byte {
	body, err := media_sdp.NewOffer(media_sdp.Config{
		SessionName: "peer",
		Host:        "127.0.0.1",
		Port:        port,
		Codecs:      []media_sdp.CodecInfo{media_sdp.PCMU},
	}, 1)
	s.Require().NoError(err)
	return body
}

func (s *LoopTestSuite) TestRegistrationWithChallenge() {
	s.True(s.store.ConfigureRegistration("pbx.test", "alice", "secret"))

	first := s.readRequest(sip.REGISTER)
	challenge := sip.NewResponseFromRequest(first, sip.StatusUnauthorized, "Unauthorized", nil)
	challenge.AppendHeader(sip.NewHeader("WWW-Authenticate",
		`Digest realm="pbx.test", nonce="dcd98b7102dd2f0e", algorithm=MD5, qop="auth"`))
	s.send(challenge)

	second := s.readRequest(sip.REGISTER)
	s.NotNil(second.GetHeader("Authorization"))
	s.Equal(message.CallID(first), message.CallID(second))
	s.Greater(second.CSeq().SeqNo, first.CSeq().SeqNo)
	s.expectNoEvent()

	ok := sip.NewResponseFromRequest(second, sip.StatusOK, "OK", nil)
	ok.AppendHeader(sip.NewHeader("Expires", "3600"))
	s.send(ok)

	s.expectEvent(session.Registered, session.Idle)
	s.expectNoEvent()
}

func (s *LoopTestSuite) TestUnusableDatagramsDropped() {
	s.sendRaw(bytes.Repeat([]byte("A"), 1600))
	s.sendRaw([]byte("это не SIP\r\n\r\n"))
	s.expectNoEvent()

	// Цикл жив и отвечает
	opts, err := s.peerEP.NewRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", Host: "127.0.0.1", Port: s.transport.LocalAddr().Port}).
		From(sip.Uri{Scheme: "sip", User: "probe", Host: "127.0.0.1"}, "", "probetag").
		To(sip.Uri{Scheme: "sip", Host: "127.0.0.1"}, "").
		CallID("options-1").
		CSeq(1).
		Build()
	s.Require().NoError(err)
	s.send(opts)

	res := s.readResponse(sip.StatusOK)
	s.Equal("options-1", message.CallID(res))
	s.Equal(session.Idle, s.store.State())
}

func (s *LoopTestSuite) TestOversizedInviteIgnored() {
	target := sip.Uri{Scheme: "sip", User: "device", Host: "127.0.0.1", Port: s.transport.LocalAddr().Port}
	inv, err := s.peerEP.NewRequest(sip.INVITE, target).
		From(sip.Uri{Scheme: "sip", User: "300", Host: "127.0.0.1"}, "", "bigtag").
		To(sip.Uri{Scheme: "sip", User: "device", Host: "127.0.0.1"}, "").
		CallID("loop-oversized").
		CSeq(1).
		Contact().
		Header(sip.NewHeader("X-Padding", strings.Repeat("x", message.MaxMessageSize))).
		Body(message.ContentTypeSDP, s.sdp(41000)).
		Build()
	s.Require().NoError(err)

	data := []byte(inv.String())
	s.Require().Greater(len(data), message.MaxMessageSize)
	s.sendRaw(data)

	// Ни 180, ни уведомления: датаграмма обрезана и отброшена
	buf := make([]byte, message.MaxMessageSize)
	s.Require().NoError(s.peer.SetReadDeadline(time.Now().Add(300 * time.Millisecond)))
	_, _, err = s.peer.ReadFromUDP(buf)
	s.Error(err, "ответ на слишком большой INVITE")
	s.expectNoEvent()
	s.Equal(session.Idle, s.store.State())
}

func (s *LoopTestSuite) TestIncomingCall() {
	target := sip.Uri{Scheme: "sip", User: "device", Host: "127.0.0.1", Port: s.transport.LocalAddr().Port}
	inv, err := s.peerEP.NewRequest(sip.INVITE, target).
		From(sip.Uri{Scheme: "sip", User: "300", Host: "127.0.0.1"}, "", "peertag").
		To(sip.Uri{Scheme: "sip", User: "device", Host: "127.0.0.1"}, "").
		CallID("loop-incoming").
		CSeq(1).
		Contact().
		Body(message.ContentTypeSDP, s.sdp(41000)).
		Build()
	s.Require().NoError(err)
	s.send(inv)

	ringing := s.readResponse(sip.StatusRinging)
	s.expectEvent(session.IncomingAlerting, session.Idle)

	s.True(s.store.Answer())
	ok := s.readResponse(sip.StatusOK)
	s.Equal(message.Tag(ringing.To().Params), message.Tag(ok.To().Params))
	s.expectEvent(session.IncomingActive, session.IncomingAlerting)

	ack, err := s.peerEP.NewAck(inv, ok)
	s.Require().NoError(err)
	s.send(ack)

	bye, err := s.peerEP.NewBye(message.DialogParams{
		CallID:       "loop-incoming",
		LocalURI:     inv.From().Address,
		LocalTag:     "peertag",
		RemoteURI:    inv.To().Address,
		RemoteTag:    message.Tag(ok.To().Params),
		RemoteTarget: ok.Contact().Address,
	}, 2)
	s.Require().NoError(err)
	s.send(bye)

	s.Equal(sip.BYE, s.readResponse(sip.StatusOK).CSeq().MethodName)
	s.expectEvent(session.Idle, session.IncomingActive)

	remote, bound := s.media.state()
	s.False(bound)
	s.Equal("127.0.0.1:41000", remote.String())
}

func (s *LoopTestSuite) TestOutgoingCall() {
	s.True(s.store.PlaceCall("100", "sip:200@pbx.test", "", "", ""))

	inv := s.readRequest(sip.INVITE)
	s.Equal("200", inv.Recipient.User)
	s.False(s.store.PlaceCall("100", "sip:201@pbx.test", "", "", ""), "вызов уже идет")

	s.send(s.peerEP.NewResponse(inv, sip.StatusRinging, "Ringing", "calleetag"))
	s.expectEvent(session.OutgoingAlerting, session.Idle)

	ok := s.peerEP.NewResponse(inv, sip.StatusOK, "OK", "calleetag")
	message.SetBody(ok, message.ContentTypeSDP, s.sdp(42000))
	s.send(ok)

	ack := s.readRequest(sip.ACK)
	s.Equal(message.CallID(inv), message.CallID(ack))
	s.expectEvent(session.OutgoingActive, session.OutgoingAlerting)

	remote, bound := s.media.state()
	s.True(bound)
	s.Equal("127.0.0.1:42000", remote.String())

	s.True(s.store.Hangup())
	bye := s.readRequest(sip.BYE)
	s.send(s.peerEP.NewResponse(bye, sip.StatusOK, "OK", "calleetag"))
	s.expectEvent(session.Idle, session.OutgoingActive)
	s.Empty(s.store.Snapshot().CallID)
}

func TestListenUDPBusyAddress(t *testing.T) {
	first, err := ListenUDP("127.0.0.1:0", logger.Noop, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = ListenUDP(first.LocalAddr().String(), logger.Noop, nil)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "listen", terr.Operation)
}

func TestSendAfterClose(t *testing.T) {
	tr, err := ListenUDP("127.0.0.1:0", logger.Noop, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	req := sip.NewRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", Host: "127.0.0.1"})
	err = tr.Send(req, tr.LocalAddr())
	assert.ErrorIs(t, err, net.ErrClosed)
}
