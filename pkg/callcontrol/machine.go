// Package callcontrol ведет единственный вызов агента: исходящий или
// входящий INVITE диалог, его завершение и привязку RTP потока.
//
// Machine принадлежит сигнальному циклу и не защищается мьютексом.
// С API он общается только через session.Store: намерения забираются
// в Tick, внешнее состояние публикует цикл по State.
package callcontrol

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/embedded_phone/pkg/logger"
	"github.com/arzzra/embedded_phone/pkg/metrics"
	"github.com/arzzra/embedded_phone/pkg/session"
	"github.com/arzzra/embedded_phone/pkg/sip/message"
)

// Sender отправляет SIP сообщение на адрес
type Sender interface {
	Send(msg sip.Message, to *net.UDPAddr) error
}

// Resolver разрешает имя хоста в UDP адрес
type Resolver interface {
	Resolve(ctx context.Context, host string, port int) (*net.UDPAddr, error)
}

// Media RTP транспорт, к которому привязывается активный вызов
type Media interface {
	Bind(remote *net.UDPAddr, payloadType uint8)
	Unbind()
}

// События автомата
const (
	evInvite      = "invite"
	evProvisional = "provisional"
	evAccepted    = "accepted"
	evCancel      = "cancel"
	evHangup      = "hangup"
	evPeerBye     = "peer_bye"
	evIncoming    = "incoming"
	evReject      = "reject"
	evAnswer      = "answer"
	evConfirmed   = "confirmed"
	evFailed      = "failed"
	evCompleted   = "completed"
)

const (
	directionOutgoing = "outgoing"
	directionIncoming = "incoming"
)

// Options зависимости автомата
type Options struct {
	Config   Config
	Store    *session.Store
	Endpoint message.Endpoint
	Sender   Sender
	Resolver Resolver
	Media    Media
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Machine автомат вызова
type Machine struct {
	cfg      Config
	store    *session.Store
	endpoint message.Endpoint
	sender   Sender
	resolver Resolver
	media    Media
	logger   *slog.Logger
	metrics  *metrics.Collector

	fsm  *fsm.FSM
	call *call
}

// NewMachine создает автомат в состоянии Idle
func NewMachine(opts Options) *Machine {
	cfg := opts.Config.withDefaults()
	if cfg.Media.Host == "" {
		cfg.Media.Host = opts.Endpoint.Host
	}
	m := &Machine{
		cfg:      cfg,
		store:    opts.Store,
		endpoint: opts.Endpoint,
		sender:   opts.Sender,
		resolver: opts.Resolver,
		media:    opts.Media,
		logger:   logger.Component(opts.Logger, "callcontrol"),
		metrics:  opts.Metrics,
	}
	m.initStateMachine()
	return m
}

// initStateMachine инициализирует конечный автомат состояний
func (m *Machine) initStateMachine() {
	s := func(states ...DialogState) []string {
		out := make([]string, len(states))
		for i, st := range states {
			out[i] = string(st)
		}
		return out
	}

	m.fsm = fsm.NewFSM(
		string(Idle),
		fsm.Events{
			// Исходящий вызов
			{Name: evInvite, Src: s(Idle), Dst: string(OutgoingInviting)},
			{Name: evProvisional, Src: s(OutgoingInviting), Dst: string(OutgoingRinging)},
			{Name: evAccepted, Src: s(OutgoingInviting, OutgoingRinging), Dst: string(OutgoingActive)},
			{Name: evCancel, Src: s(OutgoingRinging), Dst: string(OutgoingTerminating)},
			{Name: evHangup, Src: s(OutgoingActive), Dst: string(OutgoingTerminating)},
			{Name: evPeerBye, Src: s(OutgoingActive), Dst: string(OutgoingTerminating)},
			{Name: evFailed, Src: s(OutgoingInviting, OutgoingRinging), Dst: string(Idle)},

			// Входящий вызов
			{Name: evIncoming, Src: s(Idle), Dst: string(IncomingAlerting)},
			{Name: evReject, Src: s(IncomingAlerting), Dst: string(IncomingRejecting)},
			{Name: evAnswer, Src: s(IncomingAlerting), Dst: string(IncomingAccepting)},
			{Name: evConfirmed, Src: s(IncomingAccepting), Dst: string(IncomingActive)},
			{Name: evHangup, Src: s(IncomingAccepting, IncomingActive), Dst: string(IncomingTerminating)},
			{Name: evPeerBye, Src: s(IncomingAccepting, IncomingActive), Dst: string(IncomingTerminating)},

			// Завершение
			{Name: evCompleted, Src: s(OutgoingTerminating, IncomingRejecting, IncomingTerminating), Dst: string(Idle)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				m.logger.Debug("callcontrol.transition",
					slog.String("event", e.Event),
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
}

// State возвращает текущее внутреннее состояние
func (m *Machine) State() DialogState {
	return DialogState(m.fsm.Current())
}

// PublicState возвращает внешнее состояние без учета регистрации
func (m *Machine) PublicState() session.State {
	return PublicState(m.State())
}

// fire выполняет переход; недопустимое событие только логируется
func (m *Machine) fire(ctx context.Context, event string) bool {
	if err := m.fsm.Event(ctx, event); err != nil {
		m.logger.Warn("Недопустимый переход",
			slog.String("event", event),
			slog.String("state", m.fsm.Current()),
			slog.Any("error", err))
		return false
	}
	return true
}

// Tick забирает намерения API и обслуживает таймеры вызова
func (m *Machine) Tick(ctx context.Context, now time.Time) {
	if oc, ok := m.store.TakePlaceCall(); ok {
		m.placeCall(ctx, oc, now)
	}
	if m.store.TakeAnswer() {
		m.answer(ctx, now)
	}
	if m.store.TakeHangup() {
		m.hangup(ctx, now)
	}
	m.timers(ctx, now)
}

// HandleRequest обрабатывает входящий запрос от src
func (m *Machine) HandleRequest(ctx context.Context, req *sip.Request, src *net.UDPAddr, now time.Time) {
	switch req.Method {
	case sip.INVITE:
		m.onInvite(ctx, req, src, now)
	case sip.ACK:
		m.onAck(ctx, req, now)
	case sip.CANCEL:
		m.onCancel(ctx, req, src, now)
	case sip.BYE:
		m.onBye(ctx, req, src)
	case sip.OPTIONS:
		res := m.endpoint.NewResponse(req, sip.StatusOK, "OK", "")
		res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
		m.reply(res, src)
	default:
		m.reply(m.endpoint.NewResponse(req, 501, "Not Implemented", ""), src)
	}
}

// HandleResponse обрабатывает ответ на запрос вызова. Возвращает false,
// если ответ не относится к текущему вызову.
func (m *Machine) HandleResponse(ctx context.Context, res *sip.Response, now time.Time) bool {
	c := m.call
	cseq := res.CSeq()
	if c == nil || cseq == nil || message.CallID(res) != c.id {
		return false
	}

	switch cseq.MethodName {
	case sip.INVITE:
		if c.outgoing {
			m.onInviteResponse(ctx, res, now)
		}
	case sip.CANCEL:
		if !res.IsProvisional() && c.pending != nil && c.pending.Method == sip.CANCEL {
			// Ждем 487 на INVITE до истечения deadline
			c.stopRetransmit()
		}
	case sip.BYE:
		if !res.IsProvisional() && c.pending != nil && c.pending.Method == sip.BYE && cseq.SeqNo == c.cseq {
			m.logger.Debug("callcontrol.bye completed", slog.Int("status", res.StatusCode))
			m.finish(ctx, evCompleted, "completed")
		}
	}
	return true
}

// finish завершает вызов событием event и освобождает слот диалога
func (m *Machine) finish(ctx context.Context, event, result string) {
	c := m.call
	if c == nil {
		return
	}
	if c.mediaBound {
		m.media.Unbind()
	}
	m.fire(ctx, event)
	m.call = nil
	m.store.ReleaseCall()

	direction := directionIncoming
	if c.outgoing {
		direction = directionOutgoing
	}
	m.metrics.CallResult(direction, result)
	m.logger.Info("Вызов завершен",
		slog.String("call_id", c.id),
		slog.String("direction", direction),
		slog.String("result", result))
}

// reply отправляет ответ без повторов
func (m *Machine) reply(res *sip.Response, to *net.UDPAddr) {
	if err := m.sender.Send(res, to); err != nil {
		m.logger.Error("Не удалось отправить ответ",
			slog.Int("status", res.StatusCode),
			slog.Any("addr", to),
			slog.Any("error", err))
	}
}

// send отправляет запрос без повторов
func (m *Machine) send(req *sip.Request, to *net.UDPAddr) bool {
	if err := m.sender.Send(req, to); err != nil {
		m.logger.Error("Не удалось отправить запрос",
			slog.String("method", string(req.Method)),
			slog.Any("addr", to),
			slog.Any("error", err))
		return false
	}
	return true
}

// hangup выполняет намерение положить трубку в текущем состоянии
func (m *Machine) hangup(ctx context.Context, now time.Time) {
	switch m.State() {
	case OutgoingRinging:
		m.cancel(ctx, now)
	case OutgoingActive, IncomingAccepting, IncomingActive:
		m.bye(ctx, now)
	case IncomingAlerting:
		m.reject(ctx, sip.StatusBusyHere, "Busy Here", "rejected", now)
	default:
		m.logger.Debug("callcontrol.hangup ignored", slog.String("state", m.State().String()))
	}
}

// bye отправляет BYE в установленном диалоге
func (m *Machine) bye(ctx context.Context, now time.Time) {
	c := m.call
	if c.mediaBound {
		m.media.Unbind()
		c.mediaBound = false
	}

	m.fire(ctx, evHangup)
	// Без отправленного BYE диалог завершается локально
	if !m.sendBye(now) {
		m.finish(ctx, evCompleted, "completed")
	}
}

// sendBye отправляет BYE с повторами до ответа
func (m *Machine) sendBye(now time.Time) bool {
	c := m.call
	c.cseq++
	req, err := m.endpointFor(c).NewBye(c.dialogParams(), c.cseq)
	if err != nil {
		m.logger.Error("Ошибка создания BYE", slog.Any("error", err))
		return false
	}
	return m.transmit(req, now)
}

// transmit отправляет запрос с повторами до окончательного ответа
func (m *Machine) transmit(req *sip.Request, now time.Time) bool {
	c := m.call
	if !m.send(req, c.peer) {
		return false
	}
	c.pending = req
	c.final = nil
	c.interval = m.cfg.RetransmitInterval
	c.retransmitAt = now.Add(c.interval)
	c.deadline = now.Add(m.cfg.TransactionTimeout)
	return true
}

// respondFinal отправляет окончательный ответ на INVITE и повторяет его до ACK
func (m *Machine) respondFinal(res *sip.Response, now time.Time) {
	c := m.call
	m.reply(res, c.peer)
	c.last = res
	c.final = res
	c.pending = nil
	c.interval = m.cfg.RetransmitInterval
	c.retransmitAt = now.Add(c.interval)
	c.deadline = now.Add(m.cfg.TransactionTimeout)
}

// timers повторяет неподтвержденные сообщения и обрабатывает истечение deadline
func (m *Machine) timers(ctx context.Context, now time.Time) {
	c := m.call
	if c == nil {
		return
	}

	if !c.retransmitAt.IsZero() && !now.Before(c.retransmitAt) {
		switch {
		case c.pending != nil:
			m.send(c.pending, c.peer)
		case c.final != nil:
			m.reply(c.final, c.peer)
		}
		c.interval *= 2
		if c.interval > m.cfg.MaxRetransmitInterval {
			c.interval = m.cfg.MaxRetransmitInterval
		}
		c.retransmitAt = now.Add(c.interval)
	}

	if c.deadline.IsZero() || now.Before(c.deadline) {
		return
	}
	c.deadline = time.Time{}

	state := m.State()
	m.logger.Warn("Истекло время ожидания", slog.String("state", state.String()), slog.String("call_id", c.id))
	switch state {
	case OutgoingInviting:
		m.finish(ctx, evFailed, "timeout")
	case OutgoingRinging:
		m.cancel(ctx, now)
	case OutgoingTerminating, IncomingTerminating:
		m.finish(ctx, evCompleted, "timeout")
	case IncomingRejecting:
		m.finish(ctx, evCompleted, c.result)
	case IncomingAlerting:
		m.reject(ctx, 480, "Temporarily Unavailable", "timeout", now)
	case IncomingAccepting:
		// ACK не пришел: диалог считается установленным и закрывается BYE
		m.bye(ctx, now)
	}
}
