package callcontrol

import (
	"context"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/embedded_phone/pkg/media_sdp"
	"github.com/arzzra/embedded_phone/pkg/session"
	"github.com/arzzra/embedded_phone/pkg/sip/message"
)

// placeCall начинает исходящий вызов: INVITE уходит на прокси, если он
// задан, иначе на хост из URI назначения.
func (m *Machine) placeCall(ctx context.Context, oc session.OutgoingCall, now time.Time) {
	if m.State() != Idle {
		m.logger.Warn("Вызов уже идет, исходящий вызов отброшен", slog.String("state", m.State().String()))
		return
	}

	target, err := message.ParseTarget(oc.DestinationURI)
	if err != nil {
		m.logger.Error("Некорректный адрес назначения",
			slog.String("uri", oc.DestinationURI), slog.Any("error", err))
		m.metrics.CallResult(directionOutgoing, "invalid_target")
		return
	}
	host, port := message.HostPort(target)
	if oc.ProxyHost != "" {
		if host, port, err = message.SplitHostPort(oc.ProxyHost); err != nil {
			m.logger.Error("Некорректный адрес прокси",
				slog.String("proxy", oc.ProxyHost), slog.Any("error", err))
			m.metrics.CallResult(directionOutgoing, "invalid_target")
			return
		}
	}
	addr, err := m.resolver.Resolve(ctx, host, port)
	if err != nil {
		m.logger.Error("Не удалось разрешить адрес вызова",
			slog.String("host", host), slog.Any("error", err))
		m.metrics.CallResult(directionOutgoing, "resolve_error")
		return
	}

	offer, err := media_sdp.NewOffer(m.cfg.Media, uint64(now.Unix()))
	if err != nil {
		m.logger.Error("Не удалось создать SDP offer", slog.Any("error", err))
		m.metrics.CallResult(directionOutgoing, "media_error")
		return
	}

	id := message.GenerateCallID(m.endpoint.Host)
	if !m.store.BindCall(id) {
		m.logger.Warn("Слот диалога занят, исходящий вызов отброшен")
		return
	}

	user := oc.Username
	if user == "" {
		user = oc.CallerID
	}
	m.call = &call{
		id:           id,
		outgoing:     true,
		peer:         addr,
		local:        sip.Uri{Scheme: "sip", User: user, Host: host},
		display:      oc.CallerID,
		localTag:     message.GenerateTag(),
		remote:       target,
		remoteTarget: target,
		username:     oc.Username,
		password:     oc.Password,
		offer:        offer,
	}
	if !m.sendInvite(nil, now) {
		m.call = nil
		m.store.ReleaseCall()
		m.metrics.CallResult(directionOutgoing, "send_error")
		return
	}
	m.fire(ctx, evInvite)
	m.logger.Info("Исходящий вызов",
		slog.String("call_id", id),
		slog.String("to", target.String()),
		slog.Any("addr", addr))
}

// sendInvite отправляет INVITE с новым CSeq; auth добавляется после 401/407
func (m *Machine) sendInvite(auth sip.Header, now time.Time) bool {
	c := m.call
	c.cseq++
	req, err := m.endpointFor(c).NewRequest(sip.INVITE, c.remoteTarget).
		From(c.local, c.display, c.localTag).
		To(c.remote, "").
		CallID(c.id).
		CSeq(c.cseq).
		Contact().
		Header(auth).
		Body(message.ContentTypeSDP, c.offer).
		Build()
	if err != nil {
		m.logger.Error("Ошибка создания INVITE", slog.Any("error", err))
		return false
	}
	c.invite = req
	return m.transmit(req, now)
}

// onInviteResponse обрабатывает ответ на наш INVITE
func (m *Machine) onInviteResponse(ctx context.Context, res *sip.Response, now time.Time) {
	c := m.call
	if res.CSeq().SeqNo != c.invite.CSeq().SeqNo {
		// Ответ на INVITE до авторизации
		return
	}

	state := m.State()
	switch {
	case res.IsProvisional():
		if state != OutgoingInviting {
			return
		}
		c.stopRetransmit()
		c.deadline = now.Add(m.cfg.RingingTimeout)
		m.fire(ctx, evProvisional)

	case res.IsSuccess():
		m.onInviteSuccess(ctx, res, now)

	default:
		if ack, err := m.endpoint.NewAck(c.invite, res); err == nil {
			m.send(ack, c.peer)
		} else {
			m.logger.Error("Ошибка создания ACK", slog.Any("error", err))
		}

		switch state {
		case OutgoingTerminating:
			m.finish(ctx, evCompleted, "cancelled")
			return
		case OutgoingInviting, OutgoingRinging:
		default:
			return
		}

		if message.IsChallenge(res) && !c.authTried {
			c.authTried = true
			auth, err := message.Credentials(c.invite, res, c.username, c.password)
			if err == nil && m.sendInvite(auth, now) {
				return
			}
			m.logger.Error("Не удалось ответить на запрос авторизации", slog.Any("error", err))
		}

		result := "rejected"
		if res.StatusCode == sip.StatusBusyHere {
			result = "busy"
		}
		m.logger.Info("Вызов отклонен",
			slog.Int("status", res.StatusCode),
			slog.String("reason", res.Reason))
		m.finish(ctx, evFailed, result)
	}
}

// onInviteSuccess обрабатывает 2xx на INVITE
func (m *Machine) onInviteSuccess(ctx context.Context, res *sip.Response, now time.Time) {
	c := m.call

	// Повтор 2xx: ACK уже отправлен
	if c.ack != nil {
		m.send(c.ack, c.peer)
		return
	}

	c.remoteTag = message.Tag(res.To().Params)
	if ct := res.Contact(); ct != nil && ct.Address.Host != "" {
		c.remoteTarget = ct.Address
	}
	ack, err := m.endpointFor(c).NewAck(c.invite, res)
	if err != nil {
		m.logger.Error("Ошибка создания ACK", slog.Any("error", err))
	} else {
		c.ack = ack
		m.send(ack, c.peer)
	}

	switch m.State() {
	case OutgoingInviting, OutgoingRinging:
		c.stopRetransmit()
		c.deadline = time.Time{}
		m.fire(ctx, evAccepted)

		remote, err := media_sdp.ParseRemote(res.Body(), m.cfg.Media)
		if err != nil {
			m.logger.Error("Некорректный SDP answer, вызов завершается", slog.Any("error", err))
			m.bye(ctx, now)
			return
		}
		m.bindMedia(remote)
		m.logger.Info("Вызов принят",
			slog.String("call_id", c.id),
			slog.Any("media", remote.Addr),
			slog.String("codec", remote.Codec.Name))

	case OutgoingTerminating:
		// 2xx разминулся с нашим CANCEL: диалог установлен и закрывается BYE
		if !m.sendBye(now) {
			m.finish(ctx, evCompleted, "cancelled")
		}
	}
}

// cancel отменяет INVITE, на который пришел только предварительный ответ
func (m *Machine) cancel(ctx context.Context, now time.Time) {
	c := m.call
	m.fire(ctx, evCancel)

	req, err := m.endpoint.NewCancel(c.invite)
	if err != nil {
		m.logger.Error("Ошибка создания CANCEL", slog.Any("error", err))
		m.finish(ctx, evCompleted, "cancelled")
		return
	}
	if !m.transmit(req, now) {
		m.finish(ctx, evCompleted, "cancelled")
	}
}
