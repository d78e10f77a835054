package callcontrol

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/embedded_phone/pkg/media_sdp"
	"github.com/arzzra/embedded_phone/pkg/sip/message"
)

// onInvite принимает новый входящий вызов или повторяет ответ на
// повторный INVITE. Пока занят слот диалога, новые вызовы получают 486.
func (m *Machine) onInvite(ctx context.Context, req *sip.Request, src *net.UDPAddr, now time.Time) {
	id := message.CallID(req)
	if c := m.call; c != nil && c.id == id {
		if !c.outgoing && c.last != nil {
			m.reply(c.last, c.peer)
		}
		return
	}

	if m.call != nil || m.State() != Idle {
		m.logger.Info("Занято, входящий вызов отклонен", slog.String("call_id", id))
		m.reply(m.endpoint.NewResponse(req, sip.StatusBusyHere, "Busy Here", message.GenerateTag()), src)
		return
	}
	if message.Tag(req.To().Params) != "" {
		m.reply(m.endpoint.NewResponse(req, 481, "Call/Transaction Does Not Exist", ""), src)
		return
	}

	var remote media_sdp.Remote
	lateOffer := len(req.Body()) == 0
	if !lateOffer {
		var err error
		if remote, err = media_sdp.ParseRemote(req.Body(), m.cfg.Media); err != nil {
			m.logger.Warn("Неприемлемый SDP offer", slog.String("call_id", id), slog.Any("error", err))
			m.reply(m.endpoint.NewResponse(req, 488, "Not Acceptable Here", message.GenerateTag()), src)
			m.metrics.CallResult(directionIncoming, "media_error")
			return
		}
	}

	if !m.store.BindCall(id) {
		m.reply(m.endpoint.NewResponse(req, sip.StatusBusyHere, "Busy Here", message.GenerateTag()), src)
		return
	}

	from := req.From()
	c := &call{
		id:           id,
		peer:         src,
		local:        req.To().Address,
		localTag:     message.GenerateTag(),
		remote:       from.Address,
		remoteTag:    message.Tag(from.Params),
		remoteTarget: from.Address,
		invite:       req,
		remoteMedia:  remote,
		lateOffer:    lateOffer,
	}
	if ct := req.Contact(); ct != nil && ct.Address.Host != "" {
		c.remoteTarget = ct.Address
	}
	m.call = c

	res := m.endpointFor(c).NewResponse(req, sip.StatusRinging, "Ringing", c.localTag)
	m.reply(res, src)
	c.last = res
	c.deadline = now.Add(m.cfg.RingingTimeout)
	m.fire(ctx, evIncoming)

	m.logger.Info("Входящий вызов",
		slog.String("call_id", id),
		slog.String("from", from.Address.String()),
		slog.Any("addr", src))
}

// answer отвечает 200 OK на входящий вызов
func (m *Machine) answer(ctx context.Context, now time.Time) {
	c := m.call
	if c == nil || m.State() != IncomingAlerting {
		return
	}

	var (
		body []byte
		err  error
	)
	if c.lateOffer {
		body, err = media_sdp.NewOffer(m.cfg.Media, uint64(now.Unix()))
	} else {
		body, err = media_sdp.NewAnswer(m.cfg.Media, c.remoteMedia, uint64(now.Unix()))
	}
	if err != nil {
		m.logger.Error("Не удалось создать SDP", slog.Any("error", err))
		m.reject(ctx, 488, "Not Acceptable Here", "media_error", now)
		return
	}

	res := m.endpointFor(c).NewResponse(c.invite, sip.StatusOK, "OK", c.localTag)
	message.SetBody(res, message.ContentTypeSDP, body)
	m.fire(ctx, evAnswer)
	m.respondFinal(res, now)
	if !c.lateOffer {
		m.bindMedia(c.remoteMedia)
	}
	m.logger.Info("Ответ на входящий вызов", slog.String("call_id", c.id))
}

// reject отвечает окончательной ошибкой и ждет ACK
func (m *Machine) reject(ctx context.Context, code int, reason, result string, now time.Time) {
	c := m.call
	c.result = result
	res := m.endpoint.NewResponse(c.invite, code, reason, c.localTag)
	m.fire(ctx, evReject)
	m.respondFinal(res, now)
}

// onAck подтверждает окончательный ответ на входящий INVITE
func (m *Machine) onAck(ctx context.Context, req *sip.Request, now time.Time) {
	c := m.call
	if c == nil || c.outgoing || message.CallID(req) != c.id {
		return
	}

	switch m.State() {
	case IncomingAccepting:
		c.stopRetransmit()
		c.deadline = time.Time{}
		m.fire(ctx, evConfirmed)

		if c.lateOffer {
			remote, err := media_sdp.ParseRemote(req.Body(), m.cfg.Media)
			if err != nil {
				m.logger.Error("Некорректный SDP answer в ACK, вызов завершается", slog.Any("error", err))
				m.bye(ctx, now)
				return
			}
			m.bindMedia(remote)
		}
		m.logger.Info("Вызов установлен", slog.String("call_id", c.id))

	case IncomingRejecting:
		m.finish(ctx, evCompleted, c.result)
	}
}

// onCancel отменяет входящий вызов до ответа
func (m *Machine) onCancel(ctx context.Context, req *sip.Request, src *net.UDPAddr, now time.Time) {
	c := m.call
	if c == nil || c.outgoing || message.CallID(req) != c.id {
		m.reply(m.endpoint.NewResponse(req, 481, "Call/Transaction Does Not Exist", ""), src)
		return
	}

	m.reply(m.endpoint.NewResponse(req, sip.StatusOK, "OK", c.localTag), src)
	if m.State() == IncomingAlerting {
		m.logger.Info("Входящий вызов отменен", slog.String("call_id", c.id))
		m.reject(ctx, 487, "Request Terminated", "cancelled", now)
	}
}

// onBye завершает диалог по BYE удаленной стороны
func (m *Machine) onBye(ctx context.Context, req *sip.Request, src *net.UDPAddr) {
	c := m.call
	if c == nil || message.CallID(req) != c.id {
		m.reply(m.endpoint.NewResponse(req, 481, "Call/Transaction Does Not Exist", ""), src)
		return
	}

	m.reply(m.endpoint.NewResponse(req, sip.StatusOK, "OK", ""), src)
	switch m.State() {
	case OutgoingActive, IncomingAccepting, IncomingActive:
		m.logger.Info("Удаленная сторона завершила вызов", slog.String("call_id", c.id))
		m.fire(ctx, evPeerBye)
		m.finish(ctx, evCompleted, "completed")
	case OutgoingTerminating, IncomingTerminating:
		m.finish(ctx, evCompleted, "completed")
	}
}
