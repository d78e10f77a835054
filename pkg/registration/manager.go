// Package registration поддерживает регистрацию агента на SIP регистраторе.
//
// Manager принадлежит сигнальному циклу: Tick и HandleResponse вызываются
// только из него, поэтому собственное состояние менеджера (задержка,
// таймер повтора, счетчик неудач) не защищается.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

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

// Manager ведет REGISTER транзакции для регистратора из session.Store
type Manager struct {
	cfg      Config
	store    *session.Store
	endpoint message.Endpoint
	sender   Sender
	resolver Resolver
	logger   *slog.Logger
	metrics  *metrics.Collector

	backoff  *Backoff
	retryAt  time.Time
	failures int

	// Текущий регистратор и диалог регистрации
	registrar session.Registrar
	callID    string
	localTag  string
	cseq      uint32

	// Ожидающий ответа REGISTER
	pending    *sip.Request
	authTried  bool
	registered bool
}

// Options зависимости менеджера
type Options struct {
	Config   Config
	Store    *session.Store
	Endpoint message.Endpoint
	Sender   Sender
	Resolver Resolver
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// NewManager создает менеджер регистрации
func NewManager(opts Options) *Manager {
	cfg := opts.Config.withDefaults()
	return &Manager{
		cfg:      cfg,
		store:    opts.Store,
		endpoint: opts.Endpoint,
		sender:   opts.Sender,
		resolver: opts.Resolver,
		logger:   logger.Component(opts.Logger, "registration"),
		metrics:  opts.Metrics,
		backoff:  NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
	}
}

// Failed возвращает true, если регистрация не удалась MaxFailures раз подряд
func (m *Manager) Failed() bool {
	return m.failures >= m.cfg.MaxFailures
}

// Failures число неудачных попыток подряд
func (m *Manager) Failures() int {
	return m.failures
}

// RetryAt время, раньше которого новая попытка не начнется
func (m *Manager) RetryAt() time.Time {
	return m.retryAt
}

// Tick выполняет плановую работу: сбрасывает истекшую регистрацию и
// при необходимости отправляет REGISTER.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	if m.store.ExpireRegistration(now) {
		m.logger.Info("Регистрация истекла", slog.String("registrar", m.registrar.Host))
	}

	snap := m.store.Snapshot()
	m.setRegistered(snap.Registered(now))

	if snap.Registrar == nil {
		if m.registrar.Host != "" {
			m.logger.Info("Регистратор удален", slog.String("registrar", m.registrar.Host))
			m.reset(session.Registrar{})
		}
		return
	}
	if *snap.Registrar != m.registrar {
		m.logger.Info("Новые параметры регистрации", slog.String("registrar", snap.Registrar.Host))
		m.reset(*snap.Registrar)
	}

	if snap.Registered(now) && snap.RegistrationExpiry.Sub(now) > m.cfg.RefreshMargin {
		return
	}
	if now.Before(m.retryAt) {
		return
	}

	if m.pending != nil {
		m.logger.Warn("Нет ответа на REGISTER", slog.Uint64("cseq", uint64(m.cseq)))
		m.fail(now, "timeout", false)
	}

	m.retryAt = now.Add(m.backoff.Next())
	m.authTried = false
	if err := m.send(ctx, nil); err != nil {
		m.logger.Error("Не удалось отправить REGISTER",
			slog.String("registrar", m.registrar.Host),
			slog.Any("error", err),
			slog.Duration("retry_in", m.retryAt.Sub(now)))
		m.fail(now, "send_error", false)
	}
}

// HandleResponse обрабатывает ответ на REGISTER. Возвращает false, если
// ответ не относится к текущей транзакции.
func (m *Manager) HandleResponse(ctx context.Context, res *sip.Response, now time.Time) bool {
	cseq := res.CSeq()
	if m.pending == nil || cseq == nil || cseq.MethodName != sip.REGISTER ||
		message.CallID(res) != m.callID || cseq.SeqNo != m.cseq {
		return false
	}
	if res.IsProvisional() {
		return true
	}

	req := m.pending
	switch {
	case res.IsSuccess():
		secs, ok := message.Expires(res)
		if !ok {
			secs = int(m.cfg.Interval / time.Second)
		}
		m.pending = nil
		if secs == 0 {
			m.logger.Warn("Регистратор выдал нулевой срок регистрации")
			m.fail(now, "failure", true)
			return true
		}
		expiry := now.Add(time.Duration(secs) * time.Second)
		m.store.SetRegistered(expiry)
		m.backoff.Reset()
		m.retryAt = now
		m.failures = 0
		m.setRegistered(true)
		m.metrics.RegistrationResult("success")
		m.logger.Info("Зарегистрирован",
			slog.String("registrar", m.registrar.Host),
			slog.Int("expires", secs))

	case message.IsChallenge(res) && !m.authTried:
		m.authTried = true
		m.metrics.RegistrationResult("challenge")
		auth, err := message.Credentials(req, res, m.registrar.Username, m.registrar.Password)
		if err == nil {
			err = m.send(ctx, auth)
		}
		if err != nil {
			m.logger.Error("Не удалось ответить на запрос авторизации", slog.Any("error", err))
			m.fail(now, "failure", true)
		}

	default:
		m.logger.Warn("Регистрация отклонена",
			slog.Int("status", res.StatusCode),
			slog.String("reason", res.Reason))
		m.fail(now, "failure", true)
	}
	return true
}

// send строит и отправляет REGISTER; auth добавляется при повторе после 401/407
func (m *Manager) send(ctx context.Context, auth sip.Header) error {
	host, port, err := message.SplitHostPort(m.registrar.Host)
	if err != nil {
		return err
	}
	addr, err := m.resolver.Resolve(ctx, host, port)
	if err != nil {
		return fmt.Errorf("ошибка разрешения %s: %w", host, err)
	}

	target := sip.Uri{Scheme: "sip", Host: host}
	if port != message.DefaultPort {
		target.Port = port
	}
	aor := sip.Uri{Scheme: "sip", User: m.registrar.Username, Host: host}

	e := m.endpoint
	e.User = m.registrar.Username

	m.cseq++
	req, err := e.NewRequest(sip.REGISTER, target).
		From(aor, "", m.localTag).
		To(aor, "").
		CallID(m.callID).
		CSeq(m.cseq).
		Contact().
		Header(sip.NewHeader("Expires", strconv.Itoa(int(m.cfg.Interval/time.Second)))).
		Header(auth).
		Build()
	if err != nil {
		return fmt.Errorf("ошибка создания REGISTER: %w", err)
	}

	if err := m.sender.Send(req, addr); err != nil {
		return fmt.Errorf("ошибка отправки REGISTER: %w", err)
	}
	m.pending = req
	m.logger.Debug("registration.send REGISTER",
		slog.String("registrar", m.registrar.Host),
		slog.Any("addr", addr),
		slog.Uint64("cseq", uint64(m.cseq)),
		slog.Bool("auth", auth != nil))
	return nil
}

// fail учитывает неудачную попытку; задержка не сбрасывается.
// Отказ регистратора (rejected) снимает регистрацию сразу, потеря
// ответа или ошибка отправки оставляют ее действовать до истечения.
func (m *Manager) fail(now time.Time, result string, rejected bool) {
	m.pending = nil
	m.failures++
	m.metrics.RegistrationResult(result)
	if rejected {
		m.store.ClearRegistration()
		m.setRegistered(false)
	}

	if m.failures == m.cfg.MaxFailures {
		m.logger.Error("Регистрация не удалась",
			slog.String("registrar", m.registrar.Host),
			slog.Int("attempts", m.failures),
			slog.Duration("retry_in", m.retryAt.Sub(now)))
	}
}

// reset начинает регистрацию заново для нового регистратора
func (m *Manager) reset(r session.Registrar) {
	m.registrar = r
	m.backoff.Reset()
	m.retryAt = time.Time{}
	m.failures = 0
	m.pending = nil
	m.authTried = false
	m.cseq = 0
	m.callID = message.GenerateCallID(m.endpoint.Host)
	m.localTag = message.GenerateTag()
	m.setRegistered(false)
}

func (m *Manager) setRegistered(ok bool) {
	if m.registered == ok {
		return
	}
	m.registered = ok
	m.metrics.SetRegistered(ok)
}
