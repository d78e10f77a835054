// Package signaling ведет сигнальный цикл агента: ожидание SIP датаграмм,
// их разбор и передачу регистрации и автомату вызова, плановый шаг и
// публикацию внешнего состояния.
//
// Весь разбор и все решения принимаются в горутине Run. Менеджер
// регистрации и автомат вызова принадлежат циклу и не защищаются.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/embedded_phone/pkg/callcontrol"
	"github.com/arzzra/embedded_phone/pkg/logger"
	"github.com/arzzra/embedded_phone/pkg/metrics"
	"github.com/arzzra/embedded_phone/pkg/notify"
	"github.com/arzzra/embedded_phone/pkg/registration"
	"github.com/arzzra/embedded_phone/pkg/session"
	"github.com/arzzra/embedded_phone/pkg/sip/message"
)

// Config параметры цикла
type Config struct {
	// ListenAddr адрес SIP сокета
	ListenAddr string
	// Interval наибольшее ожидание датаграммы и период планового шага
	Interval time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ListenAddr: ":5060",
		Interval:   time.Second,
	}
}

// Options зависимости цикла
type Options struct {
	Config       Config
	Transport    *UDPTransport
	Store        *session.Store
	Registration *registration.Manager
	Machine      *callcontrol.Machine
	Bus          *notify.Bus
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// Loop сигнальный цикл
type Loop struct {
	cfg       Config
	transport *UDPTransport
	codec     *message.Codec
	store     *session.Store
	reg       *registration.Manager
	machine   *callcontrol.Machine
	bus       *notify.Bus
	logger    *slog.Logger
	metrics   *metrics.Collector

	lastTick time.Time
}

// New создает цикл поверх открытого транспорта
func New(opts Options) *Loop {
	cfg := opts.Config
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Loop{
		cfg:       cfg,
		transport: opts.Transport,
		codec:     message.NewCodec(),
		store:     opts.Store,
		reg:       opts.Registration,
		machine:   opts.Machine,
		bus:       opts.Bus,
		logger:    logger.Component(opts.Logger, "signaling"),
		metrics:   opts.Metrics,
	}
}

// Run обслуживает сокет до отмены ctx. Возвращает nil при отмене и
// ошибку, если сокет стал непригоден.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.transport.Close() })
	defer stop()
	defer l.transport.Close()

	l.logger.Info("Сигнальный цикл запущен", slog.Any("addr", l.transport.LocalAddr()))

	buf := make([]byte, message.MaxMessageSize)
	l.tick(ctx, time.Now())

	for {
		n, src, err := l.transport.readFrom(buf, l.lastTick.Add(l.cfg.Interval))
		now := time.Now()

		switch {
		case err == nil:
			l.dispatch(ctx, buf[:n], src, now)
		case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
			l.logger.Info("Сигнальный цикл остановлен")
			return nil
		case isTimeout(err):
		case isTemporary(err):
			l.logger.Debug("signaling.Run временная ошибка чтения", slog.Any("error", err))
		default:
			l.logger.Error("Ошибка SIP сокета", slog.Any("error", err))
			return err
		}

		// Плановый шаг выполняется и тогда, когда трафик не дает
		// чтению дождаться таймаута
		if now.Sub(l.lastTick) >= l.cfg.Interval {
			l.tick(ctx, now)
		}
		l.publish(now)
	}
}

func (l *Loop) tick(ctx context.Context, now time.Time) {
	l.lastTick = now
	l.reg.Tick(ctx, now)
	l.machine.Tick(ctx, now)
	l.publish(now)
}

// dispatch разбирает датаграмму и передает сообщение владельцу.
// Непригодные датаграммы отбрасываются без влияния на состояние.
func (l *Loop) dispatch(ctx context.Context, data []byte, src *net.UDPAddr, now time.Time) {
	msg, err := l.codec.Decode(data)
	if err != nil {
		l.metrics.Datagram("dropped")
		l.logger.Warn("Датаграмма отброшена",
			slog.Any("from", src),
			slog.Int("size", len(data)),
			slog.Any("error", err))
		return
	}
	l.metrics.Datagram("received")

	switch m := msg.(type) {
	case *sip.Request:
		l.logger.Debug("SIP received", slog.Any("from", src), slog.String("start", startLine(m)))
		l.machine.HandleRequest(ctx, m, src, now)

	case *sip.Response:
		l.logger.Debug("SIP received", slog.Any("from", src), slog.String("start", startLine(m)))
		var handled bool
		if m.CSeq().MethodName == sip.REGISTER {
			handled = l.reg.HandleResponse(ctx, m, now)
		} else {
			handled = l.machine.HandleResponse(ctx, m, now)
		}
		if !handled {
			l.logger.Debug("Ответ вне транзакций отброшен",
				slog.String("call_id", message.CallID(m)),
				slog.Int("status", m.StatusCode))
		}
	}
}

// publish вычисляет внешнее состояние и уведомляет подписчика,
// если оно изменилось
func (l *Loop) publish(now time.Time) {
	snap := l.store.Snapshot()
	state := callcontrol.DisplayState(l.machine.PublicState(), snap.Registered(now), l.reg.Failed())

	prev, changed := l.store.Publish(state)
	if !changed {
		return
	}

	l.logger.Info("Состояние агента изменилось",
		slog.String("from", prev.String()),
		slog.String("to", state.String()))
	l.metrics.SetState(int(state))
	l.bus.Publish(notify.Event{State: state, Previous: prev, At: now})
}
