// Package ua публичный API встраиваемого SIP агента.
//
// UserAgent владеет общим состоянием сессии и двумя контекстами
// исполнения: сигнальным циклом и RTP транспортом. Оба запускаются при
// первом ConfigureRegistration и работают до Close. Методы API только
// выставляют намерения в session.Store и не блокируются на вводе-выводе;
// вызов вне подходящего состояния ничего не делает и возвращает false.
package ua

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/arzzra/embedded_phone/pkg/callcontrol"
	"github.com/arzzra/embedded_phone/pkg/config"
	"github.com/arzzra/embedded_phone/pkg/logger"
	"github.com/arzzra/embedded_phone/pkg/media_sdp"
	"github.com/arzzra/embedded_phone/pkg/metrics"
	"github.com/arzzra/embedded_phone/pkg/notify"
	"github.com/arzzra/embedded_phone/pkg/registration"
	"github.com/arzzra/embedded_phone/pkg/resolver"
	"github.com/arzzra/embedded_phone/pkg/rtp"
	"github.com/arzzra/embedded_phone/pkg/session"
	"github.com/arzzra/embedded_phone/pkg/signaling"
	"github.com/arzzra/embedded_phone/pkg/sip/message"
)

// Resolver разрешает имена регистратора, прокси и адресатов
type Resolver interface {
	Resolve(ctx context.Context, host string, port int) (*net.UDPAddr, error)
}

// Options параметры агента
type Options struct {
	Config config.Config
	// Sink получает входящее аудио активного вызова; может быть nil
	Sink    rtp.AudioSink
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// Resolver по умолчанию resolver.New(Config.NameServer)
	Resolver Resolver
}

// UserAgent встраиваемый SIP агент с одним вызовом
type UserAgent struct {
	cfg      config.Config
	sink     rtp.AudioSink
	logger   *slog.Logger
	metrics  *metrics.Collector
	resolver Resolver

	store *session.Store
	bus   *notify.Bus
	media atomic.Pointer[rtp.AudioTransport]

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   errgroup.Group
	done    chan struct{}
	err     error
}

// New создает агент. Сокеты открываются при первом ConfigureRegistration.
func New(opts Options) *UserAgent {
	log := opts.Logger
	if log == nil {
		log = logger.Noop
	}
	res := opts.Resolver
	if res == nil {
		res = resolver.New(opts.Config.NameServer, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &UserAgent{
		cfg:      opts.Config,
		sink:     opts.Sink,
		logger:   log,
		metrics:  opts.Metrics,
		resolver: res,
		store:    session.NewStore(),
		bus:      notify.NewBus(logger.Component(log, "notify")),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// ConfigureRegistration задает регистратор и подписчика на изменения
// состояния. Повтор с теми же host, user и pass регистрацию не
// сбрасывает. Первый вызов запускает сигнальный цикл и RTP транспорт.
func (u *UserAgent) ConfigureRegistration(host, user, pass string, cb notify.Callback) {
	u.bus.SetCallback(cb)
	if u.store.ConfigureRegistration(host, user, pass) {
		u.logger.Info("Параметры регистрации изменены", slog.String("registrar", host), slog.String("user", user))
	}
	u.start()
}

// PlaceCall запрашивает исходящий вызов. Отказывает, если вызов уже идет.
func (u *UserAgent) PlaceCall(callerID, destURI, proxy, user, pass string) bool {
	return u.store.PlaceCall(callerID, destURI, proxy, user, pass)
}

// Answer отвечает на входящий вызов в IncomingAlerting
func (u *UserAgent) Answer() bool {
	return u.store.Answer()
}

// Hangup завершает, отменяет или отклоняет текущий вызов
func (u *UserAgent) Hangup() bool {
	return u.store.Hangup()
}

// SendAudio отправляет payload активному вызову без блокировки.
// Вне активного вызова аудио отбрасывается.
func (u *UserAgent) SendAudio(payload []byte) bool {
	media := u.media.Load()
	if media == nil || !u.store.State().Active() {
		return false
	}
	return media.SendAudio(payload)
}

// AudioPayloadType payload type, согласованный для текущего вызова
func (u *UserAgent) AudioPayloadType() (uint8, bool) {
	media := u.media.Load()
	if media == nil {
		return 0, false
	}
	_, pt, ok := media.Bound()
	return pt, ok
}

// State последнее опубликованное состояние
func (u *UserAgent) State() session.State {
	return u.store.State()
}

// Done закрывается, когда оба контекста исполнения завершились
func (u *UserAgent) Done() <-chan struct{} {
	return u.done
}

// Err ошибка, с которой завершились контексты исполнения
func (u *UserAgent) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Close останавливает контексты исполнения и ждет их завершения
func (u *UserAgent) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	started := u.started
	u.mu.Unlock()

	u.cancel()
	if !started {
		close(u.done)
		return nil
	}
	<-u.done
	return u.Err()
}

// start открывает сокеты и запускает контексты исполнения один раз.
// Ошибка открытия сокета фатальна только для своего контекста.
func (u *UserAgent) start() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started || u.closed {
		return
	}
	u.started = true

	host := u.cfg.AdvertiseHost()

	var media callcontrol.Media = nopMedia{}
	mediaPort := 0
	audio, err := rtp.Listen(rtp.Config{LocalAddr: u.cfg.RTPAddr, DSCP: u.cfg.DSCP}, u.sink, u.logger, u.metrics)
	if err != nil {
		u.logger.Error("RTP транспорт не запущен", slog.String("addr", u.cfg.RTPAddr), slog.Any("error", err))
		u.err = err
	} else {
		u.media.Store(audio)
		media = audio
		mediaPort = audio.LocalAddr().Port
		u.group.Go(func() error { return audio.Run(u.ctx) })
	}

	transport, err := signaling.ListenUDP(u.cfg.SIPAddr, logger.Component(u.logger, "transport"), u.metrics)
	if err != nil {
		u.logger.Error("Сигнальный цикл не запущен", slog.String("addr", u.cfg.SIPAddr), slog.Any("error", err))
		u.err = errors.Join(u.err, err)
		go u.wait()
		return
	}

	endpoint := message.Endpoint{
		Host:      host,
		Port:      transport.LocalAddr().Port,
		UserAgent: u.cfg.UserAgent,
	}

	reg := registration.NewManager(registration.Options{
		Config:   registration.Config{Interval: u.cfg.RegisterInterval},
		Store:    u.store,
		Endpoint: endpoint,
		Sender:   transport,
		Resolver: u.resolver,
		Logger:   u.logger,
		Metrics:  u.metrics,
	})

	callCfg := callcontrol.DefaultConfig()
	callCfg.Media = media_sdp.Config{Host: host, Port: mediaPort}
	machine := callcontrol.NewMachine(callcontrol.Options{
		Config:   callCfg,
		Store:    u.store,
		Endpoint: endpoint,
		Sender:   transport,
		Resolver: u.resolver,
		Media:    media,
		Logger:   u.logger,
		Metrics:  u.metrics,
	})

	loop := signaling.New(signaling.Options{
		Config:       signaling.Config{ListenAddr: u.cfg.SIPAddr, Interval: u.cfg.TickInterval},
		Transport:    transport,
		Store:        u.store,
		Registration: reg,
		Machine:      machine,
		Bus:          u.bus,
		Logger:       u.logger,
		Metrics:      u.metrics,
	})
	u.group.Go(func() error { return loop.Run(u.ctx) })

	u.logger.Info("Агент запущен",
		slog.String("advertise", host),
		slog.Any("sip", transport.LocalAddr()),
		slog.Int("rtp_port", mediaPort))
	go u.wait()
}

func (u *UserAgent) wait() {
	err := u.group.Wait()
	if err != nil {
		u.logger.Error("Контекст исполнения завершился с ошибкой", slog.Any("error", err))
	}
	if media := u.media.Swap(nil); media != nil {
		media.Close()
	}

	u.mu.Lock()
	u.err = errors.Join(u.err, err)
	u.mu.Unlock()
	close(u.done)
}

// nopMedia заменяет RTP транспорт, который не удалось открыть
type nopMedia struct{}

func (nopMedia) Bind(*net.UDPAddr, uint8) {}
func (nopMedia) Unbind()                  {}
