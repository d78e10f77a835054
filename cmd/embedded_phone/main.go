package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/embedded_phone/pkg/config"
	"github.com/arzzra/embedded_phone/pkg/logger"
	"github.com/arzzra/embedded_phone/pkg/metrics"
	"github.com/arzzra/embedded_phone/pkg/notify"
	"github.com/arzzra/embedded_phone/pkg/rtp"
	"github.com/arzzra/embedded_phone/pkg/session"
	"github.com/arzzra/embedded_phone/pkg/ua"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	opts := logger.DefaultOptions()
	opts.Level = level
	opts.Format = cfg.LogFormat
	log, err := logger.New(opts)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, metrics.DefaultConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Сервер метрик остановлен", slog.Any("error", err))
			}
		}()
		defer srv.Close()
	}

	var inbound audioLevel
	agent := ua.New(ua.Options{
		Config:  cfg,
		Sink:    rtp.G711Sink(inbound.observe),
		Logger:  log,
		Metrics: m,
	})
	defer agent.Close()

	agent.ConfigureRegistration(cfg.Registrar, cfg.Username, cfg.Password, func(ev notify.Event) {
		log.Info("Состояние", slog.String("state", ev.State.String()), slog.String("previous", ev.Previous.String()))
		if ev.State == session.IncomingAlerting && cfg.AutoAnswer {
			agent.Answer()
		}
	})

	if cfg.Dial != "" {
		if !agent.PlaceCall(cfg.Username, cfg.Dial, "", cfg.Username, cfg.Password) {
			log.Warn("Вызов не начат", slog.String("dial", cfg.Dial))
		}
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var tone toneGenerator

	for {
		select {
		case <-ctx.Done():
			log.Info("Остановка")
			return agent.Close()
		case <-agent.Done():
			return agent.Err()
		case <-ticker.C:
			if !cfg.Tone {
				continue
			}
			pt, ok := agent.AudioPayloadType()
			if !ok {
				tone.reset()
				continue
			}
			if payload := rtp.EncodePCM(pt, tone.next(160)); payload != nil {
				agent.SendAudio(payload)
			}
		}
	}
}

// toneGenerator синус 440 Гц для 8 кГц
type toneGenerator struct {
	phase float64
}

func (g *toneGenerator) next(n int) []int16 {
	const step = 2 * math.Pi * 440 / 8000
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(g.phase))
		g.phase += step
	}
	g.phase = math.Mod(g.phase, 2*math.Pi)
	return samples
}

func (g *toneGenerator) reset() {
	g.phase = 0
}

// audioLevel раз в секунду пишет в лог средний уровень входящего аудио
type audioLevel struct {
	sum   float64
	count int
}

func (a *audioLevel) observe(samples []int16) {
	for _, s := range samples {
		a.sum += float64(s) * float64(s)
	}
	a.count += len(samples)
	if a.count < 8000 {
		return
	}
	slog.Debug("Уровень входящего аудио", slog.Float64("rms", math.Sqrt(a.sum/float64(a.count))))
	a.sum, a.count = 0, 0
}
