// Package metrics экспортирует счетчики агента в Prometheus.
//
// Все методы Collector допускают nil-получатель, так что компоненты
// работают и без метрик.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Namespace: "embedded_phone"}
}

// Collector набор метрик агента
type Collector struct {
	registrations *prometheus.CounterVec
	registered    prometheus.Gauge
	calls         *prometheus.CounterVec
	state         prometheus.Gauge
	datagrams     *prometheus.CounterVec
	rtpPackets    *prometheus.CounterVec
}

// New регистрирует метрики в reg. При reg == nil используется
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, cfg Config) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "registration",
			Name:      "attempts_total",
			Help:      "REGISTER attempts by outcome",
		}, []string{"result"}),
		registered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "registration",
			Name:      "registered",
			Help:      "1 while the registration is live",
		}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "call",
			Name:      "total",
			Help:      "Calls by direction and outcome",
		}, []string{"direction", "result"}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "state",
			Help:      "Last published agent state",
		}),
		datagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "sip",
			Name:      "datagrams_total",
			Help:      "SIP datagrams by kind",
		}, []string{"kind"}),
		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "rtp",
			Name:      "packets_total",
			Help:      "RTP packets by kind",
		}, []string{"kind"}),
	}
}

// RegistrationResult учитывает исход попытки регистрации:
// "success", "failure", "challenge", "send_error".
func (c *Collector) RegistrationResult(result string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(result).Inc()
}

// SetRegistered отражает наличие действующей регистрации
func (c *Collector) SetRegistered(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.registered.Set(1)
		return
	}
	c.registered.Set(0)
}

// CallResult учитывает завершенный вызов
func (c *Collector) CallResult(direction, result string) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(direction, result).Inc()
}

// SetState публикует числовое значение внешнего состояния
func (c *Collector) SetState(v int) {
	if c == nil {
		return
	}
	c.state.Set(float64(v))
}

// Datagram учитывает SIP датаграмму: "received", "sent", "dropped"
func (c *Collector) Datagram(kind string) {
	if c == nil {
		return
	}
	c.datagrams.WithLabelValues(kind).Inc()
}

// RTPPacket учитывает RTP пакет: "received", "sent", "dropped"
func (c *Collector) RTPPacket(kind string) {
	if c == nil {
		return
	}
	c.rtpPackets.WithLabelValues(kind).Inc()
}
