// Package config собирает конфигурацию агента из флагов командной строки
// и переменных окружения. Переменные окружения имеют приоритет над флагами.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/embedded_phone/pkg/logger"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "PHONE_"

// Config конфигурация агента
type Config struct {
	SIPAddr string
	RTPAddr string
	// AdvertiseAddr адрес для Via, Contact и SDP; определяется
	// автоматически, если не задан
	AdvertiseAddr string
	UserAgent     string

	Registrar        string
	Username         string
	Password         string
	RegisterInterval time.Duration

	TickInterval time.Duration
	DSCP         int
	NameServer   string

	LogLevel  string
	LogFormat string
	// MetricsAddr адрес HTTP сервера /metrics; пустая строка отключает
	MetricsAddr string

	// Dial адрес исходящего вызова после старта
	Dial       string
	AutoAnswer bool
	// Tone отправлять тестовый тон 440 Гц во время вызова
	Tone bool
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	return Config{
		SIPAddr:          ":5060",
		RTPAddr:          ":8888",
		UserAgent:        "embedded_phone",
		RegisterInterval: 3600 * time.Second,
		TickInterval:     time.Second,
		DSCP:             46,
		LogLevel:         "info",
		LogFormat:        logger.FormatConsole,
		MetricsAddr:      ":9100",
	}
}

// Load разбирает args (без имени программы), затем применяет переменные
// окружения PHONE_*
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("embedded_phone", flag.ContinueOnError)
	fs.StringVar(&cfg.SIPAddr, "sip-addr", cfg.SIPAddr, "SIP bind address")
	fs.StringVar(&cfg.RTPAddr, "rtp-addr", cfg.RTPAddr, "RTP bind address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in Via, Contact and SDP (auto-detected if not set)")
	fs.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User-Agent header value")
	fs.StringVar(&cfg.Registrar, "registrar", "", "Registrar host[:port]")
	fs.StringVar(&cfg.Username, "user", "", "Registration user")
	fs.StringVar(&cfg.Password, "pass", "", "Registration password")
	fs.DurationVar(&cfg.RegisterInterval, "register-interval", cfg.RegisterInterval, "Requested registration lifetime")
	fs.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "Signaling loop maintenance interval")
	fs.IntVar(&cfg.DSCP, "dscp", cfg.DSCP, "DSCP value for RTP packets, 0 disables")
	fs.StringVar(&cfg.NameServer, "dns", "", "DNS server for name resolution (system resolver if not set)")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.LogFormat, "logformat", cfg.LogFormat, "Log format: console, dev, json")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address, empty disables")
	fs.StringVar(&cfg.Dial, "dial", "", "SIP URI to call after start")
	fs.BoolVar(&cfg.AutoAnswer, "auto-answer", false, "Answer incoming calls automatically")
	fs.BoolVar(&cfg.Tone, "tone", false, "Send a 440 Hz test tone during active calls")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"SIP_ADDR":     &c.SIPAddr,
		"RTP_ADDR":     &c.RTPAddr,
		"ADVERTISE":    &c.AdvertiseAddr,
		"USER_AGENT":   &c.UserAgent,
		"REGISTRAR":    &c.Registrar,
		"USER":         &c.Username,
		"PASS":         &c.Password,
		"DNS":          &c.NameServer,
		"LOGLEVEL":     &c.LogLevel,
		"LOGFORMAT":    &c.LogFormat,
		"METRICS_ADDR": &c.MetricsAddr,
		"DIAL":         &c.Dial,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"REGISTER_INTERVAL": &c.RegisterInterval,
		"TICK":              &c.TickInterval,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv(EnvPrefix + "DSCP"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sDSCP: %w", EnvPrefix, err)
		}
		c.DSCP = n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "AUTO_ANSWER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sAUTO_ANSWER: %w", EnvPrefix, err)
		}
		c.AutoAnswer = b
	}
	return nil
}

// Validate проверяет значения, которые нельзя исправить по умолчанию
func (c Config) Validate() error {
	var errs []error
	if _, err := c.SIPPort(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := net.SplitHostPort(c.RTPAddr); err != nil {
		errs = append(errs, fmt.Errorf("rtp-addr: %w", err))
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		errs = append(errs, fmt.Errorf("dscp: %d вне диапазона 0-63", c.DSCP))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick: интервал должен быть положительным"))
	}
	if c.RegisterInterval < time.Second {
		errs = append(errs, errors.New("register-interval: не меньше секунды"))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Registrar != "" && c.Username == "" {
		errs = append(errs, errors.New("user: обязателен вместе с registrar"))
	}
	return errors.Join(errs...)
}

// SIPPort порт SIP сокета
func (c Config) SIPPort() (int, error) {
	_, p, err := net.SplitHostPort(c.SIPAddr)
	if err != nil {
		return 0, fmt.Errorf("sip-addr: %w", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("sip-addr: неверный порт %q", p)
	}
	return port, nil
}

// AdvertiseHost адрес, который агент сообщает удаленной стороне
func (c Config) AdvertiseHost() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	if host, _, err := net.SplitHostPort(c.SIPAddr); err == nil && host != "" && !isUnspecified(host) {
		return host
	}
	return primaryInterfaceIP()
}

func isUnspecified(host string) bool {
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsUnspecified()
}

// primaryInterfaceIP первый IPv4 адрес поднятого интерфейса, кроме loopback
func primaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
