package callcontrol

import (
	"time"

	"github.com/arzzra/embedded_phone/pkg/media_sdp"
)

// Config таймеры вызова
type Config struct {
	// RetransmitInterval первый интервал повтора запроса или
	// окончательного ответа; далее удваивается до MaxRetransmitInterval
	RetransmitInterval    time.Duration
	MaxRetransmitInterval time.Duration
	// TransactionTimeout сколько ждать ответа на INVITE, CANCEL, BYE
	// или ACK на окончательный ответ
	TransactionTimeout time.Duration
	// RingingTimeout сколько длится вызов в состоянии звонка
	RingingTimeout time.Duration
	// Media параметры локального SDP; Host по умолчанию берется из Endpoint
	Media media_sdp.Config
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		RetransmitInterval:    time.Second,
		MaxRetransmitInterval: 4 * time.Second,
		TransactionTimeout:    32 * time.Second,
		RingingTimeout:        3 * time.Minute,
		Media:                 media_sdp.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RetransmitInterval <= 0 {
		c.RetransmitInterval = def.RetransmitInterval
	}
	if c.MaxRetransmitInterval < c.RetransmitInterval {
		c.MaxRetransmitInterval = c.RetransmitInterval
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = def.TransactionTimeout
	}
	if c.RingingTimeout <= 0 {
		c.RingingTimeout = def.RingingTimeout
	}
	if len(c.Media.Codecs) == 0 {
		c.Media.Codecs = def.Media.Codecs
	}
	if c.Media.Port <= 0 {
		c.Media.Port = def.Media.Port
	}
	if c.Media.SessionName == "" {
		c.Media.SessionName = def.Media.SessionName
	}
	return c
}
