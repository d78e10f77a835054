package registration

import "time"

// Config параметры менеджера регистрации
type Config struct {
	// Interval запрашиваемый срок регистрации
	Interval time.Duration
	// RefreshMargin за сколько до истечения обновлять регистрацию
	RefreshMargin time.Duration
	// InitialBackoff первая задержка между попытками
	InitialBackoff time.Duration
	// MaxBackoff потолок задержки
	MaxBackoff time.Duration
	// MaxFailures число неудачных попыток подряд, после которого
	// регистрация считается проваленной
	MaxFailures int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Interval:       3600 * time.Second,
		RefreshMargin:  60 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     300 * time.Second,
		MaxFailures:    8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = def.RefreshMargin
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = def.MaxFailures
	}
	return c
}
