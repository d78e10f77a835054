package media_sdp

import "time"

// Статические payload type G.711
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

// CodecInfo содержит информацию о поддерживаемом кодеке
type CodecInfo struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// PCMU G.711 mu-law
var PCMU = CodecInfo{PayloadType: PayloadTypePCMU, Name: "PCMU", ClockRate: 8000}

// PCMA G.711 A-law
var PCMA = CodecInfo{PayloadType: PayloadTypePCMA, Name: "PCMA", ClockRate: 8000}

// Config параметры локального медиа описания
type Config struct {
	SessionName string
	// Host адрес, объявляемый в c= и o=
	Host string
	// Port фиксированный RTP порт агента
	Port int
	// Codecs поддерживаемые кодеки в порядке предпочтения
	Codecs []CodecInfo
	Ptime  time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		SessionName: "embedded_phone",
		Port:        8888,
		Codecs:      []CodecInfo{PCMU, PCMA},
		Ptime:       20 * time.Millisecond,
	}
}

// codec ищет поддерживаемый кодек по payload type
func (c Config) codec(pt uint8) (CodecInfo, bool) {
	for _, codec := range c.Codecs {
		if codec.PayloadType == pt {
			return codec, true
		}
	}
	return CodecInfo{}, false
}
