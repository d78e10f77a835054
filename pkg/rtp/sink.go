package rtp

import (
	"encoding/binary"

	"github.com/zaf/g711"
)

// Статические payload type G.711
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

// AudioSink получает payload входящих RTP пакетов активного вызова.
// Вызывается из горутины приема и не должен блокироваться.
type AudioSink interface {
	WriteAudio(payloadType uint8, payload []byte)
}

// AudioSinkFunc адаптер функции к AudioSink
type AudioSinkFunc func(payloadType uint8, payload []byte)

// WriteAudio реализует AudioSink
func (f AudioSinkFunc) WriteAudio(payloadType uint8, payload []byte) {
	f(payloadType, payload)
}

// G711Sink декодирует G.711 в 16-битные отсчеты и передает их дальше.
// Пакеты с другим payload type пропускаются.
type G711Sink func(samples []int16)

// WriteAudio реализует AudioSink
func (f G711Sink) WriteAudio(payloadType uint8, payload []byte) {
	var pcm []byte
	switch payloadType {
	case PayloadTypePCMU:
		pcm = g711.DecodeUlaw(payload)
	case PayloadTypePCMA:
		pcm = g711.DecodeAlaw(payload)
	default:
		return
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	f(samples)
}

// EncodePCM кодирует 16-битные отсчеты в G.711 для SendAudio.
// Для payload type вне G.711 возвращает nil.
func EncodePCM(payloadType uint8, samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	switch payloadType {
	case PayloadTypePCMU:
		return g711.EncodeUlaw(pcm)
	case PayloadTypePCMA:
		return g711.EncodeAlaw(pcm)
	}
	return nil
}
