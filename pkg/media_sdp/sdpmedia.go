// Package media_sdp строит и разбирает SDP описания единственного
// аудио потока агента: offer для исходящего вызова, answer для входящего
// и разбор удаленного описания в адрес и кодек для RTP транспорта.
package media_sdp

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// SDPErrorCode определяет коды ошибок для SDP операций
type SDPErrorCode int

const (
	ErrorCodeSDPGeneration SDPErrorCode = iota + 2000
	ErrorCodeSDPParsing
	ErrorCodeIncompatibleCodec
	ErrorCodeNoAudio
)

// SDPError представляет ошибку в SDP операциях
type SDPError struct {
	Code    SDPErrorCode
	Message string
	Wrapped error
}

// NewSDPError создает новую SDP ошибку
func NewSDPError(code SDPErrorCode, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapSDPError оборачивает существующую ошибку в SDPError
func WrapSDPError(code SDPErrorCode, err error, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Wrapped: err,
	}
}

// Error реализует интерфейс error
func (e *SDPError) Error() string {
	msg := fmt.Sprintf("SDP Error [%d]: %s", e.Code, e.Message)
	if e.Wrapped != nil {
		msg += fmt.Sprintf(" - Wrapped: %v", e.Wrapped)
	}
	return msg
}

// Unwrap возвращает обернутую ошибку для поддержки errors.Is/As
func (e *SDPError) Unwrap() error {
	return e.Wrapped
}

// IsSDPError проверяет, является ли ошибка SDPError с указанным кодом
func IsSDPError(err error, code SDPErrorCode) bool {
	var sdpErr *SDPError
	if !errors.As(err, &sdpErr) {
		return false
	}
	return sdpErr.Code == code
}

// Направления медиа потока в терминах атрибутов SDP
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

// Remote описание медиа потока удаленной стороны
type Remote struct {
	// Addr куда отправлять RTP
	Addr *net.UDPAddr
	// Codec выбранный общий кодек
	Codec CodecInfo
	// Direction наше направление с учетом атрибута удаленной стороны
	Direction string
	Ptime     time.Duration
}
