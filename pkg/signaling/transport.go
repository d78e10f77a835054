package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/embedded_phone/pkg/metrics"
	"github.com/arzzra/embedded_phone/pkg/sip/message"
)

// TransportError ошибка операции над сокетом
type TransportError struct {
	Operation string
	Err       error
	Temporary bool
}

func (e *TransportError) Error() string {
	return "udp " + e.Operation + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTemporary возвращает true, если операцию можно повторить
func (e *TransportError) IsTemporary() bool {
	return e.Temporary
}

// UDPTransport SIP сокет агента. Send безопасен для вызова из любой
// горутины, чтение выполняет только сигнальный цикл.
type UDPTransport struct {
	conn      *net.UDPConn
	localAddr *net.UDPAddr
	codec     *message.Codec
	logger    *slog.Logger
	metrics   *metrics.Collector
	closed    atomic.Bool
}

// ListenUDP открывает SIP сокет на addr
func ListenUDP(addr string, log *slog.Logger, m *metrics.Collector) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &TransportError{Operation: "resolve address", Err: err}
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, &TransportError{Operation: "listen", Err: err}
	}

	return &UDPTransport{
		conn:      conn,
		localAddr: conn.LocalAddr().(*net.UDPAddr),
		codec:     message.NewCodec(),
		logger:    log,
		metrics:   m,
	}, nil
}

// LocalAddr адрес, на котором открыт сокет
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.localAddr
}

// Send кодирует сообщение и отправляет его одной датаграммой
func (t *UDPTransport) Send(msg sip.Message, to *net.UDPAddr) error {
	if t.closed.Load() {
		return &TransportError{Operation: "send", Err: net.ErrClosed}
	}
	if to == nil {
		return &TransportError{Operation: "send", Err: errors.New("нет адреса назначения")}
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		t.metrics.Datagram("dropped")
		return fmt.Errorf("ошибка кодирования: %w", err)
	}

	if _, err := t.conn.WriteToUDP(data, to); err != nil {
		t.metrics.Datagram("send_error")
		return &TransportError{Operation: "send", Err: err, Temporary: isTemporary(err)}
	}

	t.metrics.Datagram("sent")
	t.logger.Debug("SIP sent", slog.Any("to", to), slog.String("start", startLine(msg)))
	return nil
}

// readFrom читает одну датаграмму с ожиданием не дольше deadline
func (t *UDPTransport) readFrom(buf []byte, deadline time.Time) (int, *net.UDPAddr, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, &TransportError{Operation: "set deadline", Err: err}
	}
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, &TransportError{Operation: "read", Err: err, Temporary: isTemporary(err)}
	}
	return n, addr, nil
}

// Close закрывает сокет; повторный вызов ничего не делает
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

// isTemporary ошибки, после которых чтение и запись имеет смысл продолжать
func isTemporary(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// ICMP port unreachable от прошлой отправки приходит как ECONNREFUSED
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EINTR, syscall.EAGAIN,
		syscall.ENOBUFS, syscall.ENETUNREACH, syscall.EHOSTUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// isTimeout ожидание датаграммы истекло
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func startLine(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		return string(m.Method) + " " + m.Recipient.String()
	case *sip.Response:
		return fmt.Sprintf("%d %s", m.StatusCode, m.Reason)
	}
	return ""
}
