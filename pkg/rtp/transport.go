// Package rtp передает аудио активного вызова по RTP.
//
// AudioTransport владеет одним сокетом на фиксированном медиа порту на все
// время жизни процесса. Вызов привязывает к нему адрес удаленной стороны и
// payload type (Bind) и отвязывает по завершении (Unbind). Вне активного
// вызова входящие пакеты и SendAudio отбрасываются.
package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/embedded_phone/pkg/logger"
	"github.com/arzzra/embedded_phone/pkg/metrics"
)

// Config параметры транспорта
type Config struct {
	// LocalAddr адрес фиксированного медиа порта, например ":8888"
	LocalAddr string
	// DSCP маркировка исходящих пакетов; 0 отключает
	DSCP int
	// QueueSize емкость очереди исходящего аудио в пакетах
	QueueSize int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		LocalAddr: ":8888",
		DSCP:      DSCPExpeditedForwarding,
		QueueSize: 16,
	}
}

// peer привязка вызова
type peer struct {
	addr        *net.UDPAddr
	payloadType uint8
	// latched адрес уже заменен на фактический источник пакетов
	latched bool
}

// AudioTransport RTP поток единственного вызова
type AudioTransport struct {
	conn    *net.UDPConn
	sink    AudioSink
	logger  *slog.Logger
	metrics *metrics.Collector

	peer  atomic.Pointer[peer]
	queue chan []byte

	// Состояние отправителя, только из sendLoop
	ssrc      uint32
	seq       uint16
	timestamp uint32
	marker    atomic.Bool
}

// Listen открывает медиа порт. Ошибка привязки фатальна для агента.
func Listen(cfg Config, sink AudioSink, log *slog.Logger, m *metrics.Collector) (*AudioTransport, error) {
	def := DefaultConfig()
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = def.LocalAddr
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	conn, err := listenUDP(cfg.LocalAddr, cfg.DSCP)
	if err != nil {
		return nil, err
	}

	var seed [6]byte
	if _, err := rand.Read(seed[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка генерации SSRC: %w", err)
	}

	t := &AudioTransport{
		conn:    conn,
		sink:    sink,
		logger:  logger.Component(log, "rtp"),
		metrics: m,
		queue:   make(chan []byte, cfg.QueueSize),
		ssrc:    binary.BigEndian.Uint32(seed[:4]),
		seq:     binary.BigEndian.Uint16(seed[4:]),
	}
	if err := setDSCP(conn, cfg.DSCP); err != nil {
		t.logger.Warn("DSCP маркировка не установлена", slog.Int("dscp", cfg.DSCP), slog.Any("error", err))
	}
	t.logger.Info("RTP порт открыт", slog.Any("addr", conn.LocalAddr()))
	return t, nil
}

// LocalAddr возвращает адрес медиа порта
func (t *AudioTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Bind направляет поток на remote с заданным payload type
func (t *AudioTransport) Bind(remote *net.UDPAddr, payloadType uint8) {
	t.peer.Store(&peer{addr: remote, payloadType: payloadType})
	t.marker.Store(true)
	t.logger.Debug("rtp.Bind", slog.Any("remote", remote), slog.Int("pt", int(payloadType)))
}

// Unbind отвязывает поток от вызова
func (t *AudioTransport) Unbind() {
	if t.peer.Swap(nil) != nil {
		t.logger.Debug("rtp.Unbind")
	}
}

// Bound возвращает адрес и payload type привязанного вызова
func (t *AudioTransport) Bound() (*net.UDPAddr, uint8, bool) {
	p := t.peer.Load()
	if p == nil {
		return nil, 0, false
	}
	return p.addr, p.payloadType, true
}

// SendAudio ставит payload в очередь отправки без блокировки.
// Возвращает false вне вызова, при пустом или слишком большом payload
// и при переполненной очереди.
func (t *AudioTransport) SendAudio(payload []byte) bool {
	if len(payload) == 0 || len(payload) > MaxPayloadSize {
		return false
	}
	if t.peer.Load() == nil {
		t.metrics.RTPPacket("dropped")
		return false
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case t.queue <- buf:
		return true
	default:
		t.metrics.RTPPacket("dropped")
		return false
	}
}

// Run обслуживает поток до отмены ctx. Ошибка сокета фатальна.
func (t *AudioTransport) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { t.conn.Close() })
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := t.recvLoop()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return t.sendLoop(gctx)
	})

	err := g.Wait()
	t.conn.Close()
	return err
}

// Close закрывает сокет
func (t *AudioTransport) Close() error {
	return t.conn.Close()
}

// recvLoop читает датаграммы без таймаута и передает payload в AudioSink
func (t *AudioTransport) recvLoop() error {
	buf := make([]byte, DefaultBufferSize)
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			cerr := classifyNetworkError("RTP read", err)
			if cerr.Retryable {
				continue
			}
			if cerr.Type == ErrorTypeClosed {
				return nil
			}
			t.logger.Error("Ошибка RTP сокета", slog.Any("error", cerr))
			return cerr
		}
		t.receive(buf[:n], src)
	}
}

func (t *AudioTransport) receive(data []byte, src *net.UDPAddr) {
	p := t.peer.Load()
	if p == nil {
		t.metrics.RTPPacket("dropped")
		return
	}
	if err := validatePacketSize(len(data)); err != nil {
		t.logger.Debug("rtp.receive drop", slog.Any("error", err))
		t.metrics.RTPPacket("invalid")
		return
	}

	var packet rtp.Packet
	if err := packet.Unmarshal(data); err != nil {
		t.metrics.RTPPacket("invalid")
		return
	}
	if err := validateRTPHeader(&packet.Header); err != nil {
		t.metrics.RTPPacket("invalid")
		return
	}
	if packet.PayloadType != p.payloadType {
		t.metrics.RTPPacket("dropped")
		return
	}

	// Удаленная сторона за NAT шлет не с адреса из SDP: отвечаем туда,
	// откуда пришел первый пакет
	if !p.latched && (!src.IP.Equal(p.addr.IP) || src.Port != p.addr.Port) {
		latched := &peer{addr: src, payloadType: p.payloadType, latched: true}
		if t.peer.CompareAndSwap(p, latched) {
			t.logger.Info("RTP адрес удаленной стороны уточнен",
				slog.Any("sdp", p.addr), slog.Any("actual", src))
		}
	}

	t.metrics.RTPPacket("received")
	if t.sink != nil && len(packet.Payload) > 0 {
		t.sink.WriteAudio(packet.PayloadType, packet.Payload)
	}
}

// sendLoop упаковывает payload из очереди в RTP и отправляет
func (t *AudioTransport) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-t.queue:
			t.send(payload)
		}
	}
}

func (t *AudioTransport) send(payload []byte) {
	p := t.peer.Load()
	if p == nil {
		t.metrics.RTPPacket("dropped")
		return
	}

	packet := rtp.Packet{
		Header: rtp.Header{
			Version:        ExpectedRTPVersion,
			Marker:         t.marker.Swap(false),
			PayloadType:    p.payloadType,
			SequenceNumber: t.seq,
			Timestamp:      t.timestamp,
			SSRC:           t.ssrc,
		},
		Payload: payload,
	}
	t.seq++
	// G.711: один байт на отсчет 8 кГц
	t.timestamp += uint32(len(payload))

	data, err := packet.Marshal()
	if err != nil {
		t.logger.Error("Ошибка маршалинга RTP пакета", slog.Any("error", err))
		return
	}
	if _, err := t.conn.WriteToUDP(data, p.addr); err != nil {
		cerr := classifyNetworkError("RTP write", err)
		if cerr.Type != ErrorTypeClosed {
			t.logger.Warn("Ошибка отправки RTP", slog.Any("error", cerr))
		}
		t.metrics.RTPPacket("send_error")
		return
	}
	t.metrics.RTPPacket("sent")
}
