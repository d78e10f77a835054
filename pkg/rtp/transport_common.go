package rtp

import (
	"fmt"
	"net"
)

// Общие константы сокета
const (
	// DefaultBufferSize размер датаграммы; больше ровно MTU Ethernet не читаем
	DefaultBufferSize = 1500

	// VoiceOptimizedRecvBuffer буфер получения ядра, ~3 секунды G.711 по 20ms
	VoiceOptimizedRecvBuffer = 65535

	// VoiceOptimizedSendBuffer буфер отправки ядра
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения для QoS классификации трафика согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPBestEffort          = 0
)

// listenUDP открывает сокет на localAddr и настраивает буферы для голоса
func listenUDP(localAddr string, dscp int) (*net.UDPConn, error) {
	if dscp < 0 || dscp > 63 {
		return nil, fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}

	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения UDP адреса '%s': %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета %s: %w", localAddr, err)
	}

	if err := setSockOptForVoice(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}
	return conn, nil
}

// setSockOptForVoice устанавливает буферы сокета
func setSockOptForVoice(conn *net.UDPConn) error {
	if err := conn.SetReadBuffer(VoiceOptimizedRecvBuffer); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", VoiceOptimizedRecvBuffer, err)
	}
	if err := conn.SetWriteBuffer(VoiceOptimizedSendBuffer); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", VoiceOptimizedSendBuffer, err)
	}
	return nil
}

// setDSCP маркирует исходящие пакеты. В некоторых контейнерах IP_TOS
// запрещен; ошибка не мешает потоку идти без маркировки.
func setDSCP(conn *net.UDPConn, dscp int) error {
	if dscp == DSCPBestEffort {
		return nil
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}
	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		sockOptErr = setSockOptDSCP(fd, dscp)
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}
	return sockOptErr
}
