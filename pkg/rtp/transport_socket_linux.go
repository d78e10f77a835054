//go:build linux

package rtp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setSockOptDSCP устанавливает DSCP маркировку для QoS (Linux реализация)
func setSockOptDSCP(fd uintptr, dscp int) error {
	// DSCP находится в старших 6 битах TOS поля
	tos := dscp << 2

	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return fmt.Errorf("IP_TOS (%d): %w", tos, err)
	}
	// Для IPv4 сокета IPV6_TCLASS вернет ошибку
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	// Высокий приоритет очереди для интерактивного аудио
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	return nil
}
