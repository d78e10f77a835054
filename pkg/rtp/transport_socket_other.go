//go:build !linux

package rtp

// setSockOptDSCP не поддерживается вне Linux; поток идет без маркировки
func setSockOptDSCP(fd uintptr, dscp int) error {
	return nil
}
