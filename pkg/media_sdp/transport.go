package media_sdp

import (
	"net"

	"github.com/pion/sdp/v3"
)

// ParseMediaAddress собирает RTP адрес из строки c= и порта m=
func ParseMediaAddress(conn *sdp.ConnectionInformation, mediaPort int) (*net.UDPAddr, error) {
	if conn == nil || conn.Address == nil {
		return nil, NewSDPError(ErrorCodeSDPParsing, "connection информация отсутствует")
	}
	if conn.NetworkType != "IN" || (conn.AddressType != "IP4" && conn.AddressType != "IP6") {
		return nil, NewSDPError(ErrorCodeSDPParsing,
			"некорректный формат connection: %s %s", conn.NetworkType, conn.AddressType)
	}

	ip := net.ParseIP(conn.Address.Address)
	if ip == nil {
		return nil, NewSDPError(ErrorCodeSDPParsing,
			"некорректный IP адрес: %s", conn.Address.Address)
	}
	if mediaPort <= 0 || mediaPort > 65535 {
		return nil, NewSDPError(ErrorCodeSDPParsing, "некорректный порт: %d", mediaPort)
	}
	return &net.UDPAddr{IP: ip, Port: mediaPort}, nil
}

// addressType возвращает IP4 или IP6 для адреса в c= и o=
func addressType(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}
