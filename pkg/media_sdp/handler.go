package media_sdp

import (
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// ParseRemote разбирает SDP удаленной стороны (offer или answer) и
// выбирает первый из предложенных кодеков, который поддерживаем сами.
func ParseRemote(body []byte, cfg Config) (Remote, error) {
	if len(body) == 0 {
		return Remote{}, NewSDPError(ErrorCodeSDPParsing, "пустое SDP")
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return Remote{}, WrapSDPError(ErrorCodeSDPParsing, err, "не удалось разобрать SDP")
	}

	// Ищем аудио медиа описание
	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return Remote{}, NewSDPError(ErrorCodeNoAudio, "аудио медиа описание не найдено")
	}

	codec, err := selectCodec(audio, cfg)
	if err != nil {
		return Remote{}, err
	}

	conn := audio.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	addr, err := ParseMediaAddress(conn, audio.MediaName.Port.Value)
	if err != nil {
		return Remote{}, err
	}

	return Remote{
		Addr:      addr,
		Codec:     codec,
		Direction: parseMediaDirection(audio),
		Ptime:     parsePtime(audio),
	}, nil
}

// selectCodec выбирает кодек по порядку форматов удаленной стороны
func selectCodec(media *sdp.MediaDescription, cfg Config) (CodecInfo, error) {
	rtpmaps := make(map[string]string)
	for _, attr := range media.Attributes {
		if attr.Key == "rtpmap" {
			parts := strings.SplitN(attr.Value, " ", 2)
			if len(parts) == 2 {
				rtpmaps[parts[0]] = parts[1]
			}
		}
	}

	for _, format := range media.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		codec, ok := cfg.codec(uint8(pt))
		if !ok {
			continue
		}
		// Статический payload type может идти без rtpmap
		if rtpmap, exists := rtpmaps[format]; exists && !validateRtpmap(rtpmap, codec) {
			continue
		}
		return codec, nil
	}

	return CodecInfo{}, NewSDPError(ErrorCodeIncompatibleCodec,
		"не найден совместимый кодек среди предложенных: %v", media.MediaName.Formats)
}

// validateRtpmap проверяет соответствие rtpmap поддерживаемому кодеку
func validateRtpmap(rtpmap string, codec CodecInfo) bool {
	parts := strings.Split(rtpmap, "/")
	if len(parts) < 2 {
		return false
	}
	clockRate, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return strings.EqualFold(codec.Name, parts[0]) && codec.ClockRate == uint32(clockRate)
}

// parseMediaDirection возвращает наше направление: зеркало атрибута
// удаленной стороны
func parseMediaDirection(media *sdp.MediaDescription) string {
	direction := DirectionSendRecv
	for _, attr := range media.Attributes {
		switch attr.Key {
		case DirectionSendOnly:
			direction = DirectionRecvOnly
		case DirectionRecvOnly:
			direction = DirectionSendOnly
		case DirectionSendRecv, DirectionInactive:
			direction = attr.Key
		}
	}
	return direction
}

// parsePtime парсит ptime атрибут
func parsePtime(media *sdp.MediaDescription) time.Duration {
	if v, ok := media.Attribute("ptime"); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 20 * time.Millisecond
}
