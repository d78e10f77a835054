package media_sdp

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// NewOffer создает SDP offer со всеми поддерживаемыми кодеками
func NewOffer(cfg Config, sessionID uint64) ([]byte, error) {
	if len(cfg.Codecs) == 0 {
		return nil, NewSDPError(ErrorCodeSDPGeneration, "не заданы кодеки")
	}
	return build(cfg, sessionID, cfg.Codecs, DirectionSendRecv)
}

// NewAnswer создает SDP answer на разобранный offer: единственный
// выбранный кодек и зеркальное направление.
func NewAnswer(cfg Config, remote Remote, sessionID uint64) ([]byte, error) {
	direction := remote.Direction
	if direction == "" {
		direction = DirectionSendRecv
	}
	return build(cfg, sessionID, []CodecInfo{remote.Codec}, direction)
}

func build(cfg Config, sessionID uint64, codecs []CodecInfo, direction string) ([]byte, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, NewSDPError(ErrorCodeSDPGeneration,
			"некорректный локальный адрес: %s:%d", cfg.Host, cfg.Port)
	}
	if sessionID == 0 {
		sessionID = uint64(time.Now().Unix())
	}

	addrType := addressType(cfg.Host)
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: cfg.Host,
		},
		SessionName: sdp.SessionName(cfg.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: cfg.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: cfg.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, codec := range codecs {
		media.MediaName.Formats = append(media.MediaName.Formats, strconv.Itoa(int(codec.PayloadType)))
	}
	media.Attributes = buildMediaAttributes(cfg, codecs, direction)
	desc.MediaDescriptions = []*sdp.MediaDescription{media}

	body, err := desc.Marshal()
	if err != nil {
		return nil, WrapSDPError(ErrorCodeSDPGeneration, err, "не удалось сериализовать SDP")
	}
	return body, nil
}

// buildMediaAttributes создает атрибуты для медиа описания
func buildMediaAttributes(cfg Config, codecs []CodecInfo, direction string) []sdp.Attribute {
	var attributes []sdp.Attribute
	for _, codec := range codecs {
		rtpmap := fmt.Sprintf("%d %s/%d", codec.PayloadType, codec.Name, codec.ClockRate)
		attributes = append(attributes, sdp.NewAttribute("rtpmap", rtpmap))
	}

	if cfg.Ptime > 0 {
		attributes = append(attributes, sdp.NewAttribute("ptime", strconv.Itoa(int(cfg.Ptime/time.Millisecond))))
	}
	attributes = append(attributes, sdp.NewPropertyAttribute(direction))
	return attributes
}
