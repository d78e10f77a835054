package callcontrol

import (
	"net"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/embedded_phone/pkg/media_sdp"
	"github.com/arzzra/embedded_phone/pkg/sip/message"
)

// call единственный диалог агента
type call struct {
	id       string
	outgoing bool
	// peer адрес, куда уходят все сообщения вызова
	peer *net.UDPAddr

	local        sip.Uri
	display      string
	localTag     string
	remote       sip.Uri
	remoteTag    string
	remoteTarget sip.Uri
	// cseq последний использованный нами номер
	cseq uint32

	// invite наш INVITE для исходящего вызова или INVITE удаленной стороны
	invite    *sip.Request
	username  string
	password  string
	authTried bool
	offer     []byte

	// Входящий вызов
	remoteMedia media_sdp.Remote
	lateOffer   bool
	last        *sip.Response
	result      string

	// ack последний ACK на 2xx, повторяется на повтор 2xx
	ack *sip.Request

	// Повтор неподтвержденного запроса или окончательного ответа
	pending      *sip.Request
	final        *sip.Response
	interval     time.Duration
	retransmitAt time.Time
	deadline     time.Time

	mediaBound bool
}

func (c *call) dialogParams() message.DialogParams {
	return message.DialogParams{
		CallID:       c.id,
		LocalURI:     c.local,
		LocalTag:     c.localTag,
		RemoteURI:    c.remote,
		RemoteTag:    c.remoteTag,
		RemoteTarget: c.remoteTarget,
	}
}

// stopRetransmit прекращает повторы; deadline не меняется
func (c *call) stopRetransmit() {
	c.pending = nil
	c.final = nil
	c.retransmitAt = time.Time{}
}

// endpointFor возвращает Endpoint с пользователем Contact для этого вызова
func (m *Machine) endpointFor(c *call) message.Endpoint {
	e := m.endpoint
	e.User = c.local.User
	return e
}

func (m *Machine) bindMedia(remote media_sdp.Remote) {
	m.media.Bind(remote.Addr, remote.Codec.PayloadType)
	m.call.mediaBound = true
}
