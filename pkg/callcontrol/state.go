package callcontrol

import "github.com/arzzra/embedded_phone/pkg/session"

// DialogState внутреннее состояние вызова с детализацией до SIP обмена
type DialogState string

const (
	Idle                DialogState = "idle"
	OutgoingInviting    DialogState = "outgoing_inviting"
	OutgoingRinging     DialogState = "outgoing_ringing"
	OutgoingActive      DialogState = "outgoing_active"
	OutgoingTerminating DialogState = "outgoing_terminating"
	IncomingAlerting    DialogState = "incoming_alerting"
	IncomingRejecting   DialogState = "incoming_rejecting"
	IncomingAccepting   DialogState = "incoming_accepting"
	IncomingActive      DialogState = "incoming_active"
	IncomingTerminating DialogState = "incoming_terminating"
)

// String реализует fmt.Stringer
func (s DialogState) String() string {
	return string(s)
}

// publicStates каждое внутреннее состояние отображается ровно в одно внешнее
var publicStates = map[DialogState]session.State{
	Idle:                session.Idle,
	OutgoingInviting:    session.Idle,
	OutgoingRinging:     session.OutgoingAlerting,
	OutgoingActive:      session.OutgoingActive,
	OutgoingTerminating: session.Idle,
	IncomingAlerting:    session.IncomingAlerting,
	IncomingRejecting:   session.Idle,
	IncomingAccepting:   session.IncomingActive,
	IncomingActive:      session.IncomingActive,
	IncomingTerminating: session.Idle,
}

// PublicState возвращает внешне видимое состояние для внутреннего
func PublicState(s DialogState) session.State {
	if st, ok := publicStates[s]; ok {
		return st
	}
	return session.Idle
}

// DisplayState учитывает регистрацию: без вызова агент сообщает
// Registered, пока регистрация действует, RegistrationFailed после
// исчерпания попыток и Idle в остальных случаях.
func DisplayState(mapped session.State, registered, failed bool) session.State {
	switch mapped {
	case session.Idle, session.RegistrationFailed:
		if registered {
			return session.Registered
		}
		if failed {
			return session.RegistrationFailed
		}
		return session.Idle
	case session.Registered:
		if !registered {
			return session.Idle
		}
	}
	return mapped
}
