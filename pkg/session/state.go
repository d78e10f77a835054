package session

import "fmt"

// State внешне видимое состояние агента, сообщаемое подписчику.
//
// Значения упорядочены: всё, что не больше Registered, означает
// отсутствие вызова. На этом порядке построены проверки Hangup и
// PlaceCall, поэтому новые значения добавляются только с учетом порядка.
type State int

const (
	// Idle нет регистрации и нет вызова
	Idle State = iota
	// RegistrationFailed регистратор не подтверждает регистрацию,
	// попытки исчерпали допустимый лимит
	RegistrationFailed
	// Registered регистрация действительна, вызова нет
	Registered
	// OutgoingAlerting исходящий вызов, у абонента звонит
	OutgoingAlerting
	// OutgoingActive исходящий вызов установлен
	OutgoingActive
	// IncomingAlerting входящий вызов ожидает ответа
	IncomingAlerting
	// IncomingActive входящий вызов установлен
	IncomingActive
)

var stateNames = map[State]string{
	Idle:               "Idle",
	RegistrationFailed: "RegistrationFailed",
	Registered:         "Registered",
	OutgoingAlerting:   "OutgoingAlerting",
	OutgoingActive:     "OutgoingActive",
	IncomingAlerting:   "IncomingAlerting",
	IncomingActive:     "IncomingActive",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// InCall возвращает true, если идет вызов или его установление.
func (s State) InCall() bool {
	return s > Registered
}

// Active возвращает true для установленного вызова в любом направлении.
func (s State) Active() bool {
	return s == OutgoingActive || s == IncomingActive
}
