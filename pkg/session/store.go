// Package session хранит общее состояние агента: параметры регистрации,
// параметры следующего исходящего вызова, намерения API (позвонить,
// ответить, положить трубку) и внешне видимое состояние.
//
// Store единственный ресурс, разделяемый между вызывающими API и
// сигнальным циклом. Все поля читаются и пишутся под одним мьютексом,
// под которым не выполняется ни ввод-вывод, ни вызов колбэков.
package session

import (
	"sync"
	"time"
)

// Registrar параметры регистрации на SIP регистраторе.
type Registrar struct {
	Host     string
	Username string
	Password string
}

// OutgoingCall параметры следующего исходящего вызова.
type OutgoingCall struct {
	CallerID       string
	ProxyHost      string
	DestinationURI string
	Username       string
	Password       string
}

// Flags намерения, выставленные API и снимаемые сигнальным циклом.
type Flags struct {
	PlaceCall bool
	Answer    bool
	Hangup    bool
}

// Snapshot согласованная копия Store на момент вызова Snapshot.
type Snapshot struct {
	Registrar          *Registrar
	RegistrationExpiry time.Time
	OutgoingCall       *OutgoingCall
	CallID             string
	Flags              Flags
	State              State
}

// Registered возвращает true, если регистрация действительна на момент now.
func (s Snapshot) Registered(now time.Time) bool {
	return !s.RegistrationExpiry.IsZero() && now.Before(s.RegistrationExpiry)
}

// Store разделяемая запись сессии.
type Store struct {
	mu sync.Mutex

	registrar Registrar
	expiry    time.Time
	outgoing  OutgoingCall
	callID    string
	flags     Flags
	state     State
}

// NewStore создает пустое хранилище в состоянии Idle.
func NewStore() *Store {
	return &Store{}
}

// replaceString заменяет значение и сообщает, изменилось ли оно.
// Пустая строка означает отсутствие значения.
func replaceString(target *string, value string) bool {
	if *target == value {
		return false
	}
	*target = value
	return true
}

// ConfigureRegistration задает регистратор. Повторный вызов с теми же
// значениями ничего не меняет; любое изменение сбрасывает срок
// регистрации, чтобы агент перерегистрировался.
// Возвращает true, если параметры изменились.
func (s *Store) ConfigureRegistration(host, user, pass string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Все три замены выполняются, даже если первая уже дала изменение
	changed := replaceString(&s.registrar.Host, host)
	changed = replaceString(&s.registrar.Username, user) || changed
	changed = replaceString(&s.registrar.Password, pass) || changed
	if changed {
		s.expiry = time.Time{}
	}
	return changed
}

// PlaceCall запоминает параметры исходящего вызова и выставляет намерение.
// Отказывает, если идет вызов или его установление либо не задан адрес.
func (s *Store) PlaceCall(callerID, destURI, proxy, user, pass string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.InCall() || s.callID != "" || destURI == "" {
		return false
	}
	replaceString(&s.outgoing.CallerID, callerID)
	replaceString(&s.outgoing.DestinationURI, destURI)
	replaceString(&s.outgoing.ProxyHost, proxy)
	replaceString(&s.outgoing.Username, user)
	replaceString(&s.outgoing.Password, pass)
	s.flags.PlaceCall = true
	return true
}

// Answer выставляет намерение ответить. Действует только в IncomingAlerting.
func (s *Store) Answer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != IncomingAlerting {
		return false
	}
	s.flags.Answer = true
	return true
}

// Hangup выставляет намерение завершить, отменить или отклонить вызов.
// Действует только пока идет вызов или его установление.
func (s *Store) Hangup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.InCall() {
		return false
	}
	s.flags.Hangup = true
	return true
}

// Snapshot возвращает копию всех полей.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		RegistrationExpiry: s.expiry,
		CallID:             s.callID,
		Flags:              s.flags,
		State:              s.state,
	}
	if s.registrar.Host != "" {
		r := s.registrar
		snap.Registrar = &r
	}
	if s.outgoing.DestinationURI != "" {
		oc := s.outgoing
		snap.OutgoingCall = &oc
	}
	return snap
}

// State возвращает последнее опубликованное состояние.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TakePlaceCall снимает намерение позвонить и возвращает параметры вызова.
// Если намерение выставлено, но параметров нет, оно просто снимается.
func (s *Store) TakePlaceCall() (OutgoingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.flags.PlaceCall {
		return OutgoingCall{}, false
	}
	s.flags.PlaceCall = false
	if s.outgoing.DestinationURI == "" {
		return OutgoingCall{}, false
	}
	return s.outgoing, true
}

// TakeAnswer снимает намерение ответить и сообщает, было ли оно.
func (s *Store) TakeAnswer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.flags.Answer
	s.flags.Answer = false
	return v
}

// TakeHangup снимает намерение положить трубку и сообщает, было ли оно.
func (s *Store) TakeHangup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.flags.Hangup
	s.flags.Hangup = false
	return v
}

// SetRegistered фиксирует успешную регистрацию до expiry.
func (s *Store) SetRegistered(expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = expiry
}

// ClearRegistration сбрасывает регистрацию.
func (s *Store) ClearRegistration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = time.Time{}
}

// ExpireRegistration сбрасывает истекшую регистрацию.
// Возвращает true, если регистрация была сброшена.
func (s *Store) ExpireRegistration(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiry.IsZero() || now.Before(s.expiry) {
		return false
	}
	s.expiry = time.Time{}
	return true
}

// BindCall занимает единственный слот диалога.
// Возвращает false, если слот занят другим вызовом.
func (s *Store) BindCall(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if callID == "" || (s.callID != "" && s.callID != callID) {
		return false
	}
	s.callID = callID
	return true
}

// ReleaseCall освобождает слот диалога.
func (s *Store) ReleaseCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callID = ""
}

// Publish записывает новое внешнее состояние. Пока вызова нет, намерения
// answer и hangup снимаются. Возвращает предыдущее значение и признак
// изменения; одинаковые значения подряд изменением не считаются.
func (s *Store) Publish(state State) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !state.InCall() {
		s.flags.Answer = false
		s.flags.Hangup = false
	}
	prev := s.state
	if prev == state {
		return prev, false
	}
	s.state = state
	return prev, true
}
