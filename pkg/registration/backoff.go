package registration

import "time"

// Backoff экспоненциальная задержка между попытками регистрации.
// Next возвращает текущую задержку и удваивает следующую до потолка.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff создает задержку initial, 2*initial, ... не выше max
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

// Next возвращает задержку до следующей попытки
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset возвращает задержку к начальной
func (b *Backoff) Reset() {
	b.next = b.initial
}
