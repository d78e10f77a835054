// Package notify доставляет изменения внешнего состояния подписчику.
package notify

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arzzra/embedded_phone/pkg/session"
)

// Event изменение внешнего состояния агента
type Event struct {
	State    session.State
	Previous session.State
	At       time.Time
}

// Callback вызывается синхронно в сигнальном цикле
type Callback func(Event)

// Bus единственный слот подписчика. Publish вызывается только из
// сигнального цикла, поэтому порядок событий совпадает с порядком
// изменений; замена подписчика допустима в любой момент.
type Bus struct {
	cb     atomic.Pointer[Callback]
	logger *slog.Logger
}

// NewBus создает шину без подписчика
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// SetCallback заменяет подписчика; nil отключает уведомления
func (b *Bus) SetCallback(cb Callback) {
	if cb == nil {
		b.cb.Store(nil)
		return
	}
	b.cb.Store(&cb)
}

// Publish передает событие подписчику. Паника подписчика
// перехватывается и логируется, цикл продолжает работу.
func (b *Bus) Publish(ev Event) {
	p := b.cb.Load()
	if p == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notify.Publish подписчик завершился паникой",
				slog.String("state", ev.State.String()),
				slog.Any("panic", r))
		}
	}()
	(*p)(ev)
}
