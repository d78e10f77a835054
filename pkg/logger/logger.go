// Package logger собирает slog.Logger агента.
//
// Формат "console" пишет компактные цветные строки (console-slog),
// "dev" подробный вывод для отладки (devslog), "json" стандартный
// JSON обработчик. Поверх любого формата slog-formatter раскрывает
// ошибки и сетевые объекты.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

// Форматы вывода
const (
	FormatConsole = "console"
	FormatDev     = "dev"
	FormatJSON    = "json"
)

// Options параметры логгера
type Options struct {
	Level     slog.Level
	Format    string
	Output    io.Writer
	AddSource bool
}

// DefaultOptions возвращает параметры по умолчанию
func DefaultOptions() Options {
	return Options{
		Level:  slog.LevelInfo,
		Format: FormatConsole,
		Output: os.Stdout,
	}
}

var newFormatter = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.Any("local_addr", c.LocalAddr()),
		)
	}),
	slogformatter.FormatByType(func(a *net.UDPAddr) slog.Value {
		if a == nil {
			return slog.StringValue("<nil>")
		}
		return slog.StringValue(a.String())
	}),
)

// New создает логгер по opts
func New(opts Options) (*slog.Logger, error) {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", FormatConsole:
		h = console.NewHandler(opts.Output, &console.HandlerOptions{
			AddSource:  opts.AddSource,
			Level:      opts.Level,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatDev:
		h = devslog.NewHandler(opts.Output, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: opts.AddSource,
				Level:     opts.Level,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(opts.Output, &slog.HandlerOptions{
			AddSource: opts.AddSource,
			Level:     opts.Level,
		})
	default:
		return nil, fmt.Errorf("неизвестный формат логов %q", opts.Format)
	}

	return slog.New(newFormatter(h)), nil
}

// ParseLevel разбирает уровень: debug, info, warn, error
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("неизвестный уровень логов %q: %w", s, err)
	}
	return level, nil
}

// Component возвращает дочерний логгер компонента.
// nil превращается в Noop.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		return Noop
	}
	return l.With(slog.String("component", name))
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (noopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h noopHandler) WithGroup(string) slog.Handler           { return h }

// Noop логгер, который ничего не пишет
var Noop = slog.New(noopHandler{})
