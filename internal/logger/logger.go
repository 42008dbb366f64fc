// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать основное приложение. Поддерживается логирование времени выполнения функций.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const (
	asyncBufferSize = 8192
	slowCall        = 100 * time.Millisecond
)

var (
	mu     sync.RWMutex
	prefix string
	base   zerolog.Logger
	once   sync.Once
)

func initLogger() {
	level := zerolog.InfoLevel
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug", "trace":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stdout
	if os.Getenv("LOG_FORMAT") == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	// Буфер полон: не блокируем, теряем лог.
	dw := diode.NewWriter(w, asyncBufferSize, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger: dropped %d messages\n", missed)
	})
	base = zerolog.New(dw).Level(level).With().Timestamp().Logger()
}

func current() *zerolog.Logger {
	once.Do(initLogger)
	mu.RLock()
	defer mu.RUnlock()
	l := base
	if prefix != "" {
		l = l.With().Str("service", prefix).Logger()
	}
	return &l
}

// SetOutput перенаправляет логи в w с заданным уровнем, без асинхронного буфера.
func SetOutput(w io.Writer, level zerolog.Level) {
	once.Do(initLogger)
	mu.Lock()
	base = zerolog.New(w).Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "api").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// Logger возвращает zerolog.Logger с префиксом сервиса для структурированных полей.
func Logger() *zerolog.Logger {
	return current()
}

// Info пишет сообщение уровня info (асинхронно).
func Info(v ...any) {
	current().Info().Msg(fmt.Sprint(v...))
}

// Infof форматирует и пишет сообщение уровня info.
func Infof(format string, v ...any) {
	current().Info().Msgf(format, v...)
}

// Debugf пишется только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	current().Debug().Msgf(format, v...)
}

// Warnf форматирует предупреждение.
func Warnf(format string, v ...any) {
	current().Warn().Msgf(format, v...)
}

// Error пишет ошибку (асинхронно).
func Error(v ...any) {
	current().Error().Msg(fmt.Sprint(v...))
}

// Errorf форматирует ошибку.
func Errorf(format string, v ...any) {
	current().Error().Msgf(format, v...)
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug: все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := current()
	if elapsed < slowCall && l.GetLevel() > zerolog.DebugLevel {
		return
	}
	ev := l.Debug()
	if elapsed >= slowCall {
		ev = l.Info()
	}
	ev.Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds()).Msg("call")
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
