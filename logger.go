package zscope

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/fatih/color"
)

type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
}

var _ Logger = (*logger)(nil)

type logger struct {
	l *slog.Logger
}

// NewLogger 基于 slog 的默认 logger，输出带颜色的文本
func NewLogger(out io.Writer, level slog.Level) Logger {
	h := NewPrettyHandler(out, &PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{Level: level},
	})
	return &logger{l: slog.New(h)}
}

var defaultLogger = NewLogger(os.Stderr, slog.LevelInfo)

// DefaultLogger 未配置 logger 时使用
func DefaultLogger() Logger { return defaultLogger }

func (lg *logger) Debug(args ...interface{}) { lg.l.Debug(fmt.Sprint(args...)) }
func (lg *logger) Debugf(format string, args ...interface{}) {
	lg.l.Debug(fmt.Sprintf(format, args...))
}
func (lg *logger) Info(args ...interface{}) { lg.l.Info(fmt.Sprint(args...)) }
func (lg *logger) Infof(format string, args ...interface{}) {
	lg.l.Info(fmt.Sprintf(format, args...))
}
func (lg *logger) Warn(args ...interface{}) { lg.l.Warn(fmt.Sprint(args...)) }
func (lg *logger) Warnf(format string, args ...interface{}) {
	lg.l.Warn(fmt.Sprintf(format, args...))
}
func (lg *logger) Error(args ...interface{}) { lg.l.Error(fmt.Sprint(args...)) }
func (lg *logger) Errorf(format string, args ...interface{}) {
	lg.l.Error(fmt.Sprintf(format, args...))
}

func (lg *logger) Fatal(args ...interface{}) {
	lg.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}

type PrettyHandlerOptions struct {
	SlogOpts slog.HandlerOptions
}

// PrettyHandler 终端友好的 slog handler
type PrettyHandler struct {
	slog.Handler
	l *log.Logger
}

func NewPrettyHandler(out io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	return &PrettyHandler{
		Handler: slog.NewJSONHandler(out, &opts.SlogOpts),
		l:       log.New(out, "", 0),
	}
}

func (h *PrettyHandler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String() + ":"

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	}

	fields := make(map[string]interface{}, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	timeStr := r.Time.Format("[15:04:05.000]")
	msg := color.HiCyanString(r.Message)

	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		h.l.Printf("%s %s %s %s\n", timeStr, level, msg, color.WhiteString(string(b)))
		return nil
	}
	h.l.Printf("%s %s %s\n", timeStr, level, msg)
	return nil
}

type nopLogger struct{}

// NopLogger 丢弃所有日志
func NopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(...interface{})          {}
func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Info(...interface{})           {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warn(...interface{})           {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Error(...interface{})          {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Fatal(args ...interface{})     { os.Exit(1) }
