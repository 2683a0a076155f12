// Package clog provides per-component loggers sharing one output. Each component gets its
// own level so a noisy part of the transport can be turned up to debug on its own.
package clog

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
)

const GlobalCtx = "global"

type ContextLogger struct {
	handler      *Handler
	defaultLevel log.Level

	mu      sync.Mutex
	loggers map[string]*componentLogger
}

// componentLogger filters on an atomically held level. The apex logger's own Level stays
// at debug and is never written.
type componentLogger struct {
	logger *log.Logger
	level  atomic.Int32
	next   log.Handler
}

func (c *componentLogger) HandleLog(e *log.Entry) error {
	if e.Level < log.Level(c.level.Load()) {
		return nil
	}
	return c.next.HandleLog(e)
}

func NewContextLogger(w io.Writer) *ContextLogger {
	return &ContextLogger{
		handler:      NewHandler(w),
		defaultLevel: log.InfoLevel,
		loggers:      make(map[string]*componentLogger),
	}
}

func (l *ContextLogger) component(ctx string) *componentLogger {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.loggers[ctx]
	if !ok {
		c = &componentLogger{next: l.handler}
		c.level.Store(int32(l.defaultLevel))
		c.logger = &log.Logger{Handler: c, Level: log.DebugLevel}
		l.loggers[ctx] = c
	}

	return c
}

// UsingCtx returns an entry for the ctx component, creating its logger at the default
// level on first use.
func (l *ContextLogger) UsingCtx(ctx string) *log.Entry {
	return l.component(ctx).logger.WithField("ctx", ctx)
}

func (l *ContextLogger) Global() *log.Entry {
	return l.UsingCtx(GlobalCtx)
}

// SetLevel changes the level of a single component.
func (l *ContextLogger) SetLevel(ctx string, level log.Level) {
	l.component(ctx).level.Store(int32(level))
}

// Level is the current level of a single component.
func (l *ContextLogger) Level(ctx string) log.Level {
	return log.Level(l.component(ctx).level.Load())
}

// SetDefaultLevel changes the level of every component, present and future.
func (l *ContextLogger) SetDefaultLevel(level log.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.defaultLevel = level
	for _, c := range l.loggers {
		c.level.Store(int32(level))
	}
}

func (l *ContextLogger) DefaultLevel() log.Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.defaultLevel
}

func (l *ContextLogger) SetDefaultLevelFromString(s string) error {
	level, err := log.ParseLevel(s)
	if err != nil {
		return err
	}

	l.SetDefaultLevel(level)
	return nil
}

func (l *ContextLogger) SetOutput(w io.Writer) {
	l.handler.SetOutput(w)
}

var clogger = NewContextLogger(os.Stdout)

func UsingCtx(ctx string) *log.Entry {
	return clogger.UsingCtx(ctx)
}

func Global() *log.Entry {
	return clogger.Global()
}

func SetLevel(ctx string, level log.Level) {
	clogger.SetLevel(ctx, level)
}

func SetDefaultLevelFromString(s string) error {
	return clogger.SetDefaultLevelFromString(s)
}

func SetDefaultLevel(level log.Level) {
	clogger.SetDefaultLevel(level)
}

func DefaultLevel() log.Level {
	return clogger.DefaultLevel()
}

func SetOutput(w io.Writer) {
	clogger.SetOutput(w)
}
