// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package log is a small leveled logger used by every parachain subsystem.
// It mirrors the call sites gossamer's subsystems already use
// (log.NewFromGlobal(log.AddContext("pkg", "...")), logger.Debugf/Errorf),
// with the same colorized CLI output.
package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level is a logging verbosity level.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var globalLevel = LevelInfo
var globalMu sync.Mutex

// SetGlobalLevel controls the minimum level every Logger created via
// NewFromGlobal will emit.
func SetGlobalLevel(lvl Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLevel = lvl
}

func currentGlobalLevel() Level {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLevel
}

// Ctx is a key/value context attached to every line a Logger emits.
type Ctx struct {
	key, value string
}

// AddContext builds a logging context, e.g. log.AddContext("pkg", "overseer").
func AddContext(key, value string) Ctx {
	return Ctx{key: key, value: value}
}

// Logger is a leveled, context-tagged logger.
type Logger struct {
	ctx []Ctx
}

// NewFromGlobal creates a Logger that honours the process-wide level.
func NewFromGlobal(ctx ...Ctx) *Logger {
	return &Logger{ctx: ctx}
}

func (l *Logger) prefix() string {
	out := ""
	for _, c := range l.ctx {
		out += fmt.Sprintf("[%s=%s]", c.key, c.value)
	}
	return out
}

func (l *Logger) emit(lvl Level, colour *color.Color, tag, format string, args ...any) {
	if lvl > currentGlobalLevel() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s %s%s %s", time.Now().UTC().Format(time.RFC3339), tag, l.prefix(), msg)
	_, _ = colour.Fprintln(os.Stderr, line)
}

func (l *Logger) Tracef(format string, args ...any) {
	l.emit(LevelTrace, color.New(color.FgHiBlack), "TRCE", format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.emit(LevelDebug, color.New(color.FgCyan), "DBUG", format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.emit(LevelInfo, color.New(color.FgGreen), "INFO", format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.emit(LevelWarn, color.New(color.FgYellow), "WARN", format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.emit(LevelError, color.New(color.FgRed), "EROR", format, args...)
}
