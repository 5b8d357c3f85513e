// Package logging is a leveled logger with string fields. Every entry is
// also kept in a bounded in-memory ring that the stream server exposes.
package logging

import (
	"io"
	"log"
	"maps"
	"os"
	"time"
)

const DefaultRecentSize = 500

type Logger struct {
	recent *Recent
	output *log.Logger
	floor  Level
	fields map[string]string
}

// NewLogger writes to stderr so stdout stays free for the event stream.
func NewLogger(floor Level) *Logger {
	return NewLoggerWithOutput(NewRecent(DefaultRecentSize), floor, os.Stderr)
}

// NewLoggerWithOutput writes entries at or above floor to output and to
// recent. A nil recent gets a default-sized ring; a nil output discards.
func NewLoggerWithOutput(recent *Recent, floor Level, output io.Writer) *Logger {
	if recent == nil {
		recent = NewRecent(DefaultRecentSize)
	}
	if output == nil {
		output = io.Discard
	}
	if _, ok := levelRanks[floor]; !ok {
		floor = LevelInfo
	}
	return &Logger{
		recent: recent,
		output: log.New(output, "", log.LstdFlags),
		floor:  floor,
	}
}

// Discard returns a logger that only keeps entries in memory.
func Discard() *Logger {
	return NewLoggerWithOutput(nil, LevelInfo, nil)
}

func (l *Logger) Recent() *Recent {
	if l == nil {
		return nil
	}
	return l.recent
}

// With returns a logger sharing l's ring and output that adds fields to
// every entry. Per-call fields win on conflicts.
func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		recent: l.recent,
		output: l.output,
		floor:  l.floor,
		fields: mergeFields(l.fields, fields),
	}
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level.AtLeast(l.floor)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := Entry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
		Fields:  mergeFields(l.fields, fields),
	}
	l.recent.Add(entry)
	l.output.Print(entry.String())
}

func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	maps.Copy(merged, base)
	maps.Copy(merged, extra)
	return merged
}
