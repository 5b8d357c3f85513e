package logging

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Level is a log severity. Unknown values behave as LevelInfo.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

var levelRanks = map[Level]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

func (level Level) rank() int {
	if rank, ok := levelRanks[level]; ok {
		return rank
	}
	return levelRanks[LevelInfo]
}

// AtLeast reports whether level is as severe as floor.
func (level Level) AtLeast(floor Level) bool {
	return level.rank() >= floor.rank()
}

// ParseLevel accepts the level names plus "warn", in any case.
func ParseLevel(value string) (Level, bool) {
	normalized := Level(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "warn" {
		return LevelWarning, true
	}
	if _, ok := levelRanks[normalized]; ok {
		return normalized, true
	}
	return "", false
}

// Entry is one recorded log line.
type Entry struct {
	Time    time.Time         `json:"time"`
	Level   Level             `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// String renders the entry as logfmt, fields sorted by key.
func (e Entry) String() string {
	var builder strings.Builder
	builder.WriteString("level=")
	builder.WriteString(string(e.Level))
	builder.WriteString(" msg=")
	builder.WriteString(strconv.Quote(e.Message))

	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteByte(' ')
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(strconv.Quote(e.Fields[key]))
	}
	return builder.String()
}
