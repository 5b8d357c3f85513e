// Package wire encodes watcher events for output streams.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"changewatch/internal/watcher"
)

const (
	FormatJSON  = "json"
	FormatText  = "text"
	FormatProto = "proto"
)

// Event is the JSON shape of a watcher event.
type Event struct {
	Path      string    `json:"path"`
	Op        []string  `json:"op"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func FromWatcher(change watcher.Event) Event {
	out := Event{
		Path:      change.Path,
		Op:        change.Op.Names(),
		Timestamp: change.Timestamp.UTC(),
	}
	if change.Err != nil {
		out.Op = []string{}
		out.Error = change.Err.Error()
	}
	return out
}

// Watcher converts back. Sentinel identity does not survive the trip; Err
// carries the message only.
func (e Event) Watcher() (watcher.Event, error) {
	op, err := watcher.ParseOp(e.Op)
	if err != nil {
		return watcher.Event{}, err
	}
	change := watcher.Event{Path: e.Path, Op: op, Timestamp: e.Timestamp}
	if e.Error != "" {
		change.Err = errors.New(e.Error)
	}
	return change, nil
}

func EncodeJSON(change watcher.Event) ([]byte, error) {
	return json.Marshal(FromWatcher(change))
}

func DecodeJSON(data []byte) (watcher.Event, error) {
	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		return watcher.Event{}, err
	}
	return decoded.Watcher()
}

// EncodeText renders one human readable line without a trailing newline.
func EncodeText(change watcher.Event) []byte {
	var builder strings.Builder
	builder.WriteString(change.Timestamp.UTC().Format(time.RFC3339Nano))
	builder.WriteByte(' ')
	if change.Err != nil {
		builder.WriteString("ERROR ")
		builder.WriteString(change.Err.Error())
		if change.Path != "" {
			builder.WriteString(" path=")
			builder.WriteString(change.Path)
		}
		return []byte(builder.String())
	}
	builder.WriteString(change.Op.String())
	builder.WriteByte(' ')
	builder.WriteString(change.Path)
	return []byte(builder.String())
}

// Encoder returns the encoder for a format name.
func Encoder(format string) (func(watcher.Event) ([]byte, error), error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON, "":
		return EncodeJSON, nil
	case FormatText:
		return func(change watcher.Event) ([]byte, error) {
			return EncodeText(change), nil
		}, nil
	case FormatProto:
		return func(change watcher.Event) ([]byte, error) {
			return EncodeProto(change), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
