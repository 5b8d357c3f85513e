package wire

import (
	"errors"
	"fmt"
	"time"

	"changewatch/internal/watcher"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary event message.
const (
	fieldPath      protowire.Number = 1
	fieldOp        protowire.Number = 2
	fieldError     protowire.Number = 3
	fieldTimestamp protowire.Number = 4
)

// EncodeProto writes the event as a protobuf message. Zero values are
// omitted, as proto3 does.
func EncodeProto(change watcher.Event) []byte {
	var buf []byte
	if change.Path != "" {
		buf = protowire.AppendTag(buf, fieldPath, protowire.BytesType)
		buf = protowire.AppendString(buf, change.Path)
	}
	if change.Err == nil && change.Op != 0 {
		buf = protowire.AppendTag(buf, fieldOp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(change.Op))
	}
	if change.Err != nil {
		buf = protowire.AppendTag(buf, fieldError, protowire.BytesType)
		buf = protowire.AppendString(buf, change.Err.Error())
	}
	if !change.Timestamp.IsZero() {
		buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(change.Timestamp.UnixNano()))
	}
	return buf
}

func DecodeProto(data []byte) (watcher.Event, error) {
	var change watcher.Event
	for len(data) > 0 {
		number, kind, n := protowire.ConsumeTag(data)
		if n < 0 {
			return watcher.Event{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case number == fieldPath && kind == protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return watcher.Event{}, protowire.ParseError(n)
			}
			change.Path = value
			data = data[n:]
		case number == fieldOp && kind == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return watcher.Event{}, protowire.ParseError(n)
			}
			change.Op = watcher.Op(value)
			data = data[n:]
		case number == fieldError && kind == protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return watcher.Event{}, protowire.ParseError(n)
			}
			change.Err = errors.New(value)
			data = data[n:]
		case number == fieldTimestamp && kind == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return watcher.Event{}, protowire.ParseError(n)
			}
			change.Timestamp = time.Unix(0, int64(value)).UTC()
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(number, kind, data)
			if n < 0 {
				return watcher.Event{}, fmt.Errorf("field %d: %w", number, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return change, nil
}
