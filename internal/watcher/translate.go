package watcher

import (
	"encoding/binary"
	"path/filepath"
	"time"
	"unicode/utf16"
)

// Native change codes carried in each change record.
const (
	fileActionAdded          = 1
	fileActionRemoved        = 2
	fileActionModified       = 3
	fileActionRenamedOldName = 4
	fileActionRenamedNewName = 5
)

// notifyHeaderSize covers NextEntryOffset, Action and FileNameLength.
const notifyHeaderSize = 12

// decodeNotifyBuffer walks a buffer of little-endian change records and
// returns one event per record, in buffer order. A record that would read
// past buf, or a next offset that does not move past the current header,
// ends decoding.
func decodeNotifyBuffer(buf []byte, root string) []Event {
	var events []Event
	now := time.Now().UTC()
	offset := 0
	for offset+notifyHeaderSize <= len(buf) {
		record := buf[offset:]
		next := binary.LittleEndian.Uint32(record[0:4])
		action := binary.LittleEndian.Uint32(record[4:8])
		nameLength := uint64(binary.LittleEndian.Uint32(record[8:12]))

		if notifyHeaderSize+nameLength > uint64(len(record)) {
			break
		}
		name := decodeUTF16(record[notifyHeaderSize : notifyHeaderSize+nameLength])

		events = append(events, Event{
			Path:      filepath.Join(root, filepath.FromSlash(name)),
			Op:        opForAction(action),
			Timestamp: now,
		})

		if next < notifyHeaderSize || uint64(next) > uint64(len(record)) {
			break
		}
		offset += int(next)
	}
	return events
}

func opForAction(action uint32) Op {
	switch action {
	case fileActionAdded:
		return Create
	case fileActionRemoved:
		return Remove
	case fileActionModified:
		return Write
	case fileActionRenamedOldName, fileActionRenamedNewName:
		return Rename
	default:
		return 0
	}
}

func decodeUTF16(raw []byte) string {
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(units))
}
