package node

import (
	"bytes"
	"sort"
)

// BufferEntry is one key's accumulated, not-yet-flushed state within a
// single child edge's message buffer: its merged KeyInfo plus the
// ordered list of messages deposited for it since the last flush
// (oldest first), matching spec.md §4.4's Get algorithm which folds
// messages "in reverse order (oldest first)".
type BufferEntry struct {
	Key      []byte
	Info     KeyInfo
	Messages [][]byte
}

// MessageBuffer is the sorted, per-child-edge map of deferred updates
// attached to an internal node (spec.md §4.4 glossary: "Message buffer").
type MessageBuffer struct {
	entries []BufferEntry // sorted by Key
	size    uint32
}

// NewMessageBuffer returns an empty buffer.
func NewMessageBuffer() *MessageBuffer { return &MessageBuffer{} }

func (b *MessageBuffer) find(key []byte) (int, bool) {
	i := sort.Search(len(b.entries), func(i int) bool {
		return bytes.Compare(b.entries[i].Key, key) >= 0
	})
	if i < len(b.entries) && bytes.Equal(b.entries[i].Key, key) {
		return i, true
	}
	return i, false
}

// Insert deposits a message for key, merging info into any existing
// KeyInfo and appending msg to the ordered message list (spec.md §4.4
// Insert step 1: "deposit the message into the current node's buffer").
func (b *MessageBuffer) Insert(key []byte, info KeyInfo, msg []byte) {
	i, found := b.find(key)
	if found {
		e := &b.entries[i]
		e.Info = e.Info.Merge(info)
		e.Messages = append(e.Messages, msg)
		b.size += uint32(len(msg))
		return
	}
	entry := BufferEntry{Key: append([]byte(nil), key...), Info: info, Messages: [][]byte{msg}}
	b.entries = append(b.entries, BufferEntry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = entry
	b.size += uint32(len(key)) + uint32(len(msg))
}

// Has reports whether key already has a buffered entry at this edge,
// used by the piercing-insert optimization (spec.md §4.4 step 1).
func (b *MessageBuffer) Has(key []byte) bool {
	_, ok := b.find(key)
	return ok
}

// Get returns the buffered messages for key, oldest first, or nil if
// none are buffered.
func (b *MessageBuffer) Get(key []byte) ([]BufferEntry, bool) {
	i, found := b.find(key)
	if !found {
		return nil, false
	}
	return b.entries[i : i+1], true
}

// SetInfo overwrites the KeyInfo of an existing buffered entry without
// touching its messages, reporting whether key was found (spec.md §4.4
// Apply-with-info: "atomically updates the KeyInfo ... no value change").
func (b *MessageBuffer) SetInfo(key []byte, info KeyInfo) bool {
	i, found := b.find(key)
	if !found {
		return false
	}
	b.entries[i].Info = info
	return true
}

// Entries returns all buffered entries in key order, for flush or range
// scans.
func (b *MessageBuffer) Entries() []BufferEntry { return b.entries }

// Clear empties the buffer after a flush (spec.md §4.4: "clear the
// edge").
func (b *MessageBuffer) Clear() {
	b.entries = nil
	b.size = 0
}

// Size is the approximate byte footprint of all buffered messages,
// compared against MIN_FLUSH_SIZE when selecting a flush edge.
func (b *MessageBuffer) Size() uint32 { return b.size }

// Len is the number of distinct keys buffered at this edge.
func (b *MessageBuffer) Len() int { return len(b.entries) }
