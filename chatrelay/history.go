package chatrelay

import (
	"log/slog"
	"slices"
	"sync"
)

// DefaultHistorySize is the number of entries kept per conversation.
const DefaultHistorySize = 5

// Role identifies the author of a ConversationEntry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationEntry is a single role-tagged message in a conversation.
// Entries are values and are never modified after creation.
type ConversationEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// LogValue logs the role and content length, not the content itself.
func (e ConversationEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("role", string(e.Role)),
		slog.Int("length", len(e.Content)),
	)
}

// HistoryBuffer is a fixed-capacity, ordered sequence of ConversationEntry.
// When an append would exceed the capacity, the oldest entry is dropped,
// regardless of its role.
type HistoryBuffer struct {
	entries  []ConversationEntry
	capacity int
	mu       sync.Mutex
}

// NewHistoryBuffer returns an empty buffer holding at most capacity entries.
// A capacity below 1 is treated as 1.
func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &HistoryBuffer{
		entries:  make([]ConversationEntry, 0, capacity+1),
		capacity: capacity,
	}
}

// Append adds entry at the tail, evicting from the head until the
// buffer is back within capacity.
func (h *HistoryBuffer) Append(entry ConversationEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, entry)
	if over := len(h.entries) - h.capacity; over > 0 {
		h.entries = slices.Delete(h.entries, 0, over)
	}
}

// Snapshot returns a copy of the buffer's entries in chronological order.
// If system is non-nil, it's prepended to the result (it is not stored).
func (h *HistoryBuffer) Snapshot(system *ConversationEntry) []ConversationEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	if system != nil {
		n++
	}
	out := make([]ConversationEntry, 0, n)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, h.entries...)
}

// Clear empties the buffer.
func (h *HistoryBuffer) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = h.entries[:0]
}

// RemoveMatching removes every entry whose content satisfies match, keeping
// the relative order of the rest, and returns the number removed.
func (h *HistoryBuffer) RemoveMatching(match func(content string) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	before := len(h.entries)
	h.entries = slices.DeleteFunc(
		h.entries, func(e ConversationEntry) bool {
			return match(e.Content)
		},
	)
	return before - len(h.entries)
}

// Len returns the current number of entries.
func (h *HistoryBuffer) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Capacity returns the maximum number of entries the buffer holds.
func (h *HistoryBuffer) Capacity() int {
	return h.capacity
}

// HistoryStore maps conversation keys to their HistoryBuffer. Buffers are
// created on first use and live for the lifetime of the store.
type HistoryStore[K comparable] struct {
	buffers  map[K]*HistoryBuffer
	capacity int
	mu       sync.RWMutex
}

// NewHistoryStore returns an empty store whose buffers hold at most
// capacity entries each.
func NewHistoryStore[K comparable](capacity int) *HistoryStore[K] {
	return &HistoryStore[K]{
		buffers:  map[K]*HistoryBuffer{},
		capacity: capacity,
	}
}

// Buffer returns the buffer for key, creating it if it doesn't exist.
func (s *HistoryStore[K]) Buffer(key K) *HistoryBuffer {
	s.mu.RLock()
	b, ok := s.buffers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buffers[key]; ok {
		return b
	}
	b = NewHistoryBuffer(s.capacity)
	s.buffers[key] = b
	return b
}

// Peek returns the buffer for key without creating one.
func (s *HistoryStore[K]) Peek(key K) (*HistoryBuffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[key]
	return b, ok
}

// Keys returns the keys of every buffer created so far, in no
// particular order.
func (s *HistoryStore[K]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]K, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of buffers in the store.
func (s *HistoryStore[K]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}

// Clear empties the buffer for key, if it exists. It returns false if
// there was no buffer for key.
func (s *HistoryStore[K]) Clear(key K) bool {
	b, ok := s.Peek(key)
	if !ok {
		return false
	}
	b.Clear()
	return true
}

// RemoveMatching removes matching entries from the buffer for key, and
// returns the number of entries removed. A missing buffer removes nothing.
func (s *HistoryStore[K]) RemoveMatching(key K, match func(content string) bool) int {
	b, ok := s.Peek(key)
	if !ok {
		return 0
	}
	return b.RemoveMatching(match)
}

// ExactContent returns a RemoveMatching predicate matching content exactly.
func ExactContent(content string) func(string) bool {
	return func(s string) bool {
		return s == content
	}
}
