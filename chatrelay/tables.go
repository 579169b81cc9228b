package chatrelay

import (
	"errors"
	"fmt"
	"maps"
	"sync"
)

const (
	DefaultSeverityThreshold = 3
	minSeverity              = 1
	maxSeverity              = 5
)

var (
	ErrInvalidThreshold = errors.New("threshold must be between 1 and 5")
	ErrInvalidScope     = errors.New("invalid scope")
)

// ConversationKey identifies a single HistoryBuffer.
type ConversationKey string

// Scope decides how conversation keys (and routing keys) are derived
// from an incoming event.
type Scope string

const (
	// ScopeGlobal shares one history across every user and guild
	ScopeGlobal Scope = "global"

	// ScopeUser keys history by user ID
	ScopeUser Scope = "user"

	// ScopeGuild keys history by guild ID. Events without a guild
	// (direct messages) fall back to the user's key.
	ScopeGuild Scope = "guild"
)

// Validate returns an error wrapping ErrInvalidScope if s isn't one of
// the known scopes.
func (s Scope) Validate() error {
	switch s {
	case ScopeGlobal, ScopeUser, ScopeGuild:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScope, string(s))
	}
}

// conversationKey returns the history key for an event with the given
// guild and user IDs.
func conversationKey(scope Scope, guildID, userID string) ConversationKey {
	switch scope {
	case ScopeUser:
		return ConversationKey("user:" + userID)
	case ScopeGuild:
		if guildID == "" {
			return ConversationKey("user:" + userID)
		}
		return ConversationKey("guild:" + guildID)
	default:
		return ConversationKey(ScopeGlobal)
	}
}

// routingKey returns the RoutingTable key for an event. Routing is never
// global: ScopeGlobal is treated as ScopeUser.
func routingKey(scope Scope, guildID, userID string) string {
	if scope == ScopeGuild && guildID != "" {
		return "guild:" + guildID
	}
	return "user:" + userID
}

// RoutingTable maps a user or guild key to the channel the bot should
// treat as its conversation channel.
type RoutingTable struct {
	channels map[string]string
	mu       sync.RWMutex
}

// NewRoutingTable returns an empty table. Until a channel is set for a
// key, messages for that key aren't relayed.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{channels: map[string]string{}}
}

// Set designates channelID as the reply channel for key.
func (r *RoutingTable) Set(key string, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[key] = channelID
}

// Get returns the reply channel for key, if one was set.
func (r *RoutingTable) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[key]
	return ch, ok
}

// Routed reports whether channelID is the designated reply channel for key.
func (r *RoutingTable) Routed(key string, channelID string) bool {
	ch, ok := r.Get(key)
	return ok && ch != "" && ch == channelID
}

// All returns a copy of the table.
func (r *RoutingTable) All() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.channels)
}

// SeverityThresholds holds the per-guild nickname severity threshold.
type SeverityThresholds struct {
	thresholds map[string]int
	fallback   int
	mu         sync.RWMutex
}

// NewSeverityThresholds returns a table where unset guilds use fallback.
// A fallback outside 1..5 is replaced with DefaultSeverityThreshold.
func NewSeverityThresholds(fallback int) *SeverityThresholds {
	if validSeverity(fallback) != nil {
		fallback = DefaultSeverityThreshold
	}
	return &SeverityThresholds{
		thresholds: map[string]int{},
		fallback:   fallback,
	}
}

// Get returns the threshold for guildID.
func (s *SeverityThresholds) Get(guildID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.thresholds[guildID]; ok {
		return v
	}
	return s.fallback
}

// Set updates the threshold for guildID. Values outside 1..5 are
// rejected with ErrInvalidThreshold.
func (s *SeverityThresholds) Set(guildID string, threshold int) error {
	if err := validSeverity(threshold); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[guildID] = threshold
	return nil
}

func validSeverity(v int) error {
	if v < minSeverity || v > maxSeverity {
		return fmt.Errorf("%w (got %d)", ErrInvalidThreshold, v)
	}
	return nil
}
