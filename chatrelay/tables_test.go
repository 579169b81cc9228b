package chatrelay

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestConversationKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		scope   Scope
		guildID string
		userID  string
		want    ConversationKey
	}{
		{ScopeGlobal, "g", "u", "global"},
		{ScopeUser, "g", "u", "user:u"},
		{ScopeGuild, "g", "u", "guild:g"},
		{ScopeGuild, "", "u", "user:u"},
		{Scope(""), "g", "u", "global"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, conversationKey(tt.scope, tt.guildID, tt.userID))
	}
}

func TestRoutingKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "user:u", routingKey(ScopeUser, "g", "u"))
	assert.Equal(t, "guild:g", routingKey(ScopeGuild, "g", "u"))
	assert.Equal(t, "user:u", routingKey(ScopeGuild, "", "u"))
	assert.Equal(t, "user:u", routingKey(ScopeGlobal, "g", "u"))
}

func TestScope_Validate(t *testing.T) {
	t.Parallel()
	for _, s := range []Scope{ScopeGlobal, ScopeUser, ScopeGuild} {
		assert.NoError(t, s.Validate())
	}
	assert.ErrorIs(t, Scope("channel").Validate(), ErrInvalidScope)
}

func TestRoutingTable(t *testing.T) {
	t.Parallel()
	r := NewRoutingTable()

	_, ok := r.Get("user:1")
	assert.False(t, ok)
	assert.False(t, r.Routed("user:1", "c1"))

	r.Set("user:1", "c1")
	assert.True(t, r.Routed("user:1", "c1"))
	assert.False(t, r.Routed("user:1", "c2"))
	assert.False(t, r.Routed("user:2", "c1"))

	// the last /talk wins
	r.Set("user:1", "c2")
	assert.True(t, r.Routed("user:1", "c2"))
	assert.False(t, r.Routed("user:1", "c1"))

	all := r.All()
	assert.Equal(t, map[string]string{"user:1": "c2"}, all)
	all["user:3"] = "c3"
	assert.False(t, r.Routed("user:3", "c3"))
}

func TestSeverityThresholds(t *testing.T) {
	t.Parallel()
	s := NewSeverityThresholds(DefaultSeverityThreshold)
	assert.Equal(t, 3, s.Get("g1"))

	assert.NoError(t, s.Set("g1", 5))
	assert.Equal(t, 5, s.Get("g1"))
	assert.Equal(t, 3, s.Get("g2"))

	assert.ErrorIs(t, s.Set("g1", 0), ErrInvalidThreshold)
	assert.ErrorIs(t, s.Set("g1", 6), ErrInvalidThreshold)
	assert.Equal(t, 5, s.Get("g1"))

	assert.Equal(t, DefaultSeverityThreshold, NewSeverityThresholds(9).Get("g1"))
	assert.Equal(t, 1, NewSeverityThresholds(1).Get("g1"))
}
