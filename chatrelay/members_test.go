package chatrelay

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"testing"
)

func newTestMemberUpdate(before, after string) *discordgo.GuildMemberUpdate {
	u := &discordgo.GuildMemberUpdate{
		Member: &discordgo.Member{
			GuildID: testGuildID,
			User:    &discordgo.User{ID: testUserID, Username: testUsername},
			Nick:    after,
		},
	}
	u.BeforeUpdate = &discordgo.Member{
		GuildID: testGuildID,
		User:    &discordgo.User{ID: testUserID, Username: testUsername},
		Nick:    before,
	}
	return u
}

// newUncachedMemberUpdate is an update for a member the session state
// hasn't seen before, e.g. a role change right after startup
func newUncachedMemberUpdate(nick string) *discordgo.GuildMemberUpdate {
	u := newTestMemberUpdate("", nick)
	u.BeforeUpdate = nil
	u.Roles = []string{"444"}
	return u
}

func TestNicknameChanged(t *testing.T) {
	t.Parallel()
	nick, ok := nicknameChanged(newTestMemberUpdate("old", "new"))
	assert.True(t, ok)
	assert.Equal(t, "new", nick)

	_, ok = nicknameChanged(newTestMemberUpdate("same", "same"))
	assert.False(t, ok)

	_, ok = nicknameChanged(newTestMemberUpdate("old", ""))
	assert.False(t, ok)

	nick, ok = nicknameChanged(newTestMemberUpdate("", "fresh"))
	assert.True(t, ok)
	assert.Equal(t, "fresh", nick)

	_, ok = nicknameChanged(newUncachedMemberUpdate("Alice"))
	assert.False(t, ok)
}

func TestHandleGuildMemberUpdate(t *testing.T) {
	tests := []struct {
		name           string
		classification string
		classifyErr    error
		threshold      int
		renameErr      error
		wantRename     bool
		wantSeverity   int
	}{
		{name: "below threshold", classification: "2", threshold: 3, wantSeverity: 2},
		{name: "at threshold", classification: "3", threshold: 3, wantRename: true, wantSeverity: 3},
		{name: "above threshold", classification: "5", threshold: 4, wantRename: true, wantSeverity: 5},
		{
			name:         "classifier error uses default",
			classifyErr:  errors.New("timeout"),
			threshold:    3,
			wantRename:   true,
			wantSeverity: DefaultSeverityThreshold,
		},
		{
			name:           "rename fails",
			classification: "5",
			threshold:      1,
			renameErr:      errors.New("missing permissions"),
			wantRename:     true,
			wantSeverity:   5,
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				client := &fakeCompletionClient{
					classification: tt.classification,
					classifyErr:    tt.classifyErr,
				}
				bot, session := newTestChatRelay(t, client)
				require.NoError(t, bot.thresholds.Set(testGuildID, tt.threshold))

				if tt.wantRename {
					session.On(
						"GuildMemberNickname",
						testGuildID,
						testUserID,
						mock.MatchedBy(isPlaceholderNickname),
					).Return(tt.renameErr).Once()
				}

				ctx := context.Background()
				bot.handleGuildMemberUpdate(ctx, newTestMemberUpdate("old", "badname"))
				session.AssertExpectations(t)
				if !tt.wantRename {
					session.AssertNotCalled(t, "GuildMemberNickname", mock.Anything, mock.Anything, mock.Anything)
				}

				bot.eventWG.Wait()
				var reviews []NicknameReview
				require.NoError(t, bot.writeDB.Recent(ctx, &reviews, 10))
				require.Len(t, reviews, 1)
				r := reviews[0]
				assert.Equal(t, "badname", r.Nickname)
				assert.Equal(t, tt.wantSeverity, r.Severity)
				assert.Equal(t, tt.threshold, r.Threshold)
				assert.Equal(t, tt.wantRename && tt.renameErr == nil, r.Renamed)
				if tt.renameErr != nil {
					assert.Equal(t, tt.renameErr.Error(), r.Error)
					assert.Empty(t, r.NewNickname)
				}
				if r.Renamed {
					assert.True(t, isPlaceholderNickname(r.NewNickname))
				}
			},
		)
	}
}

func TestHandleGuildMemberUpdate_Skipped(t *testing.T) {
	client := &fakeCompletionClient{classification: "5"}
	bot, session := newTestChatRelay(t, client)
	ctx := context.Background()

	// unchanged
	bot.handleGuildMemberUpdate(ctx, newTestMemberUpdate("same", "same"))

	// our own rename
	bot.handleGuildMemberUpdate(ctx, newTestMemberUpdate("badname", "User-Ab3dE6g8"))

	// bots
	u := newTestMemberUpdate("old", "badname")
	u.User.Bot = true
	bot.handleGuildMemberUpdate(ctx, u)

	assert.Empty(t, client.requests)
	session.AssertNotCalled(t, "GuildMemberNickname", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleGuildMemberUpdate_UncachedMember(t *testing.T) {
	// an unscoreable reply would fail open to the default threshold
	client := &fakeCompletionClient{classification: "dog"}
	bot, session := newTestChatRelay(t, client)

	bot.handleGuildMemberUpdate(context.Background(), newUncachedMemberUpdate("Alice"))
	bot.eventWG.Wait()

	assert.Empty(t, client.requests)
	session.AssertNotCalled(t, "GuildMemberNickname", mock.Anything, mock.Anything, mock.Anything)

	var reviews []NicknameReview
	require.NoError(t, bot.writeDB.Recent(context.Background(), &reviews, 10))
	assert.Empty(t, reviews)
}

func TestHandleGuildMemberUpdate_ClassifierDisabled(t *testing.T) {
	client := &fakeCompletionClient{classification: "5"}
	bot, session := newTestChatRelay(
		t, client, func(cfg *Config) {
			cfg.Classifier.Enabled = false
		},
	)
	bot.handleGuildMemberUpdate(context.Background(), newTestMemberUpdate("old", "badname"))
	assert.Empty(t, client.requests)
	session.AssertNotCalled(t, "GuildMemberNickname", mock.Anything, mock.Anything, mock.Anything)
}
