package chatrelay

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestDB(t testing.TB) DBI {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "nested", "audit.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, nil, false)
}

func TestCreateDB_UnsupportedType(t *testing.T) {
	t.Parallel()
	_, err := CreateDB(context.Background(), "mysql", "whatever")
	assert.Error(t, err)
}

func TestDatabase_CreateAndRecent(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		n, err := db.Create(ctx, &NicknameReview{GuildID: "g", Severity: i + 1})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}

	var reviews []NicknameReview
	require.NoError(t, db.Recent(ctx, &reviews, 2))
	require.Len(t, reviews, 2)
	assert.Equal(t, 5, reviews[0].Severity)
	assert.Equal(t, 4, reviews[1].Severity)
	assert.NotZero(t, reviews[0].CreatedAt)

	reviews = nil
	require.NoError(t, db.Recent(ctx, &reviews, 0, "severity >= ?", 3))
	assert.Len(t, reviews, 3)
}

func TestDatabase_ConcurrentWrites(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.Create(ctx, &CompletionLog{ConversationKey: "global"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, db.DB().Model(&CompletionLog{}).Count(&count).Error)
	assert.Equal(t, int64(20), count)
}

func TestNewCompletionLog(t *testing.T) {
	t.Parallel()
	started := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	l := newCompletionLog(
		"user:1", "ask", CompletionResult{
			Prompt:     "hi",
			Model:      "m",
			Credential: 1,
			History:    3,
			Started:    started,
			Finished:   started.Add(time.Second),
			Err:        errors.New("boom"),
		},
	)
	assert.Equal(t, "user:1", l.ConversationKey)
	assert.Equal(t, "ask", l.Source)
	assert.Equal(t, 1, l.Credential)
	assert.Equal(t, 3, l.HistoryLength)
	assert.Equal(t, int64(1000), l.RequestEnded-l.RequestStarted)
	assert.Equal(t, "boom", l.Error)
}

func TestNewInteractionLog(t *testing.T) {
	t.Parallel()
	i := testInteraction{
		name:    DiscordSlashCommandAsk,
		guildID: testGuildID,
		options: []*discordgo.ApplicationCommandInteractionDataOption{
			stringOption(commandOptionPrompt, "hello"),
		},
	}.build()
	l, err := newInteractionLog(i, getDiscordUser(i))
	require.NoError(t, err)
	assert.Equal(t, DiscordSlashCommandAsk, l.Command)
	assert.Equal(t, testUserID, l.UserID)
	assert.Equal(t, testGuildID, l.GuildID)
	assert.Contains(t, l.Payload, "hello")
}
