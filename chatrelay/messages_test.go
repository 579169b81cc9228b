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

func newTestMessage(content string, channelID string, bot bool) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "m1",
			ChannelID: channelID,
			GuildID:   testGuildID,
			Content:   content,
			Author:    &discordgo.User{ID: testUserID, Username: testUsername, Bot: bot},
		},
	}
}

func TestHandleDiscordMessage(t *testing.T) {
	client := newFakeCompletionClient("Hello", " back")
	bot, session := newTestChatRelay(t, client)
	ctx := context.Background()

	t.Run(
		"no route", func(t *testing.T) {
			bot.handleDiscordMessage(ctx, newTestMessage("hello", testChannelID, false))
			assert.Empty(t, client.streamRequests)
			session.AssertNotCalled(t, "ChannelMessageSendReply", mock.Anything, mock.Anything, mock.Anything)
		},
	)

	bot.routes.Set("user:"+testUserID, testChannelID)

	t.Run(
		"other channel", func(t *testing.T) {
			bot.handleDiscordMessage(ctx, newTestMessage("hello", "999", false))
			assert.Empty(t, client.streamRequests)
		},
	)

	t.Run(
		"bot author", func(t *testing.T) {
			bot.handleDiscordMessage(ctx, newTestMessage("hello", testChannelID, true))
			assert.Empty(t, client.streamRequests)
		},
	)

	t.Run(
		"empty content", func(t *testing.T) {
			bot.handleDiscordMessage(ctx, newTestMessage("", testChannelID, false))
			assert.Empty(t, client.streamRequests)
		},
	)

	t.Run(
		"routed", func(t *testing.T) {
			m := newTestMessage("hello", testChannelID, false)
			session.On(
				"ChannelMessageSendReply",
				testChannelID,
				"Hello back",
				m.Reference(),
			).Return(&discordgo.Message{ID: "m2"}, nil).Once()

			bot.handleDiscordMessage(ctx, m)
			session.AssertExpectations(t)
			require.Len(t, client.streamRequests, 1)

			b, _ := bot.relay.Store().Peek("global")
			assert.Equal(
				t,
				[]ConversationEntry{
					{Role: RoleUser, Content: "hello"},
					{Role: RoleAssistant, Content: "Hello back"},
				},
				b.Snapshot(nil),
			)

			bot.eventWG.Wait()
			var logs []CompletionLog
			require.NoError(t, bot.writeDB.Recent(ctx, &logs, 10))
			require.Len(t, logs, 1)
			assert.Equal(t, completionSourceMessage, logs[0].Source)
		},
	)
}

func TestHandleDiscordMessage_Failure(t *testing.T) {
	client := &fakeCompletionClient{createErr: errors.New("boom")}
	bot, session := newTestChatRelay(t, client)
	bot.routes.Set("user:"+testUserID, testChannelID)

	m := newTestMessage("hello", testChannelID, false)
	session.On(
		"ChannelMessageSendReply",
		testChannelID,
		DefaultDiscordErrorMessage,
		mock.Anything,
	).Return(nil, errors.New("missing access")).Once()

	bot.handleDiscordMessage(context.Background(), m)
	session.AssertExpectations(t)
}

func TestHandleDiscordMessage_GuildRouting(t *testing.T) {
	client := newFakeCompletionClient("ok")
	bot, session := newTestChatRelay(
		t, client, func(cfg *Config) {
			cfg.Routing.Scope = ScopeGuild
		},
	)
	bot.routes.Set("guild:"+testGuildID, testChannelID)

	session.On("ChannelMessageSendReply", testChannelID, "ok", mock.Anything).
		Return(&discordgo.Message{}, nil).
		Once()

	// any member of the guild is answered in the guild's channel
	m := newTestMessage("hi", testChannelID, false)
	m.Author.ID = "someone-else"
	bot.handleDiscordMessage(context.Background(), m)
	session.AssertExpectations(t)
}
