package chatrelay

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const completionSourceMessage = "message"

// handleDiscordMessage relays a plain message, if it was posted in the
// author's designated reply channel, and replies with the result.
// Messages from bots (including this one) are ignored.
func (c *ChatRelay) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}

	rk := routingKey(c.config.Routing.Scope, m.GuildID, m.Author.ID)
	if !c.routes.Routed(rk, m.ChannelID) {
		return
	}

	logger := c.discord.logger.With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		"guild_id", m.GuildID,
		"user_id", m.Author.ID,
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "relaying message")

	key := conversationKey(c.config.History.Scope, m.GuildID, m.Author.ID)
	reply := c.relayPrompt(withCompletionSource(ctx, completionSourceMessage), key, m.Content)

	if _, err := c.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		reply,
		m.Reference(),
	); err != nil {
		logger.ErrorContext(ctx, "error replying to message", tint.Err(err))
	}
}
