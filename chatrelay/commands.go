package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	rememberedMessage      = "Remembered."
	clearedMessage         = "Conversation cleared."
	adminRequiredMessage   = "You need administrator permissions to use this command."
	manageMessagesRequired = "You need the Manage Messages permission to use this command."
	manageServerRequired   = "You need the Manage Server permission to use this command."
	guildOnlyMessage       = "This command can only be used in a server."
	unknownCommandMessage  = "Unknown command."
)

var ErrPermissionDenied = errors.New("permission denied")

func talkingInMessage(channelID string) string {
	return fmt.Sprintf("I will now talk in %s.", channelMention(channelID))
}

func forgotMessage(n int) string {
	if n == 1 {
		return "Forgot 1 message."
	}
	return fmt.Sprintf("Forgot %d messages.", n)
}

func thresholdMessage(n int) string {
	return fmt.Sprintf("Nicknames rated %d or higher will now be replaced.", n)
}

// handleInteraction dispatches a slash command to the matching handler.
// Anything other than an application command is ignored.
func (c *ChatRelay) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.DebugContext(ctx, "ignoring interaction")
		return
	}

	u := getDiscordUser(i)
	c.recordInteraction(ctx, i, u)
	if u == nil {
		logger.WarnContext(ctx, "interaction has no user")
		return
	}

	name := i.ApplicationCommandData().Name
	c.metrics.discordCommands.WithLabelValues(name).Inc()
	logger.InfoContext(ctx, "received command", "command", name)

	switch name {
	case DiscordSlashCommandTalk:
		c.commandTalk(ctx, handler, u)
	case DiscordSlashCommandAsk:
		c.commandAsk(ctx, handler, u)
	case DiscordSlashCommandRemember:
		c.commandRemember(ctx, handler, u)
	case DiscordSlashCommandForget:
		c.commandForget(ctx, handler, u)
	case DiscordSlashCommandClear:
		c.commandClear(ctx, handler, u)
	case DiscordSlashCommandSeverity:
		c.commandSeverity(ctx, handler)
	default:
		logger.WarnContext(ctx, "unknown command", "command", name)
		notify(ctx, handler, unknownCommandMessage)
	}
}

// denied responds with an ephemeral notice if the interaction's member
// lacks perm, and reports whether it did.
func (c *ChatRelay) denied(
	ctx context.Context,
	handler InteractionHandler,
	perm int64,
	message string,
) bool {
	if hasPermission(handler.GetInteraction(), perm) {
		return false
	}
	c.metrics.permissionDenied.Inc()
	handler.Logger().WarnContext(ctx, "rejected command", tint.Err(ErrPermissionDenied), "required", perm)
	notify(ctx, handler, message)
	return true
}

// conversationKeyFor returns the history key for an interaction's user
func (c *ChatRelay) conversationKeyFor(i *discordgo.InteractionCreate, u *discordgo.User) ConversationKey {
	return conversationKey(c.config.History.Scope, i.GuildID, u.ID)
}

func (c *ChatRelay) commandTalk(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if c.denied(ctx, handler, discordgo.PermissionAdministrator, adminRequiredMessage) {
		return
	}
	i := handler.GetInteraction()
	opt, ok := discordInteractionOptions(i)[commandOptionChannel]
	if !ok {
		notify(ctx, handler, c.config.Discord.ErrorMessage)
		return
	}
	channel := opt.ChannelValue(nil)
	rk := routingKey(c.config.Routing.Scope, i.GuildID, u.ID)
	c.routes.Set(rk, channel.ID)
	handler.Logger().InfoContext(ctx, "set reply channel", "route", rk, "target_channel_id", channel.ID)
	_ = handler.Respond(ctx, messageResponse(talkingInMessage(channel.ID), false))
}

func (c *ChatRelay) commandAsk(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	opt, ok := discordInteractionOptions(i)[commandOptionPrompt]
	if !ok {
		notify(ctx, handler, c.config.Discord.ErrorMessage)
		return
	}
	prompt := opt.StringValue()

	if err := handler.Respond(ctx, ackResponse(false)); err != nil {
		return
	}

	reply := c.relayPrompt(
		withCompletionSource(ctx, DiscordSlashCommandAsk),
		c.conversationKeyFor(i, u),
		prompt,
	)
	if err := editContent(ctx, handler, reply); err != nil {
		handler.Logger().ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

func (c *ChatRelay) commandRemember(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	opt, ok := discordInteractionOptions(i)[commandOptionPrompt]
	if !ok {
		notify(ctx, handler, c.config.Discord.ErrorMessage)
		return
	}
	c.relay.Remember(c.conversationKeyFor(i, u), opt.StringValue())
	notify(ctx, handler, rememberedMessage)
}

func (c *ChatRelay) commandForget(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if c.denied(ctx, handler, discordgo.PermissionManageMessages, manageMessagesRequired) {
		return
	}
	i := handler.GetInteraction()
	opt, ok := discordInteractionOptions(i)[commandOptionText]
	if !ok {
		notify(ctx, handler, c.config.Discord.ErrorMessage)
		return
	}
	key := c.conversationKeyFor(i, u)
	removed := c.relay.Forget(key, ExactContent(opt.StringValue()))
	handler.Logger().InfoContext(ctx, "forgot entries", "conversation", key, "removed", removed)
	notify(ctx, handler, forgotMessage(removed))
}

func (c *ChatRelay) commandClear(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if c.denied(ctx, handler, discordgo.PermissionManageMessages, manageMessagesRequired) {
		return
	}
	key := c.conversationKeyFor(handler.GetInteraction(), u)
	c.relay.Clear(key)
	handler.Logger().InfoContext(ctx, "cleared history", "conversation", key)
	notify(ctx, handler, clearedMessage)
}

func (c *ChatRelay) commandSeverity(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	if i.GuildID == "" {
		notify(ctx, handler, guildOnlyMessage)
		return
	}
	if c.denied(ctx, handler, discordgo.PermissionManageGuild, manageServerRequired) {
		return
	}
	opt, ok := discordInteractionOptions(i)[commandOptionThreshold]
	if !ok {
		notify(ctx, handler, c.config.Discord.ErrorMessage)
		return
	}
	threshold := int(opt.IntValue())
	if err := c.thresholds.Set(i.GuildID, threshold); err != nil {
		notify(ctx, handler, err.Error())
		return
	}
	handler.Logger().InfoContext(ctx, "set severity threshold", "threshold", threshold)
	notify(ctx, handler, thresholdMessage(threshold))
}

// relayPrompt sends prompt through the relay and returns the text to show
// the user. Failures, and empty replies, are shown as the configured
// error message.
func (c *ChatRelay) relayPrompt(ctx context.Context, key ConversationKey, prompt string) string {
	reply, err := c.relay.Handle(ctx, key, prompt, c.config.Completion.SystemPrompt)
	if err != nil || reply == "" {
		return c.config.Discord.ErrorMessage
	}
	return shortenString(reply, discordMaxMessageLength)
}

// recordInteraction writes an InteractionLog in the background
func (c *ChatRelay) recordInteraction(ctx context.Context, i *discordgo.InteractionCreate, u *discordgo.User) {
	if c.writeDB == nil {
		return
	}
	record, err := newInteractionLog(i, u)
	if err != nil {
		handlerLogger(ctx, c.logger).ErrorContext(ctx, "error creating interaction log", tint.Err(err))
		return
	}
	c.background(ctx, func(ctx context.Context) {
		_, _ = c.writeDB.Create(ctx, record)
	})
}
