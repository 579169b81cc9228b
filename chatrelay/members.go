package chatrelay

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strconv"
)

// nicknameChanged reports the member's new nickname, if the update
// changed it. Updates for members missing from the session state carry
// no prior nickname to compare with, and never count as a change.
func nicknameChanged(u *discordgo.GuildMemberUpdate) (string, bool) {
	if u.Member == nil || u.BeforeUpdate == nil || u.Nick == "" {
		return "", false
	}
	if u.BeforeUpdate.Nick == u.Nick {
		return "", false
	}
	return u.Nick, true
}

// handleGuildMemberUpdate classifies a changed nickname, and replaces it
// with a placeholder if its severity meets the guild's threshold.
// Rename failures are logged and otherwise ignored.
func (c *ChatRelay) handleGuildMemberUpdate(ctx context.Context, u *discordgo.GuildMemberUpdate) {
	if c.classifier == nil || u.Member == nil || u.User == nil || u.User.Bot {
		return
	}
	nick, changed := nicknameChanged(u)
	if !changed || isPlaceholderNickname(nick) {
		return
	}

	logger := c.discord.logger.With(
		"guild_id", u.GuildID,
		"user_id", u.User.ID,
		"nickname", nick,
	)
	ctx = WithLogger(ctx, logger)

	severity := c.classifier.Classify(ctx, nick)
	threshold := c.thresholds.Get(u.GuildID)
	c.metrics.classifications.WithLabelValues(strconv.Itoa(severity)).Inc()

	review := &NicknameReview{
		GuildID:   u.GuildID,
		UserID:    u.User.ID,
		Nickname:  nick,
		Severity:  severity,
		Threshold: threshold,
	}
	defer c.recordNicknameReview(ctx, review)

	if severity < threshold {
		logger.DebugContext(ctx, "nickname below threshold", "severity", severity, "threshold", threshold)
		return
	}

	newNick := placeholderNickname()
	logger.InfoContext(
		ctx,
		"renaming member",
		"severity", severity,
		"threshold", threshold,
		"new_nickname", newNick,
	)
	if err := c.discord.session.GuildMemberNickname(u.GuildID, u.User.ID, newNick); err != nil {
		logger.ErrorContext(ctx, "error renaming member", tint.Err(err))
		c.metrics.renames.WithLabelValues(resultError).Inc()
		review.Error = err.Error()
		return
	}
	c.metrics.renames.WithLabelValues(resultOK).Inc()
	review.Renamed = true
	review.NewNickname = newNick
}

func (c *ChatRelay) recordNicknameReview(ctx context.Context, review *NicknameReview) {
	if c.writeDB == nil {
		return
	}
	c.background(ctx, func(ctx context.Context) {
		_, _ = c.writeDB.Create(ctx, review)
	})
}
