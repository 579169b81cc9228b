package chatrelay

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// InteractionHandler wraps one slash command invocation. Commands reply
// through it, so tests can stand in for the discord session.
type InteractionHandler interface {
	// Respond sends the initial (or deferred) response
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit replaces the content of a deferred response
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GetInteraction() *discordgo.InteractionCreate

	// Logger is tagged with the interaction's id, channel, guild and user
	Logger() *slog.Logger
}

// GatewayHandler is the InteractionHandler for interactions received
// over the gateway websocket.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger:      logger.With(interactionLogAttrs(i)...),
	}
}

func (h GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	if err := h.session.InteractionRespond(h.interaction.Interaction, response); err != nil {
		h.logger.ErrorContext(
			ctx,
			"interaction response failed",
			tint.Err(err),
			"response_type", response.Type,
		)
		return err
	}
	h.logger.DebugContext(ctx, "interaction response sent", "response_type", response.Type)
	return nil
}

func (h GatewayHandler) Edit(
	ctx context.Context,
	edit *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := h.session.InteractionResponseEdit(h.interaction.Interaction, edit, opts...)
	if err != nil {
		h.logger.ErrorContext(ctx, "interaction edit failed", tint.Err(err))
		return msg, err
	}
	h.logger.DebugContext(ctx, "interaction response edited")
	return msg, nil
}

func (h GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return h.interaction
}

func (h GatewayHandler) Logger() *slog.Logger {
	return h.logger
}

// ackResponse defers the interaction response, so it can be edited once
// a reply is ready
func ackResponse(ephemeral bool) *discordgo.InteractionResponse {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{},
	}
	if ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	return resp
}

// messageResponse responds immediately with the given content
func messageResponse(content string, ephemeral bool) *discordgo.InteractionResponse {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	}
	if ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	return resp
}

// notify sends content visible only to the invoking user. Failures are
// already logged by the handler.
func notify(ctx context.Context, handler InteractionHandler, content string) {
	_ = handler.Respond(ctx, messageResponse(content, true))
}

// editContent fills in a deferred response with content
func editContent(ctx context.Context, handler InteractionHandler, content string) error {
	_, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	return err
}
