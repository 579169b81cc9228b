package chatrelay

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

const (
	DiscordSlashCommandTalk     = "talk"
	DiscordSlashCommandAsk      = "ask"
	DiscordSlashCommandRemember = "remember"
	DiscordSlashCommandForget   = "forget"
	DiscordSlashCommandClear    = "clear"
	DiscordSlashCommandSeverity = "severity"

	commandOptionChannel   = "channel"
	commandOptionPrompt    = "prompt"
	commandOptionText      = "text"
	commandOptionThreshold = "threshold"

	promptMaxLength = 4000
)

// Discord manages the discord session, and the bot's application commands
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	// botUserID is set once the gateway is ready
	botUserID atomic.Value

	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new discordgo session. State tracking is
// enabled, so GuildMemberUpdate events carry the member's prior state.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.State.TrackMembers = true
	disc.Identify.Intents = d.config.GatewayIntents

	session := DiscordSession{
		Session: disc,
		logger:  d.logger.With(loggerNameKey, "discord_session"),
	}
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's own user ID, once connected
func (d *Discord) BotUserID() string {
	v, _ := d.botUserID.Load().(string)
	return v
}

func guildContexts() *[]discordgo.InteractionContextType {
	return &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild}
}

func anyContexts() *[]discordgo.InteractionContextType {
	return &[]discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
		discordgo.InteractionContextPrivateChannel,
	}
}

func permissionBits(p int64) *int64 {
	return &p
}

// appCommands returns every slash command the bot registers
func (*Discord) appCommands() []*discordgo.ApplicationCommand {
	minLength := 1
	minSeverityValue := float64(minSeverity)
	dmPerm := true
	noDMPerm := false

	return []*discordgo.ApplicationCommand{
		{
			Name:                     DiscordSlashCommandTalk,
			Description:              "Set the channel for the bot to talk in.",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: permissionBits(discordgo.PermissionAdministrator),
			DMPermission:             &noDMPerm,
			Contexts:                 guildContexts(),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         commandOptionChannel,
					Description:  "The channel to talk in",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
			},
		},
		{
			Name:         DiscordSlashCommandAsk,
			Description:  "Ask the bot a question.",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPerm,
			Contexts:     anyContexts(),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionPrompt,
					Description: "Your question",
					Required:    true,
					MinLength:   &minLength,
					MaxLength:   promptMaxLength,
				},
			},
		},
		{
			Name:         DiscordSlashCommandRemember,
			Description:  "Tell the bot something to remember.",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPerm,
			Contexts:     anyContexts(),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionPrompt,
					Description: "What to remember",
					Required:    true,
					MinLength:   &minLength,
					MaxLength:   promptMaxLength,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandForget,
			Description:              "Remove messages matching the given text from the bot's memory.",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: permissionBits(discordgo.PermissionManageMessages),
			DMPermission:             &dmPerm,
			Contexts:                 anyContexts(),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionText,
					Description: "The exact message text to forget",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandClear,
			Description:              "Clear the bot's memory of this conversation.",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: permissionBits(discordgo.PermissionManageMessages),
			DMPermission:             &dmPerm,
			Contexts:                 anyContexts(),
		},
		{
			Name:                     DiscordSlashCommandSeverity,
			Description:              "Set the nickname severity (1-5) at which members are renamed.",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: permissionBits(discordgo.PermissionManageGuild),
			DMPermission:             &noDMPerm,
			Contexts:                 guildContexts(),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionThreshold,
					Description: "1 (rename almost everything) to 5 (rename only the worst)",
					Required:    true,
					MinValue:    &minSeverityValue,
					MaxValue:    maxSeverity,
				},
			},
		},
	}
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"guilds", len(r.Guilds),
		)
		if d.config.CustomStatus != "" {
			if err := s.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("error setting custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.appCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	d.logger.Info("registered commands", "count", len(created), "guild_id", d.config.GuildID)
	return created, nil
}

// DiscordSessionHandler defines the methods from `discordgo.Session` used
// by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ApplicationCommandBulkOverwrite overwrites the application's commands
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildMemberNickname changes a member's nickname
	GuildMemberNickname(
		guildID string,
		userID string,
		nickname string,
		options ...discordgo.RequestOption,
	) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler by embedding a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session).
type DiscordSession struct {
	*discordgo.Session
	logger *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	level, ok := slogToDiscordgoLevel[lvl]
	if !ok {
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	d.LogLevel = level
	d.logger.Debug("set discordgo log level", "level", lvl)
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.Client = client
}
