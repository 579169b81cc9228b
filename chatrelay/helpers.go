package chatrelay

import (
	"context"
	"crypto/tls"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"
)

const loggerContextKey contextKey = "logger"

type contextKey string

const outputLimitSuffix = "\n\n**(output limit reached)**"

// shortenString fits s into limit runes. Cheap reductions are tried
// first (collapsing blank lines, then dropping bold markers) before the
// text is cut and outputLimitSuffix appended.
func shortenString(s string, limit int) string {
	reductions := []func(string) string{
		func(v string) string { return v },
		func(v string) string { return strings.ReplaceAll(v, "\n\n", "\n") },
		func(v string) string { return strings.ReplaceAll(v, "**", "") },
	}
	for _, reduce := range reductions {
		s = reduce(s)
		if utf8.RuneCountInString(s) <= limit {
			return s
		}
	}

	runes := []rune(s)
	keep := limit - utf8.RuneCountInString(outputLimitSuffix)
	if keep <= 0 {
		return strings.TrimSpace(string(runes[:limit]))
	}
	return strings.TrimSpace(string(runes[:keep]) + outputLimitSuffix)
}

// discordInteractionOptions returns the interaction's options, keyed by name
func discordInteractionOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := i.ApplicationCommandData().Options
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return optionMap
}

// getDiscordUser returns the user who triggered the interaction. Guild
// interactions carry a Member, DMs carry a User.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// hasPermission reports whether the interaction's member holds every bit
// of perm. Interactions outside a guild have no permissions.
func hasPermission(i *discordgo.InteractionCreate, perm int64) bool {
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return i.Member.Permissions&perm == perm
}

func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// structToSlogValue renders a struct as a slog group keyed by each
// field's json tag (or field name). Fields tagged `json:"-"`, unexported
// fields, and nil or empty values are omitted. A `log` tag replaces the
// value, so `log:"[redacted]"` hides secrets.
func structToSlogValue(v any) slog.Value {
	val := reflect.ValueOf(v)
	if !val.IsValid() {
		return slog.AnyValue(nil)
	}
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	typ := val.Type()
	attrs := make([]slog.Attr, 0, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		if attr, ok := fieldAttr(typ.Field(i), val.Field(i)); ok {
			attrs = append(attrs, attr)
		}
	}
	return slog.GroupValue(attrs...)
}

func fieldAttr(field reflect.StructField, fv reflect.Value) (slog.Attr, bool) {
	key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	switch {
	case key == "-", !fv.CanInterface():
		return slog.Attr{}, false
	case key == "":
		key = field.Name
	}

	if replacement := field.Tag.Get("log"); replacement != "" {
		return slog.String(key, replacement), true
	}
	if isEmptyValue(fv) {
		return slog.Attr{}, false
	}
	if lv, ok := fv.Interface().(*slog.LevelVar); ok {
		return slog.String(key, lv.Level().String()), true
	}
	return slog.Attr{Key: key, Value: structToSlogValue(fv.Interface())}, true
}

func isEmptyValue(fv reflect.Value) bool {
	switch fv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return fv.IsNil()
	case reflect.Map, reflect.Slice:
		return fv.Len() == 0
	case reflect.String:
		return fv.Len() == 0
	default:
		return false
	}
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

func interactionLogAttrs(i *discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, "guild_id", i.GuildID)
	}
	if u := getDiscordUser(i); u != nil {
		logAttrs = append(logAttrs, "user_id", u.ID, "username", u.Username)
	}
	return logAttrs
}

// channelMention renders a channel ID the way discord displays it
func channelMention(channelID string) string {
	return fmt.Sprintf("<#%s>", channelID)
}
