package chatrelay

import (
	"bytes"
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"log/slog"
	"testing"
	"time"
)

func TestDiscordgoLoggerFunc(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	handler := newLogHandler(&buf, slog.LevelWarn)
	logFunc := discordgoLoggerFunc(context.Background(), handler)

	logFunc(discordgo.LogDebug, 0, "heartbeat %d", 1)
	assert.Empty(t, buf.String())

	logFunc(discordgo.LogError, 0, "websocket\nclosed: %s", "1006")
	assert.Contains(t, buf.String(), "websocketclosed: 1006")
	assert.Contains(t, buf.String(), "ERR")
}

func TestGORMLogger_Trace(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := newGORMLogger(newLogHandler(&buf, slog.LevelDebug), 10*time.Millisecond)
	ctx := context.Background()

	l.Trace(
		ctx, time.Now(), func() (string, int64) {
			return "SELECT 1", 1
		}, nil,
	)
	assert.Contains(t, buf.String(), "SELECT 1")
	assert.Contains(t, buf.String(), "DBG")

	buf.Reset()
	l.Trace(
		ctx, time.Now().Add(-time.Second), func() (string, int64) {
			return "SELECT slow", -1
		}, nil,
	)
	assert.Contains(t, buf.String(), "slow sql")
	assert.Contains(t, buf.String(), "WRN")

	buf.Reset()
	l.Trace(
		ctx, time.Now(), func() (string, int64) {
			return "INSERT", 0
		}, errors.New("constraint failed"),
	)
	assert.Contains(t, buf.String(), "constraint failed")

	assert.Equal(t, *l, l.LogMode(0))
}
