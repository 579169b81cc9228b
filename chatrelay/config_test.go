package chatrelay

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	// only the discord credentials are missing
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Token")
	assert.Contains(t, err.Error(), "ApplicationID")

	cfg.Discord.Token = "t"
	cfg.Discord.ApplicationID = "a"
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultHistorySize, cfg.History.Size)
	assert.Equal(t, ScopeGlobal, cfg.History.Scope)
	assert.Equal(t, ScopeUser, cfg.Routing.Scope)
	assert.Equal(t, "mixtral-8x7b-32768", cfg.Completion.Model)
	assert.InDelta(t, 0.05, cfg.Completion.Temperature, 0.0001)
	assert.Equal(t, 32768, cfg.Completion.MaxTokens)
	assert.InDelta(t, 1, cfg.Completion.TopP, 0.0001)
	assert.Equal(t, "An error occurred.", cfg.Discord.ErrorMessage)
	assert.True(t, cfg.Classifier.Enabled)
	assert.Equal(t, DefaultSeverityThreshold, cfg.Classifier.DefaultThreshold)
}

func TestConfig_ValidateRejects(t *testing.T) {
	t.Parallel()
	tests := map[string]func(cfg *Config){
		"history size":      func(cfg *Config) { cfg.History.Size = 0 },
		"history scope":     func(cfg *Config) { cfg.History.Scope = "channel" },
		"routing scope":     func(cfg *Config) { cfg.Routing.Scope = ScopeGlobal },
		"database type":     func(cfg *Config) { cfg.DatabaseType = "mysql" },
		"temperature":       func(cfg *Config) { cfg.Completion.Temperature = 3 },
		"threshold":         func(cfg *Config) { cfg.Classifier.DefaultThreshold = 6 },
		"model":             func(cfg *Config) { cfg.Completion.Model = "" },
		"ssl key":           func(cfg *Config) { cfg.API.SSL.Cert = "/tmp/cert.pem" },
		"api listen":        func(cfg *Config) { cfg.API.Listen = "" },
		"listen network":    func(cfg *Config) { cfg.API.ListenNetwork = "udp" },
		"error message":     func(cfg *Config) { cfg.Discord.ErrorMessage = "" },
		"completion config": func(cfg *Config) { cfg.Completion = nil },
	}
	for name, mutate := range tests {
		t.Run(
			name, func(t *testing.T) {
				t.Parallel()
				cfg := DefaultConfig()
				cfg.Discord.Token = "t"
				cfg.Discord.ApplicationID = "a"
				mutate(cfg)
				assert.Error(t, cfg.Validate())
			},
		)
	}
}

func TestConfig_LogValueRedacts(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"
	cfg.Completion.APIKeys = []string{"gsk_secret"}
	cfg.API.Secret = "api-secret"

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, "super-secret-token")
	assert.NotContains(t, out, "gsk_secret")
	assert.NotContains(t, out, "api-secret")
	assert.Contains(t, out, "[redacted]")
	assert.Contains(t, out, DefaultCompletionModel)
}
