package chatrelay

import (
	"context"
	"crypto/rand"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"math/big"
	mrand "math/rand/v2"
	"regexp"
	"strconv"
	"strings"
)

const (
	placeholderPrefix   = "User-"
	placeholderLength   = 8
	placeholderAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	classifierMaxTokens = 4

	classifierPrompt = "Rate how inappropriate the following Discord nickname is " +
		"on a scale from 1 (completely fine) to 5 (highly offensive). " +
		"Respond with only a single digit from 1 to 5."
)

var placeholderPattern = regexp.MustCompile(`^User-[A-Za-z0-9]{8}$`)

// placeholderNickname returns "User-" followed by 8 random alphanumerics
func placeholderNickname() string {
	var sb strings.Builder
	sb.WriteString(placeholderPrefix)
	maxIdx := big.NewInt(int64(len(placeholderAlphabet)))
	for i := 0; i < placeholderLength; i++ {
		n, err := rand.Int(rand.Reader, maxIdx)
		if err != nil {
			sb.WriteByte(placeholderAlphabet[mrand.IntN(len(placeholderAlphabet))])
			continue
		}
		sb.WriteByte(placeholderAlphabet[n.Int64()])
	}
	return sb.String()
}

// isPlaceholderNickname reports whether nick looks like one generated
// by placeholderNickname
func isPlaceholderNickname(nick string) bool {
	return placeholderPattern.MatchString(nick)
}

// parseSeverity returns the first digit in s, clamped to 1..5. If s has no
// digits, DefaultSeverityThreshold is returned.
func parseSeverity(s string) int {
	for _, c := range s {
		if c < '0' || c > '9' {
			continue
		}
		v, _ := strconv.Atoi(string(c))
		return min(max(v, minSeverity), maxSeverity)
	}
	return DefaultSeverityThreshold
}

// SeverityClassifier rates nicknames from 1 (fine) to 5 (offensive)
type SeverityClassifier struct {
	pool   []CompletionClient
	model  string
	logger *slog.Logger
	pick   func(n int) int
}

// NewSeverityClassifier returns a classifier that scores nicknames with
// a single non-streamed chat completion per call.
//
// Parameters:
//   - pool: The completion clients to choose from, uniformly at random,
//     for each request. Usually the same pool the Relay uses.
//   - model: The model to request.
//   - logger: The classifier's logger. If nil, slog.Default() is used.
//
// Returns:
//   - A pointer to the new SeverityClassifier.
//   - ErrNoCredentials if pool is empty.
func NewSeverityClassifier(
	pool []CompletionClient,
	model string,
	logger *slog.Logger,
) (*SeverityClassifier, error) {
	if len(pool) == 0 {
		return nil, ErrNoCredentials
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SeverityClassifier{
		pool:   pool,
		model:  model,
		logger: logger,
		pick:   mrand.IntN,
	}, nil
}

// Classify returns the severity of nickname. It never fails: if the
// request errors, or the reply has no digit, the result is
// DefaultSeverityThreshold.
func (c *SeverityClassifier) Classify(ctx context.Context, nickname string) int {
	client := c.pool[c.pick(len(c.pool))]
	resp, err := client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: classifierPrompt},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf("Nickname: %q", nickname),
				},
			},
			MaxTokens: classifierMaxTokens,
		},
	)
	if err != nil {
		c.logger.WarnContext(
			ctx,
			"classification request failed, using default severity",
			tint.Err(err),
			"nickname", nickname,
		)
		return DefaultSeverityThreshold
	}
	if len(resp.Choices) == 0 {
		c.logger.WarnContext(ctx, "classification returned no choices", "nickname", nickname)
		return DefaultSeverityThreshold
	}
	content := resp.Choices[0].Message.Content
	severity := parseSeverity(content)
	c.logger.DebugContext(
		ctx,
		"classified nickname",
		"nickname", nickname,
		"response", content,
		"severity", severity,
	)
	return severity
}
