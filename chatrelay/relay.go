package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrCompletionFailed is returned by Relay.Handle when a reply couldn't be
// generated. The underlying cause is wrapped alongside it.
var ErrCompletionFailed = errors.New("completion failed")

// CompletionResult describes a finished (or failed) Relay.Handle call.
type CompletionResult struct {
	Prompt     string
	Reply      string
	Model      string
	Credential int
	History    int
	Started    time.Time
	Finished   time.Time
	Err        error
}

func (r CompletionResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("model", r.Model),
		slog.Int("credential", r.Credential),
		slog.Int("history", r.History),
		slog.Int("prompt_length", len(r.Prompt)),
		slog.Int("reply_length", len(r.Reply)),
		slog.Duration("elapsed", r.Finished.Sub(r.Started)),
	}
	if r.Err != nil {
		attrs = append(attrs, slog.String("error", r.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Relay forwards prompts, along with the recent conversation history for
// their key, to a completion API and records the reply.
type Relay[K comparable] struct {
	store  *HistoryStore[K]
	pool   []CompletionClient
	config *CompletionConfig
	logger *slog.Logger

	// turns holds a lock per key, held for the duration of a Handle or
	// Remember call, so one key's user/assistant pairs never interleave
	turns   map[K]*sync.Mutex
	turnsMu sync.Mutex

	// pick returns an index in [0, n). Defaults to rand.IntN.
	pick func(n int) int

	// onComplete is called after every Handle call, successful or not
	onComplete func(ctx context.Context, key K, result CompletionResult)

	metrics *Metrics
}

// NewRelay returns a Relay backed by store, selecting uniformly at random
// from pool for each request.
func NewRelay[K comparable](
	store *HistoryStore[K],
	pool []CompletionClient,
	config *CompletionConfig,
	logger *slog.Logger,
) (*Relay[K], error) {
	if len(pool) == 0 {
		return nil, ErrNoCredentials
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay[K]{
		store:  store,
		pool:   pool,
		config: config,
		logger: logger,
		turns:  map[K]*sync.Mutex{},
		pick:   rand.IntN,
	}, nil
}

// Store returns the relay's history store
func (r *Relay[K]) Store() *HistoryStore[K] {
	return r.store
}

func (r *Relay[K]) turn(key K) *sync.Mutex {
	r.turnsMu.Lock()
	defer r.turnsMu.Unlock()
	mu, ok := r.turns[key]
	if !ok {
		mu = &sync.Mutex{}
		r.turns[key] = mu
	}
	return mu
}

// Handle appends prompt to the history for key, requests a completion
// for the history (prefixed by systemPrompt, if not empty), appends the
// reply to the history and returns it.
//
// On failure, the user entry stays in the history, no assistant entry is
// appended, and the returned error wraps ErrCompletionFailed.
func (r *Relay[K]) Handle(
	ctx context.Context,
	key K,
	prompt string,
	systemPrompt string,
) (string, error) {
	mu := r.turn(key)
	mu.Lock()
	defer mu.Unlock()

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = r.logger
		ctx = WithLogger(ctx, logger)
	}
	logger = logger.With("conversation", key)

	buf := r.store.Buffer(key)
	buf.Append(ConversationEntry{Role: RoleUser, Content: prompt})

	var system *ConversationEntry
	if systemPrompt != "" {
		system = &ConversationEntry{Role: RoleSystem, Content: systemPrompt}
	}
	history := buf.Snapshot(system)

	result := CompletionResult{
		Prompt:     prompt,
		Model:      r.config.Model,
		Credential: r.pick(len(r.pool)),
		History:    len(history),
		Started:    time.Now(),
	}

	reply, err := r.complete(ctx, logger, r.pool[result.Credential], history)
	result.Finished = time.Now()
	if err != nil {
		result.Err = err
		logger.ErrorContext(ctx, "completion failed", tint.Err(err), "result", result)
		r.finish(ctx, key, result)
		return "", fmt.Errorf("%w: %w", ErrCompletionFailed, err)
	}

	buf.Append(ConversationEntry{Role: RoleAssistant, Content: reply})
	result.Reply = reply
	logger.InfoContext(ctx, "completion finished", "result", result)
	r.finish(ctx, key, result)
	return reply, nil
}

func (r *Relay[K]) complete(
	ctx context.Context,
	logger *slog.Logger,
	client CompletionClient,
	history []ConversationEntry,
) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       r.config.Model,
		Messages:    chatMessages(history),
		Temperature: r.config.Temperature,
		MaxTokens:   r.config.MaxTokens,
		TopP:        r.config.TopP,
		Stream:      true,
	}
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error creating completion stream: %w", err)
	}
	return collectStream(ctx, logger, stream)
}

func (r *Relay[K]) finish(ctx context.Context, key K, result CompletionResult) {
	if r.metrics != nil {
		outcome := resultOK
		if result.Err != nil {
			outcome = resultError
		}
		r.metrics.relayRequests.WithLabelValues(outcome).Inc()
		r.metrics.relayDuration.Observe(result.Finished.Sub(result.Started).Seconds())
	}
	if r.onComplete != nil {
		r.onComplete(ctx, key, result)
	}
}

// Remember appends text to the history for key as a user entry, without
// requesting a reply.
func (r *Relay[K]) Remember(key K, text string) {
	mu := r.turn(key)
	mu.Lock()
	defer mu.Unlock()
	r.store.Buffer(key).Append(ConversationEntry{Role: RoleUser, Content: text})
}

// Clear empties the history for key. It waits for any in-flight turn
// for key, so a late reply can't land in the cleared buffer. It returns
// false if there's no history for key.
func (r *Relay[K]) Clear(key K) bool {
	mu := r.turn(key)
	mu.Lock()
	defer mu.Unlock()
	return r.store.Clear(key)
}

// Forget removes entries matching match from the history for key, once
// any in-flight turn for key has finished, and returns the number removed.
func (r *Relay[K]) Forget(key K, match func(content string) bool) int {
	mu := r.turn(key)
	mu.Lock()
	defer mu.Unlock()
	return r.store.RemoveMatching(key, match)
}
