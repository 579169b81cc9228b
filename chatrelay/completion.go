package chatrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

var ErrNoCredentials = errors.New("no completion API credentials configured")

// CompletionStream yields the incremental fragments of a streamed chat
// completion. Recv returns io.EOF once the stream is exhausted.
type CompletionStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// CompletionClient defines the subset of the OpenAI-compatible chat API
// used by the bot, so the upstream can be swapped out in tests.
type CompletionClient interface {
	// CreateChatCompletionStream starts a streamed chat completion
	CreateChatCompletionStream(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (CompletionStream, error)

	// CreateChatCompletion requests a single, non-streamed chat completion
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// completionClient implements CompletionClient for a single API key.
type completionClient struct {
	client *openai.Client
}

func (c completionClient) CreateChatCompletionStream(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (CompletionStream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, err
	}
	return openaiStream{stream: stream}, nil
}

func (c completionClient) CreateChatCompletion(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	return c.client.CreateChatCompletion(ctx, request)
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
}

func (s openaiStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	return s.stream.Recv()
}

func (s openaiStream) Close() error {
	s.stream.Close()
	return nil
}

// newCompletionClients returns one CompletionClient per configured API key,
// all pointed at the configured base URL.
func newCompletionClients(
	config *CompletionConfig,
	httpClient *http.Client,
) ([]CompletionClient, error) {
	keys, err := config.Credentials()
	if err != nil {
		return nil, err
	}
	clients := make([]CompletionClient, 0, len(keys))
	for _, key := range keys {
		clientCfg := openai.DefaultConfig(key)
		if config.BaseURL != "" {
			clientCfg.BaseURL = config.BaseURL
		}
		if httpClient != nil {
			clientCfg.HTTPClient = httpClient
		}
		clients = append(
			clients,
			completionClient{client: openai.NewClientWithConfig(clientCfg)},
		)
	}
	return clients, nil
}

// loadAPIKeysFile reads a JSON array of API keys from the given path
func loadAPIKeysFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading api keys file: %w", err)
	}
	var keys []string
	if err = json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("error parsing api keys file %s: %w", path, err)
	}
	return keys, nil
}

// chatMessages converts conversation entries to the wire format
func chatMessages(entries []ConversationEntry) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(entries))
	for _, e := range entries {
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: string(e.Role), Content: e.Content},
		)
	}
	return messages
}

// collectStream reads every fragment from stream, in order, and returns
// their concatenation. Nothing is returned until the stream is
// exhausted; on error, the partial text is discarded.
func collectStream(
	ctx context.Context,
	logger *slog.Logger,
	stream CompletionStream,
) (string, error) {
	defer func() {
		if err := stream.Close(); err != nil {
			logger.WarnContext(ctx, "error closing completion stream", tint.Err(err))
		}
	}()

	var sb strings.Builder
	chunks := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("error reading completion stream: %w", err)
		}
		chunks++
		if len(resp.Choices) == 0 {
			continue
		}
		sb.WriteString(resp.Choices[0].Delta.Content)
	}
	logger.DebugContext(ctx, "completion stream finished", "chunks", chunks, "length", sb.Len())
	return sb.String(), nil
}
