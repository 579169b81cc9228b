package chatrelay

import (
	"context"
	"errors"
	"fmt"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func newTestRelay(
	t testing.TB,
	size int,
	pool ...CompletionClient,
) *Relay[ConversationKey] {
	t.Helper()
	cfg := DefaultConfig().Completion
	r, err := NewRelay(NewHistoryStore[ConversationKey](size), pool, cfg, nil)
	require.NoError(t, err)
	return r
}

func TestNewRelay_EmptyPool(t *testing.T) {
	t.Parallel()
	_, err := NewRelay[string](NewHistoryStore[string](5), nil, DefaultConfig().Completion, nil)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestRelay_Handle(t *testing.T) {
	t.Parallel()
	client := newFakeCompletionClient("Hi", " there", "!")
	r := newTestRelay(t, DefaultHistorySize, client)

	assert.Equal(t, 0, r.Store().Len())
	reply, err := r.Handle(context.Background(), "global", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", reply)
	assert.Equal(t, 1, r.Store().Len())

	b, ok := r.Store().Peek("global")
	require.True(t, ok)
	assert.Equal(
		t,
		[]ConversationEntry{
			{Role: RoleUser, Content: "hello"},
			{Role: RoleAssistant, Content: "Hi there!"},
		},
		b.Snapshot(nil),
	)

	req := client.lastStreamRequest(t)
	assert.True(t, req.Stream)
	assert.Equal(t, DefaultCompletionModel, req.Model)
	assert.InDelta(t, DefaultCompletionTemperature, req.Temperature, 0.0001)
	assert.Equal(t, DefaultCompletionMaxTokens, req.MaxTokens)
	assert.InDelta(t, DefaultCompletionTopP, req.TopP, 0.0001)
	assert.Equal(
		t,
		[]openai.ChatCompletionMessage{{Role: "user", Content: "hello"}},
		req.Messages,
	)
}

func TestRelay_HandleSendsWindow(t *testing.T) {
	t.Parallel()
	client := newFakeCompletionClient("ok")
	r := newTestRelay(t, 5, client)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		_, err := r.Handle(ctx, "global", fmt.Sprintf("p%d", i), "")
		require.NoError(t, err)
	}

	// the sixth request carries the most recent 5 entries, ending with p6
	req := client.lastStreamRequest(t)
	require.Len(t, req.Messages, 5)
	assert.Equal(t, "p6", req.Messages[4].Content)
	assert.Equal(t, "user", req.Messages[4].Role)
	assert.Equal(t, "p4", req.Messages[0].Content)

	b, _ := r.Store().Peek("global")
	assert.Equal(t, 5, b.Len())
}

func TestRelay_HandleSystemPrompt(t *testing.T) {
	t.Parallel()
	client := newFakeCompletionClient("ok")
	r := newTestRelay(t, 5, client)

	_, err := r.Handle(context.Background(), "global", "hello", "You are terse.")
	require.NoError(t, err)

	req := client.lastStreamRequest(t)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "You are terse.", req.Messages[0].Content)

	b, _ := r.Store().Peek("global")
	for _, e := range b.Snapshot(nil) {
		assert.NotEqual(t, RoleSystem, e.Role)
	}
}

func TestRelay_HandleFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		client *fakeCompletionClient
	}{
		{
			name:   "create error",
			client: &fakeCompletionClient{createErr: errors.New("401 unauthorized")},
		},
		{
			name: "stream error discards partial text",
			client: &fakeCompletionClient{
				chunks:    []string{"partial"},
				streamErr: errors.New("connection reset"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				r := newTestRelay(t, 5, tt.client)

				var results []CompletionResult
				r.onComplete = func(_ context.Context, _ ConversationKey, result CompletionResult) {
					results = append(results, result)
				}

				reply, err := r.Handle(context.Background(), "user:1", "hello", "")
				assert.ErrorIs(t, err, ErrCompletionFailed)
				assert.Empty(t, reply)

				// the user entry stays, no assistant entry is added
				b, _ := r.Store().Peek("user:1")
				assert.Equal(t, []ConversationEntry{userEntry("hello")}, b.Snapshot(nil))

				require.Len(t, results, 1)
				assert.Error(t, results[0].Err)
				assert.Empty(t, results[0].Reply)
			},
		)
	}
}

func TestRelay_EmptyReply(t *testing.T) {
	t.Parallel()
	r := newTestRelay(t, 5, newFakeCompletionClient())

	reply, err := r.Handle(context.Background(), "global", "hello", "")
	require.NoError(t, err)
	assert.Empty(t, reply)

	b, _ := r.Store().Peek("global")
	assert.Equal(t, 2, b.Len())
}

func TestRelay_CredentialSelection(t *testing.T) {
	t.Parallel()
	first := newFakeCompletionClient("one")
	second := newFakeCompletionClient("two")
	r := newTestRelay(t, 5, first, second)

	var picked []int
	r.pick = func(n int) int {
		assert.Equal(t, 2, n)
		idx := len(picked) % n
		picked = append(picked, idx)
		return idx
	}

	ctx := context.Background()
	reply, err := r.Handle(ctx, "global", "a", "")
	require.NoError(t, err)
	assert.Equal(t, "one", reply)

	reply, err = r.Handle(ctx, "global", "b", "")
	require.NoError(t, err)
	assert.Equal(t, "two", reply)

	assert.Len(t, first.streamRequests, 1)
	assert.Len(t, second.streamRequests, 1)
}

func TestRelay_CredentialSelectionUniform(t *testing.T) {
	t.Parallel()
	pool := []CompletionClient{
		newFakeCompletionClient("a"),
		newFakeCompletionClient("b"),
		newFakeCompletionClient("c"),
	}
	r := newTestRelay(t, 5, pool...)

	counts := map[int]int{}
	r.onComplete = func(_ context.Context, _ ConversationKey, result CompletionResult) {
		counts[result.Credential]++
	}
	for i := 0; i < 300; i++ {
		_, err := r.Handle(context.Background(), "global", "x", "")
		require.NoError(t, err)
	}
	for i := range pool {
		assert.Greater(t, counts[i], 50, "credential %d rarely chosen", i)
	}
}

func TestRelay_Remember(t *testing.T) {
	t.Parallel()
	client := newFakeCompletionClient("ok")
	r := newTestRelay(t, 5, client)

	r.Remember("global", "my name is bob")
	b, ok := r.Store().Peek("global")
	require.True(t, ok)
	assert.Equal(t, []ConversationEntry{userEntry("my name is bob")}, b.Snapshot(nil))
	assert.Empty(t, client.streamRequests)

	_, err := r.Handle(context.Background(), "global", "what's my name?", "")
	require.NoError(t, err)
	req := client.lastStreamRequest(t)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "my name is bob", req.Messages[0].Content)
}

func TestRelay_ConcurrentTurnsStayPaired(t *testing.T) {
	t.Parallel()
	r := newTestRelay(t, 100, newFakeCompletionClient("reply"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := r.Handle(context.Background(), "global", fmt.Sprintf("q%d", n), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries := r.Store().Buffer("global").Snapshot(nil)
	require.Len(t, entries, 40)
	for i := 0; i < len(entries); i += 2 {
		assert.Equal(t, RoleUser, entries[i].Role)
		assert.Equal(t, RoleAssistant, entries[i+1].Role)
	}
}

// stallingClient holds each stream open until release is closed
type stallingClient struct {
	*fakeCompletionClient
	started chan struct{}
	release chan struct{}
}

func (c *stallingClient) CreateChatCompletionStream(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (CompletionStream, error) {
	c.started <- struct{}{}
	<-c.release
	return c.fakeCompletionClient.CreateChatCompletionStream(ctx, request)
}

func TestRelay_ClearWaitsForTurn(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		reset func(r *Relay[ConversationKey])
		want  []ConversationEntry
	}{
		{
			name:  "clear",
			reset: func(r *Relay[ConversationKey]) { r.Clear("global") },
			want:  []ConversationEntry{},
		},
		{
			name: "forget",
			reset: func(r *Relay[ConversationKey]) {
				r.Forget("global", ExactContent("hello"))
			},
			want: []ConversationEntry{{Role: RoleAssistant, Content: "late reply"}},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				client := &stallingClient{
					fakeCompletionClient: newFakeCompletionClient("late reply"),
					started:              make(chan struct{}),
					release:              make(chan struct{}),
				}
				r := newTestRelay(t, DefaultHistorySize, client)

				handled := make(chan error, 1)
				go func() {
					_, err := r.Handle(context.Background(), "global", "hello", "")
					handled <- err
				}()
				<-client.started

				reset := make(chan struct{})
				go func() {
					tc.reset(r)
					close(reset)
				}()

				select {
				case <-reset:
					t.Fatal("history was modified during an in-flight turn")
				case <-time.After(50 * time.Millisecond):
				}

				close(client.release)
				require.NoError(t, <-handled)
				<-reset

				b, ok := r.Store().Peek("global")
				require.True(t, ok)
				assert.Equal(t, tc.want, b.Snapshot(nil))
			},
		)
	}
}
