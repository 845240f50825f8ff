package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datasage-ai/datasage/internal/llm"
	llmmock "github.com/datasage-ai/datasage/internal/llm/mock"
)

func collect(t *testing.T, ch <-chan llm.Chunk) (llm.Response, error) {
	t.Helper()
	return llm.Fold(ch)
}

func TestChatFailsOverToNextProvider(t *testing.T) {
	failing := &llmmock.Provider{IDValue: "a", StartErr: errors.New("boom")}
	ok := &llmmock.Provider{IDValue: "b", Chunks: []llm.Chunk{
		{Text: "ok", FinishReason: "stop"},
	}}

	r := llm.NewResolver([]llm.Provider{failing, ok}, nil, nil)

	resp, err := collect(t, r.Chat(context.Background(), llm.ChatRequest{Purpose: "chat"}))
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, []string{"stop"}, resp.FinishReasons)
}

func TestChatSkipsUnavailableProviders(t *testing.T) {
	noCreds := &llmmock.Provider{IDValue: "a", Unavailable: true}
	ok := &llmmock.Provider{IDValue: "b", Chunks: []llm.Chunk{{Text: "hi"}}}

	r := llm.NewResolver([]llm.Provider{noCreds, ok}, nil, nil)

	resp, err := collect(t, r.Chat(context.Background(), llm.ChatRequest{}))
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Text)
	require.Empty(t, noCreds.Requests, "unavailable provider must not be called")
}

func TestChatAllProvidersFail(t *testing.T) {
	a := &llmmock.Provider{IDValue: "a", StartErr: errors.New("a down")}
	b := &llmmock.Provider{IDValue: "b", StartErr: errors.New("b down")}

	r := llm.NewResolver([]llm.Provider{a, b}, nil, nil)

	_, err := collect(t, r.Chat(context.Background(), llm.ChatRequest{}))
	require.Error(t, err)
	require.ErrorIs(t, err, llm.ErrNoProvider)
	require.Contains(t, err.Error(), "b down", "error should name the last underlying cause")
}

func TestChatFailsOverOnPreOutputStreamError(t *testing.T) {
	// The stream opens but errors before producing any chunk: still recoverable.
	early := &llmmock.Provider{IDValue: "a", Chunks: []llm.Chunk{{Err: errors.New("reset")}}}
	ok := &llmmock.Provider{IDValue: "b", Chunks: []llm.Chunk{{Text: "recovered"}}}

	r := llm.NewResolver([]llm.Provider{early, ok}, nil, nil)

	resp, err := collect(t, r.Chat(context.Background(), llm.ChatRequest{}))
	require.NoError(t, err)
	require.Equal(t, "recovered", resp.Text)
}

func TestChatDoesNotRetryMidStreamFailure(t *testing.T) {
	midway := &llmmock.Provider{IDValue: "a", Chunks: []llm.Chunk{
		{Text: "partial "},
		{Err: errors.New("cut off")},
	}}
	next := &llmmock.Provider{IDValue: "b", Chunks: []llm.Chunk{{Text: "never"}}}

	r := llm.NewResolver([]llm.Provider{midway, next}, nil, nil)

	resp, err := collect(t, r.Chat(context.Background(), llm.ChatRequest{}))
	require.Error(t, err)
	require.Equal(t, "partial ", resp.Text, "partial output is forwarded, not retracted")
	require.Empty(t, next.Requests, "a provider mid-stream failure must not trigger failover")
}

func TestPreferredProviderMovesToFront(t *testing.T) {
	a := &llmmock.Provider{IDValue: "a", Chunks: []llm.Chunk{{Text: "from-a"}}}
	b := &llmmock.Provider{IDValue: "b", Chunks: []llm.Chunk{{Text: "from-b"}}}

	r := llm.NewResolver([]llm.Provider{a, b}, nil, nil)
	r.SetPreferredProvider("b", "")

	resp, err := collect(t, r.Chat(context.Background(), llm.ChatRequest{}))
	require.NoError(t, err)
	require.Equal(t, "from-b", resp.Text)

	// Preferred provider failing falls back to the rest of the chain.
	b.StartErr = errors.New("down")
	b.Chunks = nil
	resp, err = collect(t, r.Chat(context.Background(), llm.ChatRequest{}))
	require.NoError(t, err)
	require.Equal(t, "from-a", resp.Text)
}

func TestPurposeOverrideUsesOneShotClient(t *testing.T) {
	chain := &llmmock.Provider{IDValue: "a", Chunks: []llm.Chunk{{Text: "chain"}}}
	oneShot := &llmmock.Provider{IDValue: "fast", Chunks: []llm.Chunk{{Text: "title"}}}

	factory := func(providerID, model, baseURL string) (llm.Provider, error) {
		require.Equal(t, "fast", providerID)
		require.Equal(t, "mini", model)
		return oneShot, nil
	}

	r := llm.NewResolver([]llm.Provider{chain}, factory, nil)
	r.Reload([]llm.Provider{chain}, map[string]llm.PurposeOverride{
		"title_generation": {Provider: "fast", Model: "mini"},
	})

	resp, err := collect(t, r.Chat(context.Background(), llm.ChatRequest{Purpose: "title_generation"}))
	require.NoError(t, err)
	require.Equal(t, "title", resp.Text)
	require.True(t, oneShot.Closed, "one-shot client must be closed after use")
	require.Equal(t, "mini", oneShot.Requests[0].Model)

	// Other purposes still use the chain, and the chain client stays open.
	resp, err = collect(t, r.Chat(context.Background(), llm.ChatRequest{Purpose: "chat"}))
	require.NoError(t, err)
	require.Equal(t, "chain", resp.Text)
	require.False(t, chain.Closed)
}

func TestReloadClosesSupersededClients(t *testing.T) {
	old := &llmmock.Provider{IDValue: "old"}
	r := llm.NewResolver([]llm.Provider{old}, nil, nil)

	replacement := &llmmock.Provider{IDValue: "new", Chunks: []llm.Chunk{{Text: "v2"}}}
	r.Reload([]llm.Provider{replacement}, nil)

	require.True(t, old.Closed)
	resp, err := collect(t, r.Chat(context.Background(), llm.ChatRequest{}))
	require.NoError(t, err)
	require.Equal(t, "v2", resp.Text)
}
