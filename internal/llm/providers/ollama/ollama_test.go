package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datasage-ai/datasage/internal/llm"
)

func serveLines(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			fmt.Fprintln(w, l)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
}

func TestStreamChatEmitsIncrementalDeltas(t *testing.T) {
	srv := serveLines(t, []string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":2}`,
	})
	defer srv.Close()

	p := New("local", "ollama", "llama3.1", srv.URL, 0)
	ch, err := p.StreamChat(context.Background(), llm.ChatRequest{})
	require.NoError(t, err)

	resp, err := llm.Fold(ch)
	require.NoError(t, err)
	require.Equal(t, "Hello", resp.Text)
	require.Equal(t, []string{"stop"}, resp.FinishReasons)
	require.NotNil(t, resp.Usage)
	require.Equal(t, 12, resp.Usage.InputTokens)
	require.Equal(t, 2, resp.Usage.OutputTokens)
}

func TestStreamChatReconcilesCumulativeContent(t *testing.T) {
	// Some builds resend the full text on every line.
	srv := serveLines(t, []string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":"Hello "},"done":false}`,
		`{"message":{"role":"assistant","content":"Hello world"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
	})
	defer srv.Close()

	p := New("local", "ollama", "llama3.1", srv.URL, 0)
	ch, err := p.StreamChat(context.Background(), llm.ChatRequest{})
	require.NoError(t, err)

	resp, err := llm.Fold(ch)
	require.NoError(t, err)
	require.Equal(t, "Hello world", resp.Text)
}

func TestStreamChatExtractsThinkTagsAcrossChunks(t *testing.T) {
	srv := serveLines(t, []string{
		`{"message":{"role":"assistant","content":"<thi"},"done":false}`,
		`{"message":{"role":"assistant","content":"nk>plan it</th"},"done":false}`,
		`{"message":{"role":"assistant","content":"ink>answer"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
	})
	defer srv.Close()

	p := New("local", "ollama", "llama3.1", srv.URL, 0)
	ch, err := p.StreamChat(context.Background(), llm.ChatRequest{})
	require.NoError(t, err)

	resp, err := llm.Fold(ch)
	require.NoError(t, err)
	require.Equal(t, "answer", resp.Text)
	require.Equal(t, "plan it", resp.Reasoning)
}

func TestStreamChatCollectsToolCalls(t *testing.T) {
	srv := serveLines(t, []string{
		`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"run_python","arguments":{"code":"1+1"}}}]},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
	})
	defer srv.Close()

	p := New("local", "ollama", "llama3.1", srv.URL, 0)
	ch, err := p.StreamChat(context.Background(), llm.ChatRequest{})
	require.NoError(t, err)

	resp, err := llm.Fold(ch)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "run_python", resp.ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"code":"1+1"}`, resp.ToolCalls[0].Function.Arguments)
	require.Contains(t, resp.FinishReasons, "tool_calls")
}

func TestStreamChatSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := New("local", "ollama", "missing", srv.URL, 0)
	_, err := p.StreamChat(context.Background(), llm.ChatRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}
