// Package session holds per-conversation state. A session is exclusively
// owned by the runner for the duration of one turn; the execution lane
// guarantees no two turns touch the same session concurrently, so the type
// carries no locking of its own.
package session

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/datasage-ai/datasage/internal/dataset"
	"github.com/datasage-ai/datasage/internal/llm"
)

// Note is a lightweight session annotation surfaced in the UI alongside the
// dialog (plan text, artifact pointers, chart references).
type Note struct {
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the unit of conversation state.
type Session struct {
	ID       string                      `json:"id"`
	Title    string                      `json:"title,omitempty"`
	Messages []llm.ChatMessage           `json:"messages"`
	Datasets map[string]*dataset.Dataset `json:"datasets,omitempty"`
	// ActiveDataset names the dataset bound as the working table in
	// code-execution tools.
	ActiveDataset string `json:"active_dataset,omitempty"`
	// Summary is the compressed-context digest of archived history. Only
	// this string feeds back into prompts; archives are audit files.
	Summary string `json:"summary,omitempty"`
	// Reference is retrieved background material, injected once per turn.
	Reference string `json:"reference,omitempty"`

	Iterations   int    `json:"iterations"`
	Compressions int    `json:"compressions"`
	Notes        []Note `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an empty session.
func New() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Datasets:  make(map[string]*dataset.Dataset),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message to history.
func (s *Session) Append(msg llm.ChatMessage) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

// AddNote records a session annotation.
func (s *Session) AddNote(kind, content string) {
	s.Notes = append(s.Notes, Note{
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
}

// FoldDatasets merges persisted sandbox updates back into the session map.
// Only the runner calls this, from inside the session's lane.
func (s *Session) FoldDatasets(updates map[string]*dataset.Dataset) {
	if len(updates) == 0 {
		return
	}
	if s.Datasets == nil {
		s.Datasets = make(map[string]*dataset.Dataset, len(updates))
	}
	for name, d := range updates {
		d.Name = name
		s.Datasets[name] = d
	}
	s.UpdatedAt = time.Now().UTC()
}

// DatasetSummaries renders every loaded dataset for prompt injection.
func (s *Session) DatasetSummaries(sampleRows int) []string {
	if len(s.Datasets) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.Datasets))
	for name := range s.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, s.Datasets[name].Summary(sampleRows))
	}
	return out
}
