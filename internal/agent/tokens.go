package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/datasage-ai/datasage/internal/llm"
)

// TokenEstimator reports approximate token counts for budget decisions.
// Estimates do not need to match any one vendor exactly; they only gate
// compression.
type TokenEstimator interface {
	Estimate(text string) int
}

type tiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// NewTokenEstimator returns a cl100k_base estimator, falling back to a
// bytes/4 heuristic when the encoding data is unavailable.
func NewTokenEstimator() TokenEstimator {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return heuristicEstimator{}
	}
	return &tiktokenEstimator{enc: encoding}
}

func (e *tiktokenEstimator) Estimate(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

type heuristicEstimator struct{}

func (heuristicEstimator) Estimate(text string) int {
	return len(text) / 4
}

// estimateMessages sums the estimated tokens of a prompt, with a small fixed
// overhead per message for role framing.
func estimateMessages(est TokenEstimator, msgs []llm.ChatMessage) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += est.Estimate(m.Content)
		for _, tc := range m.ToolCalls {
			total += est.Estimate(tc.Function.Name)
			total += est.Estimate(tc.Function.Arguments)
		}
	}
	return total
}
