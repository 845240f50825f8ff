package agent

import "strings"

// OverflowClassifier decides whether a model error indicates the prompt
// exceeded the provider's context window. Vendors report this only as error
// text, so classification is heuristic and pluggable; it is not assumed to
// be exhaustive.
type OverflowClassifier func(err error) bool

var overflowMarkers = []string{
	"context length",
	"context_length_exceeded",
	"maximum context",
	"context window",
	"too many tokens",
	"input is too long",
	"prompt is too long",
	"exceeds the limit",
}

// DefaultOverflowClassifier matches the common vendor phrasings.
func DefaultOverflowClassifier(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range overflowMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
