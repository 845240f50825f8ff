package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when every candidate in the failover chain fails.
var ErrNoProvider = errors.New("no model provider available")

// PurposeOverride routes one named sub-task to a specific backend.
type PurposeOverride struct {
	Provider string
	Model    string
	BaseURL  string
}

// ClientFactory builds a one-shot provider client for a purpose override.
// One-shot clients are closed after a single chat call.
type ClientFactory func(providerID, model, baseURL string) (Provider, error)

// Resolver owns the ordered provider chain and answers every chat request.
// Purpose overrides take precedence over the global preferred provider,
// which takes precedence over chain order.
type Resolver struct {
	mu        sync.RWMutex
	chain     []Provider
	preferred string
	purposes  map[string]PurposeOverride
	factory   ClientFactory

	logger  *zap.Logger
	metrics MetricsRecorder
}

// MetricsRecorder receives provider selection outcomes. All methods must be
// nil-receiver safe on the implementation side.
type MetricsRecorder interface {
	RecordProviderUsage(provider, purpose string)
	RecordProviderFailure(provider, purpose string)
}

// NewResolver constructs a resolver over an ordered chain.
func NewResolver(chain []Provider, factory ClientFactory, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		chain:    chain,
		factory:  factory,
		purposes: make(map[string]PurposeOverride),
		logger:   logger,
	}
}

// SetMetrics installs an optional metrics recorder.
func (r *Resolver) SetMetrics(m MetricsRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Reload replaces the provider chain and purpose overrides. Superseded
// long-lived clients are closed; clients carried over into the new chain
// stay open.
func (r *Resolver) Reload(chain []Provider, purposes map[string]PurposeOverride) {
	r.mu.Lock()
	old := r.chain
	r.chain = chain
	if purposes == nil {
		purposes = make(map[string]PurposeOverride)
	}
	r.purposes = purposes
	r.mu.Unlock()

	kept := make(map[Provider]struct{}, len(chain))
	for _, p := range chain {
		kept[p] = struct{}{}
	}
	for _, p := range old {
		if _, ok := kept[p]; ok {
			continue
		}
		if err := p.Close(); err != nil {
			r.logger.Warn("close superseded provider", zap.String("provider", p.ID()), zap.Error(err))
		}
	}
}

// SetPreferredProvider sets the global preference, or a purpose-specific
// override when purpose is non-empty. An empty providerID clears it.
func (r *Resolver) SetPreferredProvider(providerID, purpose string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if purpose == "" {
		r.preferred = providerID
		return
	}
	if providerID == "" {
		delete(r.purposes, purpose)
		return
	}
	ov := r.purposes[purpose]
	ov.Provider = providerID
	r.purposes[purpose] = ov
}

// Providers returns the current chain order (read-only snapshot).
func (r *Resolver) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.chain...)
}

type candidate struct {
	provider Provider
	model    string
	oneShot  bool
}

// candidates assembles the ordered attempt list for a purpose.
func (r *Resolver) candidates(purpose string) []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []candidate

	if ov, ok := r.purposes[purpose]; ok && ov.Provider != "" && r.factory != nil {
		client, err := r.factory(ov.Provider, ov.Model, ov.BaseURL)
		if err != nil {
			r.logger.Warn("purpose override client unavailable",
				zap.String("purpose", purpose), zap.String("provider", ov.Provider), zap.Error(err))
		} else {
			out = append(out, candidate{provider: client, model: ov.Model, oneShot: true})
		}
	}

	if r.preferred != "" {
		for _, p := range r.chain {
			if p.ID() == r.preferred {
				out = append(out, candidate{provider: p})
			}
		}
		for _, p := range r.chain {
			if p.ID() != r.preferred {
				out = append(out, candidate{provider: p})
			}
		}
		return out
	}

	for _, p := range r.chain {
		out = append(out, candidate{provider: p})
	}
	return out
}

// Chat streams a completion with ordered failover. The returned stream is
// finite and not restartable. A provider that has begun producing chunks is
// never retried: its partial output is forwarded as-is and the stream ends
// with the error. If every candidate fails, a single terminal error chunk
// names the last underlying cause.
func (r *Resolver) Chat(ctx context.Context, req ChatRequest) <-chan Chunk {
	out := make(chan Chunk, 16)

	cands := r.candidates(req.Purpose)

	go func() {
		defer close(out)

		var lastErr error
		for _, cand := range cands {
			ok, err := r.attempt(ctx, cand, req, out)
			if ok || err == nil {
				return
			}
			lastErr = err
			if ctx.Err() != nil {
				return
			}
		}

		if lastErr == nil {
			lastErr = errors.New("empty provider chain")
		}
		out <- Chunk{Err: fmt.Errorf("%w: last error: %v", ErrNoProvider, lastErr)}
	}()

	return out
}

// attempt runs one candidate. It returns (true, nil) on success, (true, err)
// when output was already forwarded and the stream must end with err, and
// (false, err) when failover to the next candidate is allowed.
func (r *Resolver) attempt(ctx context.Context, cand candidate, req ChatRequest, out chan<- Chunk) (done bool, err error) {
	p := cand.provider
	if cand.oneShot {
		defer func() {
			if cerr := p.Close(); cerr != nil {
				r.logger.Warn("close one-shot provider", zap.String("provider", p.ID()), zap.Error(cerr))
			}
		}()
	}

	if !p.Available() {
		return false, fmt.Errorf("provider %s unavailable", p.ID())
	}

	attemptReq := req
	if cand.model != "" {
		attemptReq.Model = cand.model
	}

	chunks, err := p.StreamChat(ctx, attemptReq)
	if err != nil {
		r.recordFailure(p.ID(), req.Purpose)
		r.logger.Warn("provider failed before streaming",
			zap.String("provider", p.ID()), zap.String("purpose", req.Purpose), zap.Error(err))
		return false, err
	}

	produced := false
	for c := range chunks {
		if c.Err != nil {
			r.recordFailure(p.ID(), req.Purpose)
			if !produced {
				// Nothing forwarded yet: the next candidate gets a clean attempt.
				r.logger.Warn("provider failed on first delta",
					zap.String("provider", p.ID()), zap.Error(c.Err))
				return false, c.Err
			}
			// Partial output already forwarded; never retract, never retry.
			out <- c
			return true, c.Err
		}
		produced = true
		out <- c
	}

	r.recordUsage(p.ID(), req.Purpose)
	return true, nil
}

func (r *Resolver) recordUsage(provider, purpose string) {
	r.mu.RLock()
	m := r.metrics
	r.mu.RUnlock()
	if m != nil {
		m.RecordProviderUsage(provider, purpose)
	}
}

func (r *Resolver) recordFailure(provider, purpose string) {
	r.mu.RLock()
	m := r.metrics
	r.mu.RUnlock()
	if m != nil {
		m.RecordProviderFailure(provider, purpose)
	}
}
