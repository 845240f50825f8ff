package mock

import (
	"context"

	"github.com/datasage-ai/datasage/internal/llm"
)

// Provider is a test double implementing llm.Provider.
type Provider struct {
	IDValue     string
	ModelValue  string
	Unavailable bool
	StartErr    error
	Chunks      []llm.Chunk
	StreamFn    func(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error)

	Closed   bool
	Requests []llm.ChatRequest
}

func (p *Provider) ID() string {
	if p.IDValue != "" {
		return p.IDValue
	}
	return "mock"
}

func (p *Provider) Name() string { return p.ID() }

func (p *Provider) Model() string {
	if p.ModelValue != "" {
		return p.ModelValue
	}
	return "mock-model"
}

func (p *Provider) Available() bool { return !p.Unavailable }

func (p *Provider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	p.Requests = append(p.Requests, req)
	if p.StreamFn != nil {
		return p.StreamFn(ctx, req)
	}
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	ch := make(chan llm.Chunk, len(p.Chunks)+1)
	go func() {
		defer close(ch)
		for _, c := range p.Chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
			if c.Err != nil {
				return
			}
		}
	}()
	return ch, nil
}

func (p *Provider) Close() error {
	p.Closed = true
	return nil
}
