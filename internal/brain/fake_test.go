package brain

import (
	"context"
	"sync"
	"sync/atomic"

	"mesh-assistant/internal/domain"
	"mesh-assistant/internal/provider"
)

type fakeProvider struct {
	name       string
	down       bool
	text       string
	responseID string
	err        error
	block      bool
	panicMsg   string
	calls      atomic.Int32
	mu         sync.Mutex
	lastReq    provider.Request
	usage      domain.Usage
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Available() bool { return !f.down }

func (f *fakeProvider) Generate(ctx context.Context, req provider.Request) (provider.Answer, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.block {
		<-ctx.Done()
		return provider.Answer{}, ctx.Err()
	}
	if f.err != nil {
		return provider.Answer{}, f.err
	}
	return provider.Answer{Text: f.text, Usage: f.usage, ResponseID: f.responseID}, nil
}

func (f *fakeProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, nil
}

func (f *fakeProvider) request() provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

// panicMemory panics on every read and write.
type panicMemory struct{}

func (panicMemory) SaveConversation(context.Context, domain.ConversationTurn) error {
	panic("save exploded")
}

func (panicMemory) GetConversationHistory(context.Context, string, int) ([]domain.ConversationTurn, error) {
	panic("history exploded")
}

func (panicMemory) GetUserContext(context.Context, string) map[string]string {
	panic("context exploded")
}

func (panicMemory) Stats() domain.MemoryStats { return domain.MemoryStats{Health: domain.HealthDegraded} }

type fixedRetriever []domain.Document

func (r fixedRetriever) Retrieve(context.Context, string, int) []domain.Document { return r }

// limitRetriever returns docs truncated to the requested limit and records it.
type limitRetriever struct {
	docs  []domain.Document
	limit atomic.Int32
}

func (r *limitRetriever) Retrieve(_ context.Context, _ string, limit int) []domain.Document {
	r.limit.Store(int32(limit))
	if limit < len(r.docs) {
		return r.docs[:limit]
	}
	return r.docs
}
