package provider

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type offloaded struct {
	Provider
	sem *semaphore.Weighted
}

// Offload bounds the number of concurrent calls into p to workers. Callers
// beyond the bound wait for a slot or for ctx to end, so a slow blocking
// backend cannot pile up unbounded in-flight requests.
func Offload(p Provider, workers int64) Provider {
	if workers <= 0 {
		return p
	}
	return &offloaded{Provider: p, sem: semaphore.NewWeighted(workers)}
}

func (o *offloaded) Generate(ctx context.Context, req Request) (Answer, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return Answer{}, NewError(o.Name(), err)
	}
	defer o.sem.Release(1)
	return o.Provider.Generate(ctx, req)
}

func (o *offloaded) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, NewError(o.Name(), err)
	}
	defer o.sem.Release(1)
	return o.Provider.Embed(ctx, text)
}
