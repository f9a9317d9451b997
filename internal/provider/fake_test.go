package provider

import (
	"context"
	"sync"
)

// fakeProvider returns the queued results in order, then repeats the last one.
type fakeProvider struct {
	name      string
	available bool

	mu      sync.Mutex
	errs    []error
	text    string
	calls   int
	onCall  func(ctx context.Context)
	inPeak  int
	inNow   int
	blockCh chan struct{}
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Available() bool { return f.available }

func (f *fakeProvider) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	if i >= len(f.errs) {
		i = len(f.errs) - 1
	}
	return f.errs[i]
}

func (f *fakeProvider) Generate(ctx context.Context, _ Request) (Answer, error) {
	f.mu.Lock()
	f.inNow++
	if f.inNow > f.inPeak {
		f.inPeak = f.inNow
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inNow--
		f.mu.Unlock()
	}()

	if f.onCall != nil {
		f.onCall(ctx)
	}
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return Answer{}, ctx.Err()
		}
	}
	if err := f.next(); err != nil {
		return Answer{}, err
	}
	return Answer{Text: f.text}, nil
}

func (f *fakeProvider) Embed(ctx context.Context, _ string) ([]float32, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return []float32{1, 0}, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// statusErr is an upstream error carrying an HTTP status.
type statusErr int

func (s statusErr) Error() string       { return "upstream status" }
func (s statusErr) HTTPStatusCode() int { return int(s) }
