package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"mesh-assistant/internal/domain"
)

// fakeTier is an in-memory Tier with switchable availability and failures.
type fakeTier struct {
	level   domain.Tier
	mu      sync.Mutex
	turns   []domain.ConversationTurn
	down    bool
	saveErr error
	findErr error
	saves   int
	queries int
	pings   int
}

func newFakeTier(level domain.Tier) *fakeTier { return &fakeTier{level: level} }

func (f *fakeTier) Level() domain.Tier { return f.level }
func (f *fakeTier) Backend() string    { return "fake-" + f.level.String() }

func (f *fakeTier) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *fakeTier) Save(_ context.Context, turn domain.ConversationTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	turn.TierOrigin = f.level
	f.turns = append(f.turns, turn)
	return nil
}

func (f *fakeTier) Search(_ context.Context, q domain.HistoryQuery) ([]domain.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []domain.ConversationTurn
	for _, t := range f.turns {
		if t.UserID == q.UserID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeTier) Load(_ context.Context, userID, turnID string) (domain.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.turns {
		if t.UserID == userID && t.ID == turnID {
			return t, nil
		}
	}
	return domain.ConversationTurn{}, ErrNotFound
}

func (f *fakeTier) Delete(context.Context, string, string) error { return nil }

func (f *fakeTier) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.down {
		return errors.New("unreachable")
	}
	return nil
}

func (f *fakeTier) counts() (saves, queries, pings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves, f.queries, f.pings
}

// fakeContexts is an in-memory ContextStore.
type fakeContexts struct {
	mu    sync.Mutex
	docs  map[string]map[string]string
	err   error
	saves int
}

func (f *fakeContexts) LoadUserContext(_ context.Context, userID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for k, v := range f.docs[userID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeContexts) SaveUserContext(_ context.Context, userID string, prefs map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.docs == nil {
		f.docs = map[string]map[string]string{}
	}
	f.saves++
	f.docs[userID] = prefs
	return nil
}
