package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mesh-assistant/internal/domain"
)

const (
	defaultHotCapacity = 20
	defaultHotTTL      = 30 * time.Minute
	// sweepEvery triggers a full sweep on every Nth write.
	sweepEvery = 10
)

type hotItem struct {
	turn      domain.ConversationTurn
	expiresAt time.Time
}

// hotBuffer holds one user's recent turns, oldest first.
type hotBuffer struct {
	mu    sync.Mutex
	items []hotItem
	// dead is set once the buffer has been dropped from the map; writers that
	// raced with the drop must fetch a fresh buffer.
	dead bool
}

func (b *hotBuffer) evictExpired(now time.Time) {
	keep := b.items[:0]
	for _, it := range b.items {
		if now.Before(it.expiresAt) {
			keep = append(keep, it)
		}
	}
	for i := len(keep); i < len(b.items); i++ {
		b.items[i] = hotItem{}
	}
	b.items = keep
}

// Hot is the in-process tier: a bounded per-user ring buffer with TTL.
// Each user's buffer has its own lock.
type Hot struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	users  sync.Map // userID -> *hotBuffer
	writes atomic.Uint64
}

type HotOption func(*Hot)

func WithHotCapacity(n int) HotOption {
	return func(h *Hot) {
		if n > 0 {
			h.capacity = n
		}
	}
}

func WithHotTTL(d time.Duration) HotOption {
	return func(h *Hot) {
		if d > 0 {
			h.ttl = d
		}
	}
}

func WithHotClock(now func() time.Time) HotOption {
	return func(h *Hot) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHot(opts ...HotOption) *Hot {
	h := &Hot{capacity: defaultHotCapacity, ttl: defaultHotTTL, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hot) Level() domain.Tier { return domain.TierHot }
func (h *Hot) Backend() string    { return "memory" }
func (h *Hot) Available() bool    { return true }

// lock returns the locked live buffer for userID.
func (h *Hot) lock(userID string) *hotBuffer {
	for {
		v, _ := h.users.LoadOrStore(userID, &hotBuffer{})
		b := v.(*hotBuffer)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// peek returns the locked buffer for userID, or nil if the user has none.
func (h *Hot) peek(userID string) *hotBuffer {
	v, ok := h.users.Load(userID)
	if !ok {
		return nil
	}
	b := v.(*hotBuffer)
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return nil
	}
	return b
}

func (h *Hot) Save(_ context.Context, turn domain.ConversationTurn) error {
	if turn.UserID == "" || turn.ID == "" {
		return errors.New("memory: hot Save: user ID and turn ID are required")
	}
	ttl := h.ttl
	if turn.TTL > 0 && turn.TTL < ttl {
		ttl = turn.TTL
	}
	turn.TierOrigin = domain.TierHot
	now := h.now()

	b := h.lock(turn.UserID)
	b.evictExpired(now)
	if len(b.items) >= h.capacity {
		drop := len(b.items) - h.capacity + 1
		copy(b.items, b.items[drop:])
		for i := len(b.items) - drop; i < len(b.items); i++ {
			b.items[i] = hotItem{}
		}
		b.items = b.items[:len(b.items)-drop]
	}
	b.items = append(b.items, hotItem{turn: turn, expiresAt: now.Add(ttl)})
	b.mu.Unlock()

	if h.writes.Add(1)%sweepEvery == 0 {
		h.Sweep()
	}
	return nil
}

func (h *Hot) Search(_ context.Context, q domain.HistoryQuery) ([]domain.ConversationTurn, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	b := h.peek(q.UserID)
	if b == nil {
		return nil, nil
	}
	b.evictExpired(h.now())
	out := make([]domain.ConversationTurn, 0, min(q.Limit, len(b.items)))
	for i := len(b.items) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if q.Matches(b.items[i].turn.Timestamp) {
			out = append(out, b.items[i].turn)
		}
	}
	b.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (h *Hot) Load(_ context.Context, userID, turnID string) (domain.ConversationTurn, error) {
	b := h.peek(userID)
	if b == nil {
		return domain.ConversationTurn{}, ErrNotFound
	}
	defer b.mu.Unlock()
	b.evictExpired(h.now())
	for _, it := range b.items {
		if it.turn.ID == turnID {
			return it.turn, nil
		}
	}
	return domain.ConversationTurn{}, ErrNotFound
}

func (h *Hot) Delete(_ context.Context, userID, turnID string) error {
	b := h.peek(userID)
	if b == nil {
		return ErrNotFound
	}
	defer b.mu.Unlock()
	for i, it := range b.items {
		if it.turn.ID == turnID {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Sweep drops expired items and releases buffers that became empty.
func (h *Hot) Sweep() {
	now := h.now()
	h.users.Range(func(k, v any) bool {
		b := v.(*hotBuffer)
		b.mu.Lock()
		b.evictExpired(now)
		if len(b.items) == 0 && !b.dead {
			b.dead = true
			h.users.CompareAndDelete(k, b)
		}
		b.mu.Unlock()
		return true
	})
}

// Users reports how many users currently hold buffered turns.
func (h *Hot) Users() int {
	n := 0
	h.users.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
