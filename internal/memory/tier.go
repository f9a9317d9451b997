// Package memory implements the tiered conversation store: an in-process HOT
// tier, and a Manager that fans writes out to the HOT, WARM and COLD tiers and
// merges reads back in tier order.
package memory

import (
	"context"
	"errors"

	"mesh-assistant/internal/domain"
)

var (
	// ErrNotFound is returned by Load when the turn does not exist in a tier.
	ErrNotFound = domain.ErrNotFound
	// ErrNoTierAccepted is returned by SaveConversation when every write failed.
	ErrNoTierAccepted = errors.New("memory: no tier accepted the turn")
	// ErrUnavailable is returned by tiers that are registered but cannot serve.
	ErrUnavailable = errors.New("memory: tier unavailable")
)

// Tier is one storage level of the conversation store. Every operation is
// scoped to a single user partition.
type Tier interface {
	Level() domain.Tier
	// Backend names the storage engine for diagnostics, e.g. "dynamodb".
	Backend() string
	Save(ctx context.Context, turn domain.ConversationTurn) error
	Load(ctx context.Context, userID, turnID string) (domain.ConversationTurn, error)
	// Search returns up to q.Limit turns of q.UserID, newest first.
	Search(ctx context.Context, q domain.HistoryQuery) ([]domain.ConversationTurn, error)
	Delete(ctx context.Context, userID, turnID string) error
	Available() bool
}

// Pinger is implemented by tiers whose availability is re-checked by Run.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ContextStore persists the per-user preferences document.
type ContextStore interface {
	LoadUserContext(ctx context.Context, userID string) (map[string]string, error)
	SaveUserContext(ctx context.Context, userID string, prefs map[string]string) error
}
