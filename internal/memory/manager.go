package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mesh-assistant/internal/domain"
)

// Policy holds tier retention and archival rules.
type Policy struct {
	HotRetention  time.Duration
	WarmRetention time.Duration
	ColdRetention time.Duration
	// ArchiveThreshold is the confidence a turn must exceed to reach COLD.
	ArchiveThreshold float64
	SweepInterval    time.Duration
	// PingTimeout bounds each tier health check in Run.
	PingTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		HotRetention:     30 * time.Minute,
		WarmRetention:    7 * 24 * time.Hour,
		ColdRetention:    90 * 24 * time.Hour,
		ArchiveThreshold: 0.8,
		SweepInterval:    time.Minute,
		PingTimeout:      5 * time.Second,
	}
}

const warningWarmUnavailable = "warm tier unavailable: history is limited to this process"

// Manager is the tiered conversation store. HOT is always present; WARM and
// COLD are optional and skipped while unavailable.
type Manager struct {
	hot      *Hot
	warm     Tier
	cold     Tier
	contexts ContextStore
	policy   Policy
	now      func() time.Time
	log      zerolog.Logger
}

type ManagerOption func(*Manager)

func WithWarm(t Tier) ManagerOption {
	return func(m *Manager) { m.warm = t }
}

func WithCold(t Tier) ManagerOption {
	return func(m *Manager) { m.cold = t }
}

// WithContextStore sets where user preference documents live, normally the WARM tier.
func WithContextStore(cs ContextStore) ManagerOption {
	return func(m *Manager) { m.contexts = cs }
}

func WithPolicy(p Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(hot *Hot, opts ...ManagerOption) (*Manager, error) {
	if hot == nil {
		return nil, errors.New("memory: hot tier must not be nil")
	}
	m := &Manager{hot: hot, policy: DefaultPolicy(), now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	if m.warm != nil && m.warm.Level() != domain.TierWarm {
		return nil, fmt.Errorf("memory: warm slot given a %s tier", m.warm.Level())
	}
	if m.cold != nil && m.cold.Level() != domain.TierCold {
		return nil, fmt.Errorf("memory: cold slot given a %s tier", m.cold.Level())
	}
	return m, nil
}

// tiers returns the registered tiers in search order.
func (m *Manager) tiers() []Tier {
	out := []Tier{m.hot}
	if m.warm != nil {
		out = append(out, m.warm)
	}
	if m.cold != nil {
		out = append(out, m.cold)
	}
	return out
}

// SaveConversation writes turn to HOT, to WARM when available and to COLD
// when available and the turn's confidence exceeds the archive threshold.
// HOT is written first so the turn is readable as soon as this returns;
// WARM and COLD are written concurrently. It returns nil if any tier
// accepted the turn.
func (m *Manager) SaveConversation(ctx context.Context, turn domain.ConversationTurn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("user_id", turn.UserID).Msg("save conversation panicked")
			err = fmt.Errorf("%w: panic: %v", ErrNoTierAccepted, r)
		}
	}()

	if strings.TrimSpace(turn.UserID) == "" {
		return fmt.Errorf("%w: user ID is required", ErrNoTierAccepted)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now()
	}
	turn.Timestamp = turn.Timestamp.UTC()

	log := m.log.With().Str("user_id", turn.UserID).Str("turn_id", turn.ID).Logger()
	var errs []error
	saved := 0

	hotTurn := turn
	hotTurn.TTL = m.policy.HotRetention
	if err := m.hot.Save(ctx, hotTurn); err != nil {
		log.Warn().Err(err).Str("tier", "hot").Msg("tier save failed")
		errs = append(errs, err)
	} else {
		saved++
	}

	type target struct {
		tier Tier
		ttl  time.Duration
	}
	var targets []target
	if m.warm != nil {
		if m.warm.Available() {
			targets = append(targets, target{m.warm, m.policy.WarmRetention})
		} else {
			log.Debug().Str("tier", "warm").Msg("tier unavailable; skipping")
		}
	}
	if m.cold != nil && turn.Metadata.Confidence > m.policy.ArchiveThreshold {
		if m.cold.Available() {
			targets = append(targets, target{m.cold, m.policy.ColdRetention})
		} else {
			log.Debug().Str("tier", "cold").Msg("tier unavailable; skipping")
		}
	}

	results := make([]error, len(targets))
	var g errgroup.Group
	for i, tg := range targets {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("memory: %s save panicked: %v", tg.tier.Level(), r)
				}
				results[i] = err
			}()
			t := turn
			t.TTL = tg.ttl
			return tg.tier.Save(ctx, t)
		})
	}
	_ = g.Wait()

	for i, err := range results {
		if err != nil {
			log.Warn().Err(err).Str("tier", targets[i].tier.Level().String()).Msg("tier save failed")
			errs = append(errs, err)
			continue
		}
		saved++
	}

	if saved == 0 {
		return errors.Join(append([]error{ErrNoTierAccepted}, errs...)...)
	}
	return nil
}

// GetConversationHistory returns up to limit turns of userID, newest first.
// Tiers are read in order HOT, WARM, COLD and later tiers are not consulted
// once limit distinct turns have been collected. Failing tiers are skipped.
func (m *Manager) GetConversationHistory(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 || strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	seen := make(map[string]struct{}, limit)
	merged := make([]domain.ConversationTurn, 0, limit)
	q := domain.HistoryQuery{UserID: userID, Limit: limit}

	for _, t := range m.tiers() {
		if len(merged) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !t.Available() {
			continue
		}
		turns, err := m.searchTier(ctx, t, q)
		if err != nil {
			m.log.Warn().Err(err).Str("tier", t.Level().String()).Str("user_id", userID).Msg("tier search failed")
			continue
		}
		for _, turn := range turns {
			if turn.UserID != userID {
				continue
			}
			if _, dup := seen[turn.ID]; dup {
				continue
			}
			seen[turn.ID] = struct{}{}
			merged = append(merged, turn)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.After(merged[j].Timestamp) })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (m *Manager) searchTier(ctx context.Context, t Tier, q domain.HistoryQuery) (turns []domain.ConversationTurn, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory: %s search panicked: %v", t.Level(), r)
		}
	}()
	return t.Search(ctx, q)
}

// GetUserContext returns the user's preferences document. Absence or an
// unavailable store yields an empty map.
func (m *Manager) GetUserContext(ctx context.Context, userID string) map[string]string {
	if m.contexts == nil || userID == "" || (m.warm != nil && !m.warm.Available()) {
		return map[string]string{}
	}
	prefs, err := m.contexts.LoadUserContext(ctx, userID)
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("load user context failed")
		return map[string]string{}
	}
	if prefs == nil {
		return map[string]string{}
	}
	return prefs
}

// UpdateUserContext merges prefs into the stored preferences document.
func (m *Manager) UpdateUserContext(ctx context.Context, userID string, prefs map[string]string) error {
	if m.contexts == nil {
		return fmt.Errorf("memory: UpdateUserContext: %w", ErrUnavailable)
	}
	if userID == "" {
		return errors.New("memory: UpdateUserContext: user ID is required")
	}
	if len(prefs) == 0 {
		return nil
	}
	current, err := m.contexts.LoadUserContext(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("memory: UpdateUserContext: %w", err)
	}
	merged := maps.Clone(current)
	if merged == nil {
		merged = make(map[string]string, len(prefs))
	}
	changed := false
	for k, v := range prefs {
		if merged[k] != v {
			merged[k] = v
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := m.contexts.SaveUserContext(ctx, userID, merged); err != nil {
		return fmt.Errorf("memory: UpdateUserContext: %w", err)
	}
	return nil
}

// Stats reports per-tier availability. Health is degraded unless a WARM tier
// is registered and available.
func (m *Manager) Stats() domain.MemoryStats {
	stats := domain.MemoryStats{Tiers: map[string]domain.TierStatus{}, Health: domain.HealthDegraded}
	for _, t := range m.tiers() {
		stats.Tiers[t.Level().String()] = domain.TierStatus{Available: t.Available(), Backend: t.Backend()}
	}
	if m.warm != nil && m.warm.Available() {
		stats.Health = domain.HealthHealthy
	} else {
		stats.Warning = warningWarmUnavailable
	}
	return stats
}

// Run sweeps the HOT tier and re-checks tier health every SweepInterval
// until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.policy.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.hot.Sweep()
			m.ping(ctx)
		}
	}
}

func (m *Manager) ping(ctx context.Context) {
	for _, t := range m.tiers() {
		p, ok := t.(Pinger)
		if !ok {
			continue
		}
		timeout := m.policy.PingTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		was := t.Available()
		err := p.Ping(pctx)
		cancel()
		switch {
		case err != nil && was:
			m.log.Warn().Err(err).Str("tier", t.Level().String()).Msg("tier health check failed")
		case err == nil && !was:
			m.log.Info().Str("tier", t.Level().String()).Msg("tier recovered")
		}
	}
}
