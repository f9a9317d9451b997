package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mesh-assistant/internal/domain"
)

func newTestManager(t *testing.T, clk *clock, opts ...ManagerOption) *Manager {
	t.Helper()
	hot := NewHot(WithHotClock(clk.Now))
	opts = append([]ManagerOption{WithClock(clk.Now), WithLogger(zerolog.Nop())}, opts...)
	m, err := NewManager(hot, opts...)
	require.NoError(t, err)
	return m
}

func scoredTurn(user, id string, ts time.Time, confidence float64) domain.ConversationTurn {
	turn := turnAt(user, id, ts)
	turn.Metadata.Confidence = confidence
	return turn
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(nil)
	require.Error(t, err)

	_, err = NewManager(NewHot(), WithWarm(newFakeTier(domain.TierCold)))
	require.ErrorContains(t, err, "warm slot")
}

func TestSaveConversation_RoutesByConfidence(t *testing.T) {
	clk := newClock()
	warm, cold := newFakeTier(domain.TierWarm), newFakeTier(domain.TierCold)
	m := newTestManager(t, clk, WithWarm(warm), WithCold(cold))
	ctx := context.Background()

	require.NoError(t, m.SaveConversation(ctx, scoredTurn("u1", "low", clk.Now(), 0.8)))
	require.NoError(t, m.SaveConversation(ctx, scoredTurn("u1", "high", clk.Now(), 0.81)))

	warmSaves, _, _ := warm.counts()
	coldSaves, _, _ := cold.counts()
	require.Equal(t, 2, warmSaves)
	require.Equal(t, 1, coldSaves)
	require.Equal(t, "high", cold.turns[0].ID)
	require.Equal(t, DefaultPolicy().ColdRetention, cold.turns[0].TTL)
	require.Equal(t, DefaultPolicy().WarmRetention, warm.turns[0].TTL)
}

func TestSaveConversation_ReadAfterWriteFromHot(t *testing.T) {
	clk := newClock()
	warm := newFakeTier(domain.TierWarm)
	m := newTestManager(t, clk, WithWarm(warm))
	ctx := context.Background()

	turn := scoredTurn("u1", "", time.Time{}, 0.5)
	require.NoError(t, m.SaveConversation(ctx, turn))

	got, err := m.GetConversationHistory(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotEmpty(t, got[0].ID)
	require.Equal(t, domain.TierHot, got[0].TierOrigin)
	require.True(t, got[0].Timestamp.Equal(clk.Now()))
}

func TestSaveConversation_SucceedsWhenOnlyHotAccepts(t *testing.T) {
	clk := newClock()
	warm, cold := newFakeTier(domain.TierWarm), newFakeTier(domain.TierCold)
	warm.saveErr = errors.New("throttled")
	cold.down = true
	m := newTestManager(t, clk, WithWarm(warm), WithCold(cold))

	require.NoError(t, m.SaveConversation(context.Background(), scoredTurn("u1", "a", clk.Now(), 0.95)))
	coldSaves, _, _ := cold.counts()
	require.Zero(t, coldSaves)
}

func TestSaveConversation_FailsWhenNoTierAccepts(t *testing.T) {
	clk := newClock()
	warm := newFakeTier(domain.TierWarm)
	warm.saveErr = errors.New("throttled")
	m := newTestManager(t, clk, WithWarm(warm))

	// A turn without a user partition is accepted by no tier.
	err := m.SaveConversation(context.Background(), domain.ConversationTurn{UserID: " "})
	require.ErrorIs(t, err, ErrNoTierAccepted)
}

type panickyTier struct{ *fakeTier }

func (p panickyTier) Save(context.Context, domain.ConversationTurn) error { panic("boom") }

func TestSaveConversation_TierPanicIsContained(t *testing.T) {
	clk := newClock()
	m := newTestManager(t, clk, WithWarm(panickyTier{newFakeTier(domain.TierWarm)}))
	require.NotPanics(t, func() {
		require.NoError(t, m.SaveConversation(context.Background(), scoredTurn("u1", "a", clk.Now(), 0.5)))
	})
}

func TestGetConversationHistory_StopsBeforeColdWhenSatisfied(t *testing.T) {
	clk := newClock()
	warm, cold := newFakeTier(domain.TierWarm), newFakeTier(domain.TierCold)
	m := newTestManager(t, clk, WithWarm(warm), WithCold(cold))
	ctx := context.Background()

	base := clk.Now()
	require.NoError(t, m.hot.Save(ctx, turnAt("u1", "h1", base.Add(3*time.Minute))))
	warm.turns = []domain.ConversationTurn{
		turnAt("u1", "h1", base.Add(3*time.Minute)),
		turnAt("u1", "w1", base.Add(2*time.Minute)),
		turnAt("u1", "w2", base.Add(time.Minute)),
	}
	cold.turns = []domain.ConversationTurn{turnAt("u1", "c1", base)}

	got, err := m.GetConversationHistory(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"h1", "w1", "w2"}, []string{got[0].ID, got[1].ID, got[2].ID})
	require.Equal(t, domain.TierHot, got[0].TierOrigin)
	_, coldQueries, _ := cold.counts()
	require.Zero(t, coldQueries)

	got, err = m.GetConversationHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "c1", got[3].ID)
	_, coldQueries, _ = cold.counts()
	require.Equal(t, 1, coldQueries)
}

func TestGetConversationHistory_SkipsFailingTiers(t *testing.T) {
	clk := newClock()
	warm, cold := newFakeTier(domain.TierWarm), newFakeTier(domain.TierCold)
	warm.findErr = errors.New("dynamodb down")
	cold.turns = []domain.ConversationTurn{turnAt("u1", "c1", clk.Now())}
	m := newTestManager(t, clk, WithWarm(warm), WithCold(cold))

	got, err := m.GetConversationHistory(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c1", got[0].ID)
}

func TestGetConversationHistory_NeverExceedsLimit(t *testing.T) {
	clk := newClock()
	m := newTestManager(t, clk)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, m.SaveConversation(ctx, scoredTurn("u1", fmt.Sprint(i), clk.Now().Add(time.Duration(i)*time.Second), 0.5)))
	}
	for _, limit := range []int{0, 1, 3, 7, 20} {
		got, err := m.GetConversationHistory(ctx, "u1", limit)
		require.NoError(t, err)
		require.LessOrEqual(t, len(got), limit)
	}
}

func TestGetConversationHistory_HotTurnExpiresAfterTTL(t *testing.T) {
	clk := newClock()
	m := newTestManager(t, clk)
	ctx := context.Background()

	require.NoError(t, m.SaveConversation(ctx, scoredTurn("u1", "a", clk.Now(), 0.5)))
	clk.Advance(31 * time.Minute)

	got, err := m.GetConversationHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGetConversationHistory_PartitionIsolation(t *testing.T) {
	clk := newClock()
	warm, cold := newFakeTier(domain.TierWarm), newFakeTier(domain.TierCold)
	m := newTestManager(t, clk, WithWarm(warm), WithCold(cold))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.SaveConversation(ctx, scoredTurn("u1", fmt.Sprint(i), clk.Now(), 0.95)))
	}

	got, err := m.GetConversationHistory(ctx, "u2", 10)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = m.GetConversationHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, got, 5)
}

func TestUserContext(t *testing.T) {
	clk := newClock()
	warm := newFakeTier(domain.TierWarm)
	contexts := &fakeContexts{}
	m := newTestManager(t, clk, WithWarm(warm), WithContextStore(contexts))
	ctx := context.Background()

	require.Empty(t, m.GetUserContext(ctx, "u1"))
	require.NoError(t, m.UpdateUserContext(ctx, "u1", map[string]string{"language": "pt"}))
	require.NoError(t, m.UpdateUserContext(ctx, "u1", map[string]string{"tone": "formal"}))
	require.NoError(t, m.UpdateUserContext(ctx, "u1", map[string]string{"tone": "formal"}))
	require.Equal(t, map[string]string{"language": "pt", "tone": "formal"}, m.GetUserContext(ctx, "u1"))
	require.Equal(t, 2, contexts.saves)

	contexts.err = errors.New("boom")
	require.Empty(t, m.GetUserContext(ctx, "u1"))

	warm.down = true
	contexts.err = nil
	require.Empty(t, m.GetUserContext(ctx, "u1"))
}

func TestUserContext_NoStore(t *testing.T) {
	m := newTestManager(t, newClock())
	require.Empty(t, m.GetUserContext(context.Background(), "u1"))
	require.ErrorIs(t, m.UpdateUserContext(context.Background(), "u1", map[string]string{"a": "b"}), ErrUnavailable)
}

func TestStats(t *testing.T) {
	clk := newClock()
	m := newTestManager(t, clk)
	stats := m.Stats()
	require.Equal(t, domain.HealthDegraded, stats.Health)
	require.NotEmpty(t, stats.Warning)
	require.Equal(t, domain.TierStatus{Available: true, Backend: "memory"}, stats.Tiers["hot"])

	warm := newFakeTier(domain.TierWarm)
	m = newTestManager(t, clk, WithWarm(warm), WithCold(newFakeTier(domain.TierCold)))
	stats = m.Stats()
	require.Equal(t, domain.HealthHealthy, stats.Health)
	require.Len(t, stats.Tiers, 3)

	warm.down = true
	stats = m.Stats()
	require.Equal(t, domain.HealthDegraded, stats.Health)
	require.False(t, stats.Tiers["warm"].Available)
}

func TestRun_SweepsAndPingsUntilCancelled(t *testing.T) {
	clk := newClock()
	warm := newFakeTier(domain.TierWarm)
	policy := DefaultPolicy()
	policy.SweepInterval = 5 * time.Millisecond
	m := newTestManager(t, clk, WithWarm(warm), WithPolicy(policy))

	require.NoError(t, m.hot.Save(context.Background(), turnAt("u1", "a", clk.Now())))
	clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, _, pings := warm.counts()
		return pings > 0 && m.hot.Users() == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
