package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mesh-assistant/internal/domain"
	"mesh-assistant/internal/learning"
	"mesh-assistant/internal/memory"
	"mesh-assistant/internal/provider"
)

func newTestBrain(t *testing.T, opts ...Option) (*Brain, *memory.Manager, *learning.Engine) {
	t.Helper()
	mgr, err := memory.NewManager(memory.NewHot())
	require.NoError(t, err)
	engine := learning.NewEngine()
	opts = append([]Option{WithLearner(engine), WithLogger(zerolog.Nop())}, opts...)
	b, err := New(mgr, opts...)
	require.NoError(t, err)
	return b, mgr, engine
}

func TestNew_RequiresMemory(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestThink_PrimaryAnswers(t *testing.T) {
	primary := &fakeProvider{name: "openai", text: "Seu saldo atual é de R$ 1.200,00.", usage: domain.Usage{TotalTokens: 42}}
	fallback := &fakeProvider{name: "anthropic", text: "unused"}
	b, mgr, _ := newTestBrain(t, WithPrimary(primary), WithFallback(fallback))

	res := b.Think(context.Background(), "u1", "Qual é o meu saldo?", "teams")

	require.Equal(t, primary.text, res.Response)
	require.Equal(t, "openai", res.Metadata.Provider)
	require.Equal(t, UsedPrimary, res.Metadata.ProviderUsed)
	require.Equal(t, []domain.ProviderAttempt{{Provider: "openai", Status: domain.AttemptSuccess}}, res.Metadata.Attempts)
	require.Equal(t, 42, res.Metadata.Usage.TotalTokens)
	require.Equal(t, "teams", res.Metadata.Channel)
	require.False(t, res.Metadata.Error)
	require.InDelta(t, ScoreConfidence(primary.text), res.Metadata.Confidence, 1e-9)
	require.Contains(t, res.Metadata.ContextKeysUsed, "user_profile")
	require.NotEmpty(t, res.Metadata.TurnID)
	require.Zero(t, fallback.calls.Load())

	req := primary.request()
	require.Equal(t, DefaultSystemPrompt, req.System)
	require.True(t, strings.HasSuffix(req.Prompt, "### Current message ###\nQual é o meu saldo?"))

	history, err := mgr.GetConversationHistory(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, res.Metadata.TurnID, history[0].ID)
	require.Equal(t, UsedPrimary, history[0].Metadata.ProviderUsed)
	require.Equal(t, "teams", history[0].Metadata.Channel)
}

func TestThink_ReportsProviderNameNotResponseID(t *testing.T) {
	primary := &fakeProvider{name: "openai", text: "Seu saldo atual é de R$ 1.200,00.", responseID: "chatcmpl-123"}
	b, mgr, _ := newTestBrain(t, WithPrimary(primary))

	res := b.Think(context.Background(), "u1", "Qual é o meu saldo?", "")
	require.Equal(t, "openai", res.Metadata.Provider)
	require.Equal(t, []domain.ProviderAttempt{{Provider: "openai", Status: domain.AttemptSuccess}}, res.Metadata.Attempts)

	primary.responseID = "chatcmpl-456"
	b.Think(context.Background(), "u1", "E o extrato?", "")

	history, err := mgr.GetConversationHistory(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, turn := range history {
		require.Equal(t, "openai", turn.Metadata.Provider)
	}

	insights, err := b.GetUserInsights(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"openai": 2}, insights.History.Providers)
}

func TestThink_PrimaryTimeoutFallsBack(t *testing.T) {
	policy := provider.Policy{Timeout: 20 * time.Millisecond, MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	primary := &fakeProvider{name: "openai", block: true}
	fallback := &fakeProvider{name: "anthropic", text: "Claro! Aqui está o resumo das despesas do mês passado.", responseID: "msg_01"}
	b, _, _ := newTestBrain(t,
		WithPrimary(provider.WithResilience(primary, policy, zerolog.Nop())),
		WithFallback(fallback),
	)

	res := b.Think(context.Background(), "u1", "Resumo das despesas", "")

	require.Equal(t, UsedFallback, res.Metadata.ProviderUsed)
	require.Equal(t, "anthropic", res.Metadata.Provider)
	require.Len(t, res.Metadata.Attempts, 2)
	require.Equal(t, domain.AttemptFailed, res.Metadata.Attempts[0].Status)
	require.Equal(t, "openai", res.Metadata.Attempts[0].Provider)
	require.Equal(t, string(provider.KindTimeout), res.Metadata.Attempts[0].Kind)
	require.Equal(t, domain.AttemptSuccess, res.Metadata.Attempts[1].Status)
	require.Equal(t, "anthropic", res.Metadata.Attempts[1].Provider)
	require.Equal(t, DefaultChannel, res.Metadata.Channel)
	require.EqualValues(t, 2, primary.calls.Load())
}

func TestThink_AuthFailureSkipsRetries(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: &provider.Error{Provider: "openai", Kind: provider.KindAuth, Err: errors.New("invalid key")}}
	fallback := &fakeProvider{name: "anthropic", text: "Resposta do provedor secundário."}
	b, _, _ := newTestBrain(t,
		WithPrimary(provider.WithResilience(primary, provider.DefaultPolicy(time.Second), zerolog.Nop())),
		WithFallback(fallback),
	)

	res := b.Think(context.Background(), "u1", "Olá, tudo bem?", "")

	require.Equal(t, UsedFallback, res.Metadata.ProviderUsed)
	require.Equal(t, "auth", res.Metadata.Attempts[0].Kind)
	require.EqualValues(t, 1, primary.calls.Load())
}

func TestThink_StaticGreetingWhenProvidersUnavailable(t *testing.T) {
	primary := &fakeProvider{name: "openai", down: true}
	fallback := &fakeProvider{name: "anthropic", down: true}
	b, mgr, _ := newTestBrain(t, WithPrimary(primary), WithFallback(fallback))

	res := b.Think(context.Background(), "u1", "Oi, bom dia!", "http")

	require.Equal(t, provider.StaticGreeting, res.Response)
	require.Equal(t, UsedStatic, res.Metadata.ProviderUsed)
	require.Equal(t, provider.StaticName, res.Metadata.Provider)
	require.Equal(t, 0.2, res.Metadata.Confidence)
	require.False(t, res.Metadata.Error)
	require.Empty(t, res.Metadata.Attempts)
	require.Zero(t, primary.calls.Load()+fallback.calls.Load())

	history, err := mgr.GetConversationHistory(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestThink_ApologyWhenEverythingFails(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: errors.New("connection reset")}
	fallback := &fakeProvider{name: "anthropic", text: "   "}
	b, _, _ := newTestBrain(t, WithPrimary(primary), WithFallback(fallback))

	res := b.Think(context.Background(), "u1", "Qual o faturamento de março?", "http")

	require.Equal(t, provider.StaticApology, res.Response)
	require.Equal(t, UsedNone, res.Metadata.ProviderUsed)
	require.True(t, res.Metadata.Error)
	require.Equal(t, 0.2, res.Metadata.Confidence)
	require.Len(t, res.Metadata.Attempts, 2)
	require.Equal(t, "empty response", res.Metadata.Attempts[1].Error)
}

func TestThink_ProviderPanicFallsThrough(t *testing.T) {
	primary := &fakeProvider{name: "openai", panicMsg: "nil map"}
	fallback := &fakeProvider{name: "anthropic", text: "Tudo certo por aqui, posso ajudar com os relatórios."}
	b, _, _ := newTestBrain(t, WithPrimary(primary), WithFallback(fallback))

	res := b.Think(context.Background(), "u1", "Oi", "")

	require.Equal(t, UsedFallback, res.Metadata.ProviderUsed)
	require.Contains(t, res.Metadata.Attempts[0].Error, "provider panic")
}

func TestThink_NeverPanics(t *testing.T) {
	primary := &fakeProvider{name: "openai", text: "Resposta normal para a pergunta."}
	b, err := New(panicMemory{}, WithPrimary(primary), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	var res Result
	require.NotPanics(t, func() {
		res = b.Think(context.Background(), "u1", "Oi", "")
	})
	require.Equal(t, primary.text, res.Response)
	require.Empty(t, res.Metadata.ContextKeysUsed)
	require.False(t, res.Metadata.Error)
}

func TestThink_InvalidInputIsApology(t *testing.T) {
	b, _, _ := newTestBrain(t)
	res := b.Think(context.Background(), " ", "oi", "")
	require.True(t, res.Metadata.Error)
	require.Equal(t, provider.StaticApology, res.Response)
}

func TestThink_CancelledCallerStillPersists(t *testing.T) {
	primary := &fakeProvider{name: "openai", text: "never called"}
	b, mgr, _ := newTestBrain(t, WithPrimary(primary))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := b.Think(ctx, "u1", "olá", "")

	require.Equal(t, provider.StaticGreeting, res.Response)
	require.Zero(t, primary.calls.Load())
	history, err := mgr.GetConversationHistory(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestThink_UsesHistoryPatternsAndDocuments(t *testing.T) {
	primary := &fakeProvider{name: "openai", text: "Como você mencionou anteriormente, o relatório de vendas está pronto."}
	docs := fixedRetriever{{Source: "vendas.md", Content: "Relatórios de vendas são gerados toda segunda.", Relevance: 0.9}}
	b, _, engine := newTestBrain(t, WithPrimary(primary), WithRetriever(docs))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Think(ctx, "u1", "Pode gerar o relatório de vendas?", "")
	}

	req := primary.request()
	require.Contains(t, req.Prompt, "### Previous conversation (most recent first) ###")
	require.Contains(t, req.Prompt, "Recurring question")
	require.Contains(t, req.Prompt, "[vendas.md] Relatórios de vendas")
	require.Contains(t, req.Prompt, "### Instructions ###")

	profile, err := engine.GetOrCreateProfile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 3, profile.TotalInteractions)
	require.NotEmpty(t, engine.RecentPatterns("u1"))
}

func TestThink_DocumentLimit(t *testing.T) {
	docs := &limitRetriever{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		docs.docs = append(docs.docs, domain.Document{Source: name + ".md", Content: "conteúdo " + name, Relevance: 0.5})
	}

	primary := &fakeProvider{name: "openai", text: "Os documentos foram consultados."}
	b, _, _ := newTestBrain(t, WithPrimary(primary), WithRetriever(docs), WithDocuments(4))
	b.Think(context.Background(), "u1", "Quais documentos existem?", "")

	require.EqualValues(t, 4, docs.limit.Load())
	prompt := primary.request().Prompt
	require.Contains(t, prompt, "[d.md]")
	require.NotContains(t, prompt, "[e.md]")

	primary = &fakeProvider{name: "openai", text: "Os documentos foram consultados."}
	b, _, _ = newTestBrain(t, WithPrimary(primary), WithRetriever(docs))
	b.Think(context.Background(), "u1", "Quais documentos existem?", "")

	require.EqualValues(t, DefaultDocuments, docs.limit.Load())
	require.Contains(t, primary.request().Prompt, "[c.md]")
	require.NotContains(t, primary.request().Prompt, "[d.md]")
}

func TestGetUserInsights(t *testing.T) {
	primary := &fakeProvider{name: "openai", text: "Aqui está o status do pedido que você pediu."}
	b, _, _ := newTestBrain(t, WithPrimary(primary))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Think(ctx, "u1", "qual o status do pedido", "teams")
	}

	_, err := b.GetUserInsights(ctx, "")
	require.ErrorIs(t, err, ErrUserRequired)

	in, err := b.GetUserInsights(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", in.UserID)
	require.Equal(t, 3, in.Profile.TotalInteractions)
	require.InDelta(t, 0.3, in.ProfileConfidence, 1e-9)
	require.Equal(t, 3, in.History.Turns)
	require.Equal(t, map[string]int{"teams": 3}, in.History.Channels)
	require.Equal(t, map[string]int{"openai": 3}, in.History.Providers)
	require.Equal(t, map[string]int{"hot": 3}, in.History.Tiers)
	require.NotNil(t, in.History.FirstAt)

	var recurring bool
	for _, p := range in.Patterns {
		if p.Type == domain.PatternRecurringQuestion {
			recurring = true
			require.Equal(t, 3, p.Occurrences)
		}
	}
	require.True(t, recurring, fmt.Sprintf("patterns: %+v", in.Patterns))
}

func TestDiagnostics(t *testing.T) {
	b, _, _ := newTestBrain(t,
		WithPrimary(&fakeProvider{name: "openai", down: true}),
		WithFallback(&fakeProvider{name: "anthropic"}),
	)

	d := b.Diagnostics()
	require.Equal(t, domain.HealthDegraded, d.Memory.Health)
	require.Equal(t, domain.HealthDegraded, b.GetMemoryStats().Health)
	require.NotNil(t, d.Learning)
	require.Equal(t, []ProviderStatus{
		{Role: UsedPrimary, Name: "openai", Available: false},
		{Role: UsedFallback, Name: "anthropic", Available: true},
		{Role: UsedStatic, Name: provider.StaticName, Available: true},
	}, d.Providers)
}
