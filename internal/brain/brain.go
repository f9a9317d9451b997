// Package brain orchestrates one conversational turn, from context gathering
// through provider failover to persistence of the answered turn.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mesh-assistant/internal/domain"
	"mesh-assistant/internal/learning"
	"mesh-assistant/internal/provider"
)

const (
	DefaultHistoryWindow  = 20
	DefaultDocuments      = 3
	DefaultPersistTimeout = 10 * time.Second
	DefaultChannel        = "http"

	// ProviderUsed values.
	UsedPrimary  = "primary"
	UsedFallback = "fallback"
	UsedStatic   = "static"
	UsedNone     = "none"

	attemptErrorRunes = 100
)

// Memory is the tiered conversation store.
type Memory interface {
	SaveConversation(ctx context.Context, turn domain.ConversationTurn) error
	GetConversationHistory(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error)
	GetUserContext(ctx context.Context, userID string) map[string]string
	Stats() domain.MemoryStats
}

// Learner keeps user profiles and detects behavioral patterns.
type Learner interface {
	GetOrCreateProfile(ctx context.Context, userID string) (domain.UserProfile, error)
	LearnFromInteraction(ctx context.Context, in learning.Interaction) error
	PersonalizationHints(p domain.UserProfile) []string
	DetectPatterns(userID, message string, history []domain.ConversationTurn) []domain.Pattern
	AnalyzePatterns(userID, message string, history []domain.ConversationTurn) []domain.Pattern
	RecentPatterns(userID string) []domain.Pattern
	Stats() learning.Stats
}

// Retriever finds reference documents for a message.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) []domain.Document
}

// Result is the user-visible outcome of one turn.
type Result struct {
	Response string   `json:"response"`
	Metadata Metadata `json:"metadata"`
}

type Metadata struct {
	TurnID           string                   `json:"turnId,omitempty"`
	Provider         string                   `json:"provider"`
	ProviderUsed     string                   `json:"providerUsed"`
	Confidence       float64                  `json:"confidence"`
	Attempts         []domain.ProviderAttempt `json:"attempts"`
	ContextKeysUsed  []string                 `json:"contextKeysUsed"`
	Usage            domain.Usage             `json:"usage"`
	Channel          string                   `json:"channel"`
	Error            bool                     `json:"error"`
	ProcessingTimeMs int64                    `json:"processingTimeMs"`
}

type Brain struct {
	primary  provider.Provider
	fallback provider.Provider
	static   provider.Static

	memory    Memory
	learner   Learner
	retriever Retriever

	systemPrompt   string
	maxTokens      int
	temperature    float32
	historyWindow  int
	documents      int
	persistTimeout time.Duration
	now            func() time.Time
	newID          func() string
	log            zerolog.Logger
}

type Option func(*Brain)

func WithPrimary(p provider.Provider) Option {
	return func(b *Brain) { b.primary = p }
}

func WithFallback(p provider.Provider) Option {
	return func(b *Brain) { b.fallback = p }
}

func WithLearner(l Learner) Option {
	return func(b *Brain) { b.learner = l }
}

func WithRetriever(r Retriever) Option {
	return func(b *Brain) { b.retriever = r }
}

func WithSystemPrompt(s string) Option {
	return func(b *Brain) {
		if strings.TrimSpace(s) != "" {
			b.systemPrompt = s
		}
	}
}

func WithSampling(maxTokens int, temperature float32) Option {
	return func(b *Brain) {
		b.maxTokens = maxTokens
		b.temperature = temperature
	}
}

// WithHistoryWindow sets how many prior turns feed pattern detection.
func WithHistoryWindow(n int) Option {
	return func(b *Brain) {
		if n > 0 {
			b.historyWindow = n
		}
	}
}

// WithDocuments sets how many retrieved documents feed the prompt.
func WithDocuments(n int) Option {
	return func(b *Brain) {
		if n > 0 {
			b.documents = n
		}
	}
}

func WithPersistTimeout(d time.Duration) Option {
	return func(b *Brain) {
		if d > 0 {
			b.persistTimeout = d
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(b *Brain) { b.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(b *Brain) {
		if now != nil {
			b.now = now
		}
	}
}

func New(mem Memory, opts ...Option) (*Brain, error) {
	if mem == nil {
		return nil, errors.New("brain: memory must not be nil")
	}
	b := &Brain{
		memory:         mem,
		systemPrompt:   DefaultSystemPrompt,
		historyWindow:  DefaultHistoryWindow,
		documents:      DefaultDocuments,
		persistTimeout: DefaultPersistTimeout,
		now:            time.Now,
		newID:          uuid.NewString,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Think answers message for userID. It never fails: provider exhaustion
// degrades to a canned response and any panic becomes the apology with
// Metadata.Error set.
func (b *Brain) Think(ctx context.Context, userID, message, channel string) (res Result) {
	start := b.now()
	userID, message, channel = strings.TrimSpace(userID), strings.TrimSpace(message), strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	log := b.log.With().Str("user_id", userID).Str("channel", channel).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("turn failed")
			res = apologyResult(channel, res.Metadata.Attempts)
		}
		res.Metadata.ProcessingTimeMs = b.now().Sub(start).Milliseconds()
	}()

	if userID == "" || message == "" {
		return apologyResult(channel, nil)
	}

	tc := b.buildContext(ctx, userID, message, log)
	gen := b.generate(ctx, tc, message, log)

	confidence := ScoreConfidence(gen.text)
	if gen.used == UsedStatic || gen.failed {
		confidence = forcedConfidence
	}
	res = Result{
		Response: gen.text,
		Metadata: Metadata{
			TurnID:          b.newID(),
			Provider:        gen.provider,
			ProviderUsed:    gen.used,
			Confidence:      confidence,
			Attempts:        gen.attempts,
			ContextKeysUsed: tc.keys(),
			Usage:           gen.usage,
			Channel:         channel,
			Error:           gen.failed,
		},
	}

	b.record(ctx, userID, message, res, start, log)
	log.Info().Str("provider", gen.provider).Str("provider_used", gen.used).
		Float64("confidence", confidence).Int("attempts", len(gen.attempts)).Msg("turn answered")
	return res
}

func apologyResult(channel string, attempts []domain.ProviderAttempt) Result {
	return Result{
		Response: provider.StaticApology,
		Metadata: Metadata{
			Provider:     provider.StaticName,
			ProviderUsed: UsedNone,
			Confidence:   forcedConfidence,
			Attempts:     attempts,
			Channel:      channel,
			Error:        true,
		},
	}
}

// buildContext gathers history, preferences, profile and documents
// concurrently. Every source is optional; failures are logged and skipped.
func (b *Brain) buildContext(ctx context.Context, userID, message string, log zerolog.Logger) turnContext {
	var tc turnContext
	var g errgroup.Group
	gather := func(source string, fn func()) {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("source", source).Msg("context source failed")
				}
			}()
			fn()
			return nil
		})
	}

	gather("history", func() {
		history, err := b.memory.GetConversationHistory(ctx, userID, b.historyWindow)
		if err != nil {
			log.Warn().Err(err).Msg("history unavailable")
			return
		}
		tc.history = history
	})
	gather("user_context", func() {
		tc.preferences = b.memory.GetUserContext(ctx, userID)
	})
	if b.learner != nil {
		gather("profile", func() {
			p, err := b.learner.GetOrCreateProfile(ctx, userID)
			if err != nil {
				log.Warn().Err(err).Msg("profile unavailable")
				return
			}
			tc.profile = &p
		})
	}
	if b.retriever != nil {
		tc.docLimit = b.documents
		gather("documents", func() {
			tc.documents = b.retriever.Retrieve(ctx, message, b.documents)
		})
	}
	_ = g.Wait()

	if b.learner != nil {
		tc.patterns = b.learner.DetectPatterns(userID, message, tc.history)
		if tc.profile != nil {
			tc.hints = b.learner.PersonalizationHints(*tc.profile)
		}
	}
	log.Debug().Strs("context", tc.keys()).Msg("context built")
	return tc
}

type generation struct {
	text     string
	provider string
	used     string
	usage    domain.Usage
	attempts []domain.ProviderAttempt
	failed   bool
}

// generate tries primary then fallback, then the static provider.
func (b *Brain) generate(ctx context.Context, tc turnContext, message string, log zerolog.Logger) generation {
	req := provider.Request{
		System:      b.systemPrompt,
		Prompt:      buildPrompt(tc, message),
		Context:     map[string]any{"keys": tc.keys(), "message": message},
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
	}

	var gen generation
	for _, slot := range []struct {
		p    provider.Provider
		used string
	}{{b.primary, UsedPrimary}, {b.fallback, UsedFallback}} {
		if slot.p == nil || !slot.p.Available() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		ans, err := call(ctx, slot.p, req)
		if err == nil {
			name := slot.p.Name()
			log.Debug().Str("provider", name).Str("response_id", ans.ResponseID).Msg("provider answered")
			gen.attempts = append(gen.attempts, domain.ProviderAttempt{Provider: name, Status: domain.AttemptSuccess})
			gen.text, gen.provider, gen.used, gen.usage = ans.Text, name, slot.used, ans.Usage
			return gen
		}
		pe := provider.NewError(slot.p.Name(), err)
		log.Warn().Err(err).Str("provider", slot.p.Name()).Str("kind", string(pe.Kind)).Msg("provider failed")
		gen.attempts = append(gen.attempts, domain.ProviderAttempt{
			Provider: slot.p.Name(),
			Status:   domain.AttemptFailed,
			Kind:     string(pe.Kind),
			Error:    truncate(err.Error(), attemptErrorRunes),
		})
	}

	text, apology := b.static.Respond(message)
	gen.text, gen.provider = text, provider.StaticName
	if apology {
		gen.used, gen.failed = UsedNone, true
	} else {
		gen.used = UsedStatic
	}
	log.Warn().Int("attempts", len(gen.attempts)).Msg("all providers exhausted, using static response")
	return gen
}

// call runs one provider, turning a panic or an empty answer into an error.
func call(ctx context.Context, p provider.Provider, req provider.Request) (ans provider.Answer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	ans, err = p.Generate(ctx, req)
	if err == nil && strings.TrimSpace(ans.Text) == "" {
		err = errors.New("empty response")
	}
	return ans, err
}

// record persists the turn and feeds the learner on a context detached from
// the caller, so a cancelled request still keeps what it produced.
func (b *Brain) record(ctx context.Context, userID, message string, res Result, at time.Time, log zerolog.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.persistTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recording turn failed")
		}
	}()

	meta := domain.TurnMetadata{
		Provider:         res.Metadata.Provider,
		ProviderUsed:     res.Metadata.ProviderUsed,
		Confidence:       res.Metadata.Confidence,
		Channel:          res.Metadata.Channel,
		ProcessingTimeMs: b.now().Sub(at).Milliseconds(),
		HadError:         res.Metadata.Error,
	}
	turn := domain.ConversationTurn{
		ID:        res.Metadata.TurnID,
		UserID:    userID,
		Message:   message,
		Response:  res.Response,
		Timestamp: at.UTC(),
		Metadata:  meta,
	}
	if err := b.memory.SaveConversation(pctx, turn); err != nil {
		log.Warn().Err(err).Msg("turn not persisted")
	}
	if b.learner == nil {
		return
	}
	err := b.learner.LearnFromInteraction(pctx, learning.Interaction{
		UserID:   userID,
		Message:  message,
		Response: res.Response,
		Metadata: meta,
		At:       at,
	})
	if err != nil {
		log.Warn().Err(err).Msg("learning update failed")
	}
}

// GetMemoryStats reports tier availability and overall health.
func (b *Brain) GetMemoryStats() domain.MemoryStats {
	return b.memory.Stats()
}
