// Package learning keeps per-user profiles up to date from interactions and
// mines behavioral patterns from recent conversation history.
package learning

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"mesh-assistant/internal/domain"
)

const (
	DefaultMinProfileConfidence = 0.7
	DefaultProfileIdleTTL       = 24 * time.Hour
	DefaultSweepInterval        = time.Hour

	styleStep        = 0.1
	lengthStep       = 0.1
	expertiseStep    = 0.05
	satisfactionStep = 0.1
	categoryCutoff   = 0.3
	expertCutoff     = 0.7
	beginnerCutoff   = 0.3
	longMessageWords = 30
)

// ProfileStore persists user profiles. LoadProfile returns an error wrapping
// domain.ErrNotFound for unknown users. A store that also has an
// Available() bool method is not called while it reports false.
type ProfileStore interface {
	LoadProfile(ctx context.Context, userID string) (domain.UserProfile, error)
	SaveProfile(ctx context.Context, p domain.UserProfile) error
}

type availability interface {
	Available() bool
}

// ContextUpdater merges detected preferences into the user context document.
type ContextUpdater interface {
	UpdateUserContext(ctx context.Context, userID string, prefs map[string]string) error
}

// Interaction is one completed exchange fed back into the engine.
type Interaction struct {
	UserID   string
	Message  string
	Response string
	Metadata domain.TurnMetadata
	At       time.Time
}

// Stats summarizes the engine's in-process state.
type Stats struct {
	CachedProfiles       int     `json:"cachedProfiles"`
	AverageConfidence    float64 `json:"averageConfidence"`
	PatternUsers         int     `json:"patternUsers"`
	MinProfileConfidence float64 `json:"minProfileConfidence"`
}

type Engine struct {
	store    ProfileStore
	contexts ContextUpdater
	detector *Detector

	minConfidence float64
	idleTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           zerolog.Logger

	cache sync.Map // userID -> *profileEntry
	loads singleflight.Group
}

type profileEntry struct {
	mu       sync.Mutex
	profile  domain.UserProfile
	lastUsed time.Time
	// local marks a profile created while the store was unavailable. It is
	// replaced by the stored one once the store is back.
	local bool
}

type Option func(*Engine)

func WithProfileStore(s ProfileStore) Option {
	return func(e *Engine) { e.store = s }
}

func WithContextUpdater(c ContextUpdater) Option {
	return func(e *Engine) { e.contexts = c }
}

func WithDetector(d *Detector) Option {
	return func(e *Engine) {
		if d != nil {
			e.detector = d
		}
	}
}

// WithMinProfileConfidence sets the profile confidence personalization requires.
func WithMinProfileConfidence(v float64) Option {
	return func(e *Engine) {
		if v >= 0 && v <= 1 {
			e.minConfidence = v
		}
	}
}

func WithProfileIdleTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idleTTL = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		detector:      NewDetector(),
		minConfidence: DefaultMinProfileConfidence,
		idleTTL:       DefaultProfileIdleTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetOrCreateProfile returns the cached profile, loading it from the store on
// a miss. Concurrent misses for one user share a single load. When the store
// fails the default profile is returned together with the error and nothing
// is cached.
func (e *Engine) GetOrCreateProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	ent, err := e.entry(ctx, userID)
	if err != nil {
		return domain.NewUserProfile(userID, e.now()), err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	ent.lastUsed = e.now()
	return ent.profile.Clone(), nil
}

func (e *Engine) entry(ctx context.Context, userID string) (*profileEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("learning: user ID is required")
	}
	if ent, ok := e.cached(userID); ok {
		return ent, nil
	}
	v, err, _ := e.loads.Do(userID, func() (any, error) {
		if ent, ok := e.cached(userID); ok {
			return ent, nil
		}
		if e.store != nil && !e.storeAvailable() {
			e.log.Debug().Str("user_id", userID).Msg("profile store unavailable; using local profile")
			actual, _ := e.cache.LoadOrStore(userID, &profileEntry{
				profile:  domain.NewUserProfile(userID, e.now()),
				lastUsed: e.now(),
				local:    true,
			})
			return actual, nil
		}
		p, err := e.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		actual, _ := e.cache.LoadOrStore(userID, &profileEntry{profile: p, lastUsed: e.now()})
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*profileEntry), nil
}

// cached returns the cached entry of userID. A local entry is evicted instead
// once the store is available again, so the stored profile gets loaded.
func (e *Engine) cached(userID string) (*profileEntry, bool) {
	v, ok := e.cache.Load(userID)
	if !ok {
		return nil, false
	}
	ent := v.(*profileEntry)
	if ent.local && e.storeAvailable() {
		e.cache.CompareAndDelete(userID, ent)
		return nil, false
	}
	return ent, true
}

func (e *Engine) storeAvailable() bool {
	if e.store == nil {
		return false
	}
	a, ok := e.store.(availability)
	return !ok || a.Available()
}

func (e *Engine) load(ctx context.Context, userID string) (domain.UserProfile, error) {
	if e.store == nil {
		return domain.NewUserProfile(userID, e.now()), nil
	}
	p, err := e.store.LoadProfile(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.NewUserProfile(userID, e.now()), nil
	case err != nil:
		return domain.UserProfile{}, fmt.Errorf("learning: load profile: %w", err)
	}
	if p.Preferences == nil {
		p.Preferences = map[string]string{}
	}
	return p, nil
}

// LearnFromInteraction folds one exchange into the user's profile, persists
// it and merges any stated preferences into the user context document.
func (e *Engine) LearnFromInteraction(ctx context.Context, in Interaction) error {
	ent, err := e.entry(ctx, in.UserID)
	if err != nil {
		return err
	}
	at := in.At
	if at.IsZero() {
		at = e.now()
	}
	prefs := detectPreferences(in.Message)

	ent.mu.Lock()
	applyInteraction(&ent.profile, in.Message, at)
	maps.Copy(ent.profile.Preferences, prefs)
	ent.lastUsed = e.now()
	snapshot := ent.profile.Clone()
	ent.mu.Unlock()

	var errs []error
	if !ent.local && e.storeAvailable() {
		if err := e.store.SaveProfile(ctx, snapshot); err != nil {
			errs = append(errs, fmt.Errorf("learning: save profile: %w", err))
		}
	}
	if len(prefs) > 0 && e.contexts != nil {
		if err := e.contexts.UpdateUserContext(ctx, in.UserID, prefs); err != nil {
			errs = append(errs, fmt.Errorf("learning: update user context: %w", err))
		}
	}
	if len(prefs) > 0 {
		e.log.Debug().Str("user_id", in.UserID).Int("preferences", len(prefs)).Msg("preferences detected")
	}
	return errors.Join(errs...)
}

func applyInteraction(p *domain.UserProfile, message string, at time.Time) {
	t := newText(message)

	formal, casual := t.count(formalMarkers), t.count(casualMarkers)
	switch {
	case formal > casual:
		p.StyleScore = clamp(p.StyleScore+styleStep, -1, 1)
	case casual > formal:
		p.StyleScore = clamp(p.StyleScore-styleStep, -1, 1)
	}

	switch {
	case t.any(detailMarkers) || t.words() > longMessageWords:
		p.LengthScore = clamp(p.LengthScore+lengthStep, -1, 1)
	case t.any(briefMarkers):
		p.LengthScore = clamp(p.LengthScore-lengthStep, -1, 1)
	}

	technical, beginner := t.any(technicalTerms), t.any(beginnerMarkers)
	switch {
	case technical && !beginner:
		p.ExpertiseScore = clamp(p.ExpertiseScore+expertiseStep, 0, 1)
	case beginner && !technical:
		p.ExpertiseScore = clamp(p.ExpertiseScore-expertiseStep, 0, 1)
	}

	pos, neg := sentiment(t)
	switch {
	case pos > neg:
		p.SatisfactionScore = clamp(p.SatisfactionScore+satisfactionStep, 0, 1)
	case neg > pos:
		p.SatisfactionScore = clamp(p.SatisfactionScore-satisfactionStep, 0, 1)
	}

	p.CommunicationStyle = domain.StyleNeutral
	switch {
	case p.StyleScore >= categoryCutoff:
		p.CommunicationStyle = domain.StyleFormal
	case p.StyleScore <= -categoryCutoff:
		p.CommunicationStyle = domain.StyleCasual
	}
	p.ResponseLengthPreference = domain.LengthNeutral
	switch {
	case p.LengthScore >= categoryCutoff:
		p.ResponseLengthPreference = domain.LengthDetailed
	case p.LengthScore <= -categoryCutoff:
		p.ResponseLengthPreference = domain.LengthConcise
	}
	p.ExpertiseLevel = domain.ExpertiseIntermediate
	switch {
	case p.ExpertiseScore >= expertCutoff:
		p.ExpertiseLevel = domain.ExpertiseExpert
	case p.ExpertiseScore <= beginnerCutoff:
		p.ExpertiseLevel = domain.ExpertiseBeginner
	}

	if p.Preferences == nil {
		p.Preferences = map[string]string{}
	}
	p.TotalInteractions++
	p.LastInteractionAt = at.UTC()
}

// PersonalizationHints turns an established profile into prompt directives.
// Profiles below the confidence threshold yield none.
func (e *Engine) PersonalizationHints(p domain.UserProfile) []string {
	if p.ProfileConfidence() < e.minConfidence {
		return nil
	}
	var hints []string
	switch p.CommunicationStyle {
	case domain.StyleFormal:
		hints = append(hints, "Use a formal, professional tone.")
	case domain.StyleCasual:
		hints = append(hints, "Use a relaxed, friendly tone.")
	}
	switch p.ResponseLengthPreference {
	case domain.LengthDetailed:
		hints = append(hints, "Give detailed, step-by-step answers.")
	case domain.LengthConcise:
		hints = append(hints, "Keep answers short and to the point.")
	}
	switch p.ExpertiseLevel {
	case domain.ExpertiseExpert:
		hints = append(hints, "The user is technical; skip basic explanations.")
	case domain.ExpertiseBeginner:
		hints = append(hints, "Explain terms simply and avoid jargon.")
	}
	if p.SatisfactionScore < 0.4 {
		hints = append(hints, "Recent answers missed the mark; confirm you understood the request.")
	}
	return hints
}

// DetectPatterns runs the detector as of the engine clock.
func (e *Engine) DetectPatterns(userID, message string, history []domain.ConversationTurn) []domain.Pattern {
	return e.detector.Detect(userID, message, history, e.now())
}

// AnalyzePatterns detects patterns without adding them to the retained log.
func (e *Engine) AnalyzePatterns(userID, message string, history []domain.ConversationTurn) []domain.Pattern {
	return e.detector.Analyze(userID, message, history, e.now())
}

func (e *Engine) RecentPatterns(userID string) []domain.Pattern {
	return e.detector.Recent(userID)
}

func (e *Engine) Stats() Stats {
	s := Stats{MinProfileConfidence: e.minConfidence, PatternUsers: e.detector.Users()}
	var total float64
	e.cache.Range(func(_, v any) bool {
		ent := v.(*profileEntry)
		ent.mu.Lock()
		total += ent.profile.ProfileConfidence()
		ent.mu.Unlock()
		s.CachedProfiles++
		return true
	})
	if s.CachedProfiles > 0 {
		s.AverageConfidence = total / float64(s.CachedProfiles)
	}
	return s
}

// Sweep evicts profiles idle for longer than the idle TTL and returns how
// many were dropped. Evicted profiles are reloaded from the store on demand.
func (e *Engine) Sweep() int {
	cutoff := e.now().Add(-e.idleTTL)
	evicted := 0
	e.cache.Range(func(k, v any) bool {
		ent := v.(*profileEntry)
		ent.mu.Lock()
		idle := ent.lastUsed.Before(cutoff)
		ent.mu.Unlock()
		if idle && e.cache.CompareAndDelete(k, v) {
			e.detector.Forget(k.(string))
			evicted++
		}
		return true
	})
	if evicted > 0 {
		e.log.Debug().Int("evicted", evicted).Msg("idle profiles evicted")
	}
	return evicted
}

// Run sweeps idle profiles every sweep interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
