package brain

import (
	"context"
	"errors"
	"strings"
	"time"

	"mesh-assistant/internal/domain"
	"mesh-assistant/internal/learning"
)

const insightsWindow = 50

var ErrUserRequired = errors.New("brain: user ID is required")

// HistorySummary aggregates the turns visible across tiers.
type HistorySummary struct {
	Turns             int            `json:"turns"`
	FirstAt           *time.Time     `json:"firstAt,omitempty"`
	LastAt            *time.Time     `json:"lastAt,omitempty"`
	Channels          map[string]int `json:"channels"`
	Providers         map[string]int `json:"providers"`
	Tiers             map[string]int `json:"tiers"`
	AverageConfidence float64        `json:"averageConfidence"`
	Errors            int            `json:"errors"`
}

type Insights struct {
	UserID            string             `json:"userId"`
	Profile           domain.UserProfile `json:"profile"`
	ProfileConfidence float64            `json:"profileConfidence"`
	Patterns          []domain.Pattern   `json:"patterns"`
	RecentPatterns    []domain.Pattern   `json:"recentPatterns"`
	History           HistorySummary     `json:"history"`
}

// GetUserInsights summarizes what is known about userID. Patterns are
// recomputed from the visible history, taking the newest turn as the
// current message, and are not retained.
func (b *Brain) GetUserInsights(ctx context.Context, userID string) (Insights, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Insights{}, ErrUserRequired
	}
	history, err := b.memory.GetConversationHistory(ctx, userID, insightsWindow)
	if err != nil {
		b.log.Warn().Err(err).Str("user_id", userID).Msg("history unavailable for insights")
	}

	out := Insights{UserID: userID, History: summarize(history)}
	if b.learner == nil {
		out.Profile = domain.NewUserProfile(userID, b.now())
		return out, nil
	}
	profile, err := b.learner.GetOrCreateProfile(ctx, userID)
	if err != nil {
		b.log.Warn().Err(err).Str("user_id", userID).Msg("profile unavailable for insights")
	}
	out.Profile = profile
	out.ProfileConfidence = profile.ProfileConfidence()
	if len(history) > 0 {
		out.Patterns = b.learner.AnalyzePatterns(userID, history[0].Message, history[1:])
	}
	out.RecentPatterns = b.learner.RecentPatterns(userID)
	return out, nil
}

func summarize(history []domain.ConversationTurn) HistorySummary {
	s := HistorySummary{
		Channels:  map[string]int{},
		Providers: map[string]int{},
		Tiers:     map[string]int{},
	}
	var total float64
	for _, t := range history {
		s.Turns++
		ts := t.Timestamp
		if s.FirstAt == nil || ts.Before(*s.FirstAt) {
			s.FirstAt = &ts
		}
		if s.LastAt == nil || ts.After(*s.LastAt) {
			s.LastAt = &ts
		}
		if t.Metadata.Channel != "" {
			s.Channels[t.Metadata.Channel]++
		}
		if t.Metadata.Provider != "" {
			s.Providers[t.Metadata.Provider]++
		}
		s.Tiers[t.TierOrigin.String()]++
		if t.Metadata.HadError {
			s.Errors++
		}
		total += t.Metadata.Confidence
	}
	if s.Turns > 0 {
		s.AverageConfidence = total / float64(s.Turns)
	}
	return s
}

// ProviderStatus is the diagnostic view of one configured provider.
type ProviderStatus struct {
	Role      string `json:"role"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Diagnostics is the full service health snapshot.
type Diagnostics struct {
	Memory    domain.MemoryStats `json:"memory"`
	Learning  *learning.Stats    `json:"learning,omitempty"`
	Providers []ProviderStatus   `json:"providers"`
}

func (b *Brain) Diagnostics() Diagnostics {
	d := Diagnostics{Memory: b.memory.Stats()}
	if b.learner != nil {
		s := b.learner.Stats()
		d.Learning = &s
	}
	if b.primary != nil {
		d.Providers = append(d.Providers, ProviderStatus{Role: UsedPrimary, Name: b.primary.Name(), Available: b.primary.Available()})
	}
	if b.fallback != nil {
		d.Providers = append(d.Providers, ProviderStatus{Role: UsedFallback, Name: b.fallback.Name(), Available: b.fallback.Available()})
	}
	d.Providers = append(d.Providers, ProviderStatus{Role: UsedStatic, Name: b.static.Name(), Available: true})
	return d
}
