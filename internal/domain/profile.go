package domain

import "time"

type CommunicationStyle string

const (
	StyleFormal  CommunicationStyle = "formal"
	StyleCasual  CommunicationStyle = "casual"
	StyleNeutral CommunicationStyle = "neutral"
)

type ExpertiseLevel string

const (
	ExpertiseBeginner     ExpertiseLevel = "beginner"
	ExpertiseIntermediate ExpertiseLevel = "intermediate"
	ExpertiseExpert       ExpertiseLevel = "expert"
)

type LengthPreference string

const (
	LengthConcise  LengthPreference = "concise"
	LengthNeutral  LengthPreference = "neutral"
	LengthDetailed LengthPreference = "detailed"
)

// profileConfidenceInteractions is the interaction count at which a profile
// is considered fully established.
const profileConfidenceInteractions = 10

// UserProfile is the long-lived, incrementally updated view of one user.
// The score fields are the running signals the categorical fields derive from.
type UserProfile struct {
	UserID                   string             `json:"userId" dynamodbav:"userId"`
	CommunicationStyle       CommunicationStyle `json:"communicationStyle" dynamodbav:"communicationStyle"`
	ExpertiseLevel           ExpertiseLevel     `json:"expertiseLevel" dynamodbav:"expertiseLevel"`
	ResponseLengthPreference LengthPreference   `json:"responseLengthPreference" dynamodbav:"responseLengthPreference"`
	SatisfactionScore        float64            `json:"satisfactionScore" dynamodbav:"satisfactionScore"`
	TotalInteractions        int                `json:"totalInteractions" dynamodbav:"totalInteractions"`
	LastInteractionAt        time.Time          `json:"lastInteractionAt" dynamodbav:"lastInteractionAt"`
	CreatedAt                time.Time          `json:"createdAt" dynamodbav:"createdAt"`
	Preferences              map[string]string  `json:"preferences,omitempty" dynamodbav:"preferences,omitempty"`

	StyleScore     float64 `json:"styleScore" dynamodbav:"styleScore"`
	LengthScore    float64 `json:"lengthScore" dynamodbav:"lengthScore"`
	ExpertiseScore float64 `json:"expertiseScore" dynamodbav:"expertiseScore"`
}

// NewUserProfile returns the default profile for a first-time user.
func NewUserProfile(userID string, now time.Time) UserProfile {
	return UserProfile{
		UserID:                   userID,
		CommunicationStyle:       StyleNeutral,
		ExpertiseLevel:           ExpertiseIntermediate,
		ResponseLengthPreference: LengthNeutral,
		SatisfactionScore:        0.5,
		ExpertiseScore:           0.5,
		CreatedAt:                now.UTC(),
		Preferences:              map[string]string{},
	}
}

// ProfileConfidence grows with accumulated interactions and gates personalization.
func (p UserProfile) ProfileConfidence() float64 {
	c := float64(p.TotalInteractions) / profileConfidenceInteractions
	if c > 1 {
		return 1
	}
	return c
}

// Clone returns a copy that shares no mutable state with p.
func (p UserProfile) Clone() UserProfile {
	out := p
	out.Preferences = make(map[string]string, len(p.Preferences))
	for k, v := range p.Preferences {
		out.Preferences[k] = v
	}
	return out
}
