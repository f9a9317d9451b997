package domain

import "time"

// Tier identifies a storage tier. Tiers are ordered from fastest to slowest.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Tiers lists every tier in search order.
var Tiers = []Tier{TierHot, TierWarm, TierCold}

// TurnMetadata describes how a turn's response was produced.
type TurnMetadata struct {
	Provider         string  `json:"provider" dynamodbav:"provider"`
	ProviderUsed     string  `json:"providerUsed" dynamodbav:"providerUsed"`
	Confidence       float64 `json:"confidence" dynamodbav:"confidence"`
	Channel          string  `json:"channel" dynamodbav:"channel"`
	ProcessingTimeMs int64   `json:"processingTimeMs" dynamodbav:"processingTimeMs"`
	HadError         bool    `json:"hadError" dynamodbav:"hadError"`
}

// ConversationTurn is a single persisted user message and bot response.
// A turn is immutable once written and belongs to exactly one user partition.
type ConversationTurn struct {
	ID         string
	UserID     string
	Message    string
	Response   string
	Timestamp  time.Time
	TierOrigin Tier
	Metadata   TurnMetadata
	TTL        time.Duration
}

// HistoryQuery scopes a tier search to one user partition.
type HistoryQuery struct {
	UserID string
	Limit  int
	Since  time.Time
	Until  time.Time
}

// Matches reports whether ts falls inside the query's optional time range.
func (q HistoryQuery) Matches(ts time.Time) bool {
	if !q.Since.IsZero() && ts.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && ts.After(q.Until) {
		return false
	}
	return true
}

const recordTypeConversation = "conversation"

// Record is the tier-agnostic persisted shape of a turn. Each tier may
// serialize it differently but keeps these fields.
type Record struct {
	ID         string       `json:"id"`
	UserID     string       `json:"userId"`
	Type       string       `json:"type"`
	Timestamp  time.Time    `json:"timestamp"`
	Message    string       `json:"message"`
	Response   string       `json:"response"`
	Metadata   TurnMetadata `json:"metadata"`
	TTLSeconds int64        `json:"ttlSeconds,omitempty"`
}

// ToRecord converts a turn to its persisted shape.
func (t ConversationTurn) ToRecord() Record {
	return Record{
		ID:         t.ID,
		UserID:     t.UserID,
		Type:       recordTypeConversation,
		Timestamp:  t.Timestamp.UTC(),
		Message:    t.Message,
		Response:   t.Response,
		Metadata:   t.Metadata,
		TTLSeconds: int64(t.TTL / time.Second),
	}
}

// Turn converts a persisted record back into a turn read from origin.
func (r Record) Turn(origin Tier) ConversationTurn {
	return ConversationTurn{
		ID:         r.ID,
		UserID:     r.UserID,
		Message:    r.Message,
		Response:   r.Response,
		Timestamp:  r.Timestamp,
		TierOrigin: origin,
		Metadata:   r.Metadata,
		TTL:        time.Duration(r.TTLSeconds) * time.Second,
	}
}
