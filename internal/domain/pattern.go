package domain

import "time"

type PatternType string

const (
	PatternRecurringQuestion  PatternType = "recurring_question"
	PatternDailyRoutine       PatternType = "daily_routine"
	PatternTopicSequence      PatternType = "topic_sequence"
	PatternSatisfactionSignal PatternType = "satisfaction_signal"
	PatternCommand            PatternType = "command_pattern"
)

// Pattern is a derived observation about a user's behavior. It is recomputed
// from recent history rather than maintained incrementally.
type Pattern struct {
	UserID      string            `json:"userId"`
	Type        PatternType       `json:"patternType"`
	Description string            `json:"description"`
	Confidence  float64           `json:"confidence"`
	Occurrences int               `json:"occurrences"`
	DetectedAt  time.Time         `json:"detectedAt"`
	Detail      map[string]string `json:"detail,omitempty"`
}
