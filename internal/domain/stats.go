package domain

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
)

// TierStatus is the diagnostic view of one registered tier.
type TierStatus struct {
	Available bool   `json:"available"`
	Backend   string `json:"backend"`
}

// MemoryStats summarizes tier availability for diagnostics.
type MemoryStats struct {
	Tiers   map[string]TierStatus `json:"tiers"`
	Health  Health                `json:"health"`
	Warning string                `json:"warning,omitempty"`
}
