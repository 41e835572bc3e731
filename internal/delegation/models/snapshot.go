package models

import "time"

// ProactiveSnapshot is an external observation of system state. The
// delegation service harvests its recommendation list into tasks and treats
// the rest as context; only ErrorBudgetBurnHot is interpreted.
type ProactiveSnapshot struct {
	TakenAt             time.Time        `json:"taken_at"`
	RecentErrorEvents   []string         `json:"recent_error_events,omitempty"`
	ErrorBudgetBurnHot  []BurnRate       `json:"error_budget_burn_hot,omitempty"`
	MemoryBackendStatus string           `json:"memory_backend_status,omitempty"`
	Recommendations     []Recommendation `json:"recommendations"`
}

// BurnRate names an operation whose error budget is burning hot.
type BurnRate struct {
	Operation string  `json:"operation"`
	BurnRate  float64 `json:"burn_rate"`
}

// Recommendation is one deep-analysis suggestion. Finding may be empty; the
// harvester then derives a summary from the snapshot itself.
type Recommendation struct {
	Action  string `json:"action"`
	Finding string `json:"finding,omitempty"`
}
