package entity

import "time"

const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)

type HealthReport struct {
	Score           int                        `json:"score"`
	Status          string                     `json:"status"`
	ProductionReady bool                       `json:"production_ready"`
	Circuits        map[string]CircuitSnapshot `json:"circuits"`
	Counters        HealthCounters             `json:"counters"`
	Cache           CacheStats                 `json:"cache"`
	Distribution    DistributionStats          `json:"distribution"`
	ChangeSource    string                     `json:"change_source_mode"`
	Issues          []string                   `json:"issues,omitempty"`
	ComputedAt      time.Time                  `json:"computed_at"`
}

type HealthCounters struct {
	Requests    uint64  `json:"requests"`
	Errors      uint64  `json:"errors"`
	RequestRate float64 `json:"request_rate"`
	ErrorRate   float64 `json:"error_rate"`
}

type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type DistributionStats struct {
	Subscribers   int    `json:"subscribers"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Dropped       uint64 `json:"dropped"`
}
