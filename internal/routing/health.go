package routing

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// A region flips unhealthy after this many consecutive failures.
	failureThreshold = 5
	// A region with no recorded success inside this window counts as
	// unhealthy even with a low failure count.
	stalenessWindow = 30 * time.Minute
)

// HealthStatus is a region's current availability classification.
type HealthStatus string

const (
	// StatusHealthy means the region is accepting traffic normally.
	StatusHealthy HealthStatus = "healthy"
	// StatusUnhealthy means the region has crossed the failure threshold.
	StatusUnhealthy HealthStatus = "unhealthy"
)

// RegionHealth is a point-in-time view of one region's health state.
type RegionHealth struct {
	Status       HealthStatus `json:"status"`
	LastSuccess  time.Time    `json:"last_success"`
	FailureCount int          `json:"failure_count"`
	LatencyMS    float64      `json:"latency_ms"`
}

// Snapshot is a read-only aggregate of tracker state for observability.
type Snapshot struct {
	TotalRegions     int                     `json:"total_regions"`
	HealthyRegions   int                     `json:"healthy_regions"`
	UnhealthyRegions int                     `json:"unhealthy_regions"`
	Regions          map[string]RegionHealth `json:"regions"`
}

// HealthTracker holds per-region health state, shared across every active
// session. State is process-lifetime only: a restart resets all regions to
// healthy, which is acceptable for a best-effort failover signal.
type HealthTracker struct {
	mu      sync.RWMutex
	regions map[string]*RegionHealth
	now     func() time.Time
}

// NewHealthTracker initializes every catalog region as healthy, seeding
// observed latency with the catalog baseline.
func NewHealthTracker(dir *Directory) *HealthTracker {
	return newHealthTracker(dir, time.Now)
}

func newHealthTracker(dir *Directory, now func() time.Time) *HealthTracker {
	regions := make(map[string]*RegionHealth, dir.Len())
	for _, region := range dir.All() {
		regions[region.ID] = &RegionHealth{
			Status:      StatusHealthy,
			LastSuccess: now(),
			LatencyMS:   float64(region.LatencyBaseMS),
		}
	}
	return &HealthTracker{regions: regions, now: now}
}

// MarkSuccess records a successful request to a region: failure count
// resets, status returns to healthy, latency and success time are stamped.
func (t *HealthTracker) MarkSuccess(regionID string, latencyMS float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, ok := t.regions[regionID]
	if !ok {
		return
	}
	health.Status = StatusHealthy
	health.LastSuccess = t.now()
	health.FailureCount = 0
	health.LatencyMS = latencyMS
	slog.Debug("Region marked healthy", "region", regionID, "latency_ms", latencyMS)
}

// MarkFailure records a failed request. Crossing the failure threshold
// transitions the region to unhealthy; the transition is logged once.
func (t *HealthTracker) MarkFailure(regionID string, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, ok := t.regions[regionID]
	if !ok {
		return
	}
	health.FailureCount++

	if health.FailureCount >= failureThreshold {
		if health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			slog.Warn("Region marked unhealthy",
				"region", regionID,
				"failures", health.FailureCount,
				"reason", reason)
		}
		return
	}
	slog.Debug("Region failure recorded",
		"region", regionID,
		"failures", health.FailureCount,
		"threshold", failureThreshold,
		"reason", reason)
}

// IsHealthy reports whether a region is currently usable. Unknown regions
// are never healthy.
func (t *HealthTracker) IsHealthy(regionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isHealthyLocked(regionID)
}

func (t *HealthTracker) isHealthyLocked(regionID string) bool {
	health, ok := t.regions[regionID]
	if !ok {
		return false
	}
	if health.FailureCount >= failureThreshold {
		return false
	}
	if t.now().Sub(health.LastSuccess) > stalenessWindow {
		return false
	}
	return health.Status == StatusHealthy
}

// Snapshot returns the aggregate health view across all regions.
func (t *HealthTracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		TotalRegions: len(t.regions),
		Regions:      make(map[string]RegionHealth, len(t.regions)),
	}
	for id, health := range t.regions {
		snap.Regions[id] = *health
		if t.isHealthyLocked(id) {
			snap.HealthyRegions++
		} else {
			snap.UnhealthyRegions++
		}
	}
	return snap
}
