package routing

import (
	"log/slog"
	"math/rand"

	"github.com/ieltsaiprep/speaking-server/internal/domain"
)

// Geolocator resolves an IP address to a catalog region, best-effort.
// Absence of a provider is not a failure; the stub implementation simply
// reports not-found and the selector falls through to the default chain.
type Geolocator interface {
	RegionFromIP(ipAddress string) (string, bool)
}

// NoopGeolocator is the default Geolocator: it never resolves anything.
type NoopGeolocator struct{}

// RegionFromIP always reports not-found.
func (NoopGeolocator) RegionFromIP(string) (string, bool) { return "", false }

// Query carries the locale hints a caller can supply for region selection.
// All fields are optional.
type Query struct {
	CountryCode     string
	IPAddress       string
	PreferredRegion string
}

// Selector resolves an optimal region for a session, consulting the health
// tracker and falling back through a fixed priority chain. It never fails:
// when no region is healthy it degrades to the default region and lets the
// caller attempt the connection anyway.
type Selector struct {
	dir     *Directory
	tracker *HealthTracker
	geo     Geolocator
}

// NewSelector creates a selector over the given catalog and health state.
func NewSelector(dir *Directory, tracker *HealthTracker, geo Geolocator) *Selector {
	if geo == nil {
		geo = NoopGeolocator{}
	}
	return &Selector{dir: dir, tracker: tracker, geo: geo}
}

// Select resolves the optimal region for a query. First healthy match wins:
// explicit preference, country mapping, IP geolocation, the default region,
// any healthy region, and finally the default region regardless of health.
func (s *Selector) Select(q Query) (string, domain.Region) {
	if q.PreferredRegion != "" {
		if region, ok := s.dir.Get(q.PreferredRegion); ok && s.tracker.IsHealthy(q.PreferredRegion) {
			slog.Info("Using preferred region", "region", q.PreferredRegion)
			return q.PreferredRegion, region
		}
	}

	if q.CountryCode != "" {
		if mapped, ok := s.dir.CountryRegion(q.CountryCode); ok && s.tracker.IsHealthy(mapped) {
			slog.Info("Mapped country to region", "country", q.CountryCode, "region", mapped)
			region, _ := s.dir.Get(mapped)
			return mapped, region
		}
	}

	if q.IPAddress != "" {
		if detected, ok := s.geo.RegionFromIP(q.IPAddress); ok && s.tracker.IsHealthy(detected) {
			if region, found := s.dir.Get(detected); found {
				slog.Info("Detected region from IP", "region", detected)
				return detected, region
			}
		}
	}

	defaultRegion := s.dir.DefaultRegion()
	if s.tracker.IsHealthy(defaultRegion) {
		slog.Info("Using default region", "region", defaultRegion)
		region, _ := s.dir.Get(defaultRegion)
		return defaultRegion, region
	}

	// Default is down: pick any healthy region. Random choice is fine here,
	// this is pure load distribution.
	var healthy []string
	for _, region := range s.dir.All() {
		if s.tracker.IsHealthy(region.ID) {
			healthy = append(healthy, region.ID)
		}
	}
	if len(healthy) > 0 {
		fallback := healthy[rand.Intn(len(healthy))]
		slog.Warn("Default region unhealthy, using fallback", "region", fallback)
		region, _ := s.dir.Get(fallback)
		return fallback, region
	}

	// Every region looks unhealthy. Degrade rather than fail: return the
	// default and let the caller try the connection.
	slog.Warn("No healthy region available, degrading to default", "region", defaultRegion)
	region, _ := s.dir.Get(defaultRegion)
	return defaultRegion, region
}
