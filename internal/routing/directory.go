// Package routing selects optimal compute regions for live AI conversations
// and tracks per-region health for automatic failover.
package routing

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/ieltsaiprep/speaking-server/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

type catalogFile struct {
	DefaultRegion string                   `yaml:"default_region"`
	Regions       map[string]domain.Region `yaml:"regions"`
	Countries     map[string]string        `yaml:"countries"`
}

// Directory is the static catalog of candidate regions plus the ISO country
// code to preferred-region map. Built once at startup, read-only afterwards.
type Directory struct {
	regions       map[string]domain.Region
	countries     map[string]string
	defaultRegion string
}

// LoadDirectory parses the embedded region catalog.
func LoadDirectory() (*Directory, error) {
	return NewDirectory(catalogYAML)
}

// NewDirectory builds a directory from raw catalog YAML.
func NewDirectory(raw []byte) (*Directory, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse region catalog: %w", err)
	}
	if len(file.Regions) == 0 {
		return nil, fmt.Errorf("region catalog contains no regions")
	}
	if _, ok := file.Regions[file.DefaultRegion]; !ok {
		return nil, fmt.Errorf("default region %q not in catalog", file.DefaultRegion)
	}

	regions := make(map[string]domain.Region, len(file.Regions))
	for id, region := range file.Regions {
		region.ID = id
		regions[id] = region
	}

	for cc, regionID := range file.Countries {
		if _, ok := regions[regionID]; !ok {
			return nil, fmt.Errorf("country %s maps to unknown region %q", cc, regionID)
		}
	}

	return &Directory{
		regions:       regions,
		countries:     file.Countries,
		defaultRegion: file.DefaultRegion,
	}, nil
}

// SetDefaultRegion overrides the catalog's default region. Errors when the
// region is not in the catalog.
func (d *Directory) SetDefaultRegion(regionID string) error {
	if _, ok := d.regions[regionID]; !ok {
		return fmt.Errorf("default region %q not in catalog", regionID)
	}
	d.defaultRegion = regionID
	return nil
}

// Get returns catalog info for a region.
func (d *Directory) Get(regionID string) (domain.Region, bool) {
	region, ok := d.regions[regionID]
	return region, ok
}

// All returns every catalog region, sorted by region ID.
func (d *Directory) All() []domain.Region {
	all := make([]domain.Region, 0, len(d.regions))
	for _, region := range d.regions {
		all = append(all, region)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Len returns the number of catalog regions.
func (d *Directory) Len() int {
	return len(d.regions)
}

// DefaultRegion returns the fixed fallback region.
func (d *Directory) DefaultRegion() string {
	return d.defaultRegion
}

// CountryRegion maps an ISO 3166-1 alpha-2 country code to its preferred
// region. The lookup is case-insensitive.
func (d *Directory) CountryRegion(countryCode string) (string, bool) {
	regionID, ok := d.countries[strings.ToUpper(strings.TrimSpace(countryCode))]
	return regionID, ok
}

// ByContinent returns the IDs of all regions on a continent.
func (d *Directory) ByContinent(continent string) []string {
	var ids []string
	for id, region := range d.regions {
		if region.Continent == continent {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SupportedCountries returns all mapped country codes, sorted.
func (d *Directory) SupportedCountries() []string {
	codes := make([]string, 0, len(d.countries))
	for cc := range d.countries {
		codes = append(codes, cc)
	}
	sort.Strings(codes)
	return codes
}

// LatencyEstimate compares a country's optimal region against the
// cross-continental latency it would see from the default region.
type LatencyEstimate struct {
	Country             string  `json:"country"`
	OptimalRegion       string  `json:"optimal_region"`
	OptimalLatencyMS    int     `json:"optimal_latency_ms"`
	DefaultLatencyMS    int     `json:"default_latency_ms"`
	ReductionMS         int     `json:"reduction_ms"`
	ReductionPercentage float64 `json:"reduction_percentage"`
}

// Cross-continental latency estimates from the default US region.
var crossContinentLatencyMS = map[string]int{
	"Asia":        250,
	"Europe":      150,
	"Middle East": 200,
	"Australia":   180,
	"Africa":      220,
}

// EstimateLatencyReduction estimates the latency saved by routing a country
// to its preferred region instead of the default. Returns false for
// countries not in the map.
func (d *Directory) EstimateLatencyReduction(countryCode string) (LatencyEstimate, bool) {
	regionID, ok := d.CountryRegion(countryCode)
	if !ok {
		return LatencyEstimate{}, false
	}
	region := d.regions[regionID]

	defaultLatency := d.regions[d.defaultRegion].LatencyBaseMS
	if cross, ok := crossContinentLatencyMS[region.Continent]; ok {
		defaultLatency = cross
	}

	reduction := defaultLatency - region.LatencyBaseMS
	return LatencyEstimate{
		Country:             strings.ToUpper(strings.TrimSpace(countryCode)),
		OptimalRegion:       regionID,
		OptimalLatencyMS:    region.LatencyBaseMS,
		DefaultLatencyMS:    defaultLatency,
		ReductionMS:         reduction,
		ReductionPercentage: float64(reduction) / float64(defaultLatency) * 100,
	}, true
}
