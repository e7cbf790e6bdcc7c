package domain

// Region is a geographically distinct deployment endpoint for the remote
// conversational AI service. Reference data: loaded once from the embedded
// catalog and never mutated.
type Region struct {
	ID            string `json:"region" yaml:"-"`
	Continent     string `json:"continent" yaml:"continent"`
	Location      string `json:"location" yaml:"location"`
	LatencyBaseMS int    `json:"latency_base" yaml:"latency_base"`
}
