// Package workflow tracks IELTS speaking-assessment progress across the
// three test parts and picks the AI model tier for each part.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ieltsaiprep/speaking-server/internal/domain"
)

// Tier is a cost/capability level of the underlying AI model.
type Tier string

const (
	// TierLite is the cost-optimized model, used for Parts 1 and 2 and for
	// simple Part 3 discussions.
	TierLite Tier = "flash-lite"
	// TierFull is the higher-capability model, reserved for Part 3 when the
	// candidate's Part 2 signals warrant it.
	TierFull Tier = "flash"
)

// Model identifiers per tier.
var tierModels = map[Tier]string{
	TierLite: "gemini-2.5-flash-lite",
	TierFull: "gemini-2.5-flash",
}

// ModelID returns the remote model identifier for a tier.
func ModelID(tier Tier) string {
	return tierModels[tier]
}

// Approximate cost per conversation minute, USD.
var tierCostPerMinute = map[Tier]float64{
	TierLite: 0.0045,
	TierFull: 0.0225,
}

const (
	// Part 2 must run longer than this for the higher tier to be considered.
	part2DurationThreshold = 60 * time.Second
	finalPart              = 3
)

// Per-part transition targets: a part is ready to advance once either the
// exchange count or the elapsed duration is reached. Part 3 never advances;
// it is terminal.
var partTargets = map[int]struct {
	exchanges int
	duration  time.Duration
}{
	1: {exchanges: 8, duration: 4 * time.Minute},
	2: {exchanges: 4, duration: 3 * time.Minute},
}

var (
	// ErrInvalidPart is returned for part numbers outside 1..3.
	ErrInvalidPart = errors.New("invalid assessment part")
	// ErrPartOrder is returned when a part is configured out of sequence.
	// Transitions are monotonic and forward-only.
	ErrPartOrder = errors.New("parts must be configured in order")
)

// PartConfig is the model/prompt configuration for one assessment part.
type PartConfig struct {
	Part   int
	Tier   Tier
	Model  string
	Prompt string
}

// CostBreakdown estimates the model spend for a completed assessment.
type CostBreakdown struct {
	PerPart map[int]float64 `json:"per_part"`
	Total   float64         `json:"total"`
}

// Summary is the read-only result of an assessment run.
type Summary struct {
	StartedAt            time.Time                 `json:"started_at"`
	DurationSeconds      float64                   `json:"duration_seconds"`
	PartsCompleted       []int                     `json:"parts_completed"`
	PartDurations        map[int]time.Duration     `json:"-"`
	PartModels           map[int]string            `json:"part_models"`
	Part2DurationSeconds float64                   `json:"part2_duration_seconds"`
	Part2Complexity      int                       `json:"part2_complexity_score"`
	Cost                 CostBreakdown             `json:"cost_breakdown"`
	Transcript           []domain.Message          `json:"transcript"`
}

// Machine is the per-assessment state machine. It is owned exclusively by
// one live session; the session's mutex serializes access, so Machine itself
// is not synchronized.
type Machine struct {
	currentPart    int
	startedAt      time.Time
	partStart      time.Time
	partDurations  map[int]time.Duration
	partTiers      map[int]Tier
	transcript     []domain.Message
	messagesInPart int

	part2Candidate strings.Builder
	part2Duration  time.Duration
	part2Score     int

	now func() time.Time
}

// NewMachine creates a state machine positioned before Part 1.
func NewMachine() *Machine {
	return newMachine(time.Now)
}

func newMachine(now func() time.Time) *Machine {
	return &Machine{
		partDurations: make(map[int]time.Duration),
		partTiers:     make(map[int]Tier),
		now:           now,
	}
}

// Part returns the currently configured part, 0 before Part 1.
func (m *Machine) Part() int {
	return m.currentPart
}

// ConfigureForPart advances the machine to part n and returns the model
// configuration for it. Parts must be configured in strict 1, 2, 3 order;
// a back-transition or skip returns ErrPartOrder.
func (m *Machine) ConfigureForPart(n int) (PartConfig, error) {
	if n < 1 || n > finalPart {
		return PartConfig{}, fmt.Errorf("%w: %d", ErrInvalidPart, n)
	}
	if n != m.currentPart+1 {
		return PartConfig{}, fmt.Errorf("%w: part %d requested after part %d", ErrPartOrder, n, m.currentPart)
	}

	now := m.now()
	if m.currentPart == 0 {
		m.startedAt = now
	} else {
		elapsed := now.Sub(m.partStart)
		m.partDurations[m.currentPart] = elapsed
		if m.currentPart == 2 {
			m.part2Duration = elapsed
			m.part2Score = ComplexityScore(m.part2Candidate.String())
		}
	}

	m.currentPart = n
	m.partStart = now
	m.messagesInPart = 0

	tier := m.tierForPart(n)
	m.partTiers[n] = tier

	return PartConfig{
		Part:   n,
		Tier:   tier,
		Model:  ModelID(tier),
		Prompt: promptForPart(n),
	}, nil
}

// tierForPart implements smart selection: Parts 1 and 2 always run on the
// cost-optimized tier; Part 3 upgrades only when the Part 2 response ran
// long AND scored complex. Missing signals fail toward the cheaper tier.
func (m *Machine) tierForPart(n int) Tier {
	if n < finalPart {
		return TierLite
	}
	if m.part2Duration > part2DurationThreshold && m.part2Score >= complexityScoreThreshold {
		return TierFull
	}
	return TierLite
}

// TrackResponse appends a conversation turn, annotated with the current
// part, and advances the in-part exchange counter. Candidate turns during
// Part 2 also feed the complexity signal for Part 3 tier selection.
func (m *Machine) TrackResponse(role, content string) {
	m.transcript = append(m.transcript, domain.Message{
		Role:      role,
		Content:   content,
		Timestamp: m.now(),
		Part:      m.currentPart,
	})
	m.messagesInPart++

	if m.currentPart == 2 && role == domain.RoleCandidate {
		m.part2Candidate.WriteString(content)
		m.part2Candidate.WriteString(" ")
	}
}

// ShouldTransition reports whether the current part has met its exchange or
// duration target. Part 3 is terminal and never transitions. The caller is
// responsible for performing the actual model switch.
func (m *Machine) ShouldTransition() bool {
	target, ok := partTargets[m.currentPart]
	if !ok {
		return false
	}
	if m.messagesInPart >= target.exchanges {
		return true
	}
	return m.now().Sub(m.partStart) >= target.duration
}

// Transcript returns a copy of the conversation so far.
func (m *Machine) Transcript() []domain.Message {
	out := make([]domain.Message, len(m.transcript))
	copy(out, m.transcript)
	return out
}

// Summary builds the assessment summary. Pure read: the in-flight part's
// duration is computed without finalizing it.
func (m *Machine) Summary() Summary {
	durations := make(map[int]time.Duration, len(m.partDurations)+1)
	for part, d := range m.partDurations {
		durations[part] = d
	}
	if m.currentPart > 0 {
		if _, done := durations[m.currentPart]; !done {
			durations[m.currentPart] = m.now().Sub(m.partStart)
		}
	}

	parts := make([]int, 0, len(m.partTiers))
	models := make(map[int]string, len(m.partTiers))
	for part, tier := range m.partTiers {
		parts = append(parts, part)
		models[part] = ModelID(tier)
	}
	sort.Ints(parts)

	cost := CostBreakdown{PerPart: make(map[int]float64, len(parts))}
	for _, part := range parts {
		minutes := durations[part].Minutes()
		partCost := minutes * tierCostPerMinute[m.partTiers[part]]
		cost.PerPart[part] = partCost
		cost.Total += partCost
	}

	var overall float64
	if !m.startedAt.IsZero() {
		overall = m.now().Sub(m.startedAt).Seconds()
	}

	return Summary{
		StartedAt:            m.startedAt,
		DurationSeconds:      overall,
		PartsCompleted:       parts,
		PartDurations:        durations,
		PartModels:           models,
		Part2DurationSeconds: m.part2Duration.Seconds(),
		Part2Complexity:      m.part2Score,
		Cost:                 cost,
		Transcript:           m.Transcript(),
	}
}
