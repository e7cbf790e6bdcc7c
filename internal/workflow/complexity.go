package workflow

import (
	"strings"
)

// A Part 2 response scoring at or above this is considered complex enough
// to justify the higher-capability tier for Part 3. The threshold is a
// tunable default, not a calibrated constant.
const complexityScoreThreshold = 6

// Discourse and subordination markers that signal structural variety.
var complexityMarkers = []string{
	"which",
	"although",
	"particularly",
	"especially",
	"moreover",
	"furthermore",
	"whereas",
	"however",
	"consequently",
	"therefore",
	"in addition",
	"on the other hand",
}

// Words at or above this length count as sophisticated vocabulary.
const longWordLength = 9

// DetectComplexity classifies a candidate response. Short, simple,
// single-clause responses score low; longer, multi-clause responses with
// lower-frequency vocabulary score high.
func DetectComplexity(text string) bool {
	return ComplexityScore(text) >= complexityScoreThreshold
}

// ComplexityScore is a 0..10 heuristic over response length, vocabulary
// sophistication, and sentence structure variety.
func ComplexityScore(text string) int {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	score := 0

	// Response length.
	if len(words) >= 40 {
		score += 2
	}
	if len(words) >= 80 {
		score++
	}

	// Vocabulary sophistication: share of long words.
	long := 0
	for _, word := range words {
		if len(strings.Trim(word, ".,;:!?\"'()")) >= longWordLength {
			long++
		}
	}
	ratio := float64(long) / float64(len(words))
	switch {
	case ratio >= 0.20:
		score += 2
	case ratio >= 0.12:
		score++
	}

	// Structural variety: discourse/subordination markers, capped.
	lower := strings.ToLower(text)
	markers := 0
	for _, marker := range complexityMarkers {
		markers += strings.Count(lower, marker)
	}
	if markers > 3 {
		markers = 3
	}
	score += markers

	// Average sentence length.
	sentences := countSentences(text)
	if sentences > 0 {
		avg := float64(len(words)) / float64(sentences)
		switch {
		case avg >= 15:
			score += 2
		case avg >= 10:
			score++
		}
	}

	return score
}

func countSentences(text string) int {
	n := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	if n == 0 && strings.TrimSpace(text) != "" {
		n = 1
	}
	return n
}
