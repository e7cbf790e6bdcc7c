package domain

import (
	"time"
)

// Speaker roles in an assessment conversation.
const (
	// RoleCandidate is the test taker.
	RoleCandidate = "candidate"
	// RoleExaminer is the AI examiner persona.
	RoleExaminer = "examiner"
)

// Message is a single conversation turn, annotated with the IELTS part it
// occurred in.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Part      int       `json:"part"`
}
