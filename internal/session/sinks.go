// Package session owns the live speaking-assessment lifecycle: one session
// per assessment attempt, driving the part workflow and the remote AI
// connection, with output pushed to a caller-supplied sink.
package session

// Event names delivered through Sink.OnEvent.
const (
	EventSessionReady       = "session_ready"
	EventPartTransition     = "part_transition"
	EventTimeoutWarning     = "timeout_warning"
	EventAssessmentComplete = "assessment_complete"
	EventError              = "error"
)

// Sink receives streamed conversation output for delivery to the client
// transport. Implementations must tolerate being called from the session's
// receive pump goroutine.
type Sink interface {
	OnText(role, text string, part int)
	OnAudio(data []byte)
	OnEvent(event string, payload map[string]any)
}

// Moderator screens outbound candidate text before it reaches the remote
// service. Returning false vetoes the send; the message is dropped, not
// queued, and never enters the transcript.
type Moderator interface {
	Moderate(text string) bool
}

// AllowAll approves every message.
type AllowAll struct{}

// Moderate always returns true.
func (AllowAll) Moderate(string) bool { return true }
