package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ieltsaiprep/speaking-server/internal/domain"
	"github.com/ieltsaiprep/speaking-server/internal/live"
	"github.com/ieltsaiprep/speaking-server/internal/routing"
	"github.com/ieltsaiprep/speaking-server/internal/workflow"
)

// DefaultCeiling leaves a safety margin under a 15-minute execution limit.
const DefaultCeiling = 14 * time.Minute

// Latency reported on success when no better signal exists.
const fallbackLatencyMS = 100

// Session drives one speaking assessment: the part workflow, the remote AI
// connection in a chosen region, and push delivery of responses to the sink.
// A session has exactly one owning caller; the mutex exists only to keep the
// receive pump and the owner from racing on the transcript and connection.
type Session struct {
	id      string
	region  string
	dialer  live.Dialer
	tracker *routing.HealthTracker
	sink    Sink
	mod     Moderator
	ceiling time.Duration
	voice   string
	now     func() time.Time

	mu            sync.Mutex
	machine       *workflow.Machine
	conn          live.Conn
	connected     bool
	closed        bool
	failed        bool
	startedAt     time.Time
	timeoutWarned bool
	pumpCancel    context.CancelFunc
	pumpDone      chan struct{}
}

// Options tunes a session beyond its required collaborators.
type Options struct {
	// Ceiling is the wall-clock budget before part transitions are refused.
	// Zero means DefaultCeiling.
	Ceiling time.Duration
	// VoiceName is forwarded to the remote service.
	VoiceName string
	// Moderator screens outbound text. Nil means AllowAll.
	Moderator Moderator
}

// New creates a session bound to a region. The caller must Connect before
// sending input.
func New(id, region string, dialer live.Dialer, tracker *routing.HealthTracker, sink Sink, opts Options) *Session {
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.Moderator == nil {
		opts.Moderator = AllowAll{}
	}
	return &Session{
		id:      id,
		region:  region,
		dialer:  dialer,
		tracker: tracker,
		sink:    sink,
		mod:     opts.Moderator,
		ceiling: opts.Ceiling,
		voice:   opts.VoiceName,
		machine: workflow.NewMachine(),
		now:     time.Now,
	}
}

// ID returns the assessment id.
func (s *Session) ID() string { return s.id }

// Region returns the region the session was opened in.
func (s *Session) Region() string { return s.region }

// Connect configures Part 1 and opens the remote connection. Connection
// errors propagate to the caller without retry; a retry should go back
// through region selection first.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s already closed", s.id)
	}
	if s.connected {
		return fmt.Errorf("session %s already connected", s.id)
	}

	cfg, err := s.machine.ConfigureForPart(1)
	if err != nil {
		return err
	}

	if err := s.dialLocked(ctx, cfg); err != nil {
		s.tracker.MarkFailure(s.region, err.Error())
		return err
	}

	s.connected = true
	s.startedAt = s.now()
	s.sink.OnEvent(EventSessionReady, map[string]any{
		"assessment_id": s.id,
		"region":        s.region,
		"part":          cfg.Part,
		"model":         cfg.Model,
	})
	slog.Info("Assessment session started",
		"assessment_id", s.id,
		"region", s.region,
		"model", cfg.Model)
	return nil
}

// dialLocked opens a connection for the given part config and starts its
// receive pump. Caller holds s.mu.
func (s *Session) dialLocked(ctx context.Context, cfg workflow.PartConfig) error {
	conn, err := s.dialer.Dial(ctx, live.ConnectParams{
		Region:       s.region,
		Model:        cfg.Model,
		SystemPrompt: cfg.Prompt,
		VoiceName:    s.voice,
	})
	if err != nil {
		return fmt.Errorf("connect part %d: %w", cfg.Part, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.conn = conn
	s.pumpCancel = cancel
	s.pumpDone = done
	go s.pump(pumpCtx, conn, done)
	return nil
}

// pump delivers remote fragments to the sink and the transcript until the
// connection ends. One pump runs per connection; a model switch replaces it.
func (s *Session) pump(ctx context.Context, conn live.Conn, done chan struct{}) {
	defer close(done)

	for msg, err := range conn.Receive(ctx) {
		if err != nil {
			s.mu.Lock()
			active := s.conn == conn && !s.closed
			if active {
				s.failed = true
			}
			s.mu.Unlock()
			if active {
				slog.Error("Live connection lost",
					"assessment_id", s.id,
					"region", s.region,
					"error", err)
				s.sink.OnEvent(EventError, map[string]any{"message": "connection lost"})
			}
			return
		}

		if msg.Text != "" {
			s.mu.Lock()
			// A replaced or closed connection must not touch the
			// transcript with late fragments.
			if s.conn != conn || s.closed {
				s.mu.Unlock()
				return
			}
			s.machine.TrackResponse(domain.RoleExaminer, msg.Text)
			part := s.machine.Part()
			s.mu.Unlock()
			s.sink.OnText(domain.RoleExaminer, msg.Text, part)
		}
		if len(msg.Audio) > 0 {
			s.sink.OnAudio(msg.Audio)
		}
	}
}

// SendText forwards a candidate text turn. The moderator may veto the send;
// a vetoed message is dropped silently and the transcript does not grow.
func (s *Session) SendText(ctx context.Context, text string) error {
	if !s.mod.Moderate(text) {
		slog.Info("Outbound message vetoed by moderation", "assessment_id", s.id)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnLocked(); err != nil {
		return err
	}

	s.machine.TrackResponse(domain.RoleCandidate, text)
	if err := s.conn.SendText(ctx, text, true); err != nil {
		s.failed = true
		return err
	}
	return s.maybeTransitionLocked(ctx)
}

// SendAudio forwards a candidate audio chunk.
func (s *Session) SendAudio(ctx context.Context, data []byte, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnLocked(); err != nil {
		return err
	}

	if err := s.conn.SendAudio(ctx, data, mimeType); err != nil {
		s.failed = true
		return err
	}
	return s.maybeTransitionLocked(ctx)
}

func (s *Session) requireConnLocked() error {
	if s.closed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	if !s.connected {
		return fmt.Errorf("session %s is not connected", s.id)
	}
	return nil
}

// maybeTransitionLocked advances to the next part when the workflow says so.
// Past the timeout ceiling, transitions are refused and a single warning is
// emitted; the session keeps running until the caller closes it.
func (s *Session) maybeTransitionLocked(ctx context.Context) error {
	if !s.machine.ShouldTransition() {
		return nil
	}

	if s.now().Sub(s.startedAt) > s.ceiling {
		if !s.timeoutWarned {
			s.timeoutWarned = true
			slog.Warn("Session past timeout ceiling, refusing part transition",
				"assessment_id", s.id,
				"part", s.machine.Part())
			s.sink.OnEvent(EventTimeoutWarning, map[string]any{
				"elapsed_seconds": s.now().Sub(s.startedAt).Seconds(),
			})
		}
		return nil
	}

	cfg, err := s.machine.ConfigureForPart(s.machine.Part() + 1)
	if err != nil {
		return err
	}
	return s.switchModelLocked(ctx, cfg)
}

// switchModelLocked replaces the remote connection with one for the new part
// config. Transcript and part state carry over untouched.
func (s *Session) switchModelLocked(ctx context.Context, cfg workflow.PartConfig) error {
	// The old pump exits on cancel, dropping any mid-flight fragment once
	// the connection no longer matches. It must not be waited on while the
	// mutex is held; it may be blocked on a transcript write.
	old, oldCancel := s.conn, s.pumpCancel
	if oldCancel != nil {
		oldCancel()
	}
	if old != nil {
		_ = old.Close()
	}
	s.conn = nil

	if err := s.dialLocked(ctx, cfg); err != nil {
		s.failed = true
		s.tracker.MarkFailure(s.region, err.Error())
		return err
	}

	slog.Info("Switched assessment model",
		"assessment_id", s.id,
		"part", cfg.Part,
		"model", cfg.Model)
	s.sink.OnEvent(EventPartTransition, map[string]any{
		"part":  cfg.Part,
		"model": cfg.Model,
	})
	return nil
}

// Close ends the session: the workflow summary is extracted, the outcome is
// reported to the health tracker, and the remote connection is torn down.
// Closing an already-closed session returns the same summary with no effect.
func (s *Session) Close(ctx context.Context) (workflow.Summary, error) {
	s.mu.Lock()
	if s.closed {
		summary := s.machine.Summary()
		s.mu.Unlock()
		return summary, nil
	}
	s.closed = true

	summary := s.machine.Summary()
	conn, cancel, done := s.conn, s.pumpCancel, s.pumpDone
	s.conn = nil
	wasConnected := s.connected
	failed := s.failed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	if wasConnected {
		if failed {
			s.tracker.MarkFailure(s.region, "session ended after connection failure")
		} else {
			// Rough proxy: a tenth of session duration in ms, since the
			// remote service exposes no per-request latency signal.
			latency := summary.DurationSeconds * 1000 / 10
			if latency <= 0 {
				latency = fallbackLatencyMS
			}
			s.tracker.MarkSuccess(s.region, latency)
		}
	}

	s.sink.OnEvent(EventAssessmentComplete, map[string]any{
		"assessment_id":    s.id,
		"duration_seconds": summary.DurationSeconds,
		"parts_completed":  summary.PartsCompleted,
	})
	slog.Info("Assessment session closed",
		"assessment_id", s.id,
		"region", s.region,
		"duration_seconds", summary.DurationSeconds,
		"failed", failed)
	return summary, nil
}

// Failed reports whether the session saw a remote connection failure.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Transcript returns a copy of the transcript so far.
func (s *Session) Transcript() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Transcript()
}

// Part returns the current assessment part.
func (s *Session) Part() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Part()
}
