package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ieltsaiprep/speaking-server/internal/ledger"
	"github.com/ieltsaiprep/speaking-server/internal/live"
	"github.com/ieltsaiprep/speaking-server/internal/routing"
	"github.com/ieltsaiprep/speaking-server/internal/workflow"
)

// ModuleSpeaking is the module type sessions consume entitlements for.
const ModuleSpeaking = "speaking"

// ErrNoEntitlement means the user has no remaining assessment units. The
// assessment must not proceed.
var ErrNoEntitlement = errors.New("no remaining assessment entitlement")

// ErrNoSession means no active session exists for the connection.
var ErrNoSession = errors.New("no active session for connection")

// Orchestrator wires region selection, the entitlement ledger, and session
// lifecycle together for the transport layer.
type Orchestrator struct {
	ledger   ledger.Store
	selector *routing.Selector
	tracker  *routing.HealthTracker
	dialer   live.Dialer
	sessions *Manager
	opts     Options
}

// NewOrchestrator creates the assessment orchestrator.
func NewOrchestrator(store ledger.Store, selector *routing.Selector, tracker *routing.HealthTracker, dialer live.Dialer, sessions *Manager, opts Options) *Orchestrator {
	return &Orchestrator{
		ledger:   store,
		selector: selector,
		tracker:  tracker,
		dialer:   dialer,
		sessions: sessions,
		opts:     opts,
	}
}

// StartParams describes one assessment start request.
type StartParams struct {
	UserID          string
	ConnectionID    string
	CountryCode     string
	IPAddress       string
	PreferredRegion string
	Sink            Sink
}

// StartAssessment verifies the user's entitlement, picks a region, and opens
// a connected session bound to the connection id. The entitlement unit is
// consumed at completion, not here.
func (o *Orchestrator) StartAssessment(ctx context.Context, p StartParams) (*Session, error) {
	access, err := o.ledger.CheckAccess(ctx, p.UserID, ModuleSpeaking)
	if err != nil {
		return nil, fmt.Errorf("check entitlement: %w", err)
	}
	if !access.HasAccess {
		return nil, ErrNoEntitlement
	}

	regionID, _ := o.selector.Select(routing.Query{
		CountryCode:     p.CountryCode,
		IPAddress:       p.IPAddress,
		PreferredRegion: p.PreferredRegion,
	})

	s := New(uuid.NewString(), regionID, o.dialer, o.tracker, p.Sink, o.opts)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	o.sessions.Register(p.ConnectionID, s)
	slog.Info("Assessment started",
		"user_id", p.UserID,
		"assessment_id", s.ID(),
		"region", regionID,
		"units_remaining", access.UnitsRemaining)
	return s, nil
}

// FeedText forwards candidate text into the connection's session.
func (o *Orchestrator) FeedText(ctx context.Context, connID, text string) error {
	s := o.sessions.Get(connID)
	if s == nil {
		return ErrNoSession
	}
	return s.SendText(ctx, text)
}

// FeedAudio forwards a candidate audio chunk into the connection's session.
func (o *Orchestrator) FeedAudio(ctx context.Context, connID string, data []byte, mimeType string) error {
	s := o.sessions.Get(connID)
	if s == nil {
		return ErrNoSession
	}
	return s.SendAudio(ctx, data, mimeType)
}

// EndAssessment closes the connection's session and, when it completed
// without a remote failure, consumes one entitlement unit against the
// assessment id.
func (o *Orchestrator) EndAssessment(ctx context.Context, userID, connID string) (workflow.Summary, error) {
	s := o.sessions.Get(connID)
	if s == nil {
		return workflow.Summary{}, ErrNoSession
	}

	summary, err := s.Close(ctx)
	o.sessions.Unregister(connID, s)
	if err != nil {
		return summary, err
	}

	if !s.Failed() {
		consumed, cerr := o.ledger.Consume(ctx, userID, ModuleSpeaking, s.ID())
		if cerr != nil {
			return summary, fmt.Errorf("consume entitlement: %w", cerr)
		}
		if !consumed {
			slog.Warn("No entitlement unit left to consume at completion",
				"user_id", userID,
				"assessment_id", s.ID())
		}
	}
	return summary, nil
}

// Abandon closes the connection's session without consuming an entitlement,
// for client disconnects.
func (o *Orchestrator) Abandon(ctx context.Context, connID string) {
	s := o.sessions.Get(connID)
	if s == nil {
		return
	}
	_, _ = s.Close(ctx)
	o.sessions.Unregister(connID, s)
}
