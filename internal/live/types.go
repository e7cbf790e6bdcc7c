// Package live implements the client contract for the remote real-time
// conversational AI service, reachable per region.
package live

import (
	"context"
	"errors"
	"iter"
)

// ErrRemoteConnection wraps every failure talking to the remote AI service.
// Callers match it with errors.Is to distinguish remote faults from local
// ones; retries belong to the caller, never to this package.
var ErrRemoteConnection = errors.New("remote AI connection error")

// ConnectParams configures a new live conversation connection.
type ConnectParams struct {
	Region       string
	Model        string
	SystemPrompt string
	VoiceName    string
}

// ServerMessage is one streamed fragment from the remote service. A turn
// carries text and/or audio fragments followed by a turn-complete marker.
type ServerMessage struct {
	Text         string
	Audio        []byte
	TurnComplete bool
}

// Conn is an open live conversation with the remote service.
type Conn interface {
	// SendAudio forwards one audio chunk of candidate input.
	SendAudio(ctx context.Context, data []byte, mimeType string) error

	// SendText forwards a text turn of candidate input.
	SendText(ctx context.Context, text string, endOfTurn bool) error

	// Receive streams server fragments until the connection closes or ctx
	// is cancelled. Errors terminate the sequence.
	Receive(ctx context.Context) iter.Seq2[*ServerMessage, error]

	// Close shuts the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens live connections. Sessions depend on this interface so tests
// can substitute a fake remote.
type Dialer interface {
	Dial(ctx context.Context, params ConnectParams) (Conn, error)
}
