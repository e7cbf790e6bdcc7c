package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ieltsaiprep/speaking-server/internal/identity"
	"github.com/ieltsaiprep/speaking-server/internal/live"
	"github.com/ieltsaiprep/speaking-server/internal/session"
)

// Client message types on the speaking websocket.
const (
	msgStartSpeaking = "start_speaking"
	msgAudioChunk    = "audio_chunk"
	msgTextInput     = "text_input"
	msgEndSpeaking   = "end_speaking"
	msgPing          = "ping"
)

// Server message types pushed to the client.
const (
	msgMayaTranscript = "maya_transcript"
	msgMayaAudio      = "maya_audio"
	msgPong           = "pong"
	msgError          = "error"
)

// clientMessage is one inbound frame from the mobile client.
type clientMessage struct {
	Type            string `json:"type"`
	CountryCode     string `json:"country_code,omitempty"`
	PreferredRegion string `json:"preferred_region,omitempty"`
	Audio           string `json:"audio,omitempty"`
	MimeType        string `json:"mime_type,omitempty"`
	Content         string `json:"content,omitempty"`
}

// SpeakingHandler upgrades client connections and bridges them to
// assessment sessions.
type SpeakingHandler struct {
	orch          *session.Orchestrator
	allowedOrigin string
	isDev         bool
}

// NewSpeakingHandler creates the websocket handler for live assessments.
func NewSpeakingHandler(orch *session.Orchestrator, allowedOrigin string, isDev bool) *SpeakingHandler {
	return &SpeakingHandler{orch: orch, allowedOrigin: allowedOrigin, isDev: isDev}
}

// wsSink delivers session output to the client websocket. Pushes are
// at-most-once: a client that went away just stops receiving.
type wsSink struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	gone bool
}

func (s *wsSink) push(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode outbound message", "error", err)
		return
	}
	if err := s.ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("Client websocket write failed", "error", err)
		s.gone = true
	}
}

func (s *wsSink) OnText(role, text string, part int) {
	s.push(map[string]any{
		"type":    msgMayaTranscript,
		"role":    role,
		"content": text,
		"part":    part,
	})
}

func (s *wsSink) OnAudio(data []byte) {
	s.push(map[string]any{
		"type":  msgMayaAudio,
		"audio": base64.StdEncoding.EncodeToString(data),
	})
}

func (s *wsSink) OnEvent(event string, payload map[string]any) {
	msg := map[string]any{"type": event}
	for k, v := range payload {
		msg[k] = v
	}
	s.push(msg)
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *SpeakingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	slog.Info("Speaking websocket connection request", "user_id", userID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	connID := uuid.NewString()
	sink := &wsSink{ws: ws}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// A vanished client must not leave a session running.
	defer h.orch.Abandon(context.Background(), connID)

	h.messageLoop(ctx, ws, sink, userID, connID)
	slog.Info("Speaking websocket closed", "user_id", userID, "connection_id", connID)
}

func (h *SpeakingHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("Websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *SpeakingHandler) messageLoop(ctx context.Context, ws *websocket.Conn, sink *wsSink, userID, connID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Websocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("Websocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sink.push(map[string]any{"type": msgError, "message": "invalid message"})
			continue
		}

		if done := h.dispatch(ctx, msg, sink, userID, connID); done {
			return
		}
	}
}

// dispatch handles one client frame. Returns true when the conversation is
// over and the loop should exit.
func (h *SpeakingHandler) dispatch(ctx context.Context, msg clientMessage, sink *wsSink, userID, connID string) bool {
	switch msg.Type {
	case msgStartSpeaking:
		_, err := h.orch.StartAssessment(ctx, session.StartParams{
			UserID:          userID,
			ConnectionID:    connID,
			CountryCode:     msg.CountryCode,
			IPAddress:       "",
			PreferredRegion: msg.PreferredRegion,
			Sink:            sink,
		})
		if err != nil {
			h.pushStartError(sink, userID, err)
		}

	case msgAudioChunk:
		audio, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			sink.push(map[string]any{"type": msgError, "message": "invalid audio encoding"})
			return false
		}
		mime := msg.MimeType
		if mime == "" {
			mime = "audio/pcm;rate=16000"
		}
		if err := h.orch.FeedAudio(ctx, connID, audio, mime); err != nil {
			h.pushSessionError(sink, userID, err)
		}

	case msgTextInput:
		if err := h.orch.FeedText(ctx, connID, msg.Content); err != nil {
			h.pushSessionError(sink, userID, err)
		}

	case msgEndSpeaking:
		summary, err := h.orch.EndAssessment(ctx, userID, connID)
		if err != nil {
			if !errors.Is(err, session.ErrNoSession) {
				slog.Error("Failed to end assessment", "user_id", userID, "error", err)
			}
			sink.push(map[string]any{"type": msgError, "message": "failed to end assessment"})
			return true
		}
		sink.push(map[string]any{"type": "assessment_summary", "summary": summary})
		return true

	case msgPing:
		sink.push(map[string]any{"type": msgPong})

	default:
		sink.push(map[string]any{"type": msgError, "message": "unknown message type"})
	}
	return false
}

func (h *SpeakingHandler) pushStartError(sink *wsSink, userID string, err error) {
	switch {
	case errors.Is(err, session.ErrNoEntitlement):
		sink.push(map[string]any{"type": msgError, "message": "no remaining assessments"})
	case errors.Is(err, live.ErrRemoteConnection):
		slog.Error("Failed to open assessment connection", "user_id", userID, "error", err)
		sink.push(map[string]any{"type": msgError, "message": "could not reach the assessment service"})
	default:
		slog.Error("Failed to start assessment", "user_id", userID, "error", err)
		sink.push(map[string]any{"type": msgError, "message": "failed to start assessment"})
	}
}

func (h *SpeakingHandler) pushSessionError(sink *wsSink, userID string, err error) {
	if errors.Is(err, session.ErrNoSession) {
		sink.push(map[string]any{"type": msgError, "message": "no active assessment"})
		return
	}
	slog.Error("Session input failed", "user_id", userID, "error", err)
	sink.push(map[string]any{"type": msgError, "message": "assessment input failed"})
}
