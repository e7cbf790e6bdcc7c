package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// Wire protocol for the live conversation websocket. The setup frame opens
// the conversation; after that, client frames carry realtime input and
// server frames carry streamed response fragments.
type setupFrame struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model              string   `json:"model"`
	SystemInstruction  string   `json:"system_instruction"`
	VoiceName          string   `json:"voice_name,omitempty"`
	ResponseModalities []string `json:"response_modalities"`
}

type clientFrame struct {
	RealtimeInput *realtimeInput `json:"realtime_input,omitempty"`
	ClientContent *clientContent `json:"client_content,omitempty"`
}

type realtimeInput struct {
	Audio    string `json:"audio"`
	MimeType string `json:"mime_type"`
}

type clientContent struct {
	Text      string `json:"text"`
	EndOfTurn bool   `json:"end_of_turn"`
}

type serverFrame struct {
	ServerContent *serverContent `json:"server_content,omitempty"`
}

type serverContent struct {
	Text         string `json:"text,omitempty"`
	Audio        string `json:"audio,omitempty"`
	TurnComplete bool   `json:"turn_complete,omitempty"`
}

// WebSocketDialer opens live conversations over websocket to the regional
// endpoint, authenticating with a cached service-account bearer token.
type WebSocketDialer struct {
	// EndpointTemplate expands the region into the websocket URL, e.g.
	// "wss://%s-aiplatform.googleapis.com/ws/live".
	EndpointTemplate string
	Credentials      *CredentialCache
}

// NewWebSocketDialer creates a dialer over the given endpoint template.
func NewWebSocketDialer(endpointTemplate string, creds *CredentialCache) *WebSocketDialer {
	return &WebSocketDialer{EndpointTemplate: endpointTemplate, Credentials: creds}
}

// Dial opens a connection in the given region and sends the setup frame.
// Every failure is wrapped in ErrRemoteConnection; there are no retries
// here, since a retry should go through region re-selection first.
func (d *WebSocketDialer) Dial(ctx context.Context, params ConnectParams) (Conn, error) {
	endpoint := fmt.Sprintf(d.EndpointTemplate, params.Region)

	opts := &websocket.DialOptions{}
	if d.Credentials != nil {
		token, err := d.Credentials.BearerToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: credentials: %v", ErrRemoteConnection, err)
		}
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}

	//nolint:bodyclose // coder/websocket owns the hijacked connection.
	ws, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrRemoteConnection, endpoint, err)
	}
	// Streamed audio turns can be large.
	ws.SetReadLimit(4 << 20)

	setup := setupFrame{Setup: setupPayload{
		Model:              params.Model,
		SystemInstruction:  params.SystemPrompt,
		VoiceName:          params.VoiceName,
		ResponseModalities: []string{"AUDIO", "TEXT"},
	}}
	if err := writeJSON(ctx, ws, setup); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("%w: send setup: %v", ErrRemoteConnection, err)
	}

	slog.Info("Live connection established",
		"region", params.Region,
		"model", params.Model)
	return &wsConn{ws: ws, region: params.Region}, nil
}

// wsConn is a live conversation over one websocket.
type wsConn struct {
	ws     *websocket.Conn
	region string
}

// SendAudio forwards one candidate audio chunk.
func (c *wsConn) SendAudio(ctx context.Context, data []byte, mimeType string) error {
	frame := clientFrame{RealtimeInput: &realtimeInput{
		Audio:    base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}}
	if err := writeJSON(ctx, c.ws, frame); err != nil {
		return fmt.Errorf("%w: send audio: %v", ErrRemoteConnection, err)
	}
	return nil
}

// SendText forwards a candidate text turn.
func (c *wsConn) SendText(ctx context.Context, text string, endOfTurn bool) error {
	frame := clientFrame{ClientContent: &clientContent{
		Text:      text,
		EndOfTurn: endOfTurn,
	}}
	if err := writeJSON(ctx, c.ws, frame); err != nil {
		return fmt.Errorf("%w: send text: %v", ErrRemoteConnection, err)
	}
	return nil
}

// Receive streams server fragments until the remote closes or ctx cancels.
func (c *wsConn) Receive(ctx context.Context) iter.Seq2[*ServerMessage, error] {
	return func(yield func(*ServerMessage, error) bool) {
		for {
			_, data, err := c.ws.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
					return
				}
				yield(nil, fmt.Errorf("%w: receive: %v", ErrRemoteConnection, err))
				return
			}

			var frame serverFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				slog.Debug("Dropping unparseable live frame", "region", c.region, "error", err)
				continue
			}
			if frame.ServerContent == nil {
				continue
			}

			msg := &ServerMessage{
				Text:         frame.ServerContent.Text,
				TurnComplete: frame.ServerContent.TurnComplete,
			}
			if frame.ServerContent.Audio != "" {
				audio, err := base64.StdEncoding.DecodeString(frame.ServerContent.Audio)
				if err != nil {
					slog.Debug("Dropping undecodable audio fragment", "region", c.region, "error", err)
					continue
				}
				msg.Audio = audio
			}

			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Close shuts the websocket down. Closing twice is harmless.
func (c *wsConn) Close() error {
	if err := c.ws.Close(websocket.StatusNormalClosure, "conversation ended"); err != nil {
		// Already closed is the common double-close path.
		slog.Debug("Live connection close", "region", c.region, "error", err)
	}
	return nil
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
