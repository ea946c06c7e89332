package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sprachlab/sprechstunde/pkg/audio"
	"github.com/sprachlab/sprechstunde/pkg/metrics"
)

// DefaultEndpoint is the Gemini Live bidirectional streaming endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const minAPIKeyLen = 10

// ErrMissingCredential means the API key is absent or too short to be real.
// The session must not reach Connecting with this error.
var ErrMissingCredential = errors.New("live: missing or invalid API key")

// Config describes one live connection.
type Config struct {
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string

	// Endpoint overrides the default websocket URL; used by tests.
	Endpoint string
}

func (c Config) validate() error {
	if len(c.APIKey) < minAPIKeyLen {
		return ErrMissingCredential
	}
	if c.Model == "" {
		return errors.New("live: model is required")
	}
	return nil
}

// Transport owns the duplex websocket. Outbound audio is written from the
// capture path; inbound messages are parsed by a single reader goroutine
// into the ordered Events stream. The stream is finite: it always ends with
// exactly one Closed event, whether the remote hangs up, the read fails, or
// Close is called locally.
type Transport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	events  chan ServerEvent

	ready  atomic.Bool
	closed atomic.Bool

	closeOnce sync.Once
}

// Dial opens the connection, performs setup, and waits for the server's
// setupComplete before returning. The returned transport is ready to send.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u := endpoint + "?key=" + url.QueryEscape(cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}

	t := &Transport{
		conn:   conn,
		events: make(chan ServerEvent, 64),
	}

	if err := t.writeJSON(buildSetup(cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("live: send setup: %w", err)
	}
	if err := t.awaitSetupComplete(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	t.ready.Store(true)
	go t.readLoop()
	return t, nil
}

func buildSetup(cfg Config) setupMessage {
	setup := setupPayload{
		Model: "models/" + cfg.Model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	return setupMessage{Setup: setup}
}

func (t *Transport) awaitSetupComplete(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
		defer t.conn.SetReadDeadline(time.Time{})
	}
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("live: waiting for setup complete: %w", err)
		}
		var msg serverMessage
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
			slog.Warn("live: skipping unparseable pre-setup message", "error", jsonErr)
			continue
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// SendAudio encodes one captured frame and ships it. Frames offered while
// the transport is not ready or already closed are dropped with a debug log:
// audio is latency-sensitive and resending stale audio is not meaningful.
func (t *Transport) SendAudio(pcm []byte) {
	if !t.ready.Load() || t.closed.Load() {
		metrics.Default.FramesDropped.Inc()
		slog.Debug("live: dropping audio frame, transport not ready")
		return
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: inlineData{
				MimeType: inputMimeType,
				Data:     audio.EncodeChunk(pcm),
			},
		},
	}
	if err := t.writeJSON(msg); err != nil {
		metrics.Default.FramesDropped.Inc()
		slog.Debug("live: dropping audio frame, write failed", "error", err)
		return
	}
	metrics.Default.FramesSent.Inc()
}

// Events returns the inbound event stream. It is closed after the terminal
// Closed event has been delivered.
func (t *Transport) Events() <-chan ServerEvent {
	return t.events
}

// Close tears the connection down. The reader goroutine observes the closed
// socket and delivers the terminal Closed event, so consumers of Events
// always reach the end of the stream. Idempotent.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
	t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *Transport) writeJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *Transport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
				reason = ce.Text
			}
			if t.closed.Load() {
				code = websocket.CloseNormalClosure
				reason = "client disconnect"
			}
			t.finish(code, reason)
			return
		}
		for _, ev := range parseServerMessage(data) {
			t.events <- ev
		}
	}
}

// finish ends the stream exactly once. An abnormal ending is surfaced as an
// error event first so consumers can distinguish a transport failure from a
// clean hang-up; the terminal Closed event always follows.
func (t *Transport) finish(code int, reason string) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if code != websocket.CloseNormalClosure && code != websocket.CloseGoingAway {
			t.events <- ServerEvent{Kind: EventError, Detail: reason, Code: code}
		}
		t.events <- ServerEvent{Kind: EventClosed, Code: code, Reason: reason}
		close(t.events)
	})
}
