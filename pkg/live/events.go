package live

import (
	"github.com/gorilla/websocket"

	"github.com/sprachlab/sprechstunde/pkg/transcript"
)

// EventKind tags the ServerEvent variant.
type EventKind int

const (
	// EventAudioChunk carries decoded PCM16 at 24 kHz for playback.
	EventAudioChunk EventKind = iota + 1
	// EventTranscriptDelta carries a partial transcription fragment for one
	// speaker channel.
	EventTranscriptDelta
	// EventTurnComplete marks an utterance-exchange boundary.
	EventTurnComplete
	// EventInterrupted means the user talked over the agent; all scheduled
	// playback must stop.
	EventInterrupted
	// EventError is a mid-session server error.
	EventError
	// EventClosed terminates the stream. Always the last event.
	EventClosed
)

// ServerEvent is the tagged variant delivered by Transport.Events, in the
// order the server produced it.
type ServerEvent struct {
	Kind EventKind

	// EventAudioChunk
	PCM []byte

	// EventTranscriptDelta
	Channel transcript.Channel
	Text    string

	// EventError
	Detail string

	// EventClosed
	Code   int
	Reason string
}

// Abnormal reports whether a Closed event represents a transport failure
// rather than a clean hang-up. Normal closure and going-away are the only
// clean endings; everything else (1006, 1011, ...) is a failure.
func (e ServerEvent) Abnormal() bool {
	if e.Kind != EventClosed {
		return false
	}
	return e.Code != websocket.CloseNormalClosure && e.Code != websocket.CloseGoingAway
}
