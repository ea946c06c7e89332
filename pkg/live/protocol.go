// Package live owns the duplex streaming connection to the Gemini Live API:
// the BidiGenerateContent wire protocol, outbound realtime audio, and the
// ordered inbound event stream the session dispatcher consumes.
package live

import (
	"encoding/json"
	"log/slog"

	"github.com/sprachlab/sprechstunde/pkg/audio"
	"github.com/sprachlab/sprechstunde/pkg/metrics"
	"github.com/sprachlab/sprechstunde/pkg/transcript"
)

const (
	inputMimeType = "audio/pcm;rate=16000"
)

// Client -> server messages.

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio inlineData `json:"audio"`
}

// Server -> client messages.

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn           *content         `json:"modelTurn,omitempty"`
	InputTranscription  *transcriptDelta `json:"inputTranscription,omitempty"`
	OutputTranscription *transcriptDelta `json:"outputTranscription,omitempty"`
	Interrupted         bool             `json:"interrupted,omitempty"`
	TurnComplete        bool             `json:"turnComplete,omitempty"`
}

type transcriptDelta struct {
	Text string `json:"text"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// parseServerMessage turns one inbound websocket message into zero or more
// ServerEvents, preserving the payload's internal order: audio, transcript
// deltas, interruption, turn boundary. A malformed audio part is dropped
// here so scheduling state downstream is never touched by it.
func parseServerMessage(data []byte) []ServerEvent {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("live: unparseable server message", "error", err)
		return nil
	}
	if msg.GoAway != nil {
		slog.Warn("live: server announced imminent disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	var events []ServerEvent
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			pcm, err := audio.DecodeChunk(p.InlineData.Data)
			if err != nil {
				metrics.Default.DecodeFailures.Inc()
				slog.Warn("live: dropping undecodable audio chunk", "error", err)
				continue
			}
			events = append(events, ServerEvent{Kind: EventAudioChunk, PCM: pcm})
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, ServerEvent{
			Kind:    EventTranscriptDelta,
			Channel: transcript.ChannelUser,
			Text:    sc.InputTranscription.Text,
		})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, ServerEvent{
			Kind:    EventTranscriptDelta,
			Channel: transcript.ChannelAgent,
			Text:    sc.OutputTranscription.Text,
		})
	}
	if sc.Interrupted {
		events = append(events, ServerEvent{Kind: EventInterrupted})
	}
	if sc.TurnComplete {
		events = append(events, ServerEvent{Kind: EventTurnComplete})
	}
	return events
}
