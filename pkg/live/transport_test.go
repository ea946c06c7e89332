package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sprachlab/sprechstunde/pkg/transcript"
)

var testUpgrader = websocket.Upgrader{}

// liveServer scripts one fake Gemini Live endpoint: it accepts the setup,
// replies setupComplete, then runs the given scenario.
func liveServer(t *testing.T, scenario func(t *testing.T, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" {
			t.Error("dial without api key")
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var setup setupMessage
		if err := conn.ReadJSON(&setup); err != nil {
			t.Errorf("read setup: %v", err)
			return
		}
		if !strings.HasPrefix(setup.Setup.Model, "models/") {
			t.Errorf("setup model = %q, want models/ prefix", setup.Setup.Model)
		}
		if setup.Setup.InputAudioTranscription == nil || setup.Setup.OutputAudioTranscription == nil {
			t.Error("setup missing transcription flags")
		}
		if err := conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}); err != nil {
			t.Errorf("write setupComplete: %v", err)
			return
		}
		scenario(t, conn)
	}))
}

func testConfig(srv *httptest.Server) Config {
	return Config{
		APIKey:            "test-key-0123456789",
		Model:             "gemini-test",
		Voice:             "Charon",
		SystemInstruction: "Esti Herr Muller.",
		Endpoint:          "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func collectEvents(t *testing.T, tr *Transport) []ServerEvent {
	t.Helper()
	var events []ServerEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("event stream did not terminate; got %d events", len(events))
		}
	}
}

func TestDial_RejectsMissingCredential(t *testing.T) {
	_, err := Dial(context.Background(), Config{APIKey: "x", Model: "m"})
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Dial = %v, want ErrMissingCredential", err)
	}
}

func TestTransport_OrderedEventsAndTerminalClose(t *testing.T) {
	pcm := make([]byte, 960)
	srv := liveServer(t, func(t *testing.T, conn *websocket.Conn) {
		msgs := []string{
			`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}}]}}}`,
			`{"serverContent":{"inputTranscription":{"text":"Hallo"}}}`,
			`{"serverContent":{"outputTranscription":{"text":"Guten Tag"}}}`,
			`{"serverContent":{"interrupted":true}}`,
			`{"serverContent":{"turnComplete":true}}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second))
	})
	defer srv.Close()

	tr, err := Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	events := collectEvents(t, tr)
	wantKinds := []EventKind{EventAudioChunk, EventTranscriptDelta, EventTranscriptDelta, EventInterrupted, EventTurnComplete, EventClosed}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events %+v, want %d", len(events), events, len(wantKinds))
	}
	for i, kind := range wantKinds {
		if events[i].Kind != kind {
			t.Fatalf("event %d kind = %v, want %v", i, events[i].Kind, kind)
		}
	}
	if len(events[0].PCM) != len(pcm) {
		t.Fatalf("decoded pcm = %d bytes, want %d", len(events[0].PCM), len(pcm))
	}
	if events[1].Channel != transcript.ChannelUser || events[1].Text != "Hallo" {
		t.Fatalf("input delta = %+v", events[1])
	}
	if events[2].Channel != transcript.ChannelAgent || events[2].Text != "Guten Tag" {
		t.Fatalf("output delta = %+v", events[2])
	}
	if last := events[len(events)-1]; last.Code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d, want %d", last.Code, websocket.CloseNormalClosure)
	}
}

func TestTransport_CorruptAudioChunkIsIsolated(t *testing.T) {
	good := base64.StdEncoding.EncodeToString(make([]byte, 480))
	srv := liveServer(t, func(t *testing.T, conn *websocket.Conn) {
		msgs := []string{
			`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"data":"` + good + `"}}]}}}`,
			`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"data":"!!!not-base64!!!"}}]}}}`,
			`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"data":"` + good + `"}}]}}}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	defer srv.Close()

	tr, err := Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	events := collectEvents(t, tr)
	var audio int
	for _, ev := range events {
		if ev.Kind == EventAudioChunk {
			audio++
		}
		if ev.Kind == EventError {
			t.Fatal("decode failure surfaced as a session-level error")
		}
	}
	// The corrupted chunk vanishes; both valid neighbors arrive.
	if audio != 2 {
		t.Fatalf("audio events = %d, want 2", audio)
	}
}

func TestTransport_AbnormalCloseSurfacesError(t *testing.T) {
	srv := liveServer(t, func(t *testing.T, conn *websocket.Conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"), time.Now().Add(time.Second))
	})
	defer srv.Close()

	tr, err := Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	events := collectEvents(t, tr)
	if len(events) != 2 {
		t.Fatalf("got %d events %+v, want error then closed", len(events), events)
	}
	if events[0].Kind != EventError || events[0].Code != websocket.CloseInternalServerErr {
		t.Fatalf("first event = %+v, want EventError with code %d", events[0], websocket.CloseInternalServerErr)
	}
	if events[0].Detail != "internal error" {
		t.Fatalf("error detail = %q, want server reason", events[0].Detail)
	}
	if last := events[1]; last.Kind != EventClosed || !last.Abnormal() {
		t.Fatalf("terminal event = %+v, want abnormal Closed", last)
	}
}

func TestTransport_LocalCloseIsNotAnError(t *testing.T) {
	srv := liveServer(t, func(t *testing.T, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	tr, err := Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := collectEvents(t, tr)
	for _, ev := range events {
		if ev.Kind == EventError {
			t.Fatalf("local close surfaced as error: %+v", ev)
		}
	}
	if last := events[len(events)-1]; last.Abnormal() {
		t.Fatalf("local close reported abnormal: %+v", last)
	}
}

func TestTransport_SendAudioEnvelope(t *testing.T) {
	received := make(chan realtimeInputMessage, 1)
	srv := liveServer(t, func(t *testing.T, conn *websocket.Conn) {
		var msg realtimeInputMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Errorf("read realtime input: %v", err)
			return
		}
		received <- msg
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	defer srv.Close()

	tr, err := Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	tr.SendAudio([]byte{0x10, 0x20, 0x30, 0x40})

	select {
	case msg := <-received:
		if msg.RealtimeInput.Audio.MimeType != inputMimeType {
			t.Fatalf("mime = %q, want %q", msg.RealtimeInput.Audio.MimeType, inputMimeType)
		}
		raw, err := base64.StdEncoding.DecodeString(msg.RealtimeInput.Audio.Data)
		if err != nil || len(raw) != 4 {
			t.Fatalf("payload decode: %v (%d bytes)", err, len(raw))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the audio frame")
	}
	collectEvents(t, tr)
}

func TestTransport_SendAfterCloseIsDroppedSilently(t *testing.T) {
	srv := liveServer(t, func(t *testing.T, conn *websocket.Conn) {
		// Hold the connection until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	tr, err := Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Must not panic or block; the frame is just dropped.
	tr.SendAudio([]byte{1, 2})

	events := collectEvents(t, tr)
	if len(events) == 0 || events[len(events)-1].Kind != EventClosed {
		t.Fatalf("events = %+v, want terminal Closed", events)
	}
}

func TestParseServerMessage_IgnoresNonContent(t *testing.T) {
	if evs := parseServerMessage([]byte(`{"goAway":{"timeLeft":"10s"}}`)); len(evs) != 0 {
		t.Fatalf("goAway produced %d events, want 0", len(evs))
	}
	if evs := parseServerMessage([]byte(`not json`)); len(evs) != 0 {
		t.Fatalf("garbage produced %d events, want 0", len(evs))
	}
}

func TestBuildSetup_OmitsEmptyOptionals(t *testing.T) {
	raw, err := json.Marshal(buildSetup(Config{APIKey: "k", Model: "m"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "speechConfig") {
		t.Fatalf("setup with no voice contains speechConfig: %s", raw)
	}
	if strings.Contains(string(raw), "systemInstruction") {
		t.Fatalf("setup with no instruction contains systemInstruction: %s", raw)
	}
}
