// Package session coordinates one live tutoring conversation: it owns the
// lifecycle state machine, wires capture, transport, playback, transcript,
// and persistence together, and guarantees teardown on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sprachlab/sprechstunde/pkg/config"
	"github.com/sprachlab/sprechstunde/pkg/live"
	"github.com/sprachlab/sprechstunde/pkg/metrics"
	"github.com/sprachlab/sprechstunde/pkg/playback"
	"github.com/sprachlab/sprechstunde/pkg/store"
	"github.com/sprachlab/sprechstunde/pkg/transcript"
)

// Transport is the duplex connection to the remote agent.
type Transport interface {
	SendAudio(pcm []byte)
	Events() <-chan live.ServerEvent
	Close() error
}

// Capture delivers fixed-size microphone frames until closed.
type Capture interface {
	Frames() <-chan []byte
	Close()
}

// Player schedules decoded agent audio for gapless output.
type Player interface {
	Schedule(pcm []byte) (playback.Source, bool)
	Interrupt()
	Speaking() bool
	Close()
}

// Persistence is the durable transcript store boundary.
type Persistence interface {
	PreloadHistory(ctx context.Context) (string, error)
	FlushConversation(ctx context.Context, bucketKey, content string) error
}

// Options wires a Session. The factories run during Connecting so a failed
// acquisition can release whatever came before it.
type Options struct {
	Config config.Config

	// Persistence may be nil; the session then runs without history or
	// durable flushes.
	Persistence Persistence

	OpenCapture func() (Capture, error)
	OpenPlayer  func() (Player, error)
	Dial        func(ctx context.Context, systemInstruction string) (Transport, error)

	// OnState observes lifecycle transitions; OnLine observes finalized
	// transcript lines; OnName fires once when the student's identity
	// resolves. All optional, all invoked from session goroutines.
	OnState func(State)
	OnLine  func(transcript.Line)
	OnName  func(string)
}

// ErrNotIdle is returned by Connect when a session is already running.
var ErrNotIdle = errors.New("session: already connecting or connected")

const flushTimeout = 10 * time.Second

// Session is one conversation. Restartable: after teardown returns it to
// Idle, Connect may be called again.
type Session struct {
	opts Options

	mu        sync.Mutex
	state     State
	sessionID string
	transport Transport
	capture   Capture
	player    Player
	teardown  *sync.Once

	agg      *transcript.Aggregator
	log      *transcript.Log
	resolver *transcript.Resolver

	dispatchDone chan struct{}
}

// New builds an idle session.
func New(opts Options) (*Session, error) {
	if opts.OpenCapture == nil || opts.OpenPlayer == nil || opts.Dial == nil {
		return nil, errors.New("session: capture, player, and dial factories are required")
	}
	return &Session{
		opts:     opts,
		state:    StateIdle,
		agg:      transcript.NewAggregator(),
		log:      transcript.NewLog(),
		resolver: transcript.NewResolver(),
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Log exposes the in-memory conversation log.
func (s *Session) Log() *transcript.Log {
	return s.log
}

// Connect drives Idle -> Connecting -> Connected. On any failure the
// partially acquired resources are released and the session lands in Error.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return ErrNotIdle
	}
	// Precondition check before the Connecting transition: an invalid
	// credential goes straight to Error, observers never see Connecting.
	if err := s.opts.Config.Validate(); err != nil {
		s.state = StateError
		s.mu.Unlock()
		s.notifyState(StateError)
		return err
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.notifyState(StateConnecting)

	// History preload is non-fatal: a broken store must not block the
	// lesson, the tutor just starts without the archive.
	history := ""
	if s.opts.Persistence != nil {
		h, err := s.opts.Persistence.PreloadHistory(ctx)
		if err != nil {
			slog.Warn("session: history preload failed, continuing without archive", "error", err)
		} else {
			history = h
		}
	}
	instruction := BuildInstruction(history)

	capture, err := s.opts.OpenCapture()
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("session: open capture: %w", err)
	}
	player, err := s.opts.OpenPlayer()
	if err != nil {
		capture.Close()
		s.setState(StateError)
		return fmt.Errorf("session: open player: %w", err)
	}
	transport, err := s.opts.Dial(ctx, instruction)
	if err != nil {
		capture.Close()
		player.Close()
		s.setState(StateError)
		return fmt.Errorf("session: dial: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.sessionID = uuid.NewString()
	s.capture = capture
	s.player = player
	s.transport = transport
	s.teardown = &sync.Once{}
	s.dispatchDone = done
	s.state = StateConnected
	s.mu.Unlock()
	s.notifyState(StateConnected)
	slog.Info("session: connected", "session_id", s.sessionID)

	go s.pumpCapture(capture, transport)
	go s.dispatch(transport, player, done)
	return nil
}

// Disconnect tears the session down and returns it to Idle. Closing the
// transport guarantees the event stream terminates, so waiting on the
// dispatcher is bounded. Safe to call repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	done := s.dispatchDone
	s.mu.Unlock()

	s.closeResources()
	if done != nil {
		<-done
	}
}

// Done is closed when the dispatcher for the current connection has
// finished, i.e. the event stream ended.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchDone
}

// pumpCapture forwards microphone frames for the life of the capture
// stream. The transport drops frames itself when it is not ready.
func (s *Session) pumpCapture(capture Capture, transport Transport) {
	for frame := range capture.Frames() {
		transport.SendAudio(frame)
	}
}

// dispatch consumes the ordered server event stream. It is the only
// goroutine touching the aggregator and resolver, so transcript state needs
// no ordering beyond the stream itself. When the stream ends it runs the
// tail of teardown: the best-effort final flush, transcript reset, and the
// terminal state transition.
func (s *Session) dispatch(transport Transport, player Player, done chan struct{}) {
	final := StateIdle
	for ev := range transport.Events() {
		switch ev.Kind {
		case live.EventAudioChunk:
			player.Schedule(ev.PCM)
		case live.EventTranscriptDelta:
			s.agg.AddDelta(ev.Channel, ev.Text)
		case live.EventTurnComplete:
			s.flushTurn()
		case live.EventInterrupted:
			metrics.Default.Interruptions.Inc()
			player.Interrupt()
		case live.EventError:
			slog.Error("session: server error", "detail", ev.Detail)
			final = StateError
			s.closeResources()
		case live.EventClosed:
			if ev.Abnormal() {
				slog.Error("session: stream closed abnormally", "code", ev.Code, "reason", ev.Reason)
				final = StateError
			} else {
				slog.Info("session: stream closed", "code", ev.Code, "reason", ev.Reason)
			}
			s.closeResources()
		}
	}

	// The stream is over: nothing mutates the transcript anymore, so the
	// final flush sees every completed turn.
	s.closeResources()
	s.finalFlush()
	s.agg.Reset()
	s.resolver.Reset()
	s.log.Reset()
	s.setState(final)
	slog.Info("session: released", "state", final.String())
	close(done)
}

// flushTurn finalizes the current turn and runs identity resolution on any
// newly flushed agent line while the student label is still the placeholder.
func (s *Session) flushTurn() {
	lines := s.agg.FlushTurn(time.Now())
	if len(lines) == 0 {
		return
	}
	s.log.Append(lines...)
	metrics.Default.TurnsFlushed.Inc()

	for _, line := range lines {
		if s.opts.OnLine != nil {
			s.opts.OnLine(line)
		}
		if line.Channel != transcript.ChannelAgent {
			continue
		}
		if s.agg.Label(transcript.ChannelUser) != transcript.PlaceholderLabel {
			continue
		}
		name, ok := s.resolver.Resolve(line.Text)
		if !ok {
			continue
		}
		s.agg.SetLabel(transcript.ChannelUser, name)
		relabeled := s.log.Relabel(transcript.PlaceholderLabel, name)
		slog.Info("session: student identified", "name", name, "relabeled_lines", relabeled)
		if s.opts.OnName != nil {
			s.opts.OnName(name)
		}
	}
}

// closeResources releases capture, transport, and playback for the current
// connection. Each release is isolated so one failure cannot block the
// others, and the whole thing is idempotent per connection. Closing the
// transport terminates the event stream, which lets dispatch finish the
// flush-and-reset tail of teardown.
func (s *Session) closeResources() {
	s.mu.Lock()
	once := s.teardown
	capture := s.capture
	transport := s.transport
	player := s.player
	s.mu.Unlock()
	if once == nil {
		// Never connected; nothing to release.
		return
	}

	once.Do(func() {
		if capture != nil {
			capture.Close()
		}
		if transport != nil {
			if err := transport.Close(); err != nil {
				slog.Warn("session: transport close failed", "error", err)
			}
		}
		if player != nil {
			player.Interrupt()
			player.Close()
		}

		s.mu.Lock()
		s.capture = nil
		s.transport = nil
		s.player = nil
		s.mu.Unlock()
	})
}

// finalFlush merges the session transcript into the durable store. Failure
// is logged and teardown proceeds; cleanup is never conditioned on the
// flush succeeding.
func (s *Session) finalFlush() {
	if s.opts.Persistence == nil {
		return
	}
	content := s.log.Render()
	if content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	bucket := store.BucketKey(time.Now())
	if err := s.opts.Persistence.FlushConversation(ctx, bucket, content); err != nil {
		slog.Error("session: final transcript flush failed, transcript lost unless retried",
			"bucket", bucket, "error", err)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notifyState(st)
}

func (s *Session) notifyState(st State) {
	if s.opts.OnState != nil {
		s.opts.OnState(st)
	}
}
