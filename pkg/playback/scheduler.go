// Package playback schedules decoded model audio for gapless, ordered output
// and exposes whether the agent is currently audible.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sprachlab/sprechstunde/pkg/audio"
	"github.com/sprachlab/sprechstunde/pkg/metrics"
)

// Clock is the output timeline the scheduler synchronizes against. Now is
// monotonic and starts at zero when the session starts.
type Clock interface {
	Now() time.Duration
}

// NewSystemClock returns a Clock backed by the wall monotonic clock,
// zeroed at the call.
func NewSystemClock() Clock {
	return &systemClock{start: time.Now()}
}

type systemClock struct {
	start time.Time
}

func (c *systemClock) Now() time.Duration {
	return time.Since(c.start)
}

// Sink receives ordered PCM16 bytes for output. Write may buffer; Flush
// discards anything buffered but not yet audible.
type Sink interface {
	Write(p []byte) error
	Flush()
}

// Source is one decoded buffer on the schedule: its computed start offset
// and duration on the output timeline. A source leaves the active set
// exactly once, on natural completion or on interruption.
type Source struct {
	Start    time.Duration
	Duration time.Duration
}

func (s *Source) end() time.Duration {
	return s.Start + s.Duration
}

// Scheduler implements gapless scheduling: each chunk starts no earlier than
// the previous chunk's computed end and never in the past relative to the
// output clock.
type Scheduler struct {
	clock        Clock
	sink         Sink
	sampleRateHz int

	mu        sync.Mutex
	nextStart time.Duration
	active    map[*Source]struct{}
	closed    bool

	done   chan struct{}
	ticker *time.Ticker

	// onActivity observes transitions of the "producing sound" signal.
	onActivity func(speaking bool)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithActivityFunc registers a callback invoked whenever the audible state
// flips. Called without the scheduler lock held; keep it cheap.
func WithActivityFunc(fn func(speaking bool)) Option {
	return func(s *Scheduler) { s.onActivity = fn }
}

// NewScheduler creates a scheduler over the given output clock and sink.
// sampleRateHz is the rate of the PCM handed to Schedule.
func NewScheduler(clock Clock, sink Sink, sampleRateHz int, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:        clock,
		sink:         sink,
		sampleRateHz: sampleRateHz,
		active:       make(map[*Source]struct{}),
		done:         make(chan struct{}),
		ticker:       time.NewTicker(20 * time.Millisecond),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Schedule enqueues one decoded chunk and returns its computed start offset.
// The returned start is >= the previous chunk's end and >= the clock at the
// time of the call.
func (s *Scheduler) Schedule(pcm []byte) (Source, bool) {
	if len(pcm) == 0 {
		return Source{}, false
	}
	dur := audio.Duration(len(pcm), s.sampleRateHz)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Source{}, false
	}
	start := s.nextStart
	if now := s.clock.Now(); now > start {
		start = now
	}
	src := &Source{Start: start, Duration: dur}
	s.nextStart = start + dur
	wasIdle := len(s.active) == 0
	s.active[src] = struct{}{}
	sink := s.sink
	s.mu.Unlock()

	if err := sink.Write(pcm); err != nil {
		slog.Error("playback: sink write failed", "error", err)
	}
	metrics.Default.ChunksScheduled.Inc()

	if wasIdle && s.onActivity != nil {
		s.onActivity(true)
	}
	return *src, true
}

// Speaking reports whether any scheduled source could still be audible.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// ActiveCount returns the number of sources currently on the schedule.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Interrupt stops everything: flushes the sink, clears the active set, and
// rebases the next start on the current output clock. Rebasing on the clock
// (not zero) keeps a chunk arriving right after the interruption from being
// scheduled in the past; the clamp in Schedule stays as a second line.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	hadActive := len(s.active) > 0
	clear(s.active)
	s.nextStart = s.clock.Now()
	sink := s.sink
	s.mu.Unlock()

	sink.Flush()
	if hadActive && s.onActivity != nil {
		s.onActivity(false)
	}
}

// Close stops the completion loop and silences the sink. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clear(s.active)
	s.mu.Unlock()

	s.ticker.Stop()
	close(s.done)
	s.sink.Flush()
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.reap()
		}
	}
}

// reap removes sources whose scheduled end has passed on the output clock.
func (s *Scheduler) reap() {
	s.mu.Lock()
	now := s.clock.Now()
	removed := false
	for src := range s.active {
		if now >= src.end() {
			delete(s.active, src)
			removed = true
		}
	}
	idle := len(s.active) == 0
	s.mu.Unlock()

	if removed && idle && s.onActivity != nil {
		s.onActivity(false)
	}
}
