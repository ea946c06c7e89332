package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/sprachlab/sprechstunde/pkg/audio"
)

// Speaker is the production Sink: a pull-based oto player fed from an
// internal buffer. Write appends; the player drains in real time. Flush
// drops whatever has not reached the device yet, which is how interruption
// becomes silent immediately.
type Speaker struct {
	otoCtx *oto.Context
	player *oto.Player

	mu      sync.Mutex
	buf     []byte
	cond    *sync.Cond
	playing bool
	closed  bool
}

// OpenSpeaker initializes the output device at 24 kHz mono PCM16 with a
// ~100ms buffer. Device unavailability is a session-start precondition.
func OpenSpeaker() (*Speaker, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   audio.OutputSampleRate,
		ChannelCount: audio.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &Speaker{
		otoCtx: otoCtx,
		buf:    make([]byte, 0, audio.OutputSampleRate*audio.BytesPerSample*2),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Write appends PCM for playback and starts the player on first data.
func (s *Speaker) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speaker is closed")
	}
	s.buf = append(s.buf, p...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	return nil
}

// Read implements io.Reader for the oto player. Blocks until data or close;
// after close it returns silence so the device drains without a pop.
func (s *Speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush discards all buffered-but-unplayed audio.
func (s *Speaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

// Close stops playback and wakes any blocked reader. Idempotent.
func (s *Speaker) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.mu.Unlock()

	if player != nil {
		_ = player.Close()
	}
}
