package transcript

import (
	"strings"
	"sync"
	"time"
)

// Aggregator buffers partial transcription fragments per channel and turns
// them into finalized lines at turn boundaries. Deltas arrive in transport
// order; no reordering happens here.
type Aggregator struct {
	mu     sync.Mutex
	user   strings.Builder
	agent  strings.Builder
	labels map[Channel]string
}

// NewAggregator starts with the placeholder student label and the fixed
// tutor label.
func NewAggregator() *Aggregator {
	return &Aggregator{
		labels: map[Channel]string{
			ChannelUser:  PlaceholderLabel,
			ChannelAgent: AgentLabel,
		},
	}
}

// AddDelta appends a fragment to the channel's buffer.
func (a *Aggregator) AddDelta(ch Channel, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch ch {
	case ChannelUser:
		a.user.WriteString(text)
	case ChannelAgent:
		a.agent.WriteString(text)
	}
}

// FlushTurn finalizes the current turn: each non-empty buffer (after
// trimming) becomes one line stamped with now, user before agent. Both
// buffers are cleared regardless of emptiness.
func (a *Aggregator) FlushTurn(now time.Time) []Line {
	a.mu.Lock()
	defer a.mu.Unlock()

	var lines []Line
	if text := strings.TrimSpace(a.user.String()); text != "" {
		lines = append(lines, Line{
			Timestamp: now,
			Speaker:   a.labels[ChannelUser],
			Channel:   ChannelUser,
			Text:      text,
		})
	}
	if text := strings.TrimSpace(a.agent.String()); text != "" {
		lines = append(lines, Line{
			Timestamp: now,
			Speaker:   a.labels[ChannelAgent],
			Channel:   ChannelAgent,
			Text:      text,
		})
	}
	a.user.Reset()
	a.agent.Reset()
	return lines
}

// Label returns the current speaker label for a channel.
func (a *Aggregator) Label(ch Channel) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.labels[ch]
}

// SetLabel changes the speaker label used for future lines on a channel.
func (a *Aggregator) SetLabel(ch Channel, label string) {
	a.mu.Lock()
	a.labels[ch] = label
	a.mu.Unlock()
}

// Reset clears buffers and restores the placeholder label.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.user.Reset()
	a.agent.Reset()
	a.labels[ChannelUser] = PlaceholderLabel
	a.labels[ChannelAgent] = AgentLabel
	a.mu.Unlock()
}
