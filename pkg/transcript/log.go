// Package transcript aggregates streamed transcription fragments into
// discrete conversational turns, maintains the session's ordered line log,
// and resolves the student's identity from the tutor's registration phrase.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Channel identifies which side of the conversation produced text.
type Channel string

const (
	ChannelUser  Channel = "user"
	ChannelAgent Channel = "agent"
)

// PlaceholderLabel is used for the student until their name is registered.
const PlaceholderLabel = "Necunoscut"

// AgentLabel is the tutor's fixed display name.
const AgentLabel = "Herr Müller"

// Line is one finalized transcript line. Speaker is mutable until identity
// resolution; everything else is fixed at flush time.
type Line struct {
	Timestamp time.Time
	Speaker   string
	Channel   Channel
	Text      string
}

// Log is the append-only conversation log for one session. Lines are owned
// by the log; Render copies them out for persistence.
type Log struct {
	mu    sync.Mutex
	lines []Line
}

// NewLog returns an empty session log.
func NewLog() *Log {
	return &Log{}
}

// Append adds finalized lines in order.
func (l *Log) Append(lines ...Line) {
	l.mu.Lock()
	l.lines = append(l.lines, lines...)
	l.mu.Unlock()
}

// Len returns the number of logged lines.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// Lines returns a copy of the log.
func (l *Log) Lines() []Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Line, len(l.lines))
	copy(out, l.lines)
	return out
}

// Relabel rewrites, in one pass, every line whose speaker equals from. Used
// once per session when the placeholder resolves to a real name, so no flush
// can ever mix placeholder and resolved labels for the same entity.
func (l *Log) Relabel(from, to string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := range l.lines {
		if l.lines[i].Speaker == from {
			l.lines[i].Speaker = to
			n++
		}
	}
	return n
}

// Reset empties the log for a fresh session.
func (l *Log) Reset() {
	l.mu.Lock()
	l.lines = l.lines[:0]
	l.mu.Unlock()
}

// Render produces the persistence payload: one timestamped line per entry.
func (l *Log) Render() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, line := range l.lines {
		fmt.Fprintf(&b, "[%s] %s: %s\n",
			line.Timestamp.Format("2006-01-02 15:04:05"), line.Speaker, line.Text)
	}
	return b.String()
}
