package ai

import (
	"strings"
	"time"
)

// StreamEventType identifies a streaming event.
type StreamEventType string

const (
	StreamEventFragment StreamEventType = "fragment"
	StreamEventComplete StreamEventType = "complete"
	StreamEventFailed   StreamEventType = "failed"
)

// StreamStats summarizes one finished stream.
type StreamStats struct {
	Fragments int
	// Skipped counts stream lines dropped because they did not parse.
	Skipped  int
	Duration time.Duration
}

// StreamEvent is one item on a response channel. A stream is zero or more
// fragments followed by exactly one Complete or Failed event.
type StreamEvent struct {
	Type  StreamEventType
	Text  string
	Err   error
	Stats StreamStats
}

// Terminal reports whether e ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == StreamEventComplete || e.Type == StreamEventFailed
}

// Kind classifies a Failed event's error; KindNone otherwise.
func (e StreamEvent) Kind() ErrorKind {
	if e.Type != StreamEventFailed {
		return KindNone
	}
	return Classify(e.Err)
}

// Collect drains ch, returning the concatenated text and the terminal event.
// It blocks until the channel is closed.
func Collect(ch <-chan StreamEvent) (string, StreamEvent) {
	var b strings.Builder
	var last StreamEvent
	for ev := range ch {
		switch ev.Type {
		case StreamEventFragment:
			b.WriteString(ev.Text)
		case StreamEventComplete, StreamEventFailed:
			last = ev
		}
	}
	return b.String(), last
}
