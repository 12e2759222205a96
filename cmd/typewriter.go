package cmd

import (
	"context"
	"io"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/KaramelBytes/chatstream/internal/ai"
)

// typewriter prints fragments at most runesPerSec runes per second.
// A zero rate writes each fragment as it arrives.
type typewriter struct {
	w   io.Writer
	lim *rate.Limiter
}

func newTypewriter(w io.Writer, runesPerSec int) *typewriter {
	tw := &typewriter{w: w}
	if runesPerSec > 0 {
		tw.lim = rate.NewLimiter(rate.Limit(runesPerSec), 1)
	}
	return tw
}

func (t *typewriter) write(ctx context.Context, s string) error {
	if t.lim == nil {
		_, err := io.WriteString(t.w, s)
		return err
	}
	buf := make([]byte, 0, utf8.UTFMax)
	for _, r := range s {
		if err := t.lim.Wait(ctx); err != nil {
			return err
		}
		if _, err := t.w.Write(utf8.AppendRune(buf[:0], r)); err != nil {
			return err
		}
	}
	return nil
}

// render drains ch through the typewriter and returns the terminal event.
// When printing stops early the rest of the stream is still drained so the
// producer can finish.
func (t *typewriter) render(ctx context.Context, ch <-chan ai.StreamEvent) (ai.StreamEvent, error) {
	var last ai.StreamEvent
	var werr error
	for ev := range ch {
		switch ev.Type {
		case ai.StreamEventFragment:
			if werr == nil {
				werr = t.write(ctx, ev.Text)
			}
		case ai.StreamEventComplete, ai.StreamEventFailed:
			last = ev
		}
	}
	return last, werr
}
