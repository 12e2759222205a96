package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/KaramelBytes/chatstream/internal/registry"
)

const defaultBuffer = 8

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	log        zerolog.Logger
	buffer     int
	adapters   map[registry.ProviderKind]Adapter
	streamer   NativeStreamer
	nativeDef  string
	compatOpts []CompatibleOption
}

// WithAdapter installs a for kind, replacing the built-in adapter.
func WithAdapter(kind registry.ProviderKind, a Adapter) ClientOption {
	return func(o *clientOptions) { o.adapters[kind] = a }
}

// WithLogger sets the logger shared with the built-in adapters.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(o *clientOptions) { o.log = l }
}

// WithBuffer sets the response channel capacity.
func WithBuffer(n int) ClientOption {
	return func(o *clientOptions) {
		if n >= 0 {
			o.buffer = n
		}
	}
}

// WithNativeStreamer replaces the SDK behind the built-in native adapter.
func WithNativeStreamer(s NativeStreamer) ClientOption {
	return func(o *clientOptions) { o.streamer = s }
}

// WithNativeDefaultModel sets the model used by native entries that name none.
func WithNativeDefaultModel(name string) ClientOption {
	return func(o *clientOptions) { o.nativeDef = name }
}

// WithCompatibleOptions passes options to the built-in compatible adapter.
func WithCompatibleOptions(opts ...CompatibleOption) ClientOption {
	return func(o *clientOptions) { o.compatOpts = append(o.compatOpts, opts...) }
}

// Client dispatches single-prompt completions to the adapter for a model's
// provider kind and exposes the result as a channel of events.
type Client struct {
	log      zerolog.Logger
	buffer   int
	adapters map[registry.ProviderKind]Adapter
}

func NewClient(opts ...ClientOption) *Client {
	o := clientOptions{
		log:      zerolog.Nop(),
		buffer:   defaultBuffer,
		adapters: map[registry.ProviderKind]Adapter{},
	}
	for _, fn := range opts {
		fn(&o)
	}
	if _, ok := o.adapters[registry.ProviderNative]; !ok {
		na := NewNativeAdapter(o.streamer, o.log)
		na.DefaultModel = o.nativeDef
		o.adapters[registry.ProviderNative] = na
	}
	if _, ok := o.adapters[registry.ProviderCompatible]; !ok {
		copts := append([]CompatibleOption{WithCompatibleLogger(o.log)}, o.compatOpts...)
		o.adapters[registry.ProviderCompatible] = NewCompatibleAdapter(copts...)
	}
	return &Client{log: o.log, buffer: o.buffer, adapters: o.adapters}
}

// GenerateResponse streams a reply to prompt from model. The returned channel
// yields fragments in upstream order followed by exactly one Complete or
// Failed event, then closes. Consumers must drain the channel or cancel ctx.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, model registry.ModelConfig) <-chan StreamEvent {
	ch := make(chan StreamEvent, c.buffer)
	go c.run(ctx, prompt, model, ch)
	return ch
}

func (c *Client) run(ctx context.Context, prompt string, model registry.ModelConfig, ch chan<- StreamEvent) {
	defer close(ch)
	start := time.Now()
	var fragments int

	stats, err := c.dispatch(ctx, prompt, model, func(text string) error {
		select {
		case ch <- StreamEvent{Type: StreamEventFragment, Text: text}:
			fragments++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	stats.Fragments = fragments
	stats.Duration = time.Since(start)

	ev := StreamEvent{Type: StreamEventComplete, Stats: stats}
	log := c.log.With().Str("model", model.Name).Str("provider", string(model.Provider)).Logger()
	if err != nil {
		ev.Type = StreamEventFailed
		ev.Err = err
		log.Debug().Err(err).Str("kind", Classify(err).String()).Int("fragments", fragments).Msg("stream failed")
	} else {
		log.Debug().Int("fragments", fragments).Int("skipped", stats.Skipped).Dur("duration", stats.Duration).Msg("stream complete")
	}

	// the outcome is best effort once the consumer has gone away
	select {
	case ch <- ev:
	default:
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}
}

func (c *Client) dispatch(ctx context.Context, prompt string, model registry.ModelConfig, onDelta func(string) error) (StreamStats, error) {
	if err := model.Validate(); err != nil {
		return StreamStats{}, &ConfigError{Model: model.Name, Err: err}
	}
	adapter, ok := c.adapters[model.Provider]
	if !ok || adapter == nil {
		return StreamStats{}, &ConfigError{Model: model.Name, Err: fmt.Errorf("no adapter for provider %q", model.Provider)}
	}
	if err := ctx.Err(); err != nil {
		return StreamStats{}, err
	}
	return adapter.GenerateStream(ctx, prompt, model, onDelta)
}
