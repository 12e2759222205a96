package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/KaramelBytes/chatstream/internal/registry"
)

// Timeouts bounds the phases of a streamed request. A zero field disables that bound.
type Timeouts struct {
	Dial           time.Duration
	TLSHandshake   time.Duration
	ResponseHeader time.Duration
	// StreamIdle is the longest gap allowed between two body lines.
	StreamIdle time.Duration
}

// DefaultTimeouts returns the transport bounds used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Dial:           10 * time.Second,
		TLSHandshake:   10 * time.Second,
		ResponseHeader: 60 * time.Second,
		StreamIdle:     90 * time.Second,
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Conn is the reusable transport for one base URL.
type Conn struct {
	BaseURL    string
	endpoint   string
	httpClient *http.Client
}

// CompatibleOption configures a CompatibleAdapter.
type CompatibleOption func(*CompatibleAdapter)

// WithTransport makes every connection use rt instead of a dedicated http.Transport.
func WithTransport(rt http.RoundTripper) CompatibleOption {
	return func(a *CompatibleAdapter) { a.transport = rt }
}

// WithTimeouts overrides DefaultTimeouts.
func WithTimeouts(t Timeouts) CompatibleOption {
	return func(a *CompatibleAdapter) { a.timeouts = t }
}

// WithCompatibleLogger sets the adapter's logger.
func WithCompatibleLogger(l zerolog.Logger) CompatibleOption {
	return func(a *CompatibleAdapter) { a.log = l }
}

// CompatibleAdapter streams from OpenAI-style /chat/completions endpoints.
// Connections are cached per base URL for the adapter's lifetime.
type CompatibleAdapter struct {
	log       zerolog.Logger
	timeouts  Timeouts
	transport http.RoundTripper

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewCompatibleAdapter(opts ...CompatibleOption) *CompatibleAdapter {
	a := &CompatibleAdapter{
		log:      zerolog.Nop(),
		timeouts: DefaultTimeouts(),
		conns:    make(map[string]*Conn),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Conn returns the cached connection for baseURL, creating it on first use.
func (a *CompatibleAdapter) Conn(baseURL string) *Conn {
	key := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.conns[key]; ok {
		return c
	}
	c := &Conn{
		BaseURL:    key,
		endpoint:   key + "/chat/completions",
		httpClient: &http.Client{Transport: a.newTransport()},
	}
	a.conns[key] = c
	a.log.Debug().Str("base_url", key).Msg("opened connection")
	return c
}

// No http.Client.Timeout: it would bound the whole body and cut long streams.
func (a *CompatibleAdapter) newTransport() http.RoundTripper {
	if a.transport != nil {
		return a.transport
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   a.timeouts.Dial,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   a.timeouts.TLSHandshake,
		ResponseHeaderTimeout: a.timeouts.ResponseHeader,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}

// GenerateStream posts prompt as a single user message and forwards each
// streamed content delta to onDelta. Non-2xx responses fail without retry.
func (a *CompatibleAdapter) GenerateStream(ctx context.Context, prompt string, model registry.ModelConfig, onDelta func(string) error) (StreamStats, error) {
	var stats StreamStats
	conn := a.Conn(model.BaseURL)

	payload, err := json.Marshal(chatRequest{
		Model:    model.Model,
		Messages: []Message{{Role: "user", Content: prompt}},
		Stream:   true,
	})
	if err != nil {
		return stats, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.endpoint, bytes.NewReader(payload))
	if err != nil {
		return stats, &ConfigError{Model: model.Name, Err: fmt.Errorf("build request: %w", err)}
	}
	if model.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+model.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := conn.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		return stats, &TransportError{Op: "connect", URL: conn.endpoint, Err: err}
	}
	body := &onceCloser{ReadCloser: resp.Body}
	defer body.Close()
	// closing the body is what unblocks a read parked on a silent upstream
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return stats, decodeAPIError(resp, body)
	}

	var idled atomic.Bool
	var watchdog *time.Timer
	if idle := a.timeouts.StreamIdle; idle > 0 {
		watchdog = time.AfterFunc(idle, func() {
			idled.Store(true)
			_ = body.Close()
		})
		defer watchdog.Stop()
	}

	sc := newSSEScanner(body, a.log.With().Str("base_url", conn.BaseURL).Str("model", model.Model).Logger())
	if watchdog != nil {
		sc.onLine = func() { watchdog.Reset(a.timeouts.StreamIdle) }
	}
	for {
		delta, err := sc.Next()
		stats.Skipped = sc.skipped
		if err != nil && !errors.Is(err, io.EOF) {
			switch {
			case idled.Load():
				return stats, &TransportError{Op: "read", URL: conn.endpoint, Err: ErrIdleTimeout}
			case ctx.Err() != nil:
				return stats, ctx.Err()
			default:
				return stats, &TransportError{Op: "read", URL: conn.endpoint, Err: err}
			}
		}
		if err != nil {
			break
		}
		// a slow consumer is not an idle upstream
		if watchdog != nil {
			watchdog.Stop()
		}
		if err := onDelta(delta); err != nil {
			return stats, err
		}
		if watchdog != nil {
			watchdog.Reset(a.timeouts.StreamIdle)
		}
	}
	// a close from the watchdog or a cancel can surface as a bare EOF
	if !sc.sawDone {
		if idled.Load() {
			return stats, &TransportError{Op: "read", URL: conn.endpoint, Err: ErrIdleTimeout}
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// onceCloser makes Close idempotent so the cancel hook and the deferred close
// release the body exactly once.
type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.ReadCloser.Close() })
	return c.err
}
