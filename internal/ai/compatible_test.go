package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/KaramelBytes/chatstream/internal/registry"
)

type ipv4Server struct {
	URL string
	srv *http.Server
	ln  net.Listener
}

func newIPv4Server(t *testing.T, handler http.Handler) *ipv4Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
			t.Skipf("skipping test: cannot open local listener (%v)", err)
		}
		t.Fatalf("listen tcp4: %v", err)
	}
	srv := &http.Server{Handler: handler}
	s := &ipv4Server{
		URL: "http://" + ln.Addr().String(),
		srv: srv,
		ln:  ln,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("test server serve: %v", err))
		}
	}()
	return s
}

func (s *ipv4Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

type capturedRequest struct {
	path   string
	auth   string
	accept string
	body   chatRequest
}

// sseServer replays lines as an event stream and reports each request on the returned channel.
func sseServer(t *testing.T, lines ...string) (*ipv4Server, <-chan capturedRequest) {
	t.Helper()
	reqs := make(chan capturedRequest, 8)
	s := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		reqs <- capturedRequest{
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			accept: r.Header.Get("Accept"),
			body:   body,
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl, _ := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprint(w, l+"\n\n")
			if fl != nil {
				fl.Flush()
			}
		}
	}))
	return s, reqs
}

func chunk(text string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": text}}},
	})
	return "data: " + string(b)
}

func compatibleModel(baseURL string) registry.ModelConfig {
	return registry.ModelConfig{
		ID:       "m1",
		Name:     "Local",
		APIKey:   "sk-test",
		Provider: registry.ProviderCompatible,
		BaseURL:  baseURL,
		Model:    "test-model",
	}
}

func fragments(t *testing.T, ch <-chan StreamEvent) ([]string, StreamEvent) {
	t.Helper()
	var got []string
	var last StreamEvent
	var terminals int
	for ev := range ch {
		if ev.Terminal() {
			terminals++
			last = ev
			continue
		}
		if terminals > 0 {
			t.Fatalf("fragment after terminal event: %q", ev.Text)
		}
		got = append(got, ev.Text)
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminals)
	}
	return got, last
}

func TestCompatible_StreamsFragmentsInOrder(t *testing.T) {
	srv, reqs := sseServer(t, chunk("Hi"), chunk(" there"), "data: [DONE]")
	defer srv.Close()

	c := NewClient()
	got, last := fragments(t, c.GenerateResponse(context.Background(), "hello", compatibleModel(srv.URL+"/")))
	if strings.Join(got, "|") != "Hi| there" {
		t.Fatalf("unexpected fragments: %q", got)
	}
	if last.Type != StreamEventComplete || last.Err != nil {
		t.Fatalf("expected complete, got %+v", last)
	}
	if last.Stats.Fragments != 2 || last.Stats.Skipped != 0 {
		t.Fatalf("unexpected stats: %+v", last.Stats)
	}

	req := <-reqs
	if req.path != "/chat/completions" {
		t.Fatalf("unexpected path %q", req.path)
	}
	if req.auth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", req.auth)
	}
	if req.accept != "text/event-stream" {
		t.Fatalf("unexpected accept header %q", req.accept)
	}
	if !req.body.Stream || req.body.Model != "test-model" {
		t.Fatalf("unexpected body %+v", req.body)
	}
	if len(req.body.Messages) != 1 || req.body.Messages[0].Role != "user" || req.body.Messages[0].Content != "hello" {
		t.Fatalf("unexpected messages %+v", req.body.Messages)
	}
}

func TestCompatible_MalformedLineSkipped(t *testing.T) {
	srv, _ := sseServer(t, chunk("a"), "data: not-json", chunk("b"), "data: [DONE]")
	defer srv.Close()

	text, last := Collect(NewClient().GenerateResponse(context.Background(), "p", compatibleModel(srv.URL)))
	if text != "ab" {
		t.Fatalf("expected ab, got %q", text)
	}
	if last.Type != StreamEventComplete {
		t.Fatalf("expected complete, got %+v", last)
	}
	if last.Stats.Skipped != 1 {
		t.Fatalf("expected 1 skipped line, got %d", last.Stats.Skipped)
	}
}

func TestCompatible_IgnoresCommentsAndFields(t *testing.T) {
	srv, _ := sseServer(t, ": keep-alive", "event: message", "id: 7", chunk("x"), "retry: 1000", `data: {"choices":[]}`, "data: [DONE]")
	defer srv.Close()

	text, last := Collect(NewClient().GenerateResponse(context.Background(), "p", compatibleModel(srv.URL)))
	if text != "x" || last.Type != StreamEventComplete || last.Stats.Skipped != 0 {
		t.Fatalf("unexpected result %q %+v", text, last)
	}
}

func TestCompatible_StopsAtSentinel(t *testing.T) {
	srv, _ := sseServer(t, chunk("kept"), "data: [DONE]", chunk("dropped"))
	defer srv.Close()

	text, last := Collect(NewClient().GenerateResponse(context.Background(), "p", compatibleModel(srv.URL)))
	if text != "kept" || last.Type != StreamEventComplete {
		t.Fatalf("unexpected result %q %+v", text, last)
	}
}

func TestCompatible_EOFWithoutSentinelCompletes(t *testing.T) {
	srv, _ := sseServer(t, chunk("one"), chunk("two"))
	defer srv.Close()

	text, last := Collect(NewClient().GenerateResponse(context.Background(), "p", compatibleModel(srv.URL)))
	if text != "onetwo" || last.Type != StreamEventComplete {
		t.Fatalf("unexpected result %q %+v", text, last)
	}
}

func TestCompatible_UnauthorizedFailsOnce(t *testing.T) {
	var hits int32
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("X-Request-Id", "req-9")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "invalid api key"}})
	}))
	defer srv.Close()

	got, last := fragments(t, NewClient().GenerateResponse(context.Background(), "p", compatibleModel(srv.URL)))
	if len(got) != 0 {
		t.Fatalf("expected no fragments, got %q", got)
	}
	if last.Type != StreamEventFailed || last.Kind() != KindTransport {
		t.Fatalf("expected transport failure, got %+v", last)
	}
	var ae *AuthError
	if !errors.As(last.Err, &ae) {
		t.Fatalf("expected AuthError, got %T", last.Err)
	}
	if ae.StatusCode != 401 || ae.RequestID != "req-9" || !strings.Contains(ae.Error(), "invalid api key") {
		t.Fatalf("unexpected error %v", ae)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected a single request, got %d", n)
	}
}

func TestCompatible_ServerErrorCarriesBodyText(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream exploded\n")
	}))
	defer srv.Close()

	_, last := Collect(NewClient().GenerateResponse(context.Background(), "p", compatibleModel(srv.URL)))
	var se *ServerError
	if !errors.As(last.Err, &se) {
		t.Fatalf("expected ServerError, got %T %v", last.Err, last.Err)
	}
	if se.StatusCode != http.StatusBadGateway || se.Message != "upstream exploded" {
		t.Fatalf("unexpected error %+v", se.APIError)
	}
}

func TestCompatible_RateLimitRetryAfter(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "slow down"})
	}))
	defer srv.Close()

	_, last := Collect(NewClient().GenerateResponse(context.Background(), "p", compatibleModel(srv.URL)))
	var rl *RateLimitError
	if !errors.As(last.Err, &rl) {
		t.Fatalf("expected RateLimitError, got %T", last.Err)
	}
	if rl.RetryAfter != 3*time.Second || rl.Message != "slow down" {
		t.Fatalf("unexpected rate limit error %+v", rl)
	}
}

func TestCompatible_ConnectFailureIsTransport(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot open local listener (%v)", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, last := Collect(NewClient().GenerateResponse(context.Background(), "p", compatibleModel("http://"+addr)))
	var te *TransportError
	if !errors.As(last.Err, &te) || te.Op != "connect" {
		t.Fatalf("expected connect TransportError, got %T %v", last.Err, last.Err)
	}
}

// countingTransport answers every request with the body built by next.
type countingTransport struct {
	calls int32
	next  func() io.ReadCloser
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	atomic.AddInt32(&c.calls, 1)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       c.next(),
		Request:    r,
	}, nil
}

type closeCounter struct {
	io.Reader
	closeFn func() error
	closes  int32
}

func (c *closeCounter) Close() error {
	atomic.AddInt32(&c.closes, 1)
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

func TestCompatible_MissingBaseURLMakesNoRequest(t *testing.T) {
	rt := &countingTransport{next: func() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }}
	c := NewClient(WithCompatibleOptions(WithTransport(rt)))

	m := compatibleModel("")
	_, last := fragments(t, c.GenerateResponse(context.Background(), "p", m))
	if last.Kind() != KindConfig {
		t.Fatalf("expected config failure, got %+v", last)
	}
	var ce *ConfigError
	if !errors.As(last.Err, &ce) || ce.Model != "Local" {
		t.Fatalf("expected ConfigError, got %T", last.Err)
	}

	m = compatibleModel("http://example.invalid/v1")
	m.Model = ""
	_, last = Collect(c.GenerateResponse(context.Background(), "p", m))
	if last.Kind() != KindConfig {
		t.Fatalf("expected config failure for missing model, got %+v", last)
	}
	if n := atomic.LoadInt32(&rt.calls); n != 0 {
		t.Fatalf("expected zero transport calls, got %d", n)
	}
}

func TestCompatible_ConnCachedPerBaseURL(t *testing.T) {
	a := NewCompatibleAdapter()
	first := a.Conn("https://api.example.com/v1")
	if a.Conn("https://api.example.com/v1") != first {
		t.Fatalf("expected the same connection for the same base URL")
	}
	if a.Conn("https://api.example.com/v1/") != first {
		t.Fatalf("expected trailing slash to share the connection")
	}
	if a.Conn("https://other.example.com/v1") == first {
		t.Fatalf("expected a distinct connection for a different base URL")
	}
	if first.endpoint != "https://api.example.com/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", first.endpoint)
	}
}

func TestCompatible_CancelMidStreamClosesBodyOnce(t *testing.T) {
	pr, pw := io.Pipe()
	body := &closeCounter{Reader: pr, closeFn: pr.Close}
	rt := &countingTransport{next: func() io.ReadCloser { return body }}
	c := NewClient(WithCompatibleOptions(WithTransport(rt)))

	go func() { _, _ = io.WriteString(pw, chunk("first")+"\n\n") }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.GenerateResponse(ctx, "p", compatibleModel("http://fake.local/v1"))

	ev := <-ch
	if ev.Type != StreamEventFragment || ev.Text != "first" {
		t.Fatalf("unexpected first event %+v", ev)
	}
	cancel()
	_, last := Collect(ch)
	if last.Type != StreamEventFailed || last.Kind() != KindCanceled {
		t.Fatalf("expected canceled failure, got %+v", last)
	}
	if n := atomic.LoadInt32(&body.closes); n != 1 {
		t.Fatalf("expected body closed exactly once, got %d", n)
	}
	_ = pw.Close()
}

func TestCompatible_AbandonedConsumerDoesNotBlockProducer(t *testing.T) {
	pr, pw := io.Pipe()
	body := &closeCounter{Reader: pr, closeFn: pr.Close}
	rt := &countingTransport{next: func() io.ReadCloser { return body }}
	c := NewClient(WithBuffer(0), WithCompatibleOptions(WithTransport(rt)))

	go func() {
		for i := 0; i < 100; i++ {
			if _, err := io.WriteString(pw, chunk("x")+"\n\n"); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.GenerateResponse(ctx, "p", compatibleModel("http://fake.local/v1"))
	<-ch
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if n := atomic.LoadInt32(&body.closes); n != 1 {
					t.Fatalf("expected body closed exactly once, got %d", n)
				}
				return
			}
		case <-deadline:
			t.Fatalf("producer did not finish after cancel")
		}
	}
}

func TestCompatible_IdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	body := &closeCounter{Reader: pr, closeFn: pr.Close}
	rt := &countingTransport{next: func() io.ReadCloser { return body }}
	timeouts := DefaultTimeouts()
	timeouts.StreamIdle = 50 * time.Millisecond
	c := NewClient(WithCompatibleOptions(WithTransport(rt), WithTimeouts(timeouts)))

	_, last := Collect(c.GenerateResponse(context.Background(), "p", compatibleModel("http://fake.local/v1")))
	if last.Type != StreamEventFailed || last.Kind() != KindTransport {
		t.Fatalf("expected transport failure, got %+v", last)
	}
	if !errors.Is(last.Err, ErrIdleTimeout) {
		t.Fatalf("expected idle timeout, got %v", last.Err)
	}
	if n := atomic.LoadInt32(&body.closes); n != 1 {
		t.Fatalf("expected body closed exactly once, got %d", n)
	}
}

func TestCompatible_KeepAliveLinesResetIdleTimer(t *testing.T) {
	pr, pw := io.Pipe()
	body := &closeCounter{Reader: pr, closeFn: pr.Close}
	rt := &countingTransport{next: func() io.ReadCloser { return body }}
	timeouts := DefaultTimeouts()
	timeouts.StreamIdle = 80 * time.Millisecond
	c := NewClient(WithCompatibleOptions(WithTransport(rt), WithTimeouts(timeouts)))

	go func() {
		defer pw.Close()
		// no content for ~200ms, but a line every 20ms
		for i := 0; i < 10; i++ {
			line := ": keep-alive\n"
			if i%2 == 1 {
				line = `data: {"choices":[{"delta":{"role":"assistant","content":""}}]}` + "\n\n"
			}
			if _, err := io.WriteString(pw, line); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		_, _ = io.WriteString(pw, chunk("answer")+"\n\ndata: [DONE]\n\n")
	}()

	got, last := fragments(t, c.GenerateResponse(context.Background(), "p", compatibleModel("http://fake.local/v1")))
	if last.Type != StreamEventComplete {
		t.Fatalf("expected complete, got %+v", last)
	}
	if strings.Join(got, "") != "answer" {
		t.Fatalf("unexpected fragments %q", got)
	}
}

func TestCompatible_SlowConsumerIsNotIdle(t *testing.T) {
	rt := &countingTransport{next: func() io.ReadCloser {
		return io.NopCloser(strings.NewReader(chunk("a") + "\n\n" + chunk("b") + "\n\ndata: [DONE]\n\n"))
	}}
	timeouts := DefaultTimeouts()
	timeouts.StreamIdle = 40 * time.Millisecond
	c := NewClient(WithBuffer(0), WithCompatibleOptions(WithTransport(rt), WithTimeouts(timeouts)))

	ch := c.GenerateResponse(context.Background(), "p", compatibleModel("http://fake.local/v1"))
	var got []string
	var last StreamEvent
	for ev := range ch {
		time.Sleep(100 * time.Millisecond)
		if ev.Type == StreamEventFragment {
			got = append(got, ev.Text)
			continue
		}
		last = ev
	}
	if last.Type != StreamEventComplete {
		t.Fatalf("expected complete, got %+v", last)
	}
	if strings.Join(got, "") != "ab" {
		t.Fatalf("unexpected fragments %q", got)
	}
}

func TestCompatible_NoAuthHeaderWithoutKey(t *testing.T) {
	srv, reqs := sseServer(t, "data: [DONE]")
	defer srv.Close()

	m := compatibleModel(srv.URL)
	m.APIKey = ""
	_, last := Collect(NewClient().GenerateResponse(context.Background(), "p", m))
	if last.Type != StreamEventComplete {
		t.Fatalf("expected complete, got %+v", last)
	}
	if req := <-reqs; req.auth != "" {
		t.Fatalf("expected no auth header, got %q", req.auth)
	}
}
