package ai

import (
	"errors"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		in      string
		payload string
		kind    lineKind
	}{
		{"", "", lineIgnore},
		{"   ", "", lineIgnore},
		{"data:", "", lineIgnore},
		{"data: [DONE]", "", lineDone},
		{"data:[DONE]  ", "", lineDone},
		{": ping", "", lineIgnore},
		{"event: delta", "", lineIgnore},
		{"id: 12", "", lineIgnore},
		{"retry: 500", "", lineIgnore},
		{`data: {"a":1}`, `{"a":1}`, lineData},
		{`  data:{"a":1}  `, `{"a":1}`, lineData},
		{`{"bare":true}`, `{"bare":true}`, lineData},
	}
	for _, tc := range cases {
		payload, kind := classifyLine(tc.in)
		if payload != tc.payload || kind != tc.kind {
			t.Errorf("classifyLine(%q) = (%q, %d), want (%q, %d)", tc.in, payload, kind, tc.payload, tc.kind)
		}
	}
}

func TestSSEScanner_Sequence(t *testing.T) {
	in := strings.Join([]string{
		chunk("a"),
		"",
		"data: {oops",
		chunk(""),
		chunk("b"),
		"data: [DONE]",
		chunk("c"),
	}, "\n")
	sc := newSSEScanner(strings.NewReader(in), zerolog.Nop())

	var got []string
	for {
		d, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, d)
	}
	if strings.Join(got, "") != "ab" {
		t.Fatalf("unexpected deltas %q", got)
	}
	if sc.skipped != 1 || !sc.sawDone {
		t.Fatalf("skipped=%d sawDone=%v", sc.skipped, sc.sawDone)
	}
	if _, err := sc.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after sentinel, got %v", err)
	}
}

func TestSSEScanner_OnLineSeesEveryLine(t *testing.T) {
	in := ": keep-alive\nevent: ping\n\n" + chunk("x") + "\ndata: [DONE]\n"
	sc := newSSEScanner(strings.NewReader(in), zerolog.Nop())
	lines := 0
	sc.onLine = func() { lines++ }
	for {
		if _, err := sc.Next(); err != nil {
			break
		}
	}
	if lines != 5 {
		t.Fatalf("expected 5 lines observed, got %d", lines)
	}
}

func TestSSEScanner_EOFWithoutSentinel(t *testing.T) {
	sc := newSSEScanner(strings.NewReader(chunk("only")), zerolog.Nop())
	d, err := sc.Next()
	if err != nil || d != "only" {
		t.Fatalf("got %q %v", d, err)
	}
	if _, err := sc.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if sc.sawDone {
		t.Fatalf("sentinel was never sent")
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestSSEScanner_ReadError(t *testing.T) {
	boom := errors.New("connection reset")
	sc := newSSEScanner(io.MultiReader(strings.NewReader(chunk("x")+"\n"), errReader{boom}), zerolog.Nop())
	if d, err := sc.Next(); err != nil || d != "x" {
		t.Fatalf("got %q %v", d, err)
	}
	if _, err := sc.Next(); !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if truncate("short", 10) != "short" {
		t.Fatalf("short strings are unchanged")
	}
	if got := truncate("abcdef", 3); got != "abc…" {
		t.Fatalf("unexpected %q", got)
	}
	// "é" is two bytes; cutting inside it backs off to the rune start
	if got := truncate("aéb", 2); got != "a…" {
		t.Fatalf("unexpected %q", got)
	}
	if got := truncate(strings.Repeat("✓", 100), 200); !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
}
