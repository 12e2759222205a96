package ai

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	sseDataPrefix   = "data:"
	sseDoneSentinel = "[DONE]"
	maxLineBytes    = 1 << 20
)

type lineKind int

const (
	lineIgnore lineKind = iota
	lineDone
	lineData
)

// classifyLine strips the data prefix and surrounding whitespace. Blank lines,
// SSE comments and non-data fields are ignored; the sentinel ends the stream.
func classifyLine(raw string) (string, lineKind) {
	line := strings.TrimSpace(raw)
	if strings.HasPrefix(line, sseDataPrefix) {
		line = strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
	} else if strings.HasPrefix(line, ":") || isSSEField(line) {
		return "", lineIgnore
	}
	switch line {
	case "":
		return "", lineIgnore
	case sseDoneSentinel:
		return "", lineDone
	}
	return line, lineData
}

func isSSEField(line string) bool {
	for _, f := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, f) {
			return true
		}
	}
	return false
}

// streamChunk is the subset of a chat.completion.chunk we read.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *streamChunk) content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// sseScanner turns a chat-completions event stream into content deltas.
type sseScanner struct {
	sc      *bufio.Scanner
	log     zerolog.Logger
	skipped int
	done    bool
	// sawDone is set when the stream ended with the sentinel rather than EOF.
	sawDone bool
	// onLine, when set, runs after every line read from the body.
	onLine func()
}

func newSSEScanner(r io.Reader, log zerolog.Logger) *sseScanner {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, maxLineBytes)
	return &sseScanner{sc: sc, log: log}
}

// Next returns the next non-empty delta. It returns io.EOF once the body is
// exhausted or the sentinel was seen, and the read error otherwise.
// Lines that fail to parse are logged, counted and skipped.
func (s *sseScanner) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.sc.Scan() {
		if s.onLine != nil {
			s.onLine()
		}
		payload, kind := classifyLine(s.sc.Text())
		switch kind {
		case lineIgnore:
			continue
		case lineDone:
			s.done = true
			s.sawDone = true
			return "", io.EOF
		}
		var c streamChunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			s.skipped++
			s.log.Warn().Err(err).Str("line", truncate(payload, 200)).Msg("skipping malformed stream event")
			continue
		}
		if text := c.content(); text != "" {
			return text, nil
		}
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	s.done = true
	return "", io.EOF
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
