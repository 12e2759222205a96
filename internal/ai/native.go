package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/KaramelBytes/chatstream/internal/registry"
)

// NativeStreamer is the vendor SDK capability behind the native adapter.
// It must call onDelta for each text part in order and stop when onDelta errors.
type NativeStreamer interface {
	StreamText(ctx context.Context, apiKey, model, prompt string, onDelta func(string) error) error
}

// GeminiStreamer implements NativeStreamer with the Gemini SDK. A client is
// opened per call and closed before returning.
type GeminiStreamer struct {
	// Options are appended after the API key option (endpoint overrides, HTTP client).
	Options []option.ClientOption
}

func (g GeminiStreamer) StreamText(ctx context.Context, apiKey, model, prompt string, onDelta func(string) error) error {
	opts := append([]option.ClientOption{option.WithAPIKey(apiKey)}, g.Options...)
	sdk, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("gemini: create client: %w", err)
	}
	defer sdk.Close()

	it := sdk.GenerativeModel(model).GenerateContentStream(ctx, genai.Text(prompt))
	for {
		resp, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, text := range responseText(resp) {
			if err := onDelta(text); err != nil {
				return err
			}
		}
	}
}

// responseText returns the non-empty text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return nil
	}
	var out []string
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok && t != "" {
			out = append(out, string(t))
		}
	}
	return out
}

// NativeAdapter wraps a NativeStreamer in the Adapter contract.
type NativeAdapter struct {
	streamer NativeStreamer
	log      zerolog.Logger
	// DefaultModel replaces registry.DefaultNativeModel for entries without a model.
	DefaultModel string
}

// NewNativeAdapter returns an adapter over s; nil selects GeminiStreamer.
func NewNativeAdapter(s NativeStreamer, log zerolog.Logger) *NativeAdapter {
	if s == nil {
		s = GeminiStreamer{}
	}
	return &NativeAdapter{streamer: s, log: log}
}

func (a *NativeAdapter) GenerateStream(ctx context.Context, prompt string, model registry.ModelConfig, onDelta func(string) error) (StreamStats, error) {
	name := model.ModelOrDefault()
	if model.Model == "" && a.DefaultModel != "" {
		name = a.DefaultModel
	}
	err := a.streamer.StreamText(ctx, model.APIKey, name, prompt, onDelta)
	if err == nil {
		return StreamStats{}, nil
	}
	if ctx.Err() != nil {
		return StreamStats{}, ctx.Err()
	}
	a.log.Debug().Err(err).Str("model", name).Msg("native stream failed")
	return StreamStats{}, mapNativeError(err)
}

func mapNativeError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		apiErr := &APIError{StatusCode: gerr.Code, Message: gerr.Message}
		if apiErr.Message == "" {
			apiErr.Message = gerr.Body
		}
		return classifyAPIError(apiErr, gerr.Header)
	}
	return &TransportError{Op: "native stream", Err: err}
}
