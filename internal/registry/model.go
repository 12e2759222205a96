package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderKind selects the upstream protocol family a model speaks.
type ProviderKind string

const (
	// ProviderNative is a vendor streaming SDK (Gemini).
	ProviderNative ProviderKind = "native_streaming"
	// ProviderCompatible is any OpenAI-style /chat/completions endpoint streamed over SSE.
	ProviderCompatible ProviderKind = "generic_compatible"
)

// DefaultNativeModel is used when a native entry has no model identifier.
const DefaultNativeModel = "gemini-1.5-flash"

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	return k == ProviderNative || k == ProviderCompatible
}

// ParseProviderKind accepts the canonical names plus a few short aliases.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "native_streaming", "native", "gemini", "google":
		return ProviderNative, nil
	case "generic_compatible", "compatible", "openai", "generic":
		return ProviderCompatible, nil
	default:
		return "", fmt.Errorf("invalid provider: %s (use native or compatible)", s)
	}
}

// ModelConfig is one configured endpoint. Provider-specific fields are optional
// and checked by Validate at the point of use.
type ModelConfig struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	APIKey   string       `json:"api_key"`
	Provider ProviderKind `json:"provider"`
	BaseURL  string       `json:"base_url,omitempty"`
	Model    string       `json:"model,omitempty"`
}

// ModelOrDefault returns the model identifier, falling back to the provider default.
func (m ModelConfig) ModelOrDefault() string {
	if m.Model != "" {
		return m.Model
	}
	if m.Provider == ProviderNative {
		return DefaultNativeModel
	}
	return ""
}

// Validate checks that the fields required by the provider kind are present.
func (m ModelConfig) Validate() error {
	if !m.Provider.Valid() {
		return &FieldError{Field: "provider", Msg: fmt.Sprintf("unknown provider kind %q", m.Provider)}
	}
	if m.Provider == ProviderCompatible {
		if strings.TrimSpace(m.BaseURL) == "" {
			return &FieldError{Field: "base_url", Msg: "required for generic_compatible models"}
		}
		if strings.TrimSpace(m.Model) == "" {
			return &FieldError{Field: "model", Msg: "required for generic_compatible models"}
		}
	}
	return nil
}

// FieldError reports a configuration field missing or invalid for the provider kind.
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid model config: %s: %s", e.Field, e.Msg)
}

// ErrProviderImmutable is returned by Update when the provider kind would change.
var ErrProviderImmutable = errors.New("provider kind cannot change; remove and re-add the model")

// DefaultModels is the first-run seed. IDs are assigned by the registry.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{
			Name:     "Gemini",
			APIKey:   "YOUR_GEMINI_API_KEY",
			Provider: ProviderNative,
			Model:    DefaultNativeModel,
		},
		{
			Name:     "DeepSeek",
			APIKey:   "YOUR_DEEPSEEK_API_KEY",
			Provider: ProviderCompatible,
			BaseURL:  "https://api.deepseek.com/v1",
			Model:    "deepseek-chat",
		},
		{
			Name:     "OpenRouter",
			APIKey:   "YOUR_OPENROUTER_API_KEY",
			Provider: ProviderCompatible,
			BaseURL:  "https://openrouter.ai/api/v1",
			Model:    "openai/gpt-4o-mini",
		},
	}
}
