package ai

import (
	"context"

	"github.com/KaramelBytes/chatstream/internal/registry"
)

// Adapter streams a single-prompt completion from one provider family.
// Implementations call onDelta once per fragment, in upstream order, and stop
// as soon as onDelta returns an error. They must release every transport
// resource before returning, on all paths.
type Adapter interface {
	GenerateStream(ctx context.Context, prompt string, model registry.ModelConfig, onDelta func(string) error) (StreamStats, error)
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(ctx context.Context, prompt string, model registry.ModelConfig, onDelta func(string) error) (StreamStats, error)

func (f AdapterFunc) GenerateStream(ctx context.Context, prompt string, model registry.ModelConfig, onDelta func(string) error) (StreamStats, error) {
	return f(ctx, prompt, model, onDelta)
}
