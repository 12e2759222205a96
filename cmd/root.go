package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/KaramelBytes/chatstream/internal/ai"
	cfgpkg "github.com/KaramelBytes/chatstream/internal/config"
	"github.com/KaramelBytes/chatstream/internal/registry"
	"github.com/KaramelBytes/chatstream/internal/store"
)

var (
	// Global flags
	cfgFile string
	debug   bool
	// Overrides for config values when set
	flagStoreBackend   string
	flagIdleTimeoutSec int

	// Loaded configuration
	cfg *cfgpkg.Global
	log = zerolog.Nop()
)

// cliDeps are the constructors commands use; tests swap them for stubs.
type cliDeps struct {
	openStore func(backend, path string) (store.KV, error)
	newClient func(c *cfgpkg.Global, l zerolog.Logger) *ai.Client
}

var deps = cliDeps{
	openStore: store.Open,
	newClient: defaultNewClient,
}

var rootCmd = &cobra.Command{
	Use:   "chatstream",
	Short: "Stream chat completions from Gemini and OpenAI-compatible models",
	Long: `chatstream keeps a registry of model endpoints and streams single-prompt
replies from them, either through the Gemini SDK or any OpenAI-style
/chat/completions endpoint.`,
	SilenceUsage: true,
}

// Execute is the entry point called by main.main()
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "✗ Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.chatstream/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagStoreBackend, "store", "", "preference store backend: memory|file|sqlite (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagIdleTimeoutSec, "idle-timeout", 0, "seconds without stream data before failing (overrides config)")
}

func loadConfig() {
	log = newLogger(debug)
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		// Non-fatal: allow running commands that don't need config
		fmt.Fprintf(os.Stderr, "⚠ Warning: failed to load config: %v\n", err)
		return
	}
	cfg = c

	// Apply CLI overrides if provided
	f := rootCmd.PersistentFlags()
	if f.Changed("store") && flagStoreBackend != "" {
		if err := cfg.Set("store_backend", flagStoreBackend); err != nil {
			fmt.Fprintf(os.Stderr, "⚠ Warning: %v\n", err)
		}
	}
	if f.Changed("idle-timeout") && flagIdleTimeoutSec > 0 {
		cfg.StreamIdleTimeoutSec = flagIdleTimeoutSec
	}
}

func newLogger(debug bool) zerolog.Logger {
	lvl := zerolog.WarnLevel
	if debug {
		lvl = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

func loadedConfig() (*cfgpkg.Global, error) {
	if cfg != nil {
		return cfg, nil
	}
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg = c
	return cfg, nil
}

// openRegistry opens the configured store and loads the registry from it.
// The returned func flushes pending writes and closes the store.
func openRegistry(ctx context.Context) (*registry.Registry, func(), error) {
	c, err := loadedConfig()
	if err != nil {
		return nil, nil, err
	}
	kv, err := deps.openStore(c.StoreBackend, c.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", c.StoreBackend, err)
	}
	reg := registry.New(kv, registry.WithLogger(log))
	if err := reg.Initialize(ctx); err != nil {
		_ = kv.Close()
		return nil, nil, err
	}
	closeFn := func() {
		reg.Flush()
		if err := kv.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}
	return reg, closeFn, nil
}

func defaultNewClient(c *cfgpkg.Global, l zerolog.Logger) *ai.Client {
	t := ai.DefaultTimeouts()
	if c != nil {
		t.Dial = cfgpkg.Seconds(c.HTTPDialTimeoutSec)
		t.TLSHandshake = cfgpkg.Seconds(c.HTTPDialTimeoutSec)
		t.ResponseHeader = cfgpkg.Seconds(c.HTTPHeaderTimeoutSec)
		t.StreamIdle = cfgpkg.Seconds(c.StreamIdleTimeoutSec)
	}
	opts := []ai.ClientOption{
		ai.WithLogger(l),
		ai.WithCompatibleOptions(ai.WithTimeouts(t)),
	}
	if c != nil && c.NativeDefaultModel != "" {
		opts = append(opts, ai.WithNativeDefaultModel(c.NativeDefaultModel))
	}
	return ai.NewClient(opts...)
}

// resolveModel finds a registry entry by id or case-insensitive name. An empty
// ref falls back to the configured default model, then the selection.
func resolveModel(reg *registry.Registry, ref string) (registry.ModelConfig, error) {
	if ref == "" && cfg != nil {
		ref = cfg.DefaultModel
	}
	if ref == "" {
		if m, ok := reg.Selected(); ok {
			return m, nil
		}
		return registry.ModelConfig{}, fmt.Errorf("no model selected (use 'chatstream models select')")
	}
	if m, ok := reg.Get(ref); ok {
		return m, nil
	}
	var found []registry.ModelConfig
	for _, m := range reg.List() {
		if strings.EqualFold(m.Name, ref) {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return registry.ModelConfig{}, fmt.Errorf("model not found: %s", ref)
	case 1:
		return found[0], nil
	default:
		return registry.ModelConfig{}, fmt.Errorf("model name %q is ambiguous (%d matches); use the id", ref, len(found))
	}
}
