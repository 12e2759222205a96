// Package registry holds the set of configured model endpoints and persists it
// to a key-value store.
//
// The in-memory collection is authoritative: mutations are visible to callers
// as soon as the call returns, while the durable write happens on a background
// goroutine. Flush waits for pending writes.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KaramelBytes/chatstream/internal/store"
)

// Keys used in the preference store.
const (
	KeyModelConfigs = "model_configs"
	KeySelected     = "selected_model_id"
)

const persistTimeout = 10 * time.Second

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for persistence diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(f func() string) Option {
	return func(r *Registry) {
		if f != nil {
			r.newID = f
		}
	}
}

// WithSeed replaces the first-run default set.
func WithSeed(seed []ModelConfig) Option {
	return func(r *Registry) {
		if len(seed) > 0 {
			r.seed = seed
		}
	}
}

// Registry owns the model collection and the current selection.
type Registry struct {
	kv    store.KV
	log   zerolog.Logger
	newID func() string
	seed  []ModelConfig

	initMu      sync.Mutex
	initialized bool

	mu       sync.RWMutex
	models   []ModelConfig
	selected string
	seq      uint64

	persistMu sync.Mutex
	written   uint64
	pending   sync.WaitGroup
}

// New constructs a Registry backed by kv. Call Initialize before use.
func New(kv store.KV, opts ...Option) *Registry {
	r := &Registry{
		kv:    kv,
		log:   zerolog.Nop(),
		newID: uuid.NewString,
		seed:  DefaultModels(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Initialize loads persisted configurations, seeding and persisting the default
// set when none exist. Repeated calls are no-ops once it has succeeded.
func (r *Registry) Initialize(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initialized {
		return nil
	}

	loaded, err := r.load(ctx)
	if err != nil {
		return err
	}
	selected, _, err := r.kv.Get(ctx, KeySelected)
	if err != nil {
		return fmt.Errorf("load selection: %w", err)
	}

	r.mu.Lock()
	seeded := len(loaded) == 0
	if seeded {
		loaded = make([]ModelConfig, 0, len(r.seed))
		for _, m := range r.seed {
			m.ID = r.newID()
			loaded = append(loaded, m)
		}
	}
	models, repaired := r.dedupe(loaded)
	r.models = models
	r.selected = selected
	if _, ok := r.indexOf(r.selected); !ok {
		r.selected = r.models[0].ID
	}
	if seeded || repaired {
		r.persistLocked()
	}
	r.mu.Unlock()

	if seeded {
		r.log.Info().Int("models", len(loaded)).Msg("seeded default model registry")
	} else if repaired {
		r.log.Warn().Msg("stored model registry had empty or duplicate ids; reassigned")
	}
	r.initialized = true
	return nil
}

func (r *Registry) load(ctx context.Context) ([]ModelConfig, error) {
	raw, ok, err := r.kv.Get(ctx, KeyModelConfigs)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var out []ModelConfig
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		r.log.Warn().Err(err).Msg("stored model registry is unreadable; reseeding defaults")
		return nil, nil
	}
	return out, nil
}

// dedupe gives fresh ids to entries whose id is empty or already taken and
// reports whether any id changed.
func (r *Registry) dedupe(in []ModelConfig) ([]ModelConfig, bool) {
	seen := make(map[string]struct{}, len(in))
	out := make([]ModelConfig, 0, len(in))
	repaired := false
	for _, m := range in {
		if _, dup := seen[m.ID]; m.ID == "" || dup {
			m.ID = r.newID()
			repaired = true
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out, repaired
}

// List returns a copy of all configs in insertion order.
func (r *Registry) List() []ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelConfig, len(r.models))
	copy(out, r.models)
	return out
}

// Get returns the config with the given id.
func (r *Registry) Get(id string) (ModelConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.indexOf(id)
	if !ok {
		return ModelConfig{}, false
	}
	return r.models[i], true
}

// Add appends cfg under a freshly generated id and returns the stored record.
// Any id supplied by the caller is discarded.
func (r *Registry) Add(cfg ModelConfig) ModelConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		cfg.ID = r.newID()
		if _, taken := r.indexOf(cfg.ID); !taken {
			break
		}
	}
	r.models = append(r.models, cfg)
	if r.selected == "" {
		r.selected = cfg.ID
	}
	r.persistLocked()
	return cfg
}

// Update replaces the entry whose id matches cfg.ID. Unknown ids are ignored.
func (r *Registry) Update(cfg ModelConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.indexOf(cfg.ID)
	if !ok {
		return nil
	}
	if r.models[i].Provider != cfg.Provider {
		return ErrProviderImmutable
	}
	r.models[i] = cfg
	r.persistLocked()
	return nil
}

// Remove deletes the entry with id unless it is unknown or the last one left.
// If the removed entry was selected, selection moves to a remaining entry first.
// It reports whether anything was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.indexOf(id)
	if !ok || len(r.models) <= 1 {
		return false
	}
	if r.selected == id {
		if i == 0 {
			r.selected = r.models[1].ID
		} else {
			r.selected = r.models[0].ID
		}
	}
	r.models = append(r.models[:i:i], r.models[i+1:]...)
	r.persistLocked()
	return true
}

// Selected returns the currently selected config. ok is false only before
// the registry holds any entry.
func (r *Registry) Selected() (ModelConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.indexOf(r.selected)
	if !ok {
		return ModelConfig{}, false
	}
	return r.models[i], true
}

// Select makes id the current selection. Unknown ids leave selection unchanged.
func (r *Registry) Select(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexOf(id); !ok {
		return false
	}
	if r.selected != id {
		r.selected = id
		r.persistLocked()
	}
	return true
}

// Flush blocks until every persistence write started so far has finished.
func (r *Registry) Flush() {
	r.pending.Wait()
}

func (r *Registry) indexOf(id string) (int, bool) {
	if id == "" {
		return 0, false
	}
	for i, m := range r.models {
		if m.ID == id {
			return i, true
		}
	}
	return 0, false
}

// persistLocked snapshots the collection and writes it in the background.
// Caller must hold r.mu for writing.
func (r *Registry) persistLocked() {
	r.seq++
	seq := r.seq
	snap := make([]ModelConfig, len(r.models))
	copy(snap, r.models)
	sel := r.selected

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		r.write(seq, snap, sel)
	}()
}

func (r *Registry) write(seq uint64, snap []ModelConfig, selected string) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	// a newer snapshot already reached the store
	if seq <= r.written {
		return
	}
	b, err := json.Marshal(snap)
	if err != nil {
		r.log.Error().Err(err).Msg("marshal model registry")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.kv.Set(ctx, KeyModelConfigs, string(b)); err != nil {
		r.log.Error().Err(err).Uint64("seq", seq).Msg("persist model registry")
		return
	}
	if err := r.kv.Set(ctx, KeySelected, selected); err != nil {
		r.log.Error().Err(err).Uint64("seq", seq).Msg("persist model selection")
		return
	}
	r.written = seq
	r.log.Debug().Uint64("seq", seq).Int("models", len(snap)).Msg("model registry persisted")
}
