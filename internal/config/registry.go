package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps VAD engine and audio source names to their constructors.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	vad    map[VADEngine]func(VADConfig) (vad.Engine, error)
	source map[SourceKind]func(AudioConfig) (audio.Source, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:    make(map[VADEngine]func(VADConfig) (vad.Engine, error)),
		source: make(map[SourceKind]func(AudioConfig) (audio.Source, error)),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name VADEngine, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSource registers an audio source factory under kind.
func (r *Registry) RegisterSource(kind SourceKind, factory func(AudioConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source[kind] = factory
}

// CreateVAD instantiates the VAD engine named by cfg.Engine.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateSource instantiates the audio source named by cfg.Source.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.source[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// VADEngines returns the registered engine names in sorted order.
func (r *Registry) VADEngines() []VADEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]VADEngine, 0, len(r.vad))
	for n := range r.vad {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
