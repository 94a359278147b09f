package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/talkloop/pkg/recognize"
)

// ErrProviderNotRegistered is returned by [Registry.CreateRecognizer] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RecognizerFactory builds a recognizer from its config entry.
type RecognizerFactory func(ProviderEntry) (recognize.Recognizer, error)

// Registry maps provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognizers map[string]RecognizerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{recognizers: make(map[string]RecognizerFactory)}
}

// RegisterRecognizer registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory RecognizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// CreateRecognizer instantiates the recognizer named by entry.Name.
func (r *Registry) CreateRecognizer(entry ProviderEntry) (recognize.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer %q", ErrProviderNotRegistered, entry.Name)
	}
	rec, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create recognizer %q: %w", entry.Name, err)
	}
	return rec, nil
}

// Recognizers returns the registered recognizer names in sorted order.
func (r *Registry) Recognizers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.recognizers))
	for name := range r.recognizers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
