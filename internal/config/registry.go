package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/qafmux/pkg/device"
	"github.com/MrWong99/qafmux/pkg/qaf"
)

// ErrComponentNotRegistered is returned by Create* methods when no factory
// has been registered under the requested name.
var ErrComponentNotRegistered = errors.New("config: component not registered")

// Factory builds a component from its config entry.
type Factory[T any] func(ComponentEntry) (T, error)

// factories is a named set of constructors for one component kind.
type factories[T any] struct {
	kind string
	byID map[string]Factory[T]
}

func (f *factories[T]) create(entry ComponentEntry) (T, error) {
	build, ok := f.byID[entry.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrComponentNotRegistered, f.kind, entry.Name)
	}
	v, err := build(entry)
	if err != nil {
		return v, fmt.Errorf("config: build %s/%q: %w", f.kind, entry.Name, err)
	}
	return v, nil
}

func (f *factories[T]) names() []string {
	out := make([]string, 0, len(f.byID))
	for name := range f.byID {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Registry resolves the engine and device names of a [Config] to
// constructors. Registering a name twice replaces the earlier factory.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines factories[qaf.Engine]
	devices factories[device.Device]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: factories[qaf.Engine]{kind: "engine", byID: map[string]Factory[qaf.Engine]{}},
		devices: factories[device.Device]{kind: "device", byID: map[string]Factory[device.Device]{}},
	}
}

// RegisterEngine makes an engine available as engine.name in the config.
func (r *Registry) RegisterEngine(name string, f Factory[qaf.Engine]) {
	r.mu.Lock()
	r.engines.byID[name] = f
	r.mu.Unlock()
}

// RegisterDevice makes a device layer available as device.name in the config.
func (r *Registry) RegisterDevice(name string, f Factory[device.Device]) {
	r.mu.Lock()
	r.devices.byID[name] = f
	r.mu.Unlock()
}

// CreateEngine builds the engine named by entry. Unknown names wrap
// [ErrComponentNotRegistered]; factory errors are wrapped as-is.
func (r *Registry) CreateEngine(entry ComponentEntry) (qaf.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines.create(entry)
}

// CreateDevice builds the device layer named by entry.
func (r *Registry) CreateDevice(entry ComponentEntry) (device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.create(entry)
}

// Engines lists the registered engine names in sorted order.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines.names()
}

// Devices lists the registered device names in sorted order.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.names()
}
