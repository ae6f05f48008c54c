package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/orbit"
)

type entry struct {
	priority int
	acquire  orbit.Acquirer
}

// registry holds registered acquirers.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]entry)
)

// Register registers an acquirer under name. This is typically called
// from init() functions in device packages. A second registration under
// the same name replaces the first.
func Register(name string, priority int, acquire orbit.Acquirer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = entry{priority: priority, acquire: acquire}
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the registered backend names, highest priority first.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return sortedLocked()
}

func sortedLocked() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := backends[names[i]].priority, backends[names[j]].priority
		if pi != pj {
			return pi > pj
		}
		return names[i] < names[j]
	})
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get returns the acquirer registered under name. Auto resolves to Default.
func Get(name string) (orbit.Acquirer, error) {
	if name == Auto || name == "" {
		_, acquire, err := Default()
		return acquire, err
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	return e.acquire, nil
}

// MustGet returns the acquirer registered under name or panics.
func MustGet(name string) orbit.Acquirer {
	a, err := Get(name)
	if err != nil {
		panic(err)
	}
	return a
}

// Default returns the highest-priority backend.
// Priority order: wgpu > software.
func Default() (string, orbit.Acquirer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := sortedLocked()
	if len(names) == 0 {
		return "", nil, ErrBackendNotAvailable
	}
	return names[0], backends[names[0]].acquire, nil
}
