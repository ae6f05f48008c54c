package backend

import "errors"

// Backend names.
const (
	BackendWGPU     = "wgpu"
	BackendSoftware = "software"

	// Auto selects the highest-priority registered backend.
	Auto = "auto"
)

// Registration priorities. Higher wins in Default.
const (
	PriorityWGPU     = 100
	PrioritySoftware = 10
)

var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")
)
