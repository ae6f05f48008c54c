//go:build nogpu

package wgpu

// Available reports whether the package was built with GPU support.
const Available = false
