// Package backend is the registry of compute device acquirers.
//
// Device packages register themselves from init():
//
//	import (
//	    "github.com/gogpu/orbit/backend"
//	    _ "github.com/gogpu/orbit/backend/software"
//	    _ "github.com/gogpu/orbit/backend/wgpu"
//	)
//
//	name, acquire, err := backend.Default()
//
// # Available Backends
//
//   - "wgpu": gogpu/wgpu HAL over Vulkan (absent with the nogpu build tag)
//   - "software": host execution of the orbit program, always available
package backend
