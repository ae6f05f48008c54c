// Package wgpu runs the orbit compute program on a GPU through the
// gogpu/wgpu HAL.
//
// Importing the package registers the "wgpu" backend, which opens a Vulkan
// device on the best available adapter:
//
//	import _ "github.com/gogpu/orbit/backend/wgpu"
//
// To share the device of an existing gogpu application, use Shared or
// SharedAcquirer with its gpucontext.DeviceProvider.
//
// WGSL is compiled to SPIR-V with gogpu/naga when a program is created.
// Readbacks wait until the queue reports the producing submission complete,
// then map the buffer and copy the range out, so completions arrive on
// background goroutines. Buffers and programs are destroyed only after the
// last submission referencing them completes.
//
// Building with the nogpu tag leaves the package empty of devices and
// nothing is registered.
package wgpu
