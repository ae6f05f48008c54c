package orbit

import (
	_ "embed"
)

//go:embed shaders/orbit.wgsl
var orbitShaderWGSL string

// ShaderEntryPoint is the compute entry point of the orbit program.
const ShaderEntryPoint = "main"

// WorkgroupSize is the invocation width of one work group.
const WorkgroupSize = 64

// ShaderSource returns the WGSL source of the orbit compute program.
func ShaderSource() string { return orbitShaderWGSL }

// WorkgroupCount returns the number of work groups needed to cover n
// records: ceil(n / WorkgroupSize), and zero for n <= 0.
func WorkgroupCount(n int) uint32 {
	if n <= 0 {
		return 0
	}
	return uint32((n + WorkgroupSize - 1) / WorkgroupSize)
}
