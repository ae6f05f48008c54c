package orbit

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Record layout. Every element occupies RecordFloats consecutive float32
// values in the packed state.
const (
	RecordFloats = 8
	RecordSize   = RecordFloats * 4

	OffsetPosition = 0
	OffsetPad      = 3
	OffsetAxis     = 4
	OffsetSpeed    = 7

	// ParamsSize is the size in bytes of the per-frame uniform block.
	ParamsSize = 16
)

// AxisTolerance is the accepted deviation of |axis| from 1.
const AxisTolerance = 1e-4

// Vec3 is a 3-component vector in float64.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Dot returns the dot product.
func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

// Cross returns v × o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Length returns |v|.
func (v Vec3) Length() float64 { return math.Sqrt(v.Dot(v)) }

// Element is the host description of one orbiting object.
type Element struct {
	ID string

	// Position in an inertial frame, in the caller's length unit.
	Position Vec3

	// Axis is the unit rotation axis.
	Axis Vec3

	// AngularSpeed in radians per time unit. Zero and negative are valid.
	AngularSpeed float64
}

// Record mirrors one packed element as the compute program sees it.
type Record struct {
	Position [3]float32
	_        float32
	Axis     [3]float32
	Speed    float32
}

func init() {
	if unsafe.Sizeof(Record{}) != RecordSize {
		panic("orbit: Record layout does not match RecordSize")
	}
}

// Encode packs elements into 8N float32 values in input order. The stored
// speed is AngularSpeed * speedMultiplier. A nil or empty input yields an
// empty, non-nil slice.
func Encode(elements []Element, speedMultiplier float64) ([]float32, error) {
	out := make([]float32, len(elements)*RecordFloats)
	for i := range elements {
		if err := encodeElement(out[i*RecordFloats:(i+1)*RecordFloats], i, &elements[i], speedMultiplier); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeElement(dst []float32, i int, e *Element, speedMultiplier float64) error {
	fail := func(field string, err error) error {
		return &EncodingError{Index: i, ID: e.ID, Field: field, Err: err}
	}

	if !finiteVec(e.Position) {
		return fail("position", ErrNonFinite)
	}
	if !finiteVec(e.Axis) {
		return fail("axis", ErrNonFinite)
	}
	if l := e.Axis.Length(); math.Abs(l-1) > AxisTolerance {
		return fail("axis", ErrAxisNotUnit)
	}
	speed := e.AngularSpeed * speedMultiplier
	if !finite32(speed) {
		return fail("speed", ErrNonFinite)
	}

	dst[OffsetPosition+0] = float32(e.Position.X)
	dst[OffsetPosition+1] = float32(e.Position.Y)
	dst[OffsetPosition+2] = float32(e.Position.Z)
	dst[OffsetPad] = 0
	dst[OffsetAxis+0] = float32(e.Axis.X)
	dst[OffsetAxis+1] = float32(e.Axis.Y)
	dst[OffsetAxis+2] = float32(e.Axis.Z)
	dst[OffsetSpeed] = float32(speed)
	return nil
}

// finite32 reports whether v is finite and representable as a finite float32.
func finite32(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && math.Abs(v) <= math.MaxFloat32
}

func finiteVec(v Vec3) bool {
	return finite32(v.X) && finite32(v.Y) && finite32(v.Z)
}

// Decode returns the i-th record of packed state.
func Decode(records []float32, i int) Record {
	r := records[i*RecordFloats : (i+1)*RecordFloats]
	return Record{
		Position: [3]float32{r[OffsetPosition], r[OffsetPosition+1], r[OffsetPosition+2]},
		Axis:     [3]float32{r[OffsetAxis], r[OffsetAxis+1], r[OffsetAxis+2]},
		Speed:    r[OffsetSpeed],
	}
}

// Count returns the number of records in packed state.
func Count(records []float32) int { return len(records) / RecordFloats }

// Bytes returns the little-endian byte image of packed state, as uploaded
// to a device buffer.
func Bytes(records []float32) []byte {
	out := make([]byte, len(records)*4)
	for i, f := range records {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// Float32s decodes a little-endian byte image into dst, reusing its storage
// when large enough.
func Float32s(dst []float32, b []byte) []float32 {
	n := len(b) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return dst
}

// PutParams writes the 16-byte uniform block for one frame.
func PutParams(dst []byte, dt float32, count uint32) {
	_ = dst[ParamsSize-1]
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(dt))
	binary.LittleEndian.PutUint32(dst[4:], count)
	binary.LittleEndian.PutUint32(dst[8:], 0)
	binary.LittleEndian.PutUint32(dst[12:], 0)
}

// ParseParams is the inverse of PutParams.
func ParseParams(b []byte) (dt float32, count uint32) {
	_ = b[ParamsSize-1]
	return math.Float32frombits(binary.LittleEndian.Uint32(b[0:])), binary.LittleEndian.Uint32(b[4:])
}
