package orbit

import "github.com/chewxy/math32"

// Rotate advances one packed record by dt in place, rotating its position
// about its axis by speed*dt (Rodrigues' formula). The axis, speed and pad
// are left untouched. Arithmetic is float32 to match the compute program.
func Rotate(rec []float32, dt float32) {
	_ = rec[RecordFloats-1]
	theta := rec[OffsetSpeed] * dt
	if theta == 0 {
		return
	}
	s := math32.Sin(theta)
	c := math32.Cos(theta)

	rx, ry, rz := rec[OffsetPosition], rec[OffsetPosition+1], rec[OffsetPosition+2]
	kx, ky, kz := rec[OffsetAxis], rec[OffsetAxis+1], rec[OffsetAxis+2]

	// k × r
	cx := ky*rz - kz*ry
	cy := kz*rx - kx*rz
	cz := kx*ry - ky*rx

	d := (kx*rx + ky*ry + kz*rz) * (1 - c)

	rec[OffsetPosition+0] = rx*c + cx*s + kx*d
	rec[OffsetPosition+1] = ry*c + cy*s + ky*d
	rec[OffsetPosition+2] = rz*c + cz*s + kz*d
}

// Propagate advances the first n records of packed state by dt. n is
// clamped to the number of records present, mirroring the bounds guard in
// the compute program.
func Propagate(records []float32, dt float32, n int) {
	if m := Count(records); n > m {
		n = m
	}
	for i := 0; i < n; i++ {
		Rotate(records[i*RecordFloats:(i+1)*RecordFloats], dt)
	}
}
