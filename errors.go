package orbit

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine.
var (
	// ErrAccelerationUnavailable is reported through Session.Err when no
	// compute device could be acquired or the device kept failing. It is
	// never returned from NewSession.
	ErrAccelerationUnavailable = errors.New("orbit: acceleration unavailable")

	// ErrNonFinite is wrapped by EncodingError for NaN, infinite or
	// float32-overflowing fields.
	ErrNonFinite = errors.New("orbit: non-finite value")

	// ErrAxisNotUnit is wrapped by EncodingError when an axis is not unit length.
	ErrAxisNotUnit = errors.New("orbit: axis is not unit length")

	// ErrInvalidDeltaTime is returned by Stepper.Step for a NaN, infinite
	// or negative dt.
	ErrInvalidDeltaTime = errors.New("orbit: delta time must be finite and non-negative")

	// ErrInvalidScale is returned for a render scale that is not a finite
	// positive number.
	ErrInvalidScale = errors.New("orbit: scale must be finite and positive")

	// ErrSessionDisposed is returned by operations on a disposed session.
	ErrSessionDisposed = errors.New("orbit: session disposed")

	// ErrStepperAttached is returned by NewStepper when the session already
	// drives another stepper.
	ErrStepperAttached = errors.New("orbit: session already has a stepper")

	// ErrRenderSize is returned when a render buffer and the positions,
	// elements or session it is used with differ in size.
	ErrRenderSize = errors.New("orbit: render buffer size does not match session")

	// ErrNilAcquirer is returned by NewSession without an acquirer.
	ErrNilAcquirer = errors.New("orbit: nil acquirer")

	// ErrNoDevice is reported through Session.Err when an acquirer returns
	// neither a device nor an error.
	ErrNoDevice = errors.New("orbit: acquirer returned no device")

	// ErrSlotBusy is returned by StagingPool.Acquire when the slot for the
	// requested frame still holds an unfinished readback.
	ErrSlotBusy = errors.New("orbit: staging slot busy")

	// ErrSlotState is returned for an illegal staging slot transition.
	ErrSlotState = errors.New("orbit: illegal staging slot transition")
)

// EncodingError describes an element that cannot be packed.
type EncodingError struct {
	Index int    // position of the element in the input
	ID    string // element identifier, may be empty
	Field string // "position", "axis" or "speed"
	Err   error  // ErrNonFinite or ErrAxisNotUnit
}

func (e *EncodingError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("orbit: element %d (%s) %s: %v", e.Index, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("orbit: element %d %s: %v", e.Index, e.Field, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }
