// Package orbit advances the positions of many orbiting objects on a GPU
// compute device and feeds the results into a render buffer.
//
// # Overview
//
// Each object travels on a circle around the origin: at every step its
// position rotates about a fixed unit axis by an angle equal to its angular
// speed times the elapsed time. The state of all objects lives in one
// device-resident buffer of fixed-stride records. Every frame dispatches one
// compute pass over that buffer, copies the result into a staging buffer
// and maps it back asynchronously. The host keeps stepping while results are
// in flight.
//
// # Quick Start
//
//	session, err := orbit.NewSession(elements, backend.MustGet("wgpu"))
//	if err != nil {
//	    return err
//	}
//	defer session.Dispose()
//
//	render := orbit.NewRenderBuffer(len(elements))
//	_ = render.Fill(elements, 1.0/6371)
//	stepper, err := orbit.NewStepper(session, render, orbit.WithScale(1.0/6371))
//	if err != nil {
//	    return err
//	}
//	for range ticker.C {
//	    _, _ = stepper.Step(dt)
//	}
//
// # Architecture
//
// The package is organized into:
//   - Encoding: Element, Encode, the 32-byte record layout
//   - Device contract: Device, Acquirer, Batch, buffer and program IDs
//   - Session: device acquisition, resource ownership, liveness
//   - StagingPool: fixed ring of readback buffers and their slot states
//   - Stepper: per-frame dispatch, backpressure, completion application
//
// Device implementations live in backend/wgpu (gogpu/wgpu HAL) and
// backend/software (host execution, used for tests and as a fallback).
//
// # Concurrency
//
// A Stepper is driven from a single host loop. Device completions arrive on
// other goroutines and are queued; they are applied on the next Step, Poll
// or Flush. Session.Dispose may be called from any goroutine at any time.
package orbit
