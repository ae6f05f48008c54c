package main

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/orbit"
	"github.com/gogpu/orbit/backend"
	"github.com/gogpu/orbit/internal/config"
)

// engine owns the session and stepper for one catalog and applies the
// configured fallback when acceleration is lost.
type engine struct {
	cfg      *config.Config
	log      *slog.Logger
	elements []orbit.Element
	render   *orbit.RenderBuffer

	backend string
	session *orbit.Session
	stepper *orbit.Stepper
	reason  error // why the engine went static
}

// newEngine shows the initial positions at once and starts acquiring a
// device on the configured backend.
func newEngine(cfg *config.Config, log *slog.Logger, elements []orbit.Element) (*engine, error) {
	e := &engine{
		cfg:      cfg,
		log:      log,
		elements: elements,
		render:   orbit.NewRenderBuffer(len(elements)),
	}
	if err := e.render.Fill(elements, cfg.Scale); err != nil {
		return nil, err
	}

	name, acquire, err := resolveBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if err := e.start(name, acquire); err != nil {
		return nil, err
	}
	return e, nil
}

func resolveBackend(name string) (string, orbit.Acquirer, error) {
	if name == "" || name == backend.Auto {
		return backend.Default()
	}
	acquire, err := backend.Get(name)
	if err != nil {
		return "", nil, err
	}
	return name, acquire, nil
}

func (e *engine) start(name string, acquire orbit.Acquirer) error {
	session, err := orbit.NewSession(e.elements, acquire, e.cfg.SessionOptions()...)
	if err != nil {
		return err
	}
	stepper, err := orbit.NewStepper(session, e.render, e.cfg.StepperOptions()...)
	if err != nil {
		session.Dispose()
		return err
	}
	e.backend = name
	e.session = session
	e.stepper = stepper
	e.log.Info("session started", "backend", name, "objects", len(e.elements))
	return nil
}

// Mode returns the backend name, or "static".
func (e *engine) Mode() string {
	if e.session == nil {
		return config.FallbackStatic
	}
	return e.backend
}

// Tick advances the simulation by dt seconds. While the session is still
// acquiring, the render buffer keeps its current positions.
func (e *engine) Tick(dt float64) {
	if e.session == nil {
		return
	}
	if e.session.State() == orbit.StateUnavailable {
		e.fallback(e.session.Err())
		return
	}
	status, err := e.stepper.Step(dt)
	switch {
	case err != nil:
		e.log.Debug("step failed", "status", status, "err", err)
	case status == orbit.StepBackpressure || status == orbit.StepDropped:
		e.log.Debug("frame skipped", "status", status)
	}
}

func (e *engine) fallback(cause error) {
	e.log.Warn("acceleration unavailable", "backend", e.backend, "err", cause)
	failed := e.backend
	e.stop()

	if e.cfg.Fallback == config.FallbackSoftware && failed != backend.BackendSoftware {
		acquire, err := backend.Get(backend.BackendSoftware)
		if err == nil {
			err = e.start(backend.BackendSoftware, acquire)
		}
		if err == nil {
			return
		}
		cause = fmt.Errorf("software fallback: %w", err)
		e.log.Warn("fallback failed", "err", err)
	}

	e.reason = cause
	if err := e.render.Fill(e.elements, e.cfg.Scale); err != nil {
		e.log.Error("restore initial positions", "err", err)
	}
	e.log.Info("showing static positions")
}

func (e *engine) stop() {
	if e.session != nil {
		e.session.Dispose()
	}
	e.session = nil
	e.stepper = nil
}

// Close disposes the session. The engine stays static afterwards.
func (e *engine) Close() {
	e.stop()
}

// Stats returns the stepper counters, or zero when static.
func (e *engine) Stats() orbit.StepStats {
	if e.stepper == nil {
		return orbit.StepStats{}
	}
	return e.stepper.Stats()
}
