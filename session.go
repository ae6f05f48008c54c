package orbit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateAcquiring SessionState = iota
	StateReady
	StateUnavailable
	StateDisposed
)

func (s SessionState) String() string {
	switch s {
	case StateAcquiring:
		return "acquiring"
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Session owns a compute device and every resource allocated on it for
// one catalog: the resident state buffer, the uniform buffer, the staging
// ring and the compiled program. The object count is fixed for the life of
// the session.
//
// Device acquisition is asynchronous. Until it settles the session reports
// not ready and steps are no-ops. Dispose may be called at any time from
// any goroutine.
type Session struct {
	label string
	count int
	slots int
	// records is the initial packed state, uploaded once.
	records []float32

	// ctx is the liveness token. It is cancelled exactly once, by Dispose.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ready    atomic.Bool
	attached atomic.Bool

	// mu serializes teardown against host issuance and application.
	mu    sync.RWMutex
	state SessionState
	err   error
	res   *resources
}

// resources are the device objects of a ready session.
type resources struct {
	device   Device
	resident BufferID
	uniform  BufferID
	program  ProgramID
	pool     *StagingPool
	// size is the byte length of the packed state; zero for an empty catalog.
	size uint64
}

// NewSession encodes elements and starts acquiring a device in the
// background. Encoding errors are returned synchronously and nothing is
// started. Acquisition failures are not returned; they move the session to
// StateUnavailable and are reported by Err.
func NewSession(elements []Element, acquire Acquirer, opts ...SessionOption) (*Session, error) {
	o := defaultSessionOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if acquire == nil {
		return nil, ErrNilAcquirer
	}
	records, err := Encode(elements, o.speedMultiplier)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		label:   o.label,
		count:   len(elements),
		slots:   o.stagingSlots,
		records: records,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateAcquiring,
	}
	go s.acquire(acquire)
	return s, nil
}

// Count returns the number of objects N.
func (s *Session) Count() int { return s.count }

// StagingSlots returns K.
func (s *Session) StagingSlots() int { return s.slots }

// Ready reports whether steps will be dispatched.
func (s *Session) Ready() bool { return s.ready.Load() }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns why the session is unavailable, wrapping
// ErrAccelerationUnavailable, or nil.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed once acquisition has settled, successfully or not.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until acquisition settles, ctx is done or the session is
// disposed. It returns Err after a settled acquisition.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionDisposed
	}
	if s.State() == StateDisposed {
		return ErrSessionDisposed
	}
	return s.Err()
}

// Dispose cancels the liveness token and releases every device resource
// exactly once. Completions still in flight are discarded when they
// arrive. Dispose is idempotent.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateDisposed
	s.ready.Store(false)
	s.cancel()
	res := s.res
	s.res = nil
	s.mu.Unlock()

	if res != nil {
		res.release()
		res.device.Destroy()
	}
	Logger().Info("orbit: session disposed", "label", s.label, "from", prev.String())
}

// acquire runs on its own goroutine.
func (s *Session) acquire(acquire Acquirer) {
	defer close(s.done)

	dev, err := acquire(s.ctx)
	if err == nil && dev == nil {
		err = ErrNoDevice
	}
	if err != nil {
		s.fail(err)
		return
	}
	if s.ctx.Err() != nil {
		Logger().Debug("orbit: device arrived after dispose", "label", s.label, "device", dev.Name())
		dev.Destroy()
		return
	}

	res, err := s.build(dev)
	if err != nil {
		dev.Destroy()
		s.fail(err)
		return
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		res.release()
		dev.Destroy()
		return
	}
	s.res = res
	s.state = StateReady
	s.ready.Store(true)
	s.mu.Unlock()

	Logger().Info("orbit: session ready",
		"label", s.label, "device", dev.Name(), "objects", s.count, "slots", s.slots)
}

// build allocates and uploads every per-session resource. On error it
// releases whatever it created; the device itself is left to the caller.
func (s *Session) build(dev Device) (_ *resources, err error) {
	res := &resources{device: dev, size: uint64(s.count) * RecordSize}
	defer func() {
		if err != nil {
			res.release()
		}
	}()

	// Zero-sized buffers are invalid on most drivers.
	alloc := res.size
	if alloc < RecordSize {
		alloc = RecordSize
	}

	res.resident, err = dev.CreateBuffer(s.label+"_resident", alloc,
		BufferUsageStorage|BufferUsageCopySrc|BufferUsageCopyDst)
	if err != nil {
		return nil, fmt.Errorf("create resident buffer: %w", err)
	}
	if len(s.records) > 0 {
		if err = dev.WriteBuffer(res.resident, 0, Bytes(s.records)); err != nil {
			return nil, fmt.Errorf("upload initial state: %w", err)
		}
	}

	res.uniform, err = dev.CreateBuffer(s.label+"_params", ParamsSize,
		BufferUsageUniform|BufferUsageCopyDst)
	if err != nil {
		return nil, fmt.Errorf("create params buffer: %w", err)
	}

	staging := make([]BufferID, 0, s.slots)
	for i := 0; i < s.slots; i++ {
		var id BufferID
		id, err = dev.CreateBuffer(fmt.Sprintf("%s_staging_%d", s.label, i), alloc,
			BufferUsageMapRead|BufferUsageCopyDst)
		if err != nil {
			res.pool = NewStagingPool(staging)
			return nil, fmt.Errorf("create staging buffer %d: %w", i, err)
		}
		staging = append(staging, id)
	}
	res.pool = NewStagingPool(staging)

	res.program, err = dev.CreateProgram(s.label+"_program", ShaderSource(), []Binding{
		{Index: 0, Buffer: res.resident, Kind: BindingStorage, Size: alloc},
		{Index: 1, Buffer: res.uniform, Kind: BindingUniform, Size: ParamsSize},
	})
	if err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}

	if s.ctx.Err() != nil {
		return nil, ErrSessionDisposed
	}
	return res, nil
}

// release destroys every resource that was created.
func (r *resources) release() {
	if r.program != InvalidID {
		r.device.DestroyProgram(r.program)
		r.program = InvalidID
	}
	if r.pool != nil {
		for _, b := range r.pool.Buffers() {
			r.device.DestroyBuffer(b)
		}
		r.pool = nil
	}
	if r.uniform != InvalidID {
		r.device.DestroyBuffer(r.uniform)
		r.uniform = InvalidID
	}
	if r.resident != InvalidID {
		r.device.DestroyBuffer(r.resident)
		r.resident = InvalidID
	}
}

func (s *Session) fail(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Dispose cancels the token under mu, so a cancelled acquisition always
	// finds the session disposed here.
	if s.state == StateDisposed {
		return
	}
	s.state = StateUnavailable
	s.ready.Store(false)
	s.err = fmt.Errorf("%w: %w", ErrAccelerationUnavailable, cause)
	Logger().Warn("orbit: acceleration unavailable", "label", s.label, "err", cause)
}

// markUnavailable moves a ready session to StateUnavailable. Its
// resources stay allocated until Dispose.
func (s *Session) markUnavailable(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return
	}
	s.state = StateUnavailable
	s.ready.Store(false)
	s.err = fmt.Errorf("%w: %w", ErrAccelerationUnavailable, cause)
	Logger().Warn("orbit: session marked unavailable", "label", s.label, "err", cause)
}

// with runs fn with the session's resources while holding the teardown
// lock for reading. It returns false without calling fn unless the session
// is ready.
func (s *Session) with(fn func(*resources)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady || s.res == nil {
		return false
	}
	fn(s.res)
	return true
}

// attach claims the session for a single stepper.
func (s *Session) attach() error {
	if !s.attached.CompareAndSwap(false, true) {
		return ErrStepperAttached
	}
	return nil
}
