package orbit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// StepStatus reports what a call to Step did.
type StepStatus int

const (
	// StepSubmitted means a frame was dispatched and its readback requested.
	StepSubmitted StepStatus = iota
	// StepEmpty means the session has no objects; nothing was dispatched.
	StepEmpty
	// StepNotReady means the session is acquiring, unavailable or disposed.
	StepNotReady
	// StepDropped means another Step was issuing at the same time.
	StepDropped
	// StepBackpressure means the frame's staging slot was still in use.
	StepBackpressure
	// StepFailed means the device rejected the frame.
	StepFailed
	// StepRejected means dt was invalid.
	StepRejected
)

func (s StepStatus) String() string {
	switch s {
	case StepSubmitted:
		return "submitted"
	case StepEmpty:
		return "empty"
	case StepNotReady:
		return "not-ready"
	case StepDropped:
		return "dropped"
	case StepBackpressure:
		return "backpressure"
	case StepFailed:
		return "failed"
	case StepRejected:
		return "rejected"
	default:
		return fmt.Sprintf("StepStatus(%d)", int(s))
	}
}

// StepStats are cumulative Stepper counters.
type StepStats struct {
	Submitted    uint64
	Dropped      uint64
	Backpressure uint64
	NotReady     uint64
	Failed       uint64

	// Applied counts results written to the render buffer; Stale counts
	// results skipped because a newer frame had already been applied.
	Applied uint64
	Stale   uint64

	// Discarded counts completions observed after teardown.
	Discarded uint64
}

// Stepper drives one Session frame by frame.
//
// Step is meant to be called from a single host loop. A Step that overlaps
// another returns StepDropped. Completions from the device are queued and
// applied on the host goroutine at the start of the next Step, or by Poll
// and Flush.
type Stepper struct {
	session *Session
	render  *RenderBuffer
	policy  FeedbackPolicy
	maxFail int

	scaleBits atomic.Uint64
	issuing   atomic.Bool
	dropped   atomic.Uint64
	discarded atomic.Uint64

	completions chan completion

	mu            sync.Mutex
	frame         uint64
	lastSubmitted uint64
	lastApplied   uint64
	applied       bool
	failures      int
	stats         StepStats
	params        [ParamsSize]byte
	raw           []byte
}

type completion struct {
	slot  int
	frame uint64
	data  []byte
	err   error
}

// NewStepper attaches a stepper to session. render must hold exactly
// session.Count() positions. A session accepts one stepper.
func NewStepper(session *Session, render *RenderBuffer, opts ...StepperOption) (*Stepper, error) {
	o := defaultStepperOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !validScale(o.scale) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScale, o.scale)
	}
	if render == nil || render.Len() != session.Count() {
		n := 0
		if render != nil {
			n = render.Len()
		}
		return nil, fmt.Errorf("%w: %d positions for %d objects", ErrRenderSize, n, session.Count())
	}
	if err := session.attach(); err != nil {
		return nil, err
	}
	st := &Stepper{
		session:     session,
		render:      render,
		policy:      o.policy,
		maxFail:     o.maxFailures,
		completions: make(chan completion, session.StagingSlots()),
	}
	st.scaleBits.Store(math.Float64bits(o.scale))
	return st, nil
}

// Scale returns the factor used for steps issued from now on.
func (st *Stepper) Scale() float64 { return math.Float64frombits(st.scaleBits.Load()) }

// SetScale changes the render scale. Frames already in flight keep the
// scale captured when they were issued.
func (st *Stepper) SetScale(s float64) error {
	if !validScale(s) {
		return fmt.Errorf("%w: %v", ErrInvalidScale, s)
	}
	st.scaleBits.Store(math.Float64bits(s))
	return nil
}

// Frame returns the number of the next frame to be issued.
func (st *Stepper) Frame() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.frame
}

// Stats returns a snapshot of the counters.
func (st *Stepper) Stats() StepStats {
	st.mu.Lock()
	s := st.stats
	st.mu.Unlock()
	s.Dropped = st.dropped.Load()
	s.Discarded += st.discarded.Load()
	return s
}

// Step advances the simulation by dt. It first applies any completed
// frames, then issues one new frame if the session is ready and the
// frame's staging slot is free.
func (st *Stepper) Step(dt float64) (StepStatus, error) {
	if math.IsNaN(dt) || math.IsInf(dt, 0) || dt < 0 || dt > math.MaxFloat32 {
		return StepRejected, fmt.Errorf("%w: %v", ErrInvalidDeltaTime, dt)
	}
	if !st.issuing.CompareAndSwap(false, true) {
		st.dropped.Add(1)
		return StepDropped, nil
	}
	defer st.issuing.Store(false)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.drainLocked()

	status := StepNotReady
	var failure error
	if !st.session.with(func(res *resources) {
		status, failure = st.issueLocked(res, float32(dt))
	}) {
		st.stats.NotReady++
		return StepNotReady, nil
	}
	if failure != nil {
		st.failLocked(failure)
		return StepFailed, failure
	}
	return status, nil
}

// issueLocked submits one frame. Called with st.mu and the session read
// lock held.
func (st *Stepper) issueLocked(res *resources, dt float32) (StepStatus, error) {
	n := st.session.Count()
	if n == 0 {
		st.frame++
		return StepEmpty, nil
	}

	frame := st.frame
	slot, err := res.pool.Acquire(frame)
	if err != nil {
		st.stats.Backpressure++
		Logger().Debug("orbit: backpressure", "frame", frame, "err", err)
		return StepBackpressure, nil
	}
	idx, buf := slot.Index, slot.Buffer

	PutParams(st.params[:], dt, uint32(n))
	if err := res.device.WriteBuffer(res.uniform, 0, st.params[:]); err != nil {
		return StepFailed, fmt.Errorf("orbit: frame %d: write params: %w", frame, err)
	}

	err = res.device.Submit(Batch{
		Label:      "orbit_step",
		Program:    res.program,
		Workgroups: WorkgroupCount(n),
		Copy:       &BufferCopy{Src: res.resident, Dst: buf, Size: res.size},
	})
	if err != nil {
		return StepFailed, fmt.Errorf("orbit: frame %d: submit: %w", frame, err)
	}

	if err := res.pool.MarkPending(idx, frame, st.Scale()); err != nil {
		return StepFailed, err
	}
	st.frame++
	st.lastSubmitted = frame
	st.stats.Submitted++

	live := st.session.ctx
	err = res.device.MapRead(buf, 0, res.size, func(data []byte, err error) {
		st.complete(live, completion{slot: idx, frame: frame, data: data, err: err})
	})
	if err != nil {
		_ = res.pool.Abort(idx)
		return StepFailed, fmt.Errorf("orbit: frame %d: map slot %d: %w", frame, idx, err)
	}
	st.failures = 0
	return StepSubmitted, nil
}

// complete runs on a device goroutine. It only hands the result to the
// host side, and drops it once the session is torn down.
func (st *Stepper) complete(live context.Context, c completion) {
	if live.Err() != nil {
		st.discarded.Add(1)
		return
	}
	select {
	case st.completions <- c:
	case <-live.Done():
		st.discarded.Add(1)
	}
}

// Poll applies completed frames without issuing a new one and returns how
// many completions it consumed.
func (st *Stepper) Poll() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.drainLocked()
}

// Flush waits until every in-flight frame has been applied or ctx is done.
// It returns ErrSessionDisposed if the session is torn down meanwhile, and
// the session's error if it becomes unavailable.
func (st *Stepper) Flush(ctx context.Context) error {
	for {
		st.mu.Lock()
		st.drainLocked()
		pending := 0
		ready := st.session.with(func(res *resources) {
			pending = res.pool.InFlight()
		})
		st.mu.Unlock()

		if !ready {
			if st.session.State() == StateDisposed {
				return ErrSessionDisposed
			}
			return st.session.Err()
		}
		if pending == 0 {
			return nil
		}

		select {
		case c := <-st.completions:
			st.mu.Lock()
			st.applyLocked(c)
			st.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		case <-st.session.ctx.Done():
			return ErrSessionDisposed
		}
	}
}

func (st *Stepper) drainLocked() int {
	n := 0
	for {
		select {
		case c := <-st.completions:
			st.applyLocked(c)
			n++
		default:
			return n
		}
	}
}

func (st *Stepper) applyLocked(c completion) {
	var failure error
	if !st.session.with(func(res *resources) {
		failure = st.applyResourcesLocked(res, c)
	}) {
		st.stats.Discarded++
		return
	}
	if failure != nil {
		st.failLocked(failure)
	}
}

func (st *Stepper) applyResourcesLocked(res *resources, c completion) error {
	slot := res.pool.Slot(c.slot)
	if slot.State != SlotPending || slot.Frame != c.frame {
		Logger().Warn("orbit: completion does not match slot",
			"slot", c.slot, "frame", c.frame, "state", slot.State.String(), "slot_frame", slot.Frame)
		return nil
	}
	if c.err == nil && uint64(len(c.data)) < res.size {
		c.err = fmt.Errorf("short readback: %d bytes, want %d", len(c.data), res.size)
	}
	if c.err != nil {
		_ = res.pool.Abort(c.slot)
		return fmt.Errorf("orbit: frame %d: readback: %w", c.frame, c.err)
	}
	if err := res.pool.MarkMapped(c.slot); err != nil {
		return err
	}

	st.raw = append(st.raw[:0], c.data[:res.size]...)
	n := st.session.Count()

	stale := st.policy == FeedbackMonotonic && st.applied && c.frame <= st.lastApplied
	if stale {
		st.stats.Stale++
		Logger().Debug("orbit: stale frame", "frame", c.frame, "last_applied", st.lastApplied)
	} else {
		st.render.writeRecords(st.raw, n, slot.Scale)
		st.lastApplied = c.frame
		st.applied = true
		st.stats.Applied++
	}

	res.device.Unmap(slot.Buffer)
	if err := res.pool.Release(c.slot); err != nil {
		return err
	}

	if st.reupload(c.frame, stale) {
		if err := res.device.WriteBuffer(res.resident, 0, st.raw); err != nil {
			return fmt.Errorf("orbit: frame %d: re-upload: %w", c.frame, err)
		}
	}
	st.failures = 0
	return nil
}

// reupload reports whether a completed frame is written back into the
// resident state.
func (st *Stepper) reupload(frame uint64, stale bool) bool {
	if st.policy == FeedbackArrival {
		return true
	}
	return !stale && frame == st.lastSubmitted
}

func (st *Stepper) failLocked(err error) {
	st.failures++
	st.stats.Failed++
	Logger().Warn("orbit: frame failed", "err", err, "consecutive", st.failures)
	if st.maxFail > 0 && st.failures >= st.maxFail {
		st.session.markUnavailable(fmt.Errorf("%d consecutive frame failures: %w", st.failures, err))
	}
}
