// Package software implements the orbit device contract on the host.
//
// The device executes the orbit program with the same rotation formula and
// record layout as the compute shader. Submissions run synchronously in
// order; map requests complete according to the configured Mode, which lets
// tests hold, reorder and release completions.
package software

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gogpu/orbit"
	"github.com/gogpu/orbit/backend"
	"github.com/gogpu/orbit/internal/parallel"
)

func init() {
	backend.Register(backend.BackendSoftware, backend.PrioritySoftware, Acquirer())
}

// Errors returned by the software device.
var (
	ErrDestroyed      = errors.New("software: device destroyed")
	ErrUnknownBuffer  = errors.New("software: unknown buffer")
	ErrUnknownProgram = errors.New("software: unknown program")
	ErrUsage          = errors.New("software: buffer usage does not allow operation")
	ErrOutOfRange     = errors.New("software: range out of bounds")
	ErrAlreadyMapped  = errors.New("software: buffer already mapped or pending")
	ErrInvalidProgram = errors.New("software: invalid program")

	// ErrInjected is returned by operations failed on purpose via
	// FailNextSubmits or FailNextMaps.
	ErrInjected = errors.New("software: injected failure")
)

// Mode selects when map requests complete.
type Mode int

const (
	// Immediate completes each map request on a new goroutine.
	Immediate Mode = iota
	// Latency completes each map request after a fixed delay.
	Latency
	// Manual queues map requests until Complete, CompleteAt or CompleteAll.
	Manual
)

// Option configures a Device.
type Option func(*Device)

// WithMode sets the completion mode.
func WithMode(m Mode) Option {
	return func(d *Device) { d.mode = m }
}

// WithLatency selects Latency mode with delay lat.
func WithLatency(lat time.Duration) Option {
	return func(d *Device) {
		d.mode = Latency
		d.latency = lat
	}
}

// WithWorkers spreads each dispatch over n goroutines, in whole work
// groups. n <= 0 uses GOMAXPROCS. Without it dispatches run on the
// submitting goroutine.
func WithWorkers(n int) Option {
	return func(d *Device) { d.pool = parallel.NewWorkerPool(n) }
}

// WithName overrides the device name.
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// Stats are cumulative device counters.
type Stats struct {
	BuffersCreated    int
	BuffersDestroyed  int
	ProgramsCreated   int
	ProgramsDestroyed int
	Submits           int
	Dispatches        int
	LastWorkgroups    uint32
	Copies            int
	Writes            int
	MapRequests       int
	Unmaps            int

	// Misuse counters. A correct client leaves these at zero.
	DoubleDestroys     int
	WritesAfterDestroy int
	CallsAfterDestroy  int

	// Leaked counts buffers and programs still alive at Destroy.
	Leaked    int
	Destroyed bool
}

type buffer struct {
	label   string
	data    []byte
	usage   orbit.BufferUsage
	pending bool
	mapped  bool
}

type program struct {
	storage orbit.BufferID
	uniform orbit.BufferID
}

type mapRequest struct {
	id   orbit.BufferID
	data []byte
	err  error
	done func([]byte, error)
}

// Device is a host implementation of orbit.Device.
type Device struct {
	mu       sync.Mutex
	name     string
	mode     Mode
	latency  time.Duration
	nextID   uint64
	buffers  map[orbit.BufferID]*buffer
	programs map[orbit.ProgramID]*program
	queue    []*mapRequest
	pool     *parallel.WorkerPool

	failSubmits int
	failMaps    int

	stats     Stats
	destroyed bool
}

var _ orbit.Device = (*Device)(nil)

// New creates a software device.
func New(opts ...Option) *Device {
	d := &Device{
		name:     "software",
		buffers:  make(map[orbit.BufferID]*buffer),
		programs: make(map[orbit.ProgramID]*program),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Acquirer returns an acquirer that creates a new device per session.
func Acquirer(opts ...Option) orbit.Acquirer {
	return func(ctx context.Context) (orbit.Device, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return New(opts...), nil
	}
}

// Acquirer returns an acquirer that hands out d itself.
func (d *Device) Acquirer() orbit.Acquirer {
	return func(context.Context) (orbit.Device, error) { return d, nil }
}

func (d *Device) Name() string { return d.name }

func (d *Device) allocID() uint64 {
	d.nextID++
	return d.nextID
}

// afterDestroyLocked records a call on a destroyed device.
func (d *Device) afterDestroyLocked() error {
	d.stats.CallsAfterDestroy++
	return ErrDestroyed
}

func (d *Device) CreateBuffer(label string, size uint64, usage orbit.BufferUsage) (orbit.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return orbit.InvalidID, d.afterDestroyLocked()
	}
	if size == 0 {
		return orbit.InvalidID, fmt.Errorf("software: buffer %q: zero size", label)
	}
	id := orbit.BufferID(d.allocID())
	d.buffers[id] = &buffer{label: label, data: make([]byte, size), usage: usage}
	d.stats.BuffersCreated++
	return id, nil
}

func (d *Device) DestroyBuffer(id orbit.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[id]; !ok {
		d.stats.DoubleDestroys++
		return
	}
	delete(d.buffers, id)
	d.stats.BuffersDestroyed++
}

func (d *Device) WriteBuffer(id orbit.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		d.stats.WritesAfterDestroy++
		return d.afterDestroyLocked()
	}
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	if !b.usage.Contains(orbit.BufferUsageCopyDst) {
		return fmt.Errorf("%w: write to %q (%s)", ErrUsage, b.label, b.usage)
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("%w: write %d bytes at %d into %q (%d bytes)", ErrOutOfRange, len(data), offset, b.label, len(b.data))
	}
	copy(b.data[offset:], data)
	d.stats.Writes++
	return nil
}

func (d *Device) CreateProgram(label, wgsl string, bindings []orbit.Binding) (orbit.ProgramID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return orbit.InvalidID, d.afterDestroyLocked()
	}
	if !strings.Contains(wgsl, "@compute") {
		return orbit.InvalidID, fmt.Errorf("%w: %q has no compute entry point", ErrInvalidProgram, label)
	}
	p := &program{}
	for _, bind := range bindings {
		b, ok := d.buffers[bind.Buffer]
		if !ok {
			return orbit.InvalidID, fmt.Errorf("%w: binding %d", ErrUnknownBuffer, bind.Index)
		}
		switch bind.Kind {
		case orbit.BindingStorage:
			if !b.usage.Contains(orbit.BufferUsageStorage) {
				return orbit.InvalidID, fmt.Errorf("%w: binding %d is not storage", ErrUsage, bind.Index)
			}
			p.storage = bind.Buffer
		case orbit.BindingUniform:
			if !b.usage.Contains(orbit.BufferUsageUniform) || len(b.data) < orbit.ParamsSize {
				return orbit.InvalidID, fmt.Errorf("%w: binding %d is not a params uniform", ErrUsage, bind.Index)
			}
			p.uniform = bind.Buffer
		}
	}
	if p.storage == orbit.InvalidID || p.uniform == orbit.InvalidID {
		return orbit.InvalidID, fmt.Errorf("%w: %q needs a storage and a uniform binding", ErrInvalidProgram, label)
	}
	id := orbit.ProgramID(d.allocID())
	d.programs[id] = p
	d.stats.ProgramsCreated++
	return id, nil
}

func (d *Device) DestroyProgram(id orbit.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.programs[id]; !ok {
		d.stats.DoubleDestroys++
		return
	}
	delete(d.programs, id)
	d.stats.ProgramsDestroyed++
}

// Submit runs the dispatch, then the copy, before returning.
func (d *Device) Submit(b orbit.Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return d.afterDestroyLocked()
	}
	if d.failSubmits > 0 {
		d.failSubmits--
		return fmt.Errorf("%w: submit %q", ErrInjected, b.Label)
	}
	if b.Workgroups > 0 {
		if err := d.dispatchLocked(b.Program, b.Workgroups); err != nil {
			return err
		}
	}
	if b.Copy != nil {
		if err := d.copyLocked(b.Copy); err != nil {
			return err
		}
	}
	d.stats.Submits++
	return nil
}

// dispatchLocked emulates Workgroups*64 invocations of the orbit program.
func (d *Device) dispatchLocked(id orbit.ProgramID, workgroups uint32) error {
	p, ok := d.programs[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProgram, id)
	}
	storage, ok1 := d.buffers[p.storage]
	uniform, ok2 := d.buffers[p.uniform]
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: program %d binding destroyed", ErrUnknownBuffer, id)
	}
	dt, count := orbit.ParseParams(uniform.data)
	n := int(count)
	if inv := int(workgroups) * orbit.WorkgroupSize; n > inv {
		n = inv
	}
	records := orbit.Float32s(nil, storage.data)
	n = min(n, orbit.Count(records))
	if d.pool == nil || workgroups < 2 {
		orbit.Propagate(records, dt, n)
	} else {
		chunks := parallel.Ranges(n, orbit.WorkgroupSize, d.pool.Workers())
		work := make([]func(), len(chunks))
		for i, c := range chunks {
			part := records[c[0]*orbit.RecordFloats : c[1]*orbit.RecordFloats]
			work[i] = func() { orbit.Propagate(part, dt, c[1]-c[0]) }
		}
		d.pool.ExecuteAll(work)
	}
	copy(storage.data, orbit.Bytes(records))

	d.stats.Dispatches++
	d.stats.LastWorkgroups = workgroups
	return nil
}

func (d *Device) copyLocked(c *orbit.BufferCopy) error {
	src, ok1 := d.buffers[c.Src]
	dst, ok2 := d.buffers[c.Dst]
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: copy %d -> %d", ErrUnknownBuffer, c.Src, c.Dst)
	}
	if !src.usage.Contains(orbit.BufferUsageCopySrc) || !dst.usage.Contains(orbit.BufferUsageCopyDst) {
		return fmt.Errorf("%w: copy %q -> %q", ErrUsage, src.label, dst.label)
	}
	if c.SrcOffset+c.Size > uint64(len(src.data)) || c.DstOffset+c.Size > uint64(len(dst.data)) {
		return fmt.Errorf("%w: copy %d bytes", ErrOutOfRange, c.Size)
	}
	if dst.pending || dst.mapped {
		return fmt.Errorf("%w: copy into %q", ErrAlreadyMapped, dst.label)
	}
	copy(dst.data[c.DstOffset:c.DstOffset+c.Size], src.data[c.SrcOffset:c.SrcOffset+c.Size])
	d.stats.Copies++
	return nil
}

// MapRead snapshots the range and schedules done according to the mode.
func (d *Device) MapRead(id orbit.BufferID, offset, size uint64, done func([]byte, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return d.afterDestroyLocked()
	}
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	if !b.usage.Contains(orbit.BufferUsageMapRead) {
		return fmt.Errorf("%w: map %q (%s)", ErrUsage, b.label, b.usage)
	}
	if b.pending || b.mapped {
		return fmt.Errorf("%w: %q", ErrAlreadyMapped, b.label)
	}
	if offset+size > uint64(len(b.data)) {
		return fmt.Errorf("%w: map %d bytes at %d of %q", ErrOutOfRange, size, offset, b.label)
	}

	req := &mapRequest{id: id, done: done}
	if d.failMaps > 0 {
		d.failMaps--
		req.err = fmt.Errorf("%w: map %q", ErrInjected, b.label)
	} else {
		req.data = append([]byte(nil), b.data[offset:offset+size]...)
	}
	b.pending = true
	d.stats.MapRequests++

	switch d.mode {
	case Manual:
		d.queue = append(d.queue, req)
	case Latency:
		time.AfterFunc(d.latency, func() { d.deliver(req) })
	default:
		go d.deliver(req)
	}
	return nil
}

// deliver resolves a map request and invokes its callback outside the lock.
// Requests resolve even after Destroy, as a real driver's late callbacks do.
func (d *Device) deliver(req *mapRequest) {
	d.mu.Lock()
	if b, ok := d.buffers[req.id]; ok {
		b.pending = false
		b.mapped = req.err == nil
	}
	d.mu.Unlock()
	req.done(req.data, req.err)
}

func (d *Device) Unmap(id orbit.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		d.stats.CallsAfterDestroy++
		return
	}
	if b, ok := d.buffers[id]; ok {
		b.mapped = false
		d.stats.Unmaps++
	}
}

// Destroy marks the device destroyed. Queued manual completions stay
// deliverable.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		d.stats.DoubleDestroys++
		return
	}
	d.destroyed = true
	d.stats.Destroyed = true
	d.stats.Leaked = len(d.buffers) + len(d.programs)
	if d.pool != nil {
		d.pool.Close()
	}
	orbit.Logger().Debug("software: device destroyed", "leaked", d.stats.Leaked)
}

// Pending returns the number of queued manual completions.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Complete delivers the oldest queued completion.
func (d *Device) Complete() bool { return d.CompleteAt(0) }

// CompleteAt delivers the i-th queued completion, oldest first, so tests can
// resolve frames out of order.
func (d *Device) CompleteAt(i int) bool {
	d.mu.Lock()
	if i < 0 || i >= len(d.queue) {
		d.mu.Unlock()
		return false
	}
	req := d.queue[i]
	d.queue = append(d.queue[:i], d.queue[i+1:]...)
	d.mu.Unlock()
	d.deliver(req)
	return true
}

// CompleteAll delivers every queued completion in order and returns how many.
func (d *Device) CompleteAll() int {
	n := 0
	for d.Complete() {
		n++
	}
	return n
}

// FailNextSubmits makes the next n submissions fail.
func (d *Device) FailNextSubmits(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSubmits = n
}

// FailNextMaps makes the next n map requests complete with an error.
func (d *Device) FailNextMaps(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failMaps = n
}

// Stats returns a snapshot of the counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// BufferData returns a copy of a live buffer's contents.
func (d *Device) BufferData(id orbit.BufferID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b.data...), true
}

// Buffers returns the labels of live buffers by ID.
func (d *Device) Buffers() map[orbit.BufferID]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[orbit.BufferID]string, len(d.buffers))
	for id, b := range d.buffers {
		out[id] = b.label
	}
	return out
}
