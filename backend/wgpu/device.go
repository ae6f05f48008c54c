//go:build !nogpu

package wgpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/orbit"
	"github.com/gogpu/orbit/backend"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func init() {
	backend.Register(backend.BackendWGPU, backend.PriorityWGPU, Acquirer())
}

// Available reports whether the package was built with GPU support.
const Available = true

// DefaultReadbackTimeout bounds the wait for one submission to complete.
const DefaultReadbackTimeout = 5 * time.Second

// pollInterval bounds the sleep between completion polls.
const pollInterval = 2 * time.Millisecond

var (
	ErrDestroyed      = errors.New("wgpu: device destroyed")
	ErrUnknownBuffer  = errors.New("wgpu: unknown buffer")
	ErrUnknownProgram = errors.New("wgpu: unknown program")
	ErrMapPending     = errors.New("wgpu: buffer already has a readback in flight")
	ErrSubmitTimeout  = errors.New("wgpu: submission did not complete in time")
	ErrNoAdapter      = errors.New("wgpu: no GPU adapters found")
)

// Device implements orbit.Device on a gogpu/wgpu HAL device.
//
// Every Submit records one command buffer. A retire goroutine polls the
// queue until the submission index completes and frees the command buffer.
// Readbacks of a copy destination wait for the submission that last wrote
// it, then map the buffer. Buffers and programs referenced by a submission
// are destroyed only after it completes.
type Device struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	name     string
	timeout  time.Duration

	externalDevice bool // true when using a shared device (don't destroy it)

	nextID    atomic.Uint64
	buffers   map[orbit.BufferID]*buffer
	programs  map[orbit.ProgramID]*program
	inflight  sync.WaitGroup
	destroyed bool
}

var _ orbit.Device = (*Device)(nil)

type buffer struct {
	raw   hal.Buffer
	label string
	size  uint64
	usage orbit.BufferUsage

	// last is the most recent submission copying into this buffer; busy is
	// the most recent submission referencing it at all.
	last *submission
	busy *submission
	// mapping is set while a readback goroutine owns the buffer; orphaned
	// defers destruction until it finishes.
	mapping  bool
	orphaned bool
}

type program struct {
	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
	bindGroup  hal.BindGroup

	bound []*buffer
	busy  *submission
}

type submission struct {
	index uint64
	done  chan struct{}
	err   error
}

// wait blocks until the submission retires. A submission that timed out
// may still be running, so the whole device is drained instead.
func (d *Device) wait(sub *submission) {
	if sub == nil {
		return
	}
	<-sub.done
	if errors.Is(sub.err, ErrSubmitTimeout) {
		if err := d.device.WaitIdle(); err != nil {
			orbit.Logger().Warn("wgpu: wait idle", "err", err)
		}
	}
}

// Option configures a Device.
type Option func(*Device)

// WithReadbackTimeout overrides DefaultReadbackTimeout.
func WithReadbackTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.timeout = d }
}

func newDevice(opts []Option) *Device {
	d := &Device{
		timeout:  DefaultReadbackTimeout,
		buffers:  make(map[orbit.BufferID]*buffer),
		programs: make(map[orbit.ProgramID]*program),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Acquirer returns an acquirer that opens a Vulkan device, preferring
// discrete and integrated GPUs.
func Acquirer(opts ...Option) orbit.Acquirer {
	return func(ctx context.Context) (orbit.Device, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Open(opts...)
	}
}

// Open creates a standalone device on the first suitable Vulkan adapter.
func Open(opts ...Option) (*Device, error) {
	halBackend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("wgpu: vulkan backend not available")
	}
	instance, err := halBackend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	d := newDevice(opts)
	d.instance = instance
	d.device = openDev.Device
	d.queue = openDev.Queue
	d.name = "wgpu:" + selected.Info.Name
	orbit.Logger().Info("wgpu: device opened", "adapter", selected.Info.Name)
	return d, nil
}

// FromHAL wraps an existing HAL device and queue. The device is not
// destroyed by Destroy.
func FromHAL(device hal.Device, queue hal.Queue, opts ...Option) (*Device, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("wgpu: nil HAL device or queue")
	}
	d := newDevice(opts)
	d.device = device
	d.queue = queue
	d.externalDevice = true
	d.name = "wgpu:shared"
	return d, nil
}

func (d *Device) Name() string { return d.name }

func toHALUsage(u orbit.BufferUsage) gputypes.BufferUsage {
	var out gputypes.BufferUsage
	if u.Contains(orbit.BufferUsageMapRead) {
		out |= gputypes.BufferUsageMapRead
	}
	if u.Contains(orbit.BufferUsageCopySrc) {
		out |= gputypes.BufferUsageCopySrc
	}
	if u.Contains(orbit.BufferUsageCopyDst) {
		out |= gputypes.BufferUsageCopyDst
	}
	if u.Contains(orbit.BufferUsageUniform) {
		out |= gputypes.BufferUsageUniform
	}
	if u.Contains(orbit.BufferUsageStorage) {
		out |= gputypes.BufferUsageStorage
	}
	return out
}

func (d *Device) CreateBuffer(label string, size uint64, usage orbit.BufferUsage) (orbit.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return orbit.InvalidID, ErrDestroyed
	}
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: toHALUsage(usage),
	})
	if err != nil {
		return orbit.InvalidID, fmt.Errorf("wgpu: create buffer %q: %w", label, err)
	}
	id := orbit.BufferID(d.nextID.Add(1))
	d.buffers[id] = &buffer{raw: raw, label: label, size: size, usage: usage}
	return id, nil
}

// DestroyBuffer waits for the last submission referencing the buffer. A
// buffer with a readback in flight is freed when the readback finishes.
func (d *Device) DestroyBuffer(id orbit.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.buffers, id)
	if b.mapping {
		b.orphaned = true
		d.mu.Unlock()
		return
	}
	busy := b.busy
	d.mu.Unlock()

	d.wait(busy)
	d.device.DestroyBuffer(b.raw)
	b.raw = nil
}

func (d *Device) WriteBuffer(id orbit.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("wgpu: write %d bytes at %d into %q (%d bytes)", len(data), offset, b.label, b.size)
	}
	if err := d.queue.WriteBuffer(b.raw, offset, data); err != nil {
		return fmt.Errorf("wgpu: write %q: %w", b.label, err)
	}
	return nil
}

// CompileWGSL compiles WGSL to SPIR-V words.
func CompileWGSL(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, err
	}
	code := make([]uint32, len(spirvBytes)/4)
	for i := range code {
		code[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return code, nil
}

func (d *Device) CreateProgram(label, wgsl string, bindings []orbit.Binding) (orbit.ProgramID, error) {
	code, err := CompileWGSL(wgsl)
	if err != nil {
		return orbit.InvalidID, fmt.Errorf("wgpu: compile %q: %w", label, err)
	}
	return d.createProgram(label, code, bindings)
}

func (d *Device) createProgram(label string, code []uint32, bindings []orbit.Binding) (orbit.ProgramID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return orbit.InvalidID, ErrDestroyed
	}

	p := &program{}
	if err := d.buildProgramLocked(p, label, code, bindings); err != nil {
		d.destroyProgramLocked(p)
		return orbit.InvalidID, err
	}
	id := orbit.ProgramID(d.nextID.Add(1))
	d.programs[id] = p
	return id, nil
}

func (d *Device) buildProgramLocked(p *program, label string, code []uint32, bindings []orbit.Binding) error {
	shader, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: code},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create shader module: %w", err)
	}
	p.shader = shader

	layoutEntries := make([]gputypes.BindGroupLayoutEntry, 0, len(bindings))
	groupEntries := make([]gputypes.BindGroupEntry, 0, len(bindings))
	for _, bind := range bindings {
		b, ok := d.buffers[bind.Buffer]
		if !ok {
			return fmt.Errorf("%w: binding %d", ErrUnknownBuffer, bind.Index)
		}
		p.bound = append(p.bound, b)
		kind := gputypes.BufferBindingTypeStorage
		if bind.Kind == orbit.BindingUniform {
			kind = gputypes.BufferBindingTypeUniform
		}
		layoutEntries = append(layoutEntries, gputypes.BindGroupLayoutEntry{
			Binding:    bind.Index,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: kind},
		})
		groupEntries = append(groupEntries, gputypes.BindGroupEntry{
			Binding: bind.Index,
			Resource: gputypes.BufferBinding{
				Buffer: b.raw.NativeHandle(),
				Offset: 0,
				Size:   bind.Size,
			},
		})
	}

	p.bindLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label + "_bind_layout",
		Entries: layoutEntries,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create bind group layout: %w", err)
	}
	p.pipeLayout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create pipeline layout: %w", err)
	}
	p.pipeline, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  label,
		Layout: p.pipeLayout,
		Compute: hal.ComputeState{
			Module:     p.shader,
			EntryPoint: orbit.ShaderEntryPoint,
		},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create compute pipeline: %w", err)
	}
	p.bindGroup, err = d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   label + "_bind_group",
		Layout:  p.bindLayout,
		Entries: groupEntries,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create bind group: %w", err)
	}
	return nil
}

// DestroyProgram waits for the last submission dispatching the program.
func (d *Device) DestroyProgram(id orbit.ProgramID) {
	d.mu.Lock()
	p, ok := d.programs[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.programs, id)
	busy := p.busy
	d.mu.Unlock()

	d.wait(busy)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyProgramLocked(p)
}

func (d *Device) destroyProgramLocked(p *program) {
	if p.bindGroup != nil {
		d.device.DestroyBindGroup(p.bindGroup)
	}
	if p.pipeline != nil {
		d.device.DestroyComputePipeline(p.pipeline)
	}
	if p.pipeLayout != nil {
		d.device.DestroyPipelineLayout(p.pipeLayout)
	}
	if p.bindLayout != nil {
		d.device.DestroyBindGroupLayout(p.bindLayout)
	}
	if p.shader != nil {
		d.device.DestroyShaderModule(p.shader)
	}
	*p = program{}
}

// Submit records the dispatch and copy into one command buffer and submits
// it.
func (d *Device) Submit(b orbit.Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}

	var p *program
	if b.Workgroups > 0 {
		var ok bool
		if p, ok = d.programs[b.Program]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownProgram, b.Program)
		}
	}
	var src, dst *buffer
	if b.Copy != nil {
		var ok1, ok2 bool
		src, ok1 = d.buffers[b.Copy.Src]
		dst, ok2 = d.buffers[b.Copy.Dst]
		if !ok1 || !ok2 {
			return fmt.Errorf("%w: copy %d -> %d", ErrUnknownBuffer, b.Copy.Src, b.Copy.Dst)
		}
		if dst.mapping {
			return fmt.Errorf("%w: copy into %q", ErrMapPending, dst.label)
		}
	}

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: b.Label})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(b.Label); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	if p != nil {
		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: b.Label})
		pass.SetPipeline(p.pipeline)
		pass.SetBindGroup(0, p.bindGroup, nil)
		pass.Dispatch(b.Workgroups, 1, 1)
		pass.End()
	}
	if b.Copy != nil {
		encoder.CopyBufferToBuffer(src.raw, dst.raw, []hal.BufferCopy{
			{SrcOffset: b.Copy.SrcOffset, DstOffset: b.Copy.DstOffset, Size: b.Copy.Size},
		})
	}
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}

	index, err := d.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		d.device.FreeCommandBuffer(cmdBuf)
		return fmt.Errorf("wgpu: submit: %w", err)
	}

	sub := &submission{index: index, done: make(chan struct{})}
	if p != nil {
		p.busy = sub
		for _, buf := range p.bound {
			buf.busy = sub
		}
	}
	if b.Copy != nil {
		src.busy = sub
		dst.busy = sub
		dst.last = sub
	}
	d.inflight.Add(1)
	go d.retire(sub, cmdBuf)
	return nil
}

// retire polls the queue until the submission completes, then frees its
// command buffer.
func (d *Device) retire(sub *submission, cmdBuf hal.CommandBuffer) {
	defer d.inflight.Done()
	deadline := time.Now().Add(d.timeout)
	for d.queue.PollCompleted() < sub.index {
		if time.Now().After(deadline) {
			sub.err = fmt.Errorf("%w: index %d", ErrSubmitTimeout, sub.index)
			break
		}
		time.Sleep(pollInterval)
	}
	if sub.err == nil {
		d.device.FreeCommandBuffer(cmdBuf)
	} else {
		orbit.Logger().Warn("wgpu: submission timed out", "index", sub.index, "timeout", d.timeout)
	}
	close(sub.done)
}

// MapRead waits for the last submission that wrote the buffer, then maps
// and copies the range on a separate goroutine.
func (d *Device) MapRead(id orbit.BufferID, offset, size uint64, done func([]byte, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	if b.mapping {
		return fmt.Errorf("%w: %q", ErrMapPending, b.label)
	}
	if offset+size > b.size {
		return fmt.Errorf("wgpu: map %d bytes at %d of %q (%d bytes)", size, offset, b.label, b.size)
	}
	b.mapping = true
	d.inflight.Add(1)
	go d.readback(b, b.last, offset, size, done)
	return nil
}

func (d *Device) readback(b *buffer, sub *submission, offset, size uint64, done func([]byte, error)) {
	defer d.inflight.Done()

	var err error
	if sub != nil {
		<-sub.done
		err = sub.err
	}
	var data []byte
	if err == nil {
		data, err = d.read(b, offset, size)
	}

	d.mu.Lock()
	b.mapping = false
	if b.orphaned {
		d.device.DestroyBuffer(b.raw)
		b.raw = nil
	}
	d.mu.Unlock()

	done(data, err)
}

func (d *Device) read(b *buffer, offset, size uint64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	m, err := d.device.MapBuffer(b.raw, offset, size)
	if err != nil {
		return nil, fmt.Errorf("wgpu: map %q: %w", b.label, err)
	}
	data := make([]byte, size)
	copy(data, unsafe.Slice((*byte)(m.Ptr), size))
	if err := d.device.UnmapBuffer(b.raw); err != nil {
		return nil, fmt.Errorf("wgpu: unmap %q: %w", b.label, err)
	}
	return data, nil
}

// Unmap is a no-op: readbacks copy the data out before unmapping.
func (d *Device) Unmap(orbit.BufferID) {}

// Destroy waits for in-flight submissions and readbacks and drains the
// device, then releases the HAL device unless it is shared.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.mu.Unlock()

	d.inflight.Wait()
	if err := d.device.WaitIdle(); err != nil {
		orbit.Logger().Warn("wgpu: wait idle", "err", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.raw)
		delete(d.buffers, id)
	}
	for id, p := range d.programs {
		d.destroyProgramLocked(p)
		delete(d.programs, id)
	}
	if !d.externalDevice {
		if d.device != nil {
			d.device.Destroy()
		}
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.queue = nil
	d.instance = nil
}
