package software

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gogpu/orbit"
)

// newProgram sets up a resident buffer holding records, a params uniform,
// one staging buffer and the orbit program.
func newProgram(t *testing.T, d *Device, records []float32) (resident, uniform, staging orbit.BufferID, prog orbit.ProgramID) {
	t.Helper()
	size := uint64(len(records) * 4)
	var err error
	resident, err = d.CreateBuffer("resident", size, orbit.BufferUsageStorage|orbit.BufferUsageCopySrc|orbit.BufferUsageCopyDst)
	if err != nil {
		t.Fatalf("CreateBuffer(resident) = %v", err)
	}
	if err := d.WriteBuffer(resident, 0, orbit.Bytes(records)); err != nil {
		t.Fatalf("WriteBuffer(resident) = %v", err)
	}
	uniform, err = d.CreateBuffer("params", orbit.ParamsSize, orbit.BufferUsageUniform|orbit.BufferUsageCopyDst)
	if err != nil {
		t.Fatalf("CreateBuffer(params) = %v", err)
	}
	staging, err = d.CreateBuffer("staging", size, orbit.BufferUsageMapRead|orbit.BufferUsageCopyDst)
	if err != nil {
		t.Fatalf("CreateBuffer(staging) = %v", err)
	}
	prog, err = d.CreateProgram("orbit", orbit.ShaderSource(), []orbit.Binding{
		{Index: 0, Buffer: resident, Kind: orbit.BindingStorage},
		{Index: 1, Buffer: uniform, Kind: orbit.BindingUniform},
	})
	if err != nil {
		t.Fatalf("CreateProgram() = %v", err)
	}
	return resident, uniform, staging, prog
}

func writeParams(t *testing.T, d *Device, uniform orbit.BufferID, dt float32, n uint32) {
	t.Helper()
	var p [orbit.ParamsSize]byte
	orbit.PutParams(p[:], dt, n)
	if err := d.WriteBuffer(uniform, 0, p[:]); err != nil {
		t.Fatalf("WriteBuffer(params) = %v", err)
	}
}

func TestDispatchAndCopy(t *testing.T) {
	d := New(WithMode(Manual))
	records, err := orbit.Encode([]orbit.Element{
		{Position: orbit.Vec3{X: 10}, Axis: orbit.Vec3{Z: 1}, AngularSpeed: math.Pi / 2},
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	resident, uniform, staging, prog := newProgram(t, d, records)
	writeParams(t, d, uniform, 1, 1)

	err = d.Submit(orbit.Batch{
		Program:    prog,
		Workgroups: orbit.WorkgroupCount(1),
		Copy:       &orbit.BufferCopy{Src: resident, Dst: staging, Size: orbit.RecordSize},
	})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	var got []byte
	if err := d.MapRead(staging, 0, orbit.RecordSize, func(data []byte, err error) {
		if err != nil {
			t.Errorf("done err = %v", err)
		}
		got = data
	}); err != nil {
		t.Fatalf("MapRead() = %v", err)
	}
	if d.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", d.Pending())
	}
	if !d.Complete() {
		t.Fatal("Complete() = false")
	}
	rec := orbit.Decode(orbit.Float32s(nil, got), 0)
	if math.Abs(float64(rec.Position[0])) > 1e-4 || math.Abs(float64(rec.Position[1])-10) > 1e-4 {
		t.Errorf("position = %v, want (0, 10, 0)", rec.Position)
	}

	st := d.Stats()
	if st.Dispatches != 1 || st.Copies != 1 || st.LastWorkgroups != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDispatchRespectsCount(t *testing.T) {
	d := New(WithMode(Manual))
	elements := []orbit.Element{
		{Position: orbit.Vec3{X: 1}, Axis: orbit.Vec3{Z: 1}, AngularSpeed: 1},
		{Position: orbit.Vec3{X: 1}, Axis: orbit.Vec3{Z: 1}, AngularSpeed: 1},
	}
	records, _ := orbit.Encode(elements, 1)
	resident, uniform, _, prog := newProgram(t, d, records)
	writeParams(t, d, uniform, 0.5, 1)

	if err := d.Submit(orbit.Batch{Program: prog, Workgroups: 1}); err != nil {
		t.Fatal(err)
	}
	data, _ := d.BufferData(resident)
	out := orbit.Float32s(nil, data)
	if orbit.Decode(out, 0).Position == orbit.Decode(records, 0).Position {
		t.Error("record 0 was not advanced")
	}
	if orbit.Decode(out, 1).Position != orbit.Decode(records, 1).Position {
		t.Error("record 1 advanced beyond params.count")
	}
}

func TestParallelDispatchMatchesSerial(t *testing.T) {
	elements := make([]orbit.Element, 300)
	for i := range elements {
		elements[i] = orbit.Element{
			Position:     orbit.Vec3{X: float64(i + 1), Y: 2},
			Axis:         orbit.Vec3{Z: 1},
			AngularSpeed: 0.01 * float64(i),
		}
	}
	records, err := orbit.Encode(elements, 1)
	if err != nil {
		t.Fatal(err)
	}
	n := uint32(len(elements))

	run := func(d *Device) []byte {
		defer d.Destroy()
		resident, uniform, _, prog := newProgram(t, d, records)
		writeParams(t, d, uniform, 0.25, n)
		if err := d.Submit(orbit.Batch{Program: prog, Workgroups: orbit.WorkgroupCount(int(n))}); err != nil {
			t.Fatal(err)
		}
		data, _ := d.BufferData(resident)
		return data
	}
	serial := run(New(WithMode(Manual)))
	parallel := run(New(WithMode(Manual), WithWorkers(3)))
	if string(serial) != string(parallel) {
		t.Error("parallel dispatch differs from serial dispatch")
	}
}

func TestMapReadErrors(t *testing.T) {
	d := New(WithMode(Manual))
	records, _ := orbit.Encode([]orbit.Element{{Axis: orbit.Vec3{Z: 1}}}, 1)
	resident, _, staging, _ := newProgram(t, d, records)
	noop := func([]byte, error) {}

	tests := []struct {
		name string
		id   orbit.BufferID
		size uint64
		want error
	}{
		{"not mappable", resident, 4, ErrUsage},
		{"unknown", 999, 4, ErrUnknownBuffer},
		{"out of range", staging, 1 << 20, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.MapRead(tt.id, 0, tt.size, noop); !errors.Is(err, tt.want) {
				t.Errorf("MapRead() = %v, want %v", err, tt.want)
			}
		})
	}

	if err := d.MapRead(staging, 0, 4, noop); err != nil {
		t.Fatal(err)
	}
	if err := d.MapRead(staging, 0, 4, noop); !errors.Is(err, ErrAlreadyMapped) {
		t.Errorf("second MapRead() = %v, want ErrAlreadyMapped", err)
	}
}

func TestFailureInjection(t *testing.T) {
	d := New(WithMode(Manual))
	records, _ := orbit.Encode([]orbit.Element{{Axis: orbit.Vec3{Z: 1}}}, 1)
	_, _, staging, prog := newProgram(t, d, records)

	d.FailNextSubmits(1)
	if err := d.Submit(orbit.Batch{Program: prog, Workgroups: 1}); !errors.Is(err, ErrInjected) {
		t.Errorf("Submit() = %v, want ErrInjected", err)
	}
	if err := d.Submit(orbit.Batch{Program: prog, Workgroups: 1}); err != nil {
		t.Errorf("Submit() after injected failure = %v", err)
	}

	d.FailNextMaps(1)
	var gotErr error
	if err := d.MapRead(staging, 0, 4, func(_ []byte, err error) { gotErr = err }); err != nil {
		t.Fatal(err)
	}
	d.CompleteAll()
	if !errors.Is(gotErr, ErrInjected) {
		t.Errorf("done err = %v, want ErrInjected", gotErr)
	}
}

func TestImmediateAndLatencyModes(t *testing.T) {
	for _, opt := range []Option{WithMode(Immediate), WithLatency(5 * time.Millisecond)} {
		d := New(opt)
		records, _ := orbit.Encode([]orbit.Element{{Axis: orbit.Vec3{Z: 1}}}, 1)
		_, _, staging, _ := newProgram(t, d, records)
		done := make(chan struct{})
		if err := d.MapRead(staging, 0, 4, func([]byte, error) { close(done) }); err != nil {
			t.Fatal(err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("mode %d: completion did not arrive", d.mode)
		}
	}
}

func TestDestroyAccounting(t *testing.T) {
	d := New(WithMode(Manual))
	id, err := d.CreateBuffer("b", 32, orbit.BufferUsageCopyDst|orbit.BufferUsageMapRead)
	if err != nil {
		t.Fatal(err)
	}
	var called bool
	if err := d.MapRead(id, 0, 32, func([]byte, error) { called = true }); err != nil {
		t.Fatal(err)
	}
	d.DestroyBuffer(id)
	d.DestroyBuffer(id)
	d.Destroy()

	if err := d.WriteBuffer(id, 0, []byte{1}); !errors.Is(err, ErrDestroyed) {
		t.Errorf("WriteBuffer after Destroy = %v, want ErrDestroyed", err)
	}
	// Late completions still resolve after Destroy.
	d.CompleteAll()
	if !called {
		t.Error("queued completion was not delivered after Destroy")
	}

	st := d.Stats()
	if st.DoubleDestroys != 1 || st.WritesAfterDestroy != 1 || !st.Destroyed || st.Leaked != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestAcquirerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquirer()(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquirer()(cancelled) = %v, want context.Canceled", err)
	}
	dev, err := Acquirer(WithName("host"))(context.Background())
	if err != nil || dev.Name() != "host" {
		t.Errorf("Acquirer() = %v, %v", dev, err)
	}
}
