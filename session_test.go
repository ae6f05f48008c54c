package orbit_test

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/orbit"
	"github.com/gogpu/orbit/backend"
	"github.com/gogpu/orbit/backend/software"
)

// circular returns one object at (10, 0, 0) turning a quarter circle per
// time unit about +Z.
func circular() []orbit.Element {
	return []orbit.Element{{
		ID:           "sat-1",
		Position:     orbit.Vec3{X: 10},
		Axis:         orbit.Vec3{Z: 1},
		AngularSpeed: 1.5707963267948966,
	}}
}

func waitReady(t *testing.T, s *orbit.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if !s.Ready() {
		t.Fatalf("session not ready: %s", s.State())
	}
}

func newReadySession(t *testing.T, elements []orbit.Element, dev *software.Device, opts ...orbit.SessionOption) *orbit.Session {
	t.Helper()
	s, err := orbit.NewSession(elements, dev.Acquirer(), opts...)
	if err != nil {
		t.Fatalf("NewSession() = %v", err)
	}
	t.Cleanup(s.Dispose)
	waitReady(t, s)
	return s
}

func TestSessionLifecycle(t *testing.T) {
	dev := software.New(software.WithMode(software.Manual))
	s := newReadySession(t, circular(), dev, orbit.WithStagingSlots(4))

	if s.State() != orbit.StateReady || s.Count() != 1 || s.StagingSlots() != 4 {
		t.Fatalf("state = %s count = %d slots = %d", s.State(), s.Count(), s.StagingSlots())
	}
	if got := len(dev.Buffers()); got != 2+4 {
		t.Errorf("live buffers = %d, want resident + params + 4 staging", got)
	}

	s.Dispose()
	s.Dispose()

	st := dev.Stats()
	if s.State() != orbit.StateDisposed || s.Ready() {
		t.Errorf("after Dispose: state = %s ready = %v", s.State(), s.Ready())
	}
	if st.BuffersDestroyed != 6 || st.ProgramsDestroyed != 1 {
		t.Errorf("destroyed %d buffers %d programs, want 6 and 1", st.BuffersDestroyed, st.ProgramsDestroyed)
	}
	if st.DoubleDestroys != 0 || st.Leaked != 0 || !st.Destroyed {
		t.Errorf("stats = %+v", st)
	}
}

func TestSessionUploadsInitialState(t *testing.T) {
	elements := circular()
	dev := software.New(software.WithMode(software.Manual))
	s, err := orbit.NewSession(elements, dev.Acquirer(), orbit.WithSpeedMultiplier(2))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Dispose)

	// Mutating the caller's slice after construction has no effect.
	elements[0].Position.X = 999
	waitReady(t, s)

	var resident []byte
	for id, label := range dev.Buffers() {
		if label == "orbit_resident" {
			resident, _ = dev.BufferData(id)
		}
	}
	rec := orbit.Decode(orbit.Float32s(nil, resident), 0)
	if rec.Position[0] != 10 {
		t.Errorf("uploaded position x = %v, want 10", rec.Position[0])
	}
	if rec.Speed != float32(2*1.5707963267948966) {
		t.Errorf("uploaded speed = %v, want multiplier applied", rec.Speed)
	}
}

func TestSessionEncodingErrorIsSynchronous(t *testing.T) {
	var called atomic.Bool
	acquire := func(context.Context) (orbit.Device, error) {
		called.Store(true)
		return software.New(), nil
	}
	bad := []orbit.Element{{Axis: orbit.Vec3{X: 2}}}
	_, err := orbit.NewSession(bad, acquire)
	var encErr *orbit.EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("NewSession() = %v, want *EncodingError", err)
	}
	time.Sleep(10 * time.Millisecond)
	if called.Load() {
		t.Error("acquirer ran despite encoding failure")
	}
}

func TestSessionOptionValidation(t *testing.T) {
	acquire := software.Acquirer()
	tests := []struct {
		name string
		opt  orbit.SessionOption
	}{
		{"zero slots", orbit.WithStagingSlots(0)},
		{"too many slots", orbit.WithStagingSlots(orbit.MaxStagingSlots + 1)},
		{"nan multiplier", orbit.WithSpeedMultiplier(math.NaN())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := orbit.NewSession(circular(), acquire, tt.opt); err == nil {
				t.Error("NewSession() accepted invalid option")
			}
		})
	}
	if _, err := orbit.NewSession(circular(), nil); !errors.Is(err, orbit.ErrNilAcquirer) {
		t.Errorf("NewSession(nil acquirer) = %v", err)
	}
}

func TestSessionAcquisitionFailure(t *testing.T) {
	tests := []struct {
		name    string
		acquire orbit.Acquirer
	}{
		{"error", func(context.Context) (orbit.Device, error) { return nil, errors.New("no adapter") }},
		{"nil device", func(context.Context) (orbit.Device, error) { return nil, nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := orbit.NewSession(circular(), tt.acquire)
			if err != nil {
				t.Fatalf("NewSession() = %v, want nil", err)
			}
			defer s.Dispose()
			<-s.Done()
			if s.Ready() || s.State() != orbit.StateUnavailable {
				t.Errorf("state = %s ready = %v", s.State(), s.Ready())
			}
			if !errors.Is(s.Err(), orbit.ErrAccelerationUnavailable) {
				t.Errorf("Err() = %v, want ErrAccelerationUnavailable", s.Err())
			}
			if err := s.Wait(context.Background()); !errors.Is(err, orbit.ErrAccelerationUnavailable) {
				t.Errorf("Wait() = %v", err)
			}
		})
	}
}

func TestSessionProgramFailureReleasesResources(t *testing.T) {
	dev := &failingProgramDevice{Device: software.New()}
	s, err := orbit.NewSession(circular(), func(context.Context) (orbit.Device, error) { return dev, nil })
	if err != nil {
		t.Fatal(err)
	}
	defer s.Dispose()
	<-s.Done()

	if s.State() != orbit.StateUnavailable {
		t.Fatalf("state = %s, want unavailable", s.State())
	}
	st := dev.Stats()
	if st.BuffersCreated != st.BuffersDestroyed || !st.Destroyed {
		t.Errorf("stats = %+v, want every buffer released and device destroyed", st)
	}
}

type failingProgramDevice struct {
	*software.Device
}

func (d *failingProgramDevice) CreateProgram(string, string, []orbit.Binding) (orbit.ProgramID, error) {
	return orbit.InvalidID, errors.New("shader rejected")
}

func TestSessionDisposeDuringAcquisition(t *testing.T) {
	release := make(chan struct{})
	dev := software.New()
	acquire := func(ctx context.Context) (orbit.Device, error) {
		<-release
		return dev, nil
	}
	s, err := orbit.NewSession(circular(), acquire)
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != orbit.StateAcquiring || s.Ready() {
		t.Fatalf("state = %s before acquisition", s.State())
	}

	s.Dispose()
	if err := s.Wait(context.Background()); !errors.Is(err, orbit.ErrSessionDisposed) {
		t.Errorf("Wait() after Dispose = %v", err)
	}
	close(release)
	<-s.Done()

	st := dev.Stats()
	if !st.Destroyed {
		t.Error("late device was not destroyed")
	}
	if st.BuffersCreated != 0 {
		t.Errorf("late device got %d buffers, want none", st.BuffersCreated)
	}
	if s.State() != orbit.StateDisposed || s.Err() != nil {
		t.Errorf("state = %s err = %v", s.State(), s.Err())
	}
}

func TestSessionFromRegistry(t *testing.T) {
	acquire, err := backend.Get(backend.BackendSoftware)
	if err != nil {
		t.Fatalf("software backend not registered: %v", err)
	}
	s, err := orbit.NewSession(circular(), acquire)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Dispose()
	waitReady(t, s)
}

func TestSessionStateString(t *testing.T) {
	want := map[orbit.SessionState]string{
		orbit.StateAcquiring:   "acquiring",
		orbit.StateReady:       "ready",
		orbit.StateUnavailable: "unavailable",
		orbit.StateDisposed:    "disposed",
	}
	for s, w := range want {
		if s.String() != w {
			t.Errorf("String() = %q, want %q", s.String(), w)
		}
	}
}
