package orbit

import (
	"math"
	"testing"
)

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestRotateQuarterTurns(t *testing.T) {
	records, err := Encode([]Element{
		{Position: Vec3{10, 0, 0}, Axis: Vec3{0, 0, 1}, AngularSpeed: math.Pi / 2},
	}, 1)
	if err != nil {
		t.Fatal(err)
	}

	steps := []Vec3{{0, 10, 0}, {-10, 0, 0}, {0, -10, 0}, {10, 0, 0}}
	for i, want := range steps {
		Propagate(records, 1, 1)
		got := Decode(records, 0).Position
		if !near(float64(got[0]), want.X, 1e-4) || !near(float64(got[1]), want.Y, 1e-4) || !near(float64(got[2]), want.Z, 1e-4) {
			t.Errorf("step %d: position = %v, want %v", i+1, got, want)
		}
	}
}

func TestRotateFixedPoints(t *testing.T) {
	tests := []struct {
		name string
		e    Element
		dt   float32
	}{
		{"zero speed", Element{Position: Vec3{7, -3, 2}, Axis: Vec3{0, 1, 0}, AngularSpeed: 0}, 5},
		{"zero dt", Element{Position: Vec3{7, -3, 2}, Axis: Vec3{0, 1, 0}, AngularSpeed: 3}, 0},
		{"on axis", Element{Position: Vec3{0, 0, 5}, Axis: Vec3{0, 0, 1}, AngularSpeed: 1}, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, _ := Encode([]Element{tt.e}, 1)
			before := Decode(records, 0)
			Propagate(records, tt.dt, 1)
			after := Decode(records, 0)
			for j := 0; j < 3; j++ {
				if !near(float64(after.Position[j]), float64(before.Position[j]), 1e-5) {
					t.Errorf("position = %v, want %v", after.Position, before.Position)
				}
			}
			if after.Axis != before.Axis || after.Speed != before.Speed {
				t.Error("axis or speed changed")
			}
		})
	}
}

func TestRotatePreservesRadiusAndAxisComponent(t *testing.T) {
	axis := Vec3{1, 2, 2}.Scale(1.0 / 3)
	records, _ := Encode([]Element{{Position: Vec3{6371, 200, -900}, Axis: axis, AngularSpeed: 0.001}}, 1)
	r0 := Decode(records, 0).Position
	for i := 0; i < 100; i++ {
		Propagate(records, 10, 1)
	}
	r1 := Decode(records, 0).Position

	length := func(p [3]float32) float64 {
		return math.Sqrt(float64(p[0])*float64(p[0]) + float64(p[1])*float64(p[1]) + float64(p[2])*float64(p[2]))
	}
	dot := func(p [3]float32) float64 {
		return float64(p[0])*axis.X + float64(p[1])*axis.Y + float64(p[2])*axis.Z
	}
	if !near(length(r0), length(r1), 0.5) {
		t.Errorf("|r| drifted: %v -> %v", length(r0), length(r1))
	}
	if !near(dot(r0), dot(r1), 0.5) {
		t.Errorf("axial component drifted: %v -> %v", dot(r0), dot(r1))
	}
}

func TestPropagateClampsCount(t *testing.T) {
	records, _ := Encode([]Element{{Position: Vec3{1, 0, 0}, Axis: Vec3{0, 0, 1}, AngularSpeed: 1}}, 1)
	Propagate(records, 1, 5)
	if Decode(records, 0).Position[1] == 0 {
		t.Error("record was not advanced")
	}
}
