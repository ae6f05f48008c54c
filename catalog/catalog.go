// Package catalog reads satellite catalogs and turns them into orbit
// elements.
//
// A catalog is a JSON array of records, one per object:
//
//	[{"name": "ISS (ZARYA)", "satnum": "25544",
//	  "r": {"X": 4100.1, "Y": -3200.5, "Z": 4000.2},
//	  "v": {"X": 4.1, "Y": 5.2, "Z": 1.0},
//	  "altitude": 415.3,
//	  "w": {"X": 0.1, "Y": 0.5, "Z": 0.8},
//	  "speed": 0.00113}]
//
// Positions are kilometres in an Earth-centred inertial frame, velocities
// kilometres per second. w is the unit rotation axis and speed the angular
// speed in radians per second. Records without w are completed from r and v
// with FromStateVector.
//
// Three-line element files are read with LoadTLE, which propagates every
// set with SGP4 to a given time and fills the same records.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/gogpu/orbit"
)

// ErrDegenerate is returned for a state vector whose position is zero or
// whose velocity is parallel to it.
var ErrDegenerate = errors.New("catalog: degenerate state vector")

// Record is one catalog entry.
type Record struct {
	Name     string     `json:"name"`
	Satnum   string     `json:"satnum"`
	R        orbit.Vec3 `json:"r"`
	V        orbit.Vec3 `json:"v"`
	Altitude float64    `json:"altitude"`
	W        orbit.Vec3 `json:"w"`
	Speed    float64    `json:"speed"`
}

// ID returns the satellite number, or the name when it has none.
func (r Record) ID() string {
	if r.Satnum != "" {
		return r.Satnum
	}
	return r.Name
}

// Element converts the record for encoding. A record with a zero axis
// derives axis and speed from its state vector.
func (r Record) Element() (orbit.Element, error) {
	if r.W == (orbit.Vec3{}) {
		return FromStateVector(r.ID(), r.R, r.V)
	}
	return orbit.Element{
		ID:           r.ID(),
		Position:     r.R,
		Axis:         r.W,
		AngularSpeed: r.Speed,
	}, nil
}

// FromStateVector builds an element from position and velocity:
// w = r×v / |r|², speed = |w|, axis = w / speed.
func FromStateVector(id string, r, v orbit.Vec3) (orbit.Element, error) {
	r2 := r.Dot(r)
	if r2 == 0 {
		return orbit.Element{}, fmt.Errorf("%w: %s: zero position", ErrDegenerate, id)
	}
	w := r.Cross(v).Scale(1 / r2)
	speed := w.Length()
	if speed == 0 {
		return orbit.Element{}, fmt.Errorf("%w: %s: velocity parallel to position", ErrDegenerate, id)
	}
	return orbit.Element{
		ID:           id,
		Position:     r,
		Axis:         w.Scale(1 / speed),
		AngularSpeed: speed,
	}, nil
}

// Catalog is a decoded catalog in file order.
type Catalog struct {
	Records []Record
}

// Decode reads a JSON catalog from r.
func Decode(r io.Reader) (*Catalog, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return &Catalog{Records: records}, nil
}

// Load reads a JSON catalog file.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Len returns the number of records.
func (c *Catalog) Len() int { return len(c.Records) }

// Elements converts every record, in order. The first failing record stops
// the conversion.
func (c *Catalog) Elements() ([]orbit.Element, error) {
	out := make([]orbit.Element, 0, len(c.Records))
	for i, rec := range c.Records {
		e, err := rec.Element()
		if err != nil {
			return nil, fmt.Errorf("catalog: record %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Stats summarizes a catalog.
type Stats struct {
	Count       int
	MinAltitude float64
	MaxAltitude float64
	MinPeriod   float64 // seconds
	MaxPeriod   float64
	Stationary  int // objects with zero angular speed
}

// Stats computes altitude and period ranges. Altitudes are recomputed from
// positions.
func (c *Catalog) Stats() (Stats, error) {
	elements, err := c.Elements()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Count: len(elements)}
	first := true
	for i, e := range elements {
		alt := Altitude(c.Records[i].R)
		if i == 0 || alt < s.MinAltitude {
			s.MinAltitude = alt
		}
		if i == 0 || alt > s.MaxAltitude {
			s.MaxAltitude = alt
		}
		if e.AngularSpeed == 0 {
			s.Stationary++
			continue
		}
		period := 2 * math.Pi / math.Abs(e.AngularSpeed)
		if first || period < s.MinPeriod {
			s.MinPeriod = period
		}
		if first || period > s.MaxPeriod {
			s.MaxPeriod = period
		}
		first = false
	}
	return s, nil
}
