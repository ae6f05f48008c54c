package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/gogpu/orbit"
)

// ErrTLE is wrapped by every element set that cannot be parsed or
// propagated.
var ErrTLE = errors.New("catalog: bad element set")

// tleLineLen is the length of a TLE data line including its checksum.
const tleLineLen = 69

// TLE is one three-line element set: a name line followed by the two
// NORAD data lines.
type TLE struct {
	Name  string
	Line1 string
	Line2 string
}

// ParseTLE checks an element set: line numbers, lengths, checksums,
// matching catalog numbers and every numeric field SGP4 reads. A leading
// "0 " on the name line is dropped.
func ParseTLE(name, line1, line2 string) (TLE, error) {
	name = strings.TrimSpace(name)
	name = strings.TrimSpace(strings.TrimPrefix(name, "0 "))
	t := TLE{
		Name:  name,
		Line1: strings.TrimRight(line1, " \r"),
		Line2: strings.TrimRight(line2, " \r"),
	}
	for i, line := range []string{t.Line1, t.Line2} {
		if len(line) != tleLineLen {
			return TLE{}, fmt.Errorf("%w: %s: line %d has %d columns, want %d", ErrTLE, name, i+1, len(line), tleLineLen)
		}
		if line[0] != byte('1'+i) || line[1] != ' ' {
			return TLE{}, fmt.Errorf("%w: %s: line %d does not start with %q", ErrTLE, name, i+1, string(rune('1'+i)))
		}
		if want := checksum(line); int(line[68]-'0') != want {
			return TLE{}, fmt.Errorf("%w: %s: line %d checksum %c, want %d", ErrTLE, name, i+1, line[68], want)
		}
	}
	if t.Line1[2:7] != t.Line2[2:7] {
		return TLE{}, fmt.Errorf("%w: %s: catalog numbers %q and %q differ", ErrTLE, name, t.Line1[2:7], t.Line2[2:7])
	}
	if err := checkFields(t.Line1, t.Line2); err != nil {
		return TLE{}, fmt.Errorf("%w: %s: %v", ErrTLE, name, err)
	}
	return t, nil
}

// checksum sums the digits of the first 68 columns, counting '-' as 1.
func checksum(line string) int {
	sum := 0
	for _, c := range line[:tleLineLen-1] {
		switch {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	return sum % 10
}

// checkFields parses each field the way the SGP4 package does, which
// exits the process on a malformed number.
func checkFields(line1, line2 string) error {
	strip := func(s string) string { return strings.Replace(s, " ", "", 2) }
	ints := map[string]string{
		"catalog number": strings.TrimSpace(line1[2:7]),
		"epoch year":     line1[18:20],
	}
	for field, s := range ints {
		if _, err := strconv.ParseInt(s, 10, 0); err != nil {
			return fmt.Errorf("%s %q", field, s)
		}
	}
	floats := map[string]string{
		"epoch day":      line1[20:32],
		"ndot":           strip(line1[33:43]),
		"nddot":          strip(line1[44:45] + "." + line1[45:50] + "e" + line1[50:52]),
		"bstar":          strip(line1[53:54] + "." + line1[54:59] + "e" + line1[59:61]),
		"inclination":    strip(line2[8:16]),
		"ascending node": strip(line2[17:25]),
		"eccentricity":   "." + line2[26:33],
		"perigee":        strip(line2[34:42]),
		"mean anomaly":   strip(line2[43:51]),
		"mean motion":    strip(line2[52:63]),
	}
	for field, s := range floats {
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("%s %q", field, s)
		}
	}
	return nil
}

// Satnum returns the five-character catalog number.
func (t TLE) Satnum() string {
	return fmt.Sprintf("%05s", strings.TrimSpace(t.Line1[2:7]))
}

// Propagate runs SGP4 with WGS84 constants to time at and returns the
// position in kilometres and velocity in kilometres per second, in the
// TEME frame.
func (t TLE) Propagate(at time.Time) (r, v orbit.Vec3, err error) {
	sat := satellite.TLEToSat(t.Line1, t.Line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return r, v, fmt.Errorf("%w: %s: sgp4 init: %s", ErrTLE, t.Name, sat.ErrorStr)
	}
	at = at.UTC()
	pos, vel := satellite.Propagate(sat, at.Year(), int(at.Month()), at.Day(), at.Hour(), at.Minute(), at.Second())
	r = orbit.Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
	v = orbit.Vec3{X: vel.X, Y: vel.Y, Z: vel.Z}
	for _, c := range []float64{r.X, r.Y, r.Z, v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return r, v, fmt.Errorf("%w: %s: sgp4 diverged at %s", ErrTLE, t.Name, at.Format(time.RFC3339))
		}
	}
	if r.Length() < SemiMinorAxis {
		return r, v, fmt.Errorf("%w: %s: decayed by %s", ErrTLE, t.Name, at.Format(time.RFC3339))
	}
	return r, v, nil
}

// FromTLE propagates one element set to time at and fills every record
// field, including the rotation axis and speed.
func FromTLE(t TLE, at time.Time) (Record, error) {
	r, v, err := t.Propagate(at)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Name:     t.Name,
		Satnum:   t.Satnum(),
		R:        r,
		V:        v,
		Altitude: Altitude(r),
	}
	e, err := FromStateVector(rec.ID(), r, v)
	if err != nil {
		return Record{}, err
	}
	rec.W = e.Axis
	rec.Speed = e.AngularSpeed
	return rec, nil
}

// ReadTLE reads three-line element sets. Blank lines are skipped; a
// trailing partial set is an error.
func ReadTLE(r io.Reader) ([]TLE, error) {
	var (
		sets  []TLE
		lines []string
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) < 3 {
			continue
		}
		t, err := ParseTLE(lines[0], lines[1], lines[2])
		if err != nil {
			return nil, fmt.Errorf("element set %d: %w", len(sets), err)
		}
		sets = append(sets, t)
		lines = lines[:0]
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) > 0 {
		return nil, fmt.Errorf("%w: incomplete element set after %d sets: %q", ErrTLE, len(sets), lines)
	}
	return sets, nil
}

// DecodeTLE reads element sets and propagates each to time at.
func DecodeTLE(r io.Reader, at time.Time) (*Catalog, error) {
	sets, err := ReadTLE(r)
	if err != nil {
		return nil, err
	}
	c := &Catalog{Records: make([]Record, 0, len(sets))}
	for i, t := range sets {
		rec, err := FromTLE(t, at)
		if err != nil {
			return nil, fmt.Errorf("element set %d: %w", i, err)
		}
		c.Records = append(c.Records, rec)
	}
	return c, nil
}

// LoadTLE reads a three-line element file and propagates it to time at.
func LoadTLE(path string, at time.Time) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := DecodeTLE(f, at)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
