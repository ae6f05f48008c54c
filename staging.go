package orbit

import "fmt"

// SlotState is the lifecycle state of a staging slot.
type SlotState int

const (
	// SlotFree means the slot may receive a new copy.
	SlotFree SlotState = iota
	// SlotPending means a copy and map request are in flight.
	SlotPending
	// SlotMapped means the slot's contents are host readable.
	SlotMapped
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotPending:
		return "pending"
	case SlotMapped:
		return "mapped"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// Slot is one staging buffer and, while not free, the record of the
// readback it carries.
type Slot struct {
	Index  int
	Buffer BufferID
	State  SlotState

	// Frame and Scale are captured when the slot turns pending.
	Frame uint64
	Scale float64
}

// StagingPool is a fixed ring of K staging slots. Frame f uses slot f mod K.
//
// StagingPool is not safe for concurrent use; the Stepper owns it.
type StagingPool struct {
	slots []Slot
}

// NewStagingPool creates a pool over the given staging buffers.
func NewStagingPool(buffers []BufferID) *StagingPool {
	p := &StagingPool{slots: make([]Slot, len(buffers))}
	for i, b := range buffers {
		p.slots[i] = Slot{Index: i, Buffer: b}
	}
	return p
}

// Len returns K.
func (p *StagingPool) Len() int { return len(p.slots) }

// Index returns the slot index for frame.
func (p *StagingPool) Index(frame uint64) int {
	return int(frame % uint64(len(p.slots)))
}

// Acquire returns the slot for frame if it is free, or ErrSlotBusy.
func (p *StagingPool) Acquire(frame uint64) (*Slot, error) {
	if len(p.slots) == 0 {
		return nil, fmt.Errorf("%w: empty pool", ErrSlotBusy)
	}
	s := &p.slots[p.Index(frame)]
	if s.State != SlotFree {
		return nil, fmt.Errorf("%w: slot %d is %s with frame %d", ErrSlotBusy, s.Index, s.State, s.Frame)
	}
	return s, nil
}

// Slot returns a copy of slot i.
func (p *StagingPool) Slot(i int) Slot { return p.slots[i] }

// Buffers returns the staging buffers in slot order.
func (p *StagingPool) Buffers() []BufferID {
	out := make([]BufferID, len(p.slots))
	for i := range p.slots {
		out[i] = p.slots[i].Buffer
	}
	return out
}

// InFlight returns the number of slots that are not free.
func (p *StagingPool) InFlight() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].State != SlotFree {
			n++
		}
	}
	return n
}

// MarkPending records an issued readback: Free -> Pending.
func (p *StagingPool) MarkPending(i int, frame uint64, scale float64) error {
	if err := p.transition(i, SlotFree, SlotPending); err != nil {
		return err
	}
	p.slots[i].Frame = frame
	p.slots[i].Scale = scale
	return nil
}

// MarkMapped records a completed readback: Pending -> Mapped.
func (p *StagingPool) MarkMapped(i int) error {
	return p.transition(i, SlotPending, SlotMapped)
}

// Release returns a consumed slot to the pool: Mapped -> Free.
func (p *StagingPool) Release(i int) error {
	return p.transition(i, SlotMapped, SlotFree)
}

// Abort returns a slot whose readback failed: Pending -> Free.
func (p *StagingPool) Abort(i int) error {
	return p.transition(i, SlotPending, SlotFree)
}

func (p *StagingPool) transition(i int, from, to SlotState) error {
	if i < 0 || i >= len(p.slots) {
		return fmt.Errorf("%w: slot %d out of range", ErrSlotState, i)
	}
	s := &p.slots[i]
	if s.State != from {
		return fmt.Errorf("%w: slot %d is %s, want %s for %s", ErrSlotState, i, s.State, from, to)
	}
	s.State = to
	return nil
}
