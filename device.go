package orbit

import (
	"context"
	"strings"
)

// BufferID identifies a device buffer.
type BufferID uint64

// ProgramID identifies a compiled compute program together with its bindings.
type ProgramID uint64

// InvalidID is the zero value for all device IDs.
const InvalidID = 0

// BufferUsage describes how a buffer may be used.
type BufferUsage uint32

const (
	BufferUsageMapRead BufferUsage = 1 << iota
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageUniform
	BufferUsageStorage
)

// Contains reports whether u includes every flag in f.
func (u BufferUsage) Contains(f BufferUsage) bool { return u&f == f }

func (u BufferUsage) String() string {
	if u == 0 {
		return "none"
	}
	names := []string{"map-read", "copy-src", "copy-dst", "uniform", "storage"}
	var parts []string
	for i, name := range names {
		if u&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// BindingKind selects the resource type of a program binding.
type BindingKind int

const (
	BindingStorage BindingKind = iota
	BindingUniform
)

// Binding attaches a buffer to a binding slot of group 0.
type Binding struct {
	Index  uint32
	Buffer BufferID
	Kind   BindingKind
	Size   uint64
}

// BufferCopy describes a buffer-to-buffer copy.
type BufferCopy struct {
	Src, Dst             BufferID
	SrcOffset, DstOffset uint64
	Size                 uint64
}

// Batch is one submission: an optional dispatch of Program over Workgroups
// work groups, followed by an optional copy. Devices execute batches in
// submission order.
type Batch struct {
	Label      string
	Program    ProgramID
	Workgroups uint32
	Copy       *BufferCopy
}

// Device is the compute device contract the Session drives.
//
// All methods except MapRead's callback are called from host goroutines.
// MapRead's done callback may run on any goroutine at any later time,
// including after Destroy; it receives data that stays valid until Unmap.
// When MapRead returns an error, done is never called.
type Device interface {
	Name() string

	CreateBuffer(label string, size uint64, usage BufferUsage) (BufferID, error)
	DestroyBuffer(id BufferID)
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// CreateProgram compiles WGSL and binds the given buffers to group 0.
	CreateProgram(label, wgsl string, bindings []Binding) (ProgramID, error)
	DestroyProgram(id ProgramID)

	Submit(b Batch) error
	MapRead(id BufferID, offset, size uint64, done func(data []byte, err error)) error
	Unmap(id BufferID)

	// Destroy releases the device itself. Resources still alive are leaked
	// to the driver; callers destroy them first.
	Destroy()
}

// Acquirer obtains a device. It may block; ctx is cancelled when the
// requesting session is disposed.
type Acquirer func(ctx context.Context) (Device, error)
