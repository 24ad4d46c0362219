// Package vpudec defines the contracts for driving a hardware video
// decoder's output protocol: an opaque decoder Engine that consumes
// encoded access units and reports output codes, a physical buffer
// Allocator the framebuffer pool is built from, and the narrow
// collaborator interfaces (BitstreamSource, OutputSink) the decode
// session is wired to.
//
// The orchestration itself (the per-step state machine and the
// framebuffer pool lifecycle) lives in the `session` package; engine
// backends live under `engine/`.
package vpudec

import (
	"context"
	"io"
)

// BitstreamSource hands out pre-delimited encoded access units.
// It returns io.EOF when the input is exhausted. The returned unit's
// Data is only guaranteed to stay valid until the next NextUnit call.
type BitstreamSource interface {
	NextUnit(ctx context.Context) (*EncodedUnit, error)
}

// OutputSink consumes the raw bytes of one decoded picture. The slice
// aliases a mapped framebuffer and is valid only for the duration of
// the call.
type OutputSink interface {
	WritePicture(ctx context.Context, data []byte) error
}

// EngineLoader owns the process-wide state of one engine backend
// (the analogue of loading/unloading a VPU firmware blob). Close
// unloads the backend and must be the last teardown action of a
// session.
type EngineLoader interface {
	io.Closer

	// BitstreamBufferInfo reports the size and alignment the backend
	// requires for the bitstream scratch buffer that is passed to Open.
	BitstreamBufferInfo(ctx context.Context) (size uint, alignment uint, _err error)

	Open(ctx context.Context, params OpenParams, scratch Buffer) (Engine, error)
}

// Engine is one opaque decoder instance. All methods are expected to
// be called from a single goroutine (see the session package for the
// serialization guarantees); Decode blocks until the engine call
// returns.
//
// The OutputCode returned by Decode is a set of independent flags;
// see OutputCode for the bits the session reacts to.
type Engine interface {
	io.Closer

	Decode(ctx context.Context, unit *EncodedUnit) (OutputCode, error)

	// InitialInfo is valid after (and only after) a Decode call reported
	// OutputCodeInitialInfoAvailable.
	InitialInfo(ctx context.Context) (*InitialInfo, error)

	// CalcFramebufferSizes computes the buffer geometry for the given
	// stream parameters. It is a pure function of the info fields.
	CalcFramebufferSizes(ctx context.Context, info *InitialInfo) (*Geometry, error)

	// RegisterFramebuffers hands the full output buffer pool to the
	// engine in one call. It must not be called again until the engine
	// reports OutputCodeInitialInfoAvailable anew.
	RegisterFramebuffers(ctx context.Context, framebuffers []*Framebuffer) error

	// DecodedPicture retrieves the pending picture. It must be called at
	// most once after a Decode call reported
	// OutputCodeDecodedPictureAvailable and before the next Decode call.
	DecodedPicture(ctx context.Context) (*Picture, error)

	// MarkDisplayed returns a framebuffer to the engine's free pool.
	// The consumer must not touch the buffer's content afterwards.
	MarkDisplayed(ctx context.Context, framebuffer *Framebuffer) error

	// DroppedContext returns the frame context of the unit the engine
	// just reported as dropped.
	DroppedContext(ctx context.Context) (FrameContext, error)

	EnableDrain(ctx context.Context, enable bool) error
}

// AccessMode selects how a Buffer mapping may be used.
type AccessMode uint

const (
	AccessModeReadOnly = AccessMode(iota)
	AccessModeWriteOnly
	AccessModeReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case AccessModeReadOnly:
		return "read-only"
	case AccessModeWriteOnly:
		return "write-only"
	case AccessModeReadWrite:
		return "read-write"
	}
	return "unknown"
}

// Mapping is the result of mapping a Buffer into the local address
// space. Physical is the DMA address the engine sees.
type Mapping struct {
	Virtual  []byte
	Physical uintptr
}

// Buffer is one physically contiguous, aligned allocation.
type Buffer interface {
	Size() uint
	Map(ctx context.Context, mode AccessMode) (*Mapping, error)
	Unmap(ctx context.Context) error
}

// Allocator supplies physically contiguous memory regions. The default
// host-backed implementation lives in the `dma` package.
type Allocator interface {
	Allocate(ctx context.Context, size uint, alignment uint) (Buffer, error)
	Deallocate(buffer Buffer) error
}
