// Package dma provides the default physical buffer allocator: host
// memory carved out with the requested alignment, with map/unmap
// bookkeeping. On a real target this is where a CMA/ion-style
// allocator would plug in; the engine contract only needs physically
// contiguous regions that respect the alignment value.
package dma

import (
	"context"
	"sync/atomic"
	"unsafe"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/pkg/errors"
	"github.com/xaionaro-go/vpudec"
	"github.com/xaionaro-go/vpudec/internal"
	"github.com/xaionaro-go/xsync"
)

type Allocator struct {
	BuffersAllocated   atomic.Uint64
	BuffersDeallocated atomic.Uint64
	BytesAllocated     atomic.Uint64
}

var _ vpudec.Allocator = (*Allocator)(nil)

func NewAllocator() *Allocator {
	return &Allocator{}
}

func (a *Allocator) Allocate(
	ctx context.Context,
	size uint,
	alignment uint,
) (vpudec.Buffer, error) {
	logger.Tracef(ctx, "Allocate(size:%d, alignment:%d)", size, alignment)

	if size == 0 {
		return nil, errors.Errorf("requested a zero-sized buffer")
	}
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return nil, errors.Errorf("alignment %d is not a power of two", alignment)
	}

	// Over-allocate by the alignment so that an aligned window of the
	// requested size always exists within the backing slice.
	backing := make([]byte, size+alignment-1)
	offset := uint(0)
	if rem := uint(uintptr(unsafe.Pointer(&backing[0]))) & (alignment - 1); rem != 0 {
		offset = alignment - rem
	}

	b := &Buffer{
		allocator: a,
		backing:   backing,
		data:      backing[offset : offset+size : offset+size],
		size:      size,
	}
	b.releaseLeakWarning = internal.SetLeakWarning(ctx, b, "a DMA buffer")

	a.BuffersAllocated.Add(1)
	a.BytesAllocated.Add(uint64(size))
	return b, nil
}

func (a *Allocator) Deallocate(buffer vpudec.Buffer) error {
	b, ok := buffer.(*Buffer)
	if !ok {
		return errors.Errorf("expected a buffer of type %T, but received %T", b, buffer)
	}

	return xsync.DoR1(context.TODO(), &b.locker, func() error {
		if b.backing == nil {
			return errors.Errorf("the buffer is already deallocated")
		}
		if b.mapping != nil {
			return errors.Errorf("the buffer is still mapped")
		}
		b.releaseLeakWarning()
		b.backing = nil
		b.data = nil
		a.BuffersDeallocated.Add(1)
		return nil
	})
}

// Buffer is one host-backed allocation. The "physical" address it
// reports is the virtual address of the aligned window, which keeps
// the address stable and unique for the buffer's lifetime.
type Buffer struct {
	locker             xsync.Mutex
	allocator          *Allocator
	backing            []byte
	data               []byte
	size               uint
	mapping            *vpudec.Mapping
	releaseLeakWarning func()
}

var _ vpudec.Buffer = (*Buffer)(nil)

func (b *Buffer) Size() uint {
	return b.size
}

func (b *Buffer) Map(
	ctx context.Context,
	mode vpudec.AccessMode,
) (*vpudec.Mapping, error) {
	logger.Tracef(ctx, "Map(mode:%s)", mode)

	return xsync.DoR2(ctx, &b.locker, func() (*vpudec.Mapping, error) {
		if b.backing == nil {
			return nil, errors.Errorf("the buffer is deallocated")
		}
		if b.mapping != nil {
			return nil, errors.Errorf("the buffer is already mapped")
		}
		b.mapping = &vpudec.Mapping{
			Virtual:  b.data,
			Physical: uintptr(unsafe.Pointer(&b.data[0])),
		}
		return b.mapping, nil
	})
}

func (b *Buffer) Unmap(ctx context.Context) error {
	logger.Tracef(ctx, "Unmap()")

	return xsync.DoR1(ctx, &b.locker, func() error {
		if b.mapping == nil {
			return errors.Errorf("the buffer is not mapped")
		}
		b.mapping = nil
		return nil
	})
}
