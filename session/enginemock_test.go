package session

import (
	"context"
	"fmt"
	"io"

	"github.com/xaionaro-go/vpudec"
)

// fakeDecodeOutput scripts the outcome of one Decode call of the fake
// engine. A picture/drop consumes the oldest not-yet-resolved
// submitted context (the fake models an engine with a FIFO reorder
// queue).
type fakeDecodeOutput struct {
	initialInfo *vpudec.InitialInfo
	emitPicture bool
	emitDrop    bool
	eos         bool
	extraBits   vpudec.OutputCode
	failure     error
}

type submittedUnit struct {
	context  vpudec.FrameContext
	size     int
	hasCodec bool
}

type fakeEngine struct {
	script      []fakeDecodeOutput
	decodeCalls []submittedUnit

	currentInfo   *vpudec.InitialInfo
	contextQueue  []vpudec.FrameContext
	registrations [][]*vpudec.Framebuffer
	free          []*vpudec.Framebuffer
	outstanding   map[*vpudec.Framebuffer]bool

	pendingPicture *vpudec.Picture
	pendingDropped vpudec.FrameContext
	hasDropped     bool

	drainEnableCalls int
	markedDisplayed  int
	closeCalls       int
}

var _ vpudec.Engine = (*fakeEngine)(nil)

func newFakeEngine(script []fakeDecodeOutput) *fakeEngine {
	return &fakeEngine{
		script:      script,
		outstanding: map[*vpudec.Framebuffer]bool{},
	}
}

func (e *fakeEngine) Decode(
	ctx context.Context,
	unit *vpudec.EncodedUnit,
) (vpudec.OutputCode, error) {
	e.decodeCalls = append(e.decodeCalls, submittedUnit{
		context:  unit.Context,
		size:     len(unit.Data),
		hasCodec: len(unit.CodecData) != 0,
	})
	if !unit.IsEmpty() {
		e.contextQueue = append(e.contextQueue, unit.Context)
	}

	if len(e.decodeCalls) > len(e.script) {
		return 0, fmt.Errorf("the test script is exhausted after %d calls", len(e.script))
	}
	out := e.script[len(e.decodeCalls)-1]
	if out.failure != nil {
		return 0, out.failure
	}

	var code vpudec.OutputCode
	if out.initialInfo != nil {
		e.currentInfo = out.initialInfo
		code |= vpudec.OutputCodeInitialInfoAvailable
	}
	if out.emitPicture {
		if err := e.preparePicture(); err != nil {
			return 0, err
		}
		code |= vpudec.OutputCodeDecodedPictureAvailable
	}
	if out.emitDrop {
		if len(e.contextQueue) == 0 {
			return 0, fmt.Errorf("no submitted context left to drop")
		}
		e.pendingDropped = e.contextQueue[0]
		e.contextQueue = e.contextQueue[1:]
		e.hasDropped = true
		code |= vpudec.OutputCodeDropped
	}
	if out.eos {
		code |= vpudec.OutputCodeEOS
	}
	return code | out.extraBits, nil
}

func (e *fakeEngine) preparePicture() error {
	if e.pendingPicture != nil {
		return fmt.Errorf("the previous picture was never fetched")
	}
	if len(e.free) == 0 {
		return fmt.Errorf("no free framebuffer to decode into")
	}
	if len(e.contextQueue) == 0 {
		return fmt.Errorf("no submitted context left to attach to a picture")
	}

	framebuffer := e.free[0]
	e.free = e.free[1:]
	e.outstanding[framebuffer] = true
	e.pendingPicture = &vpudec.Picture{
		Framebuffer: framebuffer,
		Context:     e.contextQueue[0],
	}
	e.contextQueue = e.contextQueue[1:]
	return nil
}

func (e *fakeEngine) InitialInfo(ctx context.Context) (*vpudec.InitialInfo, error) {
	if e.currentInfo == nil {
		return nil, fmt.Errorf("no initial info is available")
	}
	return e.currentInfo, nil
}

func (e *fakeEngine) CalcFramebufferSizes(
	ctx context.Context,
	info *vpudec.InitialInfo,
) (*vpudec.Geometry, error) {
	align := func(v uint) uint { return (v + 15) &^ 15 }
	g := &vpudec.Geometry{
		AlignedFrameWidth:  align(info.FrameWidth),
		AlignedFrameHeight: align(info.FrameHeight),
	}
	g.YStride = g.AlignedFrameWidth
	g.CbCrStride = g.YStride / 2
	g.YSize = g.YStride * g.AlignedFrameHeight
	g.CbCrSize = g.YSize / 4
	g.MvColSize = g.YSize / 4
	g.TotalSize = g.YSize + 2*g.CbCrSize + g.MvColSize
	return g, nil
}

func (e *fakeEngine) RegisterFramebuffers(
	ctx context.Context,
	framebuffers []*vpudec.Framebuffer,
) error {
	if len(e.outstanding) != 0 {
		return fmt.Errorf("%d framebuffers are still outstanding", len(e.outstanding))
	}
	e.registrations = append(e.registrations, framebuffers)
	e.free = append([]*vpudec.Framebuffer{}, framebuffers...)
	return nil
}

func (e *fakeEngine) DecodedPicture(ctx context.Context) (*vpudec.Picture, error) {
	if e.pendingPicture == nil {
		return nil, fmt.Errorf("no decoded picture is pending")
	}
	picture := e.pendingPicture
	e.pendingPicture = nil
	return picture, nil
}

func (e *fakeEngine) MarkDisplayed(
	ctx context.Context,
	framebuffer *vpudec.Framebuffer,
) error {
	if !e.outstanding[framebuffer] {
		return fmt.Errorf("the framebuffer %#x is not owned by the consumer", framebuffer.Tag)
	}
	delete(e.outstanding, framebuffer)
	e.free = append(e.free, framebuffer)
	e.markedDisplayed++
	return nil
}

func (e *fakeEngine) DroppedContext(ctx context.Context) (vpudec.FrameContext, error) {
	if !e.hasDropped {
		return vpudec.FrameContextNone, fmt.Errorf("no dropped frame is pending")
	}
	e.hasDropped = false
	return e.pendingDropped, nil
}

func (e *fakeEngine) EnableDrain(ctx context.Context, enable bool) error {
	if !enable {
		return fmt.Errorf("drain mode cannot be exited")
	}
	e.drainEnableCalls++
	return nil
}

func (e *fakeEngine) Close() error {
	e.closeCalls++
	return nil
}

type fakeLoader struct {
	engine     *fakeEngine
	openParams *vpudec.OpenParams
	scratch    vpudec.Buffer
	closeCalls int
}

var _ vpudec.EngineLoader = (*fakeLoader)(nil)

func (l *fakeLoader) BitstreamBufferInfo(ctx context.Context) (uint, uint, error) {
	return 1 << 16, 512, nil
}

func (l *fakeLoader) Open(
	ctx context.Context,
	params vpudec.OpenParams,
	scratch vpudec.Buffer,
) (vpudec.Engine, error) {
	l.openParams = &params
	l.scratch = scratch
	return l.engine, nil
}

func (l *fakeLoader) Close() error {
	l.closeCalls++
	return nil
}

// testAllocator hands out plain byte-slice buffers, records the
// allocation/deallocation order and can be scripted to fail the Nth
// Allocate call (1-based, counted across the allocator's lifetime).
type testAllocator struct {
	allocations   []*testBuffer
	deallocations []*testBuffer
	failAtCall    int
}

var _ vpudec.Allocator = (*testAllocator)(nil)

func (a *testAllocator) Allocate(
	ctx context.Context,
	size uint,
	alignment uint,
) (vpudec.Buffer, error) {
	if a.failAtCall != 0 && len(a.allocations)+1 == a.failAtCall {
		return nil, fmt.Errorf("injected allocation failure")
	}
	b := &testBuffer{data: make([]byte, size)}
	a.allocations = append(a.allocations, b)
	return b, nil
}

func (a *testAllocator) Deallocate(buffer vpudec.Buffer) error {
	b := buffer.(*testBuffer)
	if b.deallocated {
		return fmt.Errorf("the buffer is already deallocated")
	}
	b.deallocated = true
	a.deallocations = append(a.deallocations, b)
	return nil
}

type testBuffer struct {
	data        []byte
	deallocated bool
}

var _ vpudec.Buffer = (*testBuffer)(nil)

func (b *testBuffer) Size() uint { return uint(len(b.data)) }

func (b *testBuffer) Map(
	ctx context.Context,
	mode vpudec.AccessMode,
) (*vpudec.Mapping, error) {
	if b.deallocated {
		return nil, fmt.Errorf("the buffer is deallocated")
	}
	return &vpudec.Mapping{Virtual: b.data}, nil
}

func (b *testBuffer) Unmap(ctx context.Context) error { return nil }

// sliceSource serves pre-cut access units and io.EOF afterwards.
type sliceSource struct {
	units [][]byte
	next  int
}

var _ vpudec.BitstreamSource = (*sliceSource)(nil)

func (s *sliceSource) NextUnit(ctx context.Context) (*vpudec.EncodedUnit, error) {
	if s.next >= len(s.units) {
		return nil, io.EOF
	}
	unit := &vpudec.EncodedUnit{Data: s.units[s.next]}
	s.next++
	return unit, nil
}

type captureSink struct {
	pictures [][]byte
}

var _ vpudec.OutputSink = (*captureSink)(nil)

func (s *captureSink) WritePicture(ctx context.Context, data []byte) error {
	s.pictures = append(s.pictures, append([]byte{}, data...))
	return nil
}
