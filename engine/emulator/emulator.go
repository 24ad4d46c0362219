// Package emulator is an engine backend that implements the decoder
// output protocol without any codec math: it consumes access units,
// reports initial info after the first one, keeps an internal reorder
// queue, writes synthesized I420 pictures into the registered
// framebuffers, and honors drain mode. It exists so that the decode
// session can be driven end-to-end without decoder hardware.
package emulator

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/vpudec"
	"github.com/xaionaro-go/xsync"
)

const (
	bitstreamBufferSize      = 1 << 20
	bitstreamBufferAlignment = 512

	defaultFrameWidth  = 320
	defaultFrameHeight = 240
	defaultReorderSize = 2

	framebufferAlignment = 4096
)

type Config struct {
	// ReorderDelay is how many submitted units the emulator holds back
	// before releasing the oldest one as a picture, mimicking B-frame
	// reordering. Zero keeps the default.
	ReorderDelay uint `json:"reorder_delay,omitempty" yaml:"reorder_delay,omitempty"`

	// DropInterval makes every Nth submitted unit get dropped instead of
	// decoded. Zero disables drop injection.
	DropInterval uint `json:"drop_interval,omitempty" yaml:"drop_interval,omitempty"`
}

type Loader struct {
	config Config
}

var _ vpudec.EngineLoader = (*Loader)(nil)

func NewLoader(cfg Config) *Loader {
	return &Loader{config: cfg}
}

func (l *Loader) BitstreamBufferInfo(ctx context.Context) (uint, uint, error) {
	return bitstreamBufferSize, bitstreamBufferAlignment, nil
}

func (l *Loader) Open(
	ctx context.Context,
	params vpudec.OpenParams,
	scratch vpudec.Buffer,
) (vpudec.Engine, error) {
	if scratch == nil {
		return nil, fmt.Errorf("no bitstream scratch buffer provided")
	}
	if scratch.Size() < bitstreamBufferSize {
		return nil, fmt.Errorf(
			"the bitstream scratch buffer is too small: %d < %d",
			scratch.Size(), bitstreamBufferSize,
		)
	}

	reorderDelay := l.config.ReorderDelay
	if reorderDelay == 0 {
		reorderDelay = defaultReorderSize
	}
	if !params.EnableFrameReordering {
		reorderDelay = 0
	}

	return &Engine{
		config:       l.config,
		params:       params,
		scratch:      scratch,
		reorderDelay: reorderDelay,
		outstanding:  map[*vpudec.Framebuffer]bool{},
	}, nil
}

func (l *Loader) Close() error {
	return nil
}

type queuedFrame struct {
	context vpudec.FrameContext
	index   uint64
}

type Engine struct {
	locker xsync.Mutex

	config       Config
	params       vpudec.OpenParams
	scratch      vpudec.Buffer
	reorderDelay uint

	announced         bool
	registrationArmed bool
	info              *vpudec.InitialInfo
	geometry          *vpudec.Geometry

	registered  []*vpudec.Framebuffer
	free        []*vpudec.Framebuffer
	outstanding map[*vpudec.Framebuffer]bool

	queue     []queuedFrame
	unitCount uint64

	pendingPicture *vpudec.Picture
	pendingDropped vpudec.FrameContext
	hasDropped     bool

	drainEnabled bool
	closed       bool
}

var _ vpudec.Engine = (*Engine)(nil)

func (e *Engine) Decode(
	ctx context.Context,
	unit *vpudec.EncodedUnit,
) (vpudec.OutputCode, error) {
	return xsync.DoR2(ctx, &e.locker, func() (vpudec.OutputCode, error) {
		return e.decode(ctx, unit)
	})
}

func (e *Engine) decode(
	ctx context.Context,
	unit *vpudec.EncodedUnit,
) (vpudec.OutputCode, error) {
	if e.closed {
		return 0, fmt.Errorf("the engine is closed")
	}

	var code vpudec.OutputCode

	if !unit.IsEmpty() {
		if e.drainEnabled {
			return 0, vpudec.ProtocolViolation{
				Violation: "a non-empty unit was submitted in drain mode",
			}
		}
		e.unitCount++

		if !e.announced {
			e.announce()
			code |= vpudec.OutputCodeInitialInfoAvailable
		}

		if e.config.DropInterval != 0 && e.unitCount%uint64(e.config.DropInterval) == 0 {
			e.pendingDropped = unit.Context
			e.hasDropped = true
			code |= vpudec.OutputCodeDropped
		} else {
			e.queue = append(e.queue, queuedFrame{
				context: unit.Context,
				index:   e.unitCount,
			})
		}
	}

	emitted, err := e.maybeEmitPicture(ctx)
	if err != nil {
		return 0, err
	}
	if emitted {
		code |= vpudec.OutputCodeDecodedPictureAvailable
	}

	if e.drainEnabled && !emitted && len(e.queue) == 0 && e.pendingPicture == nil {
		code |= vpudec.OutputCodeEOS
	}

	logger.Tracef(ctx, "decode: %s", spew.Sdump(struct {
		Code        vpudec.OutputCode
		UnitCount   uint64
		QueueLen    int
		FreeSlots   int
		Outstanding int
	}{code, e.unitCount, len(e.queue), len(e.free), len(e.outstanding)}))

	return code, nil
}

func (e *Engine) announce() {
	width := e.params.FrameWidth
	if width == 0 {
		width = defaultFrameWidth
	}
	height := e.params.FrameHeight
	if height == 0 {
		height = defaultFrameHeight
	}

	e.info = &vpudec.InitialInfo{
		FrameWidth:                 width,
		FrameHeight:                height,
		FrameRateNumerator:         30,
		FrameRateDenominator:       1,
		MinNumRequiredFramebuffers: e.reorderDelay + 2,
		WidthHeightRatio:           65536,
		FramebufferAlignment:       framebufferAlignment,
	}
	e.announced = true
	e.registrationArmed = true
}

func (e *Engine) maybeEmitPicture(ctx context.Context) (bool, error) {
	if e.registered == nil || e.pendingPicture != nil {
		return false, nil
	}

	threshold := e.reorderDelay
	if e.drainEnabled {
		threshold = 0
	}
	if uint(len(e.queue)) <= threshold || len(e.free) == 0 {
		return false, nil
	}

	frame := e.queue[0]
	e.queue = e.queue[1:]

	framebuffer := e.free[0]
	e.free = e.free[1:]
	e.outstanding[framebuffer] = true

	if err := e.renderFrame(ctx, framebuffer, frame.index); err != nil {
		return false, err
	}

	e.pendingPicture = &vpudec.Picture{
		Framebuffer: framebuffer,
		Context:     frame.context,
	}
	return true, nil
}

// renderFrame synthesizes an I420 picture: a per-frame luma shade and
// neutral chroma, enough to make distinct frames distinguishable in
// the output dump.
func (e *Engine) renderFrame(
	ctx context.Context,
	framebuffer *vpudec.Framebuffer,
	frameIndex uint64,
) error {
	mapping, err := framebuffer.Buffer.Map(ctx, vpudec.AccessModeWriteOnly)
	if err != nil {
		return fmt.Errorf("unable to map the framebuffer %#x: %w", framebuffer.Tag, err)
	}
	defer func() {
		if err := framebuffer.Buffer.Unmap(ctx); err != nil {
			logger.Errorf(ctx, "unable to unmap the framebuffer %#x: %v", framebuffer.Tag, err)
		}
	}()

	luma := byte(0x10 + 0x08*(frameIndex%16))
	y := mapping.Virtual[framebuffer.YOffset : framebuffer.YOffset+e.geometry.YSize]
	for i := range y {
		y[i] = luma
	}
	chroma := mapping.Virtual[framebuffer.CbOffset : framebuffer.CbOffset+2*e.geometry.CbCrSize]
	for i := range chroma {
		chroma[i] = 0x80
	}
	return nil
}

func (e *Engine) InitialInfo(ctx context.Context) (*vpudec.InitialInfo, error) {
	return xsync.DoR2(ctx, &e.locker, func() (*vpudec.InitialInfo, error) {
		if !e.announced {
			return nil, vpudec.ProtocolViolation{
				Violation: "initial info was requested before the engine announced it",
			}
		}
		return e.info, nil
	})
}

func (e *Engine) CalcFramebufferSizes(
	ctx context.Context,
	info *vpudec.InitialInfo,
) (*vpudec.Geometry, error) {
	heightAlignment := uint(16)
	if info.Interlacing {
		heightAlignment = 32
	}

	g := &vpudec.Geometry{
		AlignedFrameWidth:  alignTo(info.FrameWidth, 16),
		AlignedFrameHeight: alignTo(info.FrameHeight, heightAlignment),
	}
	g.YStride = g.AlignedFrameWidth
	g.CbCrStride = g.YStride / 2
	g.YSize = g.YStride * g.AlignedFrameHeight
	g.CbCrSize = g.YSize / 4
	g.MvColSize = g.YSize / 4
	g.TotalSize = alignTo(g.YSize+2*g.CbCrSize+g.MvColSize, info.FramebufferAlignment)
	return g, nil
}

func alignTo(v uint, alignment uint) uint {
	return (v + alignment - 1) / alignment * alignment
}

func (e *Engine) RegisterFramebuffers(
	ctx context.Context,
	framebuffers []*vpudec.Framebuffer,
) error {
	return xsync.DoR1(ctx, &e.locker, func() error {
		if !e.registrationArmed {
			return vpudec.ProtocolViolation{
				Violation: "framebuffers were registered without a pending initial-info event",
			}
		}
		if uint(len(framebuffers)) < e.info.MinNumRequiredFramebuffers {
			return fmt.Errorf(
				"%d framebuffers were registered, but at least %d are required",
				len(framebuffers), e.info.MinNumRequiredFramebuffers,
			)
		}

		geometry, err := e.CalcFramebufferSizes(ctx, e.info)
		if err != nil {
			return err
		}
		for _, framebuffer := range framebuffers {
			if framebuffer.Buffer.Size() < geometry.TotalSize {
				return fmt.Errorf(
					"the buffer of slot %#x is too small: %d < %d",
					framebuffer.Tag, framebuffer.Buffer.Size(), geometry.TotalSize,
				)
			}
		}

		e.geometry = geometry
		e.registered = framebuffers
		e.free = append([]*vpudec.Framebuffer{}, framebuffers...)
		e.registrationArmed = false
		return nil
	})
}

func (e *Engine) DecodedPicture(ctx context.Context) (*vpudec.Picture, error) {
	return xsync.DoR2(ctx, &e.locker, func() (*vpudec.Picture, error) {
		if e.pendingPicture == nil {
			return nil, vpudec.ProtocolViolation{
				Violation: "a decoded picture was fetched with none pending",
			}
		}
		picture := e.pendingPicture
		e.pendingPicture = nil
		return picture, nil
	})
}

func (e *Engine) MarkDisplayed(
	ctx context.Context,
	framebuffer *vpudec.Framebuffer,
) error {
	return xsync.DoR1(ctx, &e.locker, func() error {
		if !e.outstanding[framebuffer] {
			return vpudec.ProtocolViolation{
				Violation: fmt.Sprintf("the framebuffer %#x is not owned by the consumer", framebuffer.Tag),
			}
		}
		delete(e.outstanding, framebuffer)
		e.free = append(e.free, framebuffer)
		return nil
	})
}

func (e *Engine) DroppedContext(ctx context.Context) (vpudec.FrameContext, error) {
	return xsync.DoR2(ctx, &e.locker, func() (vpudec.FrameContext, error) {
		if !e.hasDropped {
			return vpudec.FrameContextNone, vpudec.ProtocolViolation{
				Violation: "a dropped context was fetched with none pending",
			}
		}
		e.hasDropped = false
		return e.pendingDropped, nil
	})
}

func (e *Engine) EnableDrain(ctx context.Context, enable bool) error {
	return xsync.DoR1(ctx, &e.locker, func() error {
		if !enable && e.drainEnabled {
			return vpudec.ProtocolViolation{
				Violation: "drain mode cannot be exited",
			}
		}
		e.drainEnabled = enable
		return nil
	})
}

func (e *Engine) Close() error {
	return xsync.DoR1(context.TODO(), &e.locker, func() error {
		e.closed = true
		return nil
	})
}
