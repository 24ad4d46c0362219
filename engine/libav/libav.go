// Package libav is an engine backend on top of ffmpeg (via
// go-astiav): it maps the send-packet/receive-frame decode loop onto
// the output-code protocol and copies decoded frames into the
// registered framebuffers. It is the software fallback for running a
// decode session on hosts without VPU hardware.
package libav

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/vpudec"
	"github.com/xaionaro-go/xsync"
)

const (
	bitstreamBufferSize      = 1 << 20
	bitstreamBufferAlignment = 64

	// ffmpeg software decoders keep their own reference frames; this is
	// the pool depth we ask the session to provision for the pictures
	// in flight on our side of the protocol.
	minRequiredFramebuffers = 8

	framebufferAlignment = 4096
)

type Loader struct{}

var _ vpudec.EngineLoader = (*Loader)(nil)

func NewLoader(ctx context.Context) *Loader {
	return &Loader{}
}

// The scratch buffer exists to satisfy the engine contract; ffmpeg
// does its own bitstream buffering internally.
func (l *Loader) BitstreamBufferInfo(ctx context.Context) (uint, uint, error) {
	return bitstreamBufferSize, bitstreamBufferAlignment, nil
}

func codecIDFromFormat(format vpudec.CodecFormat) (astiav.CodecID, error) {
	switch format {
	case vpudec.CodecFormatH264:
		return astiav.CodecIDH264, nil
	case vpudec.CodecFormatH265:
		return astiav.CodecIDHevc, nil
	case vpudec.CodecFormatMPEG2:
		return astiav.CodecIDMpeg2Video, nil
	case vpudec.CodecFormatMPEG4:
		return astiav.CodecIDMpeg4, nil
	case vpudec.CodecFormatVP8:
		return astiav.CodecIDVp8, nil
	case vpudec.CodecFormatMJPEG:
		return astiav.CodecIDMjpeg, nil
	}
	return 0, fmt.Errorf("no ffmpeg decoder is mapped for codec format '%s'", &format)
}

func (l *Loader) Open(
	ctx context.Context,
	params vpudec.OpenParams,
	scratch vpudec.Buffer,
) (_ret vpudec.Engine, _err error) {
	logger.Debugf(ctx, "Open(%#+v)", params)
	defer func() { logger.Debugf(ctx, "/Open: %v", _err) }()

	codecID, err := codecIDFromFormat(params.CodecFormat)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		params:      params,
		scratch:     scratch,
		closer:      astikit.NewCloser(),
		outstanding: map[*vpudec.Framebuffer]bool{},
	}
	defer func() {
		if _err != nil {
			_ = e.Close()
		}
	}()

	e.codec = astiav.FindDecoder(codecID)
	if e.codec == nil {
		return nil, fmt.Errorf("unable to find a decoder for codec ID %v", codecID)
	}

	e.codecContext = astiav.AllocCodecContext(e.codec)
	if e.codecContext == nil {
		return nil, fmt.Errorf("unable to allocate a codec context")
	}
	e.closer.Add(e.codecContext.Free)

	if err := e.codecContext.Open(e.codec, nil); err != nil {
		return nil, fmt.Errorf("unable to open the codec context: %w", err)
	}

	e.packet = astiav.AllocPacket()
	if e.packet == nil {
		return nil, fmt.Errorf("unable to allocate a packet")
	}
	e.closer.Add(e.packet.Free)

	e.closer.Add(func() {
		for _, frame := range e.pending {
			frame.Free()
		}
		e.pending = nil
	})

	return e, nil
}

func (l *Loader) Close() error {
	return nil
}

type Engine struct {
	locker xsync.Mutex

	params  vpudec.OpenParams
	scratch vpudec.Buffer
	closer  *astikit.Closer

	codec        *astiav.Codec
	codecContext *astiav.CodecContext
	packet       *astiav.Packet

	// pending holds decoded frames not yet copied out into a
	// framebuffer (waiting for registration or for a free slot).
	pending []*astiav.Frame

	announced         bool
	registrationArmed bool
	info              *vpudec.InitialInfo
	geometry          *vpudec.Geometry

	registered  []*vpudec.Framebuffer
	free        []*vpudec.Framebuffer
	outstanding map[*vpudec.Framebuffer]bool

	pendingPicture *vpudec.Picture

	drainEnabled  bool
	flushSent     bool
	eofReached    bool
	codecDataSent bool
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
) (_ret vpudec.OutputCode, _err error) {
	logger.Tracef(ctx, "decode(context:%s, size:%d)", unit.Context, len(unit.Data))
	defer func() { logger.Tracef(ctx, "/decode: %v %v", _ret, _err) }()

	if !unit.IsEmpty() {
		if err := e.sendUnit(ctx, unit); err != nil {
			return 0, err
		}
	} else if e.drainEnabled && !e.flushSent {
		if err := e.codecContext.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return 0, fmt.Errorf("unable to send the flush packet: %w", err)
		}
		e.flushSent = true
	}

	if err := e.receiveFrames(ctx); err != nil {
		return 0, err
	}

	var code vpudec.OutputCode
	if !e.announced && len(e.pending) > 0 {
		e.announce(e.pending[0])
		code |= vpudec.OutputCodeInitialInfoAvailable
	}

	emitted, err := e.maybeEmitPicture(ctx)
	if err != nil {
		return 0, err
	}
	if emitted {
		code |= vpudec.OutputCodeDecodedPictureAvailable
	}

	if e.drainEnabled && e.eofReached && !emitted && len(e.pending) == 0 && e.pendingPicture == nil {
		code |= vpudec.OutputCodeEOS
	}
	return code, nil
}

func (e *Engine) sendUnit(ctx context.Context, unit *vpudec.EncodedUnit) error {
	// h.264 byte-stream carries its parameter sets in-band; the
	// out-of-band codec data (if any) is prepended once.
	data := unit.Data
	if len(unit.CodecData) > 0 && !e.codecDataSent {
		data = append(append([]byte{}, unit.CodecData...), unit.Data...)
		e.codecDataSent = true
	}

	if err := e.packet.FromData(data); err != nil {
		return fmt.Errorf("unable to wrap the unit into a packet: %w", err)
	}
	defer e.packet.Unref()
	// The frame context travels through ffmpeg as the PTS, which the
	// decoder copies onto the corresponding output frame.
	e.packet.SetPts(int64(unit.Context))

	err := e.codecContext.SendPacket(e.packet)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, astiav.ErrEagain):
		// The decoder's input queue is full; drain it and retry once.
		if err := e.receiveFrames(ctx); err != nil {
			return err
		}
		if err := e.codecContext.SendPacket(e.packet); err != nil {
			return fmt.Errorf("unable to send the packet after draining: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unable to send the packet: %w", err)
	}
}

func (e *Engine) receiveFrames(ctx context.Context) error {
	for {
		frame := astiav.AllocFrame()
		err := e.codecContext.ReceiveFrame(frame)
		switch {
		case err == nil:
			e.pending = append(e.pending, frame)
			continue
		case errors.Is(err, astiav.ErrEagain):
			frame.Free()
			return nil
		case errors.Is(err, astiav.ErrEof):
			frame.Free()
			e.eofReached = true
			return nil
		default:
			frame.Free()
			return fmt.Errorf("unable to receive a frame: %w", err)
		}
	}
}

func (e *Engine) announce(frame *astiav.Frame) {
	widthHeightRatio := uint(65536)
	if sar := frame.SampleAspectRatio(); sar.Num() > 0 && sar.Den() > 0 {
		widthHeightRatio = uint(sar.Num() * 65536 / sar.Den())
	}

	frameRateNum, frameRateDen := uint(0), uint(1)
	if frameRate := e.codecContext.Framerate(); frameRate.Num() > 0 {
		frameRateNum = uint(frameRate.Num())
		frameRateDen = uint(frameRate.Den())
	}

	e.info = &vpudec.InitialInfo{
		FrameWidth:                 uint(frame.Width()),
		FrameHeight:                uint(frame.Height()),
		FrameRateNumerator:         frameRateNum,
		FrameRateDenominator:       frameRateDen,
		MinNumRequiredFramebuffers: minRequiredFramebuffers,
		Interlacing:                frame.Flags().Has(astiav.FrameFlagInterlaced),
		WidthHeightRatio:           widthHeightRatio,
		FramebufferAlignment:       framebufferAlignment,
	}
	e.announced = true
	e.registrationArmed = true
}

func (e *Engine) maybeEmitPicture(ctx context.Context) (bool, error) {
	if e.registered == nil || e.pendingPicture != nil {
		return false, nil
	}
	if len(e.pending) == 0 || len(e.free) == 0 {
		return false, nil
	}

	frame := e.pending[0]
	e.pending = e.pending[1:]
	defer frame.Free()

	framebuffer := e.free[0]
	e.free = e.free[1:]
	e.outstanding[framebuffer] = true

	if err := e.copyFrame(ctx, frame, framebuffer); err != nil {
		return false, err
	}

	e.pendingPicture = &vpudec.Picture{
		Framebuffer: framebuffer,
		Context:     vpudec.FrameContext(frame.Pts()),
	}
	return true, nil
}

// copyFrame converts the decoded frame into the framebuffer's strided
// I420 layout, row by row.
func (e *Engine) copyFrame(
	ctx context.Context,
	frame *astiav.Frame,
	framebuffer *vpudec.Framebuffer,
) error {
	packed, err := frame.Data().Bytes(1)
	if err != nil {
		return fmt.Errorf("unable to extract the frame bytes: %w", err)
	}

	mapping, err := framebuffer.Buffer.Map(ctx, vpudec.AccessModeWriteOnly)
	if err != nil {
		return fmt.Errorf("unable to map the framebuffer %#x: %w", framebuffer.Tag, err)
	}
	defer func() {
		if err := framebuffer.Buffer.Unmap(ctx); err != nil {
			logger.Errorf(ctx, "unable to unmap the framebuffer %#x: %v", framebuffer.Tag, err)
		}
	}()

	width := uint(frame.Width())
	height := uint(frame.Height())

	copyPlane := func(src []byte, srcStride uint, dst []byte, dstStride uint, rows uint) {
		for row := uint(0); row < rows; row++ {
			copy(dst[row*dstStride:], src[row*srcStride:(row+1)*srcStride])
		}
	}

	ySize := width * height
	cSize := (width / 2) * (height / 2)
	if uint(len(packed)) < ySize+2*cSize {
		return fmt.Errorf("unexpectedly short frame data: %d < %d", len(packed), ySize+2*cSize)
	}

	copyPlane(packed[:ySize], width,
		mapping.Virtual[framebuffer.YOffset:], framebuffer.YStride, height)
	copyPlane(packed[ySize:ySize+cSize], width/2,
		mapping.Virtual[framebuffer.CbOffset:], framebuffer.CbCrStride, height/2)
	copyPlane(packed[ySize+cSize:ySize+2*cSize], width/2,
		mapping.Virtual[framebuffer.CrOffset:], framebuffer.CbCrStride, height/2)
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

// ffmpeg software decoders do not drop frames on their own; the
// dropped flag never gets set by this backend.
func (e *Engine) DroppedContext(ctx context.Context) (vpudec.FrameContext, error) {
	return vpudec.FrameContextNone, vpudec.ProtocolViolation{
		Violation: "a dropped context was fetched with none pending",
	}
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
	return e.closer.Close()
}
