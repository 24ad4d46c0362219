package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/vpudec"
	"github.com/xaionaro-go/vpudec/internal"
	"github.com/xaionaro-go/xsync"
)

type StepResult uint

const (
	// StepResultContinue: the step completed, and more steps should follow.
	StepResultContinue = StepResult(iota)

	// StepResultEndOfInput: in decoding mode, the bitstream source is
	// exhausted (the engine was not called); in drain mode, the engine
	// reported end of stream.
	StepResultEndOfInput
)

func (r StepResult) String() string {
	switch r {
	case StepResultContinue:
		return "continue"
	case StepResultEndOfInput:
		return "end_of_input"
	}
	return fmt.Sprintf("unexpected_step_result_%d", uint(r))
}

// Step performs one decode cycle: submit one encoded unit (or an
// empty unit in drain mode), then react to the output-code flags in
// the fixed order: initial info, decoded picture, dropped, end of
// stream. Any returned error is fatal to the session.
func (s *Session) Step(ctx context.Context) (StepResult, error) {
	return xsync.DoR2(ctx, &s.locker, func() (StepResult, error) {
		return s.step(ctx)
	})
}

func (s *Session) step(ctx context.Context) (_ret StepResult, _err error) {
	logger.Tracef(ctx, "step[%s]", s.state)
	defer func() { logger.Tracef(ctx, "/step[%s]: %v %v", s.state, _ret, _err) }()

	switch s.state {
	case StateOpen:
		s.state = StateDecoding
	case StateDecoding, StateDraining:
	default:
		return 0, vpudec.ProtocolViolation{
			Violation: fmt.Sprintf("cannot step a session in state '%s'", s.state),
		}
	}

	var unit *vpudec.EncodedUnit
	if s.drainMode {
		// In drain mode there is no input data; an empty unit asks the
		// engine to flush the pictures it still holds.
		unit = &vpudec.EncodedUnit{}
	} else {
		u, err := s.source.NextUnit(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return StepResultEndOfInput, nil
		default:
			return 0, vpudec.ResourceError{Op: "access unit read", Err: err}
		}

		u.Context = s.tracker.next()
		unit = u
		s.stats.UnitsSubmitted.Add(1)
		s.stats.BytesRead.Add(uint64(len(u.Data)))
		logger.Debugf(ctx, "encoded input frame: frame id: %s size: %d bytes", u.Context, len(u.Data))
	}

	outputCode, err := s.engine.Decode(ctx, unit)
	if err != nil {
		return 0, fmt.Errorf("unable to decode the unit with context %s: %w", unit.Context, err)
	}
	if unhandled := outputCode.Unhandled(); unhandled != 0 {
		logger.Tracef(ctx, "ignoring unhandled output code bits: %#x", uint32(unhandled))
	}

	if outputCode.Has(vpudec.OutputCodeInitialInfoAvailable) {
		if err := s.handleInitialInfo(ctx); err != nil {
			return 0, err
		}
	}

	if outputCode.Has(vpudec.OutputCodeDecodedPictureAvailable) {
		if err := s.handleDecodedPicture(ctx); err != nil {
			return 0, err
		}
	}

	if outputCode.Has(vpudec.OutputCodeDropped) {
		if err := s.handleDropped(ctx); err != nil {
			return 0, err
		}
	}

	if outputCode.Has(vpudec.OutputCodeEOS) {
		logger.Debugf(ctx, "the engine reports EOS; no more decoded pictures available")
		return StepResultEndOfInput, nil
	}

	return StepResultContinue, nil
}

// handleInitialInfo sizes and registers a fresh framebuffer pool.
// The initial-info flag may legally reappear mid-stream (resolution
// change); a previous pool is released first, but only if the
// consumer holds no outstanding pictures from it.
func (s *Session) handleInitialInfo(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "handleInitialInfo")
	defer func() { logger.Debugf(ctx, "/handleInitialInfo: %v", _err) }()

	info, err := s.engine.InitialInfo(ctx)
	if err != nil {
		return fmt.Errorf("unable to get the initial info: %w", err)
	}
	logger.Infof(ctx,
		"initial info: size: %dx%d pixel rate: %d/%d min num required framebuffers: %d interlacing: %t width/height ratio: %f framebuffer alignment: %d",
		info.FrameWidth, info.FrameHeight,
		info.FrameRateNumerator, info.FrameRateDenominator,
		info.MinNumRequiredFramebuffers,
		info.Interlacing,
		float64(info.WidthHeightRatio)/65536.0,
		info.FramebufferAlignment,
	)

	if s.pool != nil {
		if s.pool.outstanding != 0 {
			return vpudec.ProtocolViolation{
				Violation: fmt.Sprintf(
					"initial info recurred while %d pictures of the previous pool are still outstanding",
					s.pool.outstanding,
				),
			}
		}
		if err := s.pool.release(ctx, s.allocator); err != nil {
			return fmt.Errorf("unable to release the previous framebuffer pool: %w", err)
		}
		s.pool = nil
	}

	geometry, err := s.engine.CalcFramebufferSizes(ctx, info)
	if err != nil {
		return fmt.Errorf("unable to calculate the framebuffer sizes: %w", err)
	}
	logger.Infof(ctx,
		"calculated sizes: frame width&height: %dx%d Y stride: %d CbCr stride: %d Y size: %d CbCr size: %d MvCol size: %d total size: %d",
		geometry.AlignedFrameWidth, geometry.AlignedFrameHeight,
		geometry.YStride, geometry.CbCrStride,
		geometry.YSize, geometry.CbCrSize, geometry.MvColSize,
		geometry.TotalSize,
	)

	pool, err := buildFramebufferPool(ctx, s.allocator, s.engine, info, geometry, s.config.ExtraFramebuffers)
	if err != nil {
		return err
	}

	s.initialInfo = info
	s.geometry = geometry
	s.pool = pool
	s.stats.PoolBuilds.Add(1)
	return nil
}

// handleDecodedPicture fetches the pending picture (at most once per
// step), hands its mapped content to the sink, and returns the slot
// to the engine.
func (s *Session) handleDecodedPicture(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "handleDecodedPicture")
	defer func() { logger.Tracef(ctx, "/handleDecodedPicture: %v", _err) }()

	if s.pool == nil {
		return vpudec.ProtocolViolation{
			Violation: "the engine reported a decoded picture before any framebuffer pool was registered",
		}
	}

	picture, err := s.engine.DecodedPicture(ctx)
	if err != nil {
		return fmt.Errorf("unable to get the decoded picture: %w", err)
	}
	s.pool.outstanding++

	byteCount := s.geometry.PictureByteCount()
	logger.Debugf(ctx, "decoded output picture: frame id: %s writing %d bytes", picture.Context, byteCount)

	if err := s.deliverPicture(ctx, picture, byteCount); err != nil {
		return err
	}

	internal.Assert(ctx, s.pool.outstanding > 0)
	s.pool.outstanding--
	if err := s.engine.MarkDisplayed(ctx, picture.Framebuffer); err != nil {
		return fmt.Errorf("unable to mark the framebuffer %#x as displayed: %w", picture.Framebuffer.Tag, err)
	}

	s.stats.PicturesDelivered.Add(1)
	s.stats.BytesWrote.Add(uint64(byteCount))
	return nil
}

func (s *Session) deliverPicture(
	ctx context.Context,
	picture *vpudec.Picture,
	byteCount uint,
) error {
	mapping, err := picture.Framebuffer.Buffer.Map(ctx, vpudec.AccessModeReadOnly)
	if err != nil {
		return vpudec.ResourceError{Op: "framebuffer mapping", Err: err}
	}
	defer func() {
		if err := picture.Framebuffer.Buffer.Unmap(ctx); err != nil {
			logger.Errorf(ctx, "unable to unmap the framebuffer %#x: %v", picture.Framebuffer.Tag, err)
		}
	}()

	if err := s.sink.WritePicture(ctx, mapping.Virtual[:byteCount]); err != nil {
		return fmt.Errorf("unable to write the picture with context %s: %w", picture.Context, err)
	}
	return nil
}

// handleDropped retrieves the dropped unit's context for diagnostic
// correlation; a drop is a stream anomaly, not a failure.
func (s *Session) handleDropped(ctx context.Context) error {
	droppedContext, err := s.engine.DroppedContext(ctx)
	if err != nil {
		return fmt.Errorf("unable to get the dropped frame context: %w", err)
	}

	logger.Warnf(ctx, "dropped frame: frame id: %s", droppedContext)
	s.stats.FramesDropped.Add(1)
	if s.onDropped != nil {
		s.onDropped(vpudec.StreamAnomaly{Context: droppedContext})
	}
	return nil
}
