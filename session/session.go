// Package session implements the decode session: the per-step state
// machine that feeds encoded access units to a decoder engine,
// interprets the output codes the engine returns, manages the
// framebuffer pool the engine writes decoded pictures into, and
// drains remaining pictures at end of stream.
package session

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/vpudec"
	"github.com/xaionaro-go/xsync"
)

type State uint

const (
	StateUninitialized = State(iota)
	StateOpen
	StateDecoding
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOpen:
		return "open"
	case StateDecoding:
		return "decoding"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unexpected_state_%d", uint(s))
}

type Params struct {
	Loader    vpudec.EngineLoader
	Allocator vpudec.Allocator
	Source    vpudec.BitstreamSource
	Sink      vpudec.OutputSink
	Config    vpudec.SessionConfig

	// OnDropped is invoked (still within the step) for every frame the
	// engine reports as dropped. Optional.
	OnDropped func(vpudec.StreamAnomaly)
}

// Session owns exactly one engine instance, one bitstream scratch
// buffer and one framebuffer pool. It is not safe for concurrent
// steps; all entry points serialize on an internal locker.
type Session struct {
	locker xsync.Mutex

	loader    vpudec.EngineLoader
	allocator vpudec.Allocator
	source    vpudec.BitstreamSource
	sink      vpudec.OutputSink
	config    vpudec.SessionConfig
	onDropped func(vpudec.StreamAnomaly)

	engine  vpudec.Engine
	scratch vpudec.Buffer

	state       State
	drainMode   bool
	initialInfo *vpudec.InitialInfo
	geometry    *vpudec.Geometry
	pool        *framebufferPool
	tracker     frameContextTracker

	stats statistics
}

func New(
	ctx context.Context,
	params Params,
) (_ret *Session, _err error) {
	logger.Debugf(ctx, "New")
	defer func() { logger.Debugf(ctx, "/New: %v", _err) }()

	switch {
	case params.Loader == nil:
		return nil, fmt.Errorf("no engine loader provided")
	case params.Allocator == nil:
		return nil, fmt.Errorf("no buffer allocator provided")
	case params.Source == nil:
		return nil, fmt.Errorf("no bitstream source provided")
	case params.Sink == nil:
		return nil, fmt.Errorf("no output sink provided")
	}

	s := &Session{
		loader:    params.Loader,
		allocator: params.Allocator,
		source:    params.Source,
		sink:      params.Sink,
		config:    params.Config,
		onDropped: params.OnDropped,
		state:     StateUninitialized,
		tracker:   newFrameContextTracker(),
	}
	defer func() {
		if _err != nil {
			_ = s.closeLocked(ctx)
		}
	}()

	scratchSize, scratchAlignment, err := s.loader.BitstreamBufferInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to query the bitstream buffer requirements: %w", err)
	}

	s.scratch, err = s.allocator.Allocate(ctx, scratchSize, scratchAlignment)
	if err != nil {
		return nil, vpudec.ResourceError{Op: "bitstream scratch buffer allocation", Err: err}
	}

	s.engine, err = s.loader.Open(ctx, params.Config.Open, s.scratch)
	if err != nil {
		return nil, vpudec.ResourceError{Op: "engine open", Err: err}
	}

	s.state = StateOpen
	return s, nil
}

func (s *Session) State() State {
	return xsync.DoR1(context.TODO(), &s.locker, func() State {
		return s.state
	})
}

// Close tears the session down in the fixed order: engine close,
// framebuffer pool release, scratch buffer release, engine unload.
// It is safe to call from any state and more than once.
func (s *Session) Close() error {
	ctx := context.TODO()
	return xsync.DoR1(ctx, &s.locker, func() error {
		return s.closeLocked(ctx)
	})
}

func (s *Session) closeLocked(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "closeLocked")
	defer func() { logger.Debugf(ctx, "/closeLocked: %v", _err) }()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	var result *multierror.Error

	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to close the engine: %w", err))
		}
		s.engine = nil
	}

	if s.pool != nil {
		if err := s.pool.release(ctx, s.allocator); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to release the framebuffer pool: %w", err))
		}
		s.pool = nil
	}

	if s.scratch != nil {
		if err := s.allocator.Deallocate(s.scratch); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to release the bitstream scratch buffer: %w", err))
		}
		s.scratch = nil
	}

	if s.loader != nil {
		if err := s.loader.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to unload the engine backend: %w", err))
		}
		s.loader = nil
	}

	return result.ErrorOrNil()
}

// EnableDrain switches the session into drain mode: no further input
// is read, and every following step submits an empty unit to flush the
// pictures still buffered inside the engine. Drain mode is never
// exited.
func (s *Session) EnableDrain(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "EnableDrain")
	defer func() { logger.Debugf(ctx, "/EnableDrain: %v", _err) }()

	return xsync.DoR1(ctx, &s.locker, func() error {
		if s.drainMode {
			return nil
		}
		switch s.state {
		case StateOpen, StateDecoding:
		default:
			return vpudec.ProtocolViolation{
				Violation: fmt.Sprintf("cannot enable drain mode in state '%s'", s.state),
			}
		}

		if err := s.engine.EnableDrain(ctx, true); err != nil {
			return fmt.Errorf("unable to enable drain mode: %w", err)
		}
		s.drainMode = true
		s.state = StateDraining
		return nil
	})
}
