package session

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/vpudec"
)

// The tag makes slot identity recognizable in engine-side logs; it is
// unrelated to frame contexts.
const framebufferTagBase = 0x2000

// framebufferPool is the fixed set of output buffers registered with
// the engine for one initial-info event. It is built once, registered
// once, and never resized; a new initial-info event replaces it with a
// fresh pool.
type framebufferPool struct {
	framebuffers []*vpudec.Framebuffer
	geometry     *vpudec.Geometry
	registered   bool

	// outstanding counts pictures delivered to the consumer and not yet
	// marked displayed.
	outstanding uint
}

// buildFramebufferPool allocates `min required + extra` buffers of the
// computed geometry and registers them with the engine in one call.
// The build is all-or-nothing: a failed allocation releases every
// already-allocated sibling and fails the whole build.
func buildFramebufferPool(
	ctx context.Context,
	allocator vpudec.Allocator,
	engine vpudec.Engine,
	info *vpudec.InitialInfo,
	geometry *vpudec.Geometry,
	extra uint,
) (_ret *framebufferPool, _err error) {
	logger.Debugf(ctx, "buildFramebufferPool")
	defer func() { logger.Debugf(ctx, "/buildFramebufferPool: %v", _err) }()

	pool := &framebufferPool{
		geometry: geometry,
	}
	defer func() {
		if _err != nil {
			if err := pool.release(ctx, allocator); err != nil {
				logger.Errorf(ctx, "unable to release the partially built pool: %v", err)
			}
		}
	}()

	count := info.MinNumRequiredFramebuffers + extra
	if count == 0 {
		return nil, vpudec.ProtocolViolation{
			Violation: "the engine requires zero framebuffers",
		}
	}

	for i := uint(0); i < count; i++ {
		buffer, err := allocator.Allocate(ctx, geometry.TotalSize, info.FramebufferAlignment)
		if err != nil {
			return nil, vpudec.ResourceError{
				Op:  fmt.Sprintf("framebuffer allocation %d/%d", i+1, count),
				Err: err,
			}
		}
		pool.framebuffers = append(
			pool.framebuffers,
			vpudec.NewFramebuffer(geometry, buffer, framebufferTagBase+uint64(i)),
		)
	}

	if err := pool.register(ctx, engine); err != nil {
		return nil, err
	}

	return pool, nil
}

func (p *framebufferPool) register(
	ctx context.Context,
	engine vpudec.Engine,
) error {
	if p.registered {
		return vpudec.ProtocolViolation{
			Violation: "the framebuffer pool is already registered (no intervening initial-info event)",
		}
	}

	if err := engine.RegisterFramebuffers(ctx, p.framebuffers); err != nil {
		return fmt.Errorf("unable to register %d framebuffers: %w", len(p.framebuffers), err)
	}
	p.registered = true
	return nil
}

// release deallocates every slot exactly once. It is idempotent: a
// second call finds an empty slot list and does nothing.
func (p *framebufferPool) release(
	ctx context.Context,
	allocator vpudec.Allocator,
) error {
	var result *multierror.Error
	for _, framebuffer := range p.framebuffers {
		if err := allocator.Deallocate(framebuffer.Buffer); err != nil {
			result = multierror.Append(result, fmt.Errorf(
				"unable to deallocate the buffer of slot %#x: %w",
				framebuffer.Tag, err,
			))
		}
	}
	p.framebuffers = nil
	p.registered = false
	return result.ErrorOrNil()
}
