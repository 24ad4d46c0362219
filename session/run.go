package session

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/logger"
)

// Run drives the session to completion: it steps with live input
// until the source is exhausted, switches to drain mode, keeps
// stepping until the engine reports end of stream, then closes the
// session. Cancellation is cooperative: the context is only checked
// between steps, never mid-call.
//
// The session is closed on every exit path, including fatal errors.
func (s *Session) Run(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Run")
	defer func() { logger.Debugf(ctx, "/Run: %v", _err) }()

	defer func() {
		if err := s.Close(); err != nil {
			errmon.ObserveErrorCtx(ctx, err)
			if _err == nil {
				_err = err
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := s.Step(ctx)
		if err != nil {
			errmon.ObserveErrorCtx(ctx, err)
			return err
		}
		if result != StepResultEndOfInput {
			continue
		}

		if s.State() == StateDraining {
			return nil
		}

		logger.Debugf(ctx, "draining the decoder")
		if err := s.EnableDrain(ctx); err != nil {
			return err
		}
	}
}
