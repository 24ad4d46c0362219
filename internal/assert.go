package internal

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Assert panics (through the ctx-carried logger) when a decoder
// protocol invariant does not hold. It backs the contract checks that
// are programming errors rather than runtime conditions.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) {
	if mustBeTrue {
		return
	}

	if len(extraArgs) == 0 {
		logger.Panic(ctx, "assertion failed")
		return
	}

	logger.Panic(ctx, "assertion failed", extraArgs)
}
