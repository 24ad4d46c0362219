package internal

import (
	"context"
	"runtime"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// SetLeakWarning attaches a finalizer that logs when obj is collected
// before release was called. release must be invoked by the owner on
// the normal path to disarm the warning.
func SetLeakWarning[T any](
	ctx context.Context,
	obj *T,
	what string,
) (release func()) {
	runtime.SetFinalizer(obj, func(obj *T) {
		logger.Warnf(ctx, "%s was garbage-collected without being released", what)
	})
	return func() {
		runtime.SetFinalizer(obj, nil)
	}
}
