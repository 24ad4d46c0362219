package session

import (
	"sync/atomic"

	"github.com/xaionaro-go/vpudec"
)

// The counter starts above zero so that a real context is always
// distinguishable from vpudec.FrameContextNone.
const frameContextBase = 100

// frameContextTracker mints a strictly increasing context per
// submitted (non-drain) encoded unit. The counter is 64 bits wide and
// never reset within a session; wraparound is unreachable for any
// realistic stream length.
type frameContextTracker struct {
	counter *atomic.Uint64
}

func newFrameContextTracker() frameContextTracker {
	t := frameContextTracker{
		counter: &atomic.Uint64{},
	}
	t.counter.Store(frameContextBase - 1)
	return t
}

func (t *frameContextTracker) next() vpudec.FrameContext {
	return vpudec.FrameContext(t.counter.Add(1))
}
