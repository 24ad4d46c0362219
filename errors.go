package vpudec

import (
	"fmt"
)

// ResourceError is a fatal allocation/open/mapping failure. It always
// surfaces to the caller of the session and triggers full teardown.
type ResourceError struct {
	Op  string
	Err error
}

func (e ResourceError) Error() string {
	return fmt.Sprintf("resource failure during %s: %v", e.Op, e.Err)
}

func (e ResourceError) Unwrap() error {
	return e.Err
}

// ProtocolViolation is a programming-contract violation (e.g.
// registering framebuffers twice without an intervening initial-info
// event, or fetching a picture with none pending). It is not a
// recoverable runtime condition.
type ProtocolViolation struct {
	Violation string
}

func (e ProtocolViolation) Error() string {
	return fmt.Sprintf("decoder protocol violation: %s", e.Violation)
}

// StreamAnomaly is a non-fatal per-stream irregularity (a dropped
// frame). It is reported through the session's drop callback and the
// statistics, never as a step failure.
type StreamAnomaly struct {
	Context FrameContext
}

func (e StreamAnomaly) Error() string {
	return fmt.Sprintf("stream anomaly: frame %s was dropped", e.Context)
}
