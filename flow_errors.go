package flowlimit

import "errors"

// Sentinel errors returned by the Flow engine. Use errors.Is to test for
// them; wrapped variants still satisfy errors.Is against these values.
var (
	// ErrFlowExists is returned by NewFlow when a flow with the given
	// name is already registered.
	ErrFlowExists = errors.New("flowlimit: flow already exists")

	// ErrFlowNotFound is returned when an operation names a flow that
	// has not been created, or that has since been destroyed.
	ErrFlowNotFound = errors.New("flowlimit: flow not found")

	// ErrInvalidArgument is returned for out-of-range limits, intervals,
	// or take sizes.
	ErrInvalidArgument = errors.New("flowlimit: invalid argument")
)
