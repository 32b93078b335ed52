package sparse

import "errors"

var (
	// ErrClosed is returned for operations on a closed Reader. Requests
	// blocked at the time of Close are unblocked with this error.
	ErrClosed = errors.New("sparse: reader is closed")

	// ErrUpstreamDescribe is returned when the upstream source fails to
	// report its size. The Reader stays uninitialized and a later call
	// retries the describe.
	ErrUpstreamDescribe = errors.New("sparse: upstream describe failed")

	// ErrUpstreamRead is returned when an upstream read within a fill cycle
	// fails. Every request depending on that cycle receives it; bytes
	// fetched by the same cycle before the failure remain cached.
	ErrUpstreamRead = errors.New("sparse: upstream read failed")

	// ErrInvalidOptions is returned when cache options are rejected, for
	// example a backtrack window at least as large as the capacity.
	ErrInvalidOptions = errors.New("sparse: invalid cache options")
)
