package bindless

import (
	"github.com/cockroachdb/errors"
)

// ErrCapacityExceeded is returned when a free-index stack is exhausted. The
// table never grows: its capacity is fixed at initialization so the
// descriptor-set layout stays stable for the process lifetime.
var ErrCapacityExceeded = errors.New("bindless table capacity exceeded")
