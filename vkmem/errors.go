package vkmem

import (
	"github.com/cockroachdb/errors"
)

// ErrOutOfDeviceMemory is returned when the underlying allocator reports
// memory exhaustion. It is propagated to the caller rather than retried.
var ErrOutOfDeviceMemory = errors.New("out of device memory")
