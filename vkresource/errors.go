package vkresource

import (
	"github.com/cockroachdb/errors"
)

// ErrNotHostVisible is returned when mapping a buffer whose memory class is
// GPU-only. This is a programmer error at the call site, not a runtime
// condition.
var ErrNotHostVisible = errors.New("buffer memory is not host visible")
