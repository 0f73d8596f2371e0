package pipecache

import "github.com/cockroachdb/errors"

var (
	// ErrPipelineCreationFailed indicates the driver rejected a pipeline
	// create request.
	ErrPipelineCreationFailed = errors.New("pipeline creation failed")
	// ErrCacheIO indicates the on-disk cache file could not be read or
	// written. Cache persistence is best-effort, so callers normally log
	// this rather than fail.
	ErrCacheIO = errors.New("pipeline cache file i/o failed")
)
