package gpucore

import (
	"github.com/cockroachdb/errors"
	"github.com/sceneryeditorx/gpucore/bindless"
	"github.com/sceneryeditorx/gpucore/pipecache"
	"github.com/sceneryeditorx/gpucore/vkcommand"
	"github.com/sceneryeditorx/gpucore/vkmem"
	"github.com/sceneryeditorx/gpucore/vkresource"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// CreateOptions configures a Context. The graphics queue and a pipeline
// cache directory are required; everything else has working defaults.
type CreateOptions struct {
	// Logger receives structured logs from every subsystem. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Graphics is the queue used for rendering work, and the fallback for
	// compute and transfer work when those queues are left nil.
	Graphics vkcommand.QueueInfo
	Compute  *vkcommand.QueueInfo
	Transfer *vkcommand.QueueInfo

	// FramesInFlight is the number of command resource slots each queue
	// cycles through. Defaults to 2.
	FramesInFlight            int
	DisablePipelineStatistics bool

	// Allocator tunes the memory subsystem (pool block sizes, custom buffer
	// size, usage warning threshold).
	Allocator vkmem.CreateOptions

	// Bindless sets per-kind descriptor table capacities. Zero values take
	// the defaults.
	Bindless bindless.CapacityConfig

	// PipelineCacheDir is the directory holding the persistent pipeline
	// cache file.
	PipelineCacheDir string
}

// NewContext builds the full orchestration layer over an already-created
// device: allocator, bindless table, command orchestrator, resource factory,
// and pipeline cache store, wired together and torn down as a unit.
func NewContext(
	instance core1_0.Instance,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	options CreateOptions,
) (*Context, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("gpucore.NewContext")

	if device == nil {
		return nil, errors.New("attempted to create a context with a nil device")
	}

	allocator, err := vkmem.New(logger, instance, physicalDevice, device, options.Allocator)
	if err != nil {
		return nil, err
	}

	table, err := bindless.New(logger, device, options.Bindless)
	if err != nil {
		_ = allocator.Destroy()
		return nil, err
	}

	commands, err := vkcommand.New(logger, device, physicalDevice, vkcommand.CreateOptions{
		Graphics:                  options.Graphics,
		Compute:                   options.Compute,
		Transfer:                  options.Transfer,
		FramesInFlight:            options.FramesInFlight,
		DisablePipelineStatistics: options.DisablePipelineStatistics,
	})
	if err != nil {
		_ = table.Destroy()
		_ = allocator.Destroy()
		return nil, err
	}

	resources, err := vkresource.NewFactory(logger, device, physicalDevice, allocator, table, commands)
	if err != nil {
		commands.Destroy()
		_ = table.Destroy()
		_ = allocator.Destroy()
		return nil, err
	}

	cache, err := pipecache.New(logger, device, physicalDevice, options.PipelineCacheDir)
	if err != nil {
		commands.Destroy()
		_ = table.Destroy()
		_ = allocator.Destroy()
		return nil, err
	}

	return &Context{
		logger: logger,
		device: device,

		Allocator:     allocator,
		Bindless:      table,
		Commands:      commands,
		Resources:     resources,
		PipelineCache: cache,
	}, nil
}
