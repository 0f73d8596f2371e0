// Package gpucore ties the memory allocator, resource factory, bindless
// descriptor table, command orchestrator, and pipeline cache store into one
// per-device context with a single create and destroy path.
package gpucore

import (
	"github.com/sceneryeditorx/gpucore/bindless"
	"github.com/sceneryeditorx/gpucore/pipecache"
	"github.com/sceneryeditorx/gpucore/vkcommand"
	"github.com/sceneryeditorx/gpucore/vkmem"
	"github.com/sceneryeditorx/gpucore/vkresource"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// Context owns one instance of each subsystem for a single device. The
// subsystems are exported directly; Context adds lifecycle and the per-frame
// bookkeeping that spans them.
type Context struct {
	logger *slog.Logger
	device core1_0.Device

	Allocator     *vkmem.Allocator
	Bindless      *bindless.Table
	Commands      *vkcommand.Orchestrator
	Resources     *vkresource.Factory
	PipelineCache *pipecache.Store
}

// Device returns the device this context was built over.
func (c *Context) Device() core1_0.Device {
	return c.device
}

// EndFrame recycles bindless indices released in frames the GPU has finished
// with, then advances the frame index. A frame is finished once a later Begin
// of its command resource slot has waited the slot's fence; the most recent
// such frame when frame F ends is F minus the frames-in-flight count.
func (c *Context) EndFrame() {
	framesInFlight := uint64(c.Commands.FramesInFlight())
	frame := c.Commands.FrameIndex()
	if frame >= framesInFlight {
		c.Bindless.Collect(frame - framesInFlight)
	}

	c.Commands.AdvanceFrame()
}

// Destroy tears the context down in reverse creation order. Subsystem
// failures are logged and teardown continues; callers must ensure the device
// is idle first.
func (c *Context) Destroy() {
	c.logger.Debug("Context::Destroy")

	c.PipelineCache.Destroy()
	c.Commands.Destroy()

	err := c.Bindless.Destroy()
	if err != nil {
		c.logger.Warn("failed to destroy the bindless table",
			slog.Any("Error", err),
		)
	}

	err = c.Allocator.Destroy()
	if err != nil {
		c.logger.Warn("failed to destroy the allocator",
			slog.Any("Error", err),
		)
	}
}
