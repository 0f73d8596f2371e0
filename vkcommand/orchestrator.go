package vkcommand

import (
	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// SubmitInfo carries the synchronization primitives attached to an End
// submission.
type SubmitInfo struct {
	WaitSemaphores   []core1_0.Semaphore
	WaitDstStageMask []core1_0.PipelineStageFlags
	SignalSemaphores []core1_0.Semaphore
}

// Orchestrator allocates, begins, ends, and submits command buffers per
// logical queue, with one CommandResources set per frame-in-flight. Only one
// queue may be recording at a time; all operations execute synchronously on
// the calling thread, the GPU being the only asynchronous actor.
type Orchestrator struct {
	logger *slog.Logger
	device core1_0.Device

	timestampPeriod float64
	framesInFlight  int
	frameIndex      uint64

	queues map[QueueKind]*Queue
	active *Queue

	timings          map[string]float64
	statistics       map[string]uint64
	occlusionResults []uint64
}

func (o *Orchestrator) slot() int {
	return int(o.frameIndex % uint64(o.framesInFlight))
}

// FrameIndex returns the current frame number.
func (o *Orchestrator) FrameIndex() uint64 {
	return o.frameIndex
}

// FramesInFlight returns the number of CommandResources slots each queue
// cycles through.
func (o *Orchestrator) FramesInFlight() int {
	return o.framesInFlight
}

// SetFrameIndex selects the frame whose CommandResources slot subsequent
// Begin calls use. Normally driven by the swap-chain frame counter.
func (o *Orchestrator) SetFrameIndex(frame uint64) {
	o.frameIndex = frame
}

// AdvanceFrame increments the frame index, moving Begin to the next
// CommandResources slot.
func (o *Orchestrator) AdvanceFrame() {
	o.frameIndex++
}

// GetCurrentCommandResources returns the CommandResources slot for the
// current frame index. Callers must not record into a slot whose prior
// submission has not signaled its fence; Begin enforces that wait.
func (o *Orchestrator) GetCurrentCommandResources(kind QueueKind) (*CommandResources, error) {
	queue, ok := o.queues[kind]
	if !ok {
		return nil, errors.Newf("unknown queue kind %s", kind)
	}
	return queue.resources[o.slot()], nil
}

// Begin transitions a queue from Idle to Recording. It waits on the current
// slot's completion fence, retrieves the slot's pending query results,
// resets the command pool, and starts a one-time-submit command buffer.
// Calling Begin while any queue is Recording is a contract violation.
func (o *Orchestrator) Begin(kind QueueKind) (core1_0.CommandBuffer, error) {
	o.logger.Debug("Orchestrator::Begin",
		slog.String("Queue", kind.String()),
		slog.Uint64("Frame", o.frameIndex),
	)

	if o.active != nil {
		return nil, errors.Wrapf(ErrAlreadyRecording, "queue %s is recording", o.active.kind)
	}

	queue, ok := o.queues[kind]
	if !ok {
		return nil, errors.Newf("unknown queue kind %s", kind)
	}
	resources := queue.resources[o.slot()]

	// A fence timeout is unrecoverable at this layer: the GPU is presumed
	// hung and no safe continuation exists.
	waitStart := hrtime.Now()
	_, err := o.device.WaitForFences(true, common.NoTimeout, []core1_0.Fence{resources.Fence})
	if err != nil {
		return nil, errors.Wrapf(err, "fence wait failed for %s slot %d; device presumed hung", kind, o.slot())
	}
	o.logger.Debug("Orchestrator::Begin fence wait complete",
		slog.Duration("Wait", hrtime.Since(waitStart)),
	)

	if resources.submitted {
		o.retrieveQueryResults(resources)
	}

	_, err = o.device.ResetFences([]core1_0.Fence{resources.Fence})
	if err != nil {
		return nil, errors.Wrap(err, "failed to reset the frame fence")
	}

	_, err = resources.Pool.Reset(0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reset the frame command pool")
	}

	buffer := resources.CommandBuffer
	_, err = buffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin the frame command buffer")
	}

	buffer.CmdResetQueryPool(resources.TimestampPool, 0, timestampQueryCount)
	if resources.StatsPool != nil {
		buffer.CmdResetQueryPool(resources.StatsPool, 0, 1)
	}
	buffer.CmdResetQueryPool(resources.OcclusionPool, 0, occlusionQueryCount)

	buffer.CmdWriteTimestamp(core1_0.PipelineStageTopOfPipe, resources.TimestampPool, 0)
	if resources.StatsPool != nil {
		buffer.CmdBeginQuery(resources.StatsPool, 0, 0)
	}

	resources.scopes = resources.scopes[:0]
	for name := range resources.openScopes {
		delete(resources.openScopes, name)
	}
	resources.occlusionUsed = 0
	resources.submitted = false

	queue.state = stateRecording
	o.active = queue

	return buffer, nil
}

// End transitions the recording queue from Recording to Submitted: it closes
// the frame's queries, ends the command buffer, and submits it with the
// slot's fence attached.
func (o *Orchestrator) End(info SubmitInfo) error {
	o.logger.Debug("Orchestrator::End")

	if o.active == nil {
		return errors.WithStack(ErrNotRecording)
	}

	queue := o.active
	resources := queue.resources[o.slot()]
	buffer := resources.CommandBuffer

	if len(resources.openScopes) > 0 {
		o.logger.Warn("ending a command buffer with unclosed timestamp scopes",
			slog.Int("Count", len(resources.openScopes)),
		)
	}

	if resources.StatsPool != nil {
		buffer.CmdEndQuery(resources.StatsPool, 0)
	}
	buffer.CmdWriteTimestamp(core1_0.PipelineStageBottomOfPipe, resources.TimestampPool, 1)

	_, err := buffer.End()
	if err != nil {
		return errors.Wrap(err, "failed to end the frame command buffer")
	}

	_, err = queue.queue.Submit(resources.Fence, []core1_0.SubmitInfo{
		{
			CommandBuffers:   []core1_0.CommandBuffer{buffer},
			WaitSemaphores:   info.WaitSemaphores,
			WaitDstStageMask: info.WaitDstStageMask,
			SignalSemaphores: info.SignalSemaphores,
		},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to submit to the %s queue", queue.kind)
	}

	resources.submitted = true
	queue.state = stateSubmitted
	o.active = nil

	return nil
}

// PushConstants pushes constant data into the actively recording command
// buffer. Calling it outside a Begin/End window is a contract violation.
func (o *Orchestrator) PushConstants(layout core1_0.PipelineLayout, stages core1_0.ShaderStageFlags, offset int, data []byte) error {
	if o.active == nil {
		return errors.WithStack(ErrNotRecording)
	}

	resources := o.active.resources[o.slot()]
	resources.CommandBuffer.CmdPushConstants(layout, stages, offset, data)

	return nil
}

// Dispatch records a compute dispatch into the actively recording command
// buffer. Calling it outside a Begin/End window is a contract violation.
func (o *Orchestrator) Dispatch(groupCountX, groupCountY, groupCountZ int) error {
	if o.active == nil {
		return errors.WithStack(ErrNotRecording)
	}

	resources := o.active.resources[o.slot()]
	resources.CommandBuffer.CmdDispatch(groupCountX, groupCountY, groupCountZ)

	return nil
}

// BeginSingleTimeCommands allocates and begins a short-lived one-time-submit
// command buffer on the given queue's dedicated pool. Used for synchronous
// setup-time transfers.
func (o *Orchestrator) BeginSingleTimeCommands(kind QueueKind) (core1_0.CommandBuffer, error) {
	o.logger.Debug("Orchestrator::BeginSingleTimeCommands",
		slog.String("Queue", kind.String()),
	)

	queue, ok := o.queues[kind]
	if !ok {
		return nil, errors.Newf("unknown queue kind %s", kind)
	}

	buffers, _, err := o.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        queue.singleTimePool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate a single-time command buffer")
	}

	buffer := buffers[0]
	_, err = buffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		o.device.FreeCommandBuffers(buffers)
		return nil, errors.Wrap(err, "failed to begin a single-time command buffer")
	}

	return buffer, nil
}

// EndSingleTimeCommands submits a buffer obtained from
// BeginSingleTimeCommands and blocks until the queue drains, then frees the
// buffer.
func (o *Orchestrator) EndSingleTimeCommands(kind QueueKind, buffer core1_0.CommandBuffer) error {
	o.logger.Debug("Orchestrator::EndSingleTimeCommands",
		slog.String("Queue", kind.String()),
	)

	queue, ok := o.queues[kind]
	if !ok {
		return errors.Newf("unknown queue kind %s", kind)
	}
	defer o.device.FreeCommandBuffers([]core1_0.CommandBuffer{buffer})

	_, err := buffer.End()
	if err != nil {
		return errors.Wrap(err, "failed to end a single-time command buffer")
	}

	_, err = queue.queue.Submit(nil, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{buffer},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to submit a single-time command buffer to the %s queue", kind)
	}

	submitStart := hrtime.Now()
	_, err = queue.queue.WaitIdle()
	if err != nil {
		return errors.Wrapf(err, "wait for single-time command completion failed on the %s queue", kind)
	}
	o.logger.Debug("Orchestrator::EndSingleTimeCommands complete",
		slog.Duration("Wait", hrtime.Since(submitStart)),
	)

	return nil
}

// WaitIdle blocks until the given queue has drained all submitted work.
func (o *Orchestrator) WaitIdle(kind QueueKind) error {
	o.logger.Debug("Orchestrator::WaitIdle",
		slog.String("Queue", kind.String()),
	)

	queue, ok := o.queues[kind]
	if !ok {
		return errors.Newf("unknown queue kind %s", kind)
	}

	_, err := queue.queue.WaitIdle()
	if err != nil {
		return errors.Wrapf(err, "wait idle failed on the %s queue", kind)
	}
	queue.state = stateIdle

	return nil
}

// Destroy tears down all per-frame resources and pools. Callers must ensure
// the device is idle first.
func (o *Orchestrator) Destroy() {
	o.logger.Debug("Orchestrator::Destroy")

	seen := map[*Queue]bool{}
	for _, queue := range o.queues {
		if seen[queue] {
			continue
		}
		seen[queue] = true

		for _, resources := range queue.resources {
			resources.destroy(o.device)
		}
		queue.resources = nil
		if queue.singleTimePool != nil {
			queue.singleTimePool.Destroy(nil)
			queue.singleTimePool = nil
		}
	}
}
