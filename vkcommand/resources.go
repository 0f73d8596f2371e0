package vkcommand

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Query pool dimensions. The timestamp pool holds one begin/end pair for the
// frame plus one pair per named scope; the pipeline-statistics pool holds a
// single query covering the whole frame.
const (
	maxTimestampScopes  = 16
	timestampQueryCount = 2 + 2*maxTimestampScopes

	occlusionQueryCount = 4096
)

// pipelineStatisticNames orders the counters the statistics query reports.
// The order matches the flag order in the query pool's PipelineStatistics.
var pipelineStatisticNames = []string{
	"InputAssemblyVertices",
	"InputAssemblyPrimitives",
	"VertexShaderInvocations",
	"ClippingInvocations",
	"ClippingPrimitives",
	"FragmentShaderInvocations",
	"ComputeShaderInvocations",
}

const pipelineStatisticFlags = core1_0.QueryPipelineStatisticInputAssemblyVertices |
	core1_0.QueryPipelineStatisticInputAssemblyPrimitives |
	core1_0.QueryPipelineStatisticVertexShaderInvocations |
	core1_0.QueryPipelineStatisticClippingInvocations |
	core1_0.QueryPipelineStatisticClippingPrimitives |
	core1_0.QueryPipelineStatisticFragmentShaderInvocations |
	core1_0.QueryPipelineStatisticComputeShaderInvocations

type timestampScope struct {
	name   string
	closed bool
}

// CommandResources is the per-frame-in-flight command state of one queue:
// the command pool and buffer recorded that frame, the fence that signals
// when the submission retires, and the query pools read back one frame
// later.
type CommandResources struct {
	Pool          core1_0.CommandPool
	CommandBuffer core1_0.CommandBuffer
	Fence         core1_0.Fence

	TimestampPool core1_0.QueryPool
	StatsPool     core1_0.QueryPool
	OcclusionPool core1_0.QueryPool

	// timestamp scopes recorded this cycle, in pair order
	scopes []timestampScope
	// open scopes by name, holding their pair index
	openScopes map[string]int

	occlusionUsed int
	submitted     bool
}

func newCommandResources(device core1_0.Device, queueFamilyIndex int, withStats bool) (*CommandResources, error) {
	pool, _, err := device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: queueFamilyIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create a frame command pool")
	}

	buffers, _, err := device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		pool.Destroy(nil)
		return nil, errors.Wrap(err, "failed to allocate a frame command buffer")
	}

	// Created signaled so the first Begin of this slot does not block
	fence, _, err := device.CreateFence(nil, core1_0.FenceCreateInfo{
		Flags: core1_0.FenceCreateSignaled,
	})
	if err != nil {
		device.FreeCommandBuffers(buffers)
		pool.Destroy(nil)
		return nil, errors.Wrap(err, "failed to create a frame fence")
	}

	resources := &CommandResources{
		Pool:          pool,
		CommandBuffer: buffers[0],
		Fence:         fence,
		openScopes:    map[string]int{},
	}

	resources.TimestampPool, _, err = device.CreateQueryPool(nil, core1_0.QueryPoolCreateInfo{
		QueryType:  core1_0.QueryTypeTimestamp,
		QueryCount: timestampQueryCount,
	})
	if err != nil {
		resources.destroy(device)
		return nil, errors.Wrap(err, "failed to create a timestamp query pool")
	}

	if withStats {
		resources.StatsPool, _, err = device.CreateQueryPool(nil, core1_0.QueryPoolCreateInfo{
			QueryType:          core1_0.QueryTypePipelineStatistics,
			QueryCount:         1,
			PipelineStatistics: pipelineStatisticFlags,
		})
		if err != nil {
			resources.destroy(device)
			return nil, errors.Wrap(err, "failed to create a pipeline statistics query pool")
		}
	}

	resources.OcclusionPool, _, err = device.CreateQueryPool(nil, core1_0.QueryPoolCreateInfo{
		QueryType:  core1_0.QueryTypeOcclusion,
		QueryCount: occlusionQueryCount,
	})
	if err != nil {
		resources.destroy(device)
		return nil, errors.Wrap(err, "failed to create an occlusion query pool")
	}

	return resources, nil
}

func (r *CommandResources) destroy(device core1_0.Device) {
	if r.OcclusionPool != nil {
		r.OcclusionPool.Destroy(nil)
		r.OcclusionPool = nil
	}
	if r.StatsPool != nil {
		r.StatsPool.Destroy(nil)
		r.StatsPool = nil
	}
	if r.TimestampPool != nil {
		r.TimestampPool.Destroy(nil)
		r.TimestampPool = nil
	}
	if r.Fence != nil {
		r.Fence.Destroy(nil)
		r.Fence = nil
	}
	if r.CommandBuffer != nil {
		device.FreeCommandBuffers([]core1_0.CommandBuffer{r.CommandBuffer})
		r.CommandBuffer = nil
	}
	if r.Pool != nil {
		r.Pool.Destroy(nil)
		r.Pool = nil
	}
}
