package vkcommand

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

type fakeDevice struct {
	core1_0.Device

	fenceWaits  int
	fenceResets int

	allocated []core1_0.CommandBuffer
	freed     int
}

func (d *fakeDevice) WaitForFences(waitForAll bool, timeout time.Duration, fences []core1_0.Fence) (common.VkResult, error) {
	d.fenceWaits++
	return core1_0.VKSuccess, nil
}

func (d *fakeDevice) ResetFences(fences []core1_0.Fence) (common.VkResult, error) {
	d.fenceResets++
	return core1_0.VKSuccess, nil
}

func (d *fakeDevice) AllocateCommandBuffers(o core1_0.CommandBufferAllocateInfo) ([]core1_0.CommandBuffer, common.VkResult, error) {
	buffer := &fakeCommandBuffer{}
	d.allocated = append(d.allocated, buffer)
	return []core1_0.CommandBuffer{buffer}, core1_0.VKSuccess, nil
}

func (d *fakeDevice) FreeCommandBuffers(buffers []core1_0.CommandBuffer) {
	d.freed += len(buffers)
}

type fakeCommandPool struct {
	core1_0.CommandPool

	resets int
}

func (p *fakeCommandPool) Reset(flags core1_0.CommandPoolResetFlags) (common.VkResult, error) {
	p.resets++
	return core1_0.VKSuccess, nil
}

type fakeCommandBuffer struct {
	core1_0.CommandBuffer

	begun      int
	ended      int
	timestamps []int
	poolResets int
	dispatches int
	pushes     int
}

func (b *fakeCommandBuffer) Begin(o core1_0.CommandBufferBeginInfo) (common.VkResult, error) {
	b.begun++
	return core1_0.VKSuccess, nil
}

func (b *fakeCommandBuffer) End() (common.VkResult, error) {
	b.ended++
	return core1_0.VKSuccess, nil
}

func (b *fakeCommandBuffer) CmdResetQueryPool(pool core1_0.QueryPool, firstQuery, queryCount int) {
	b.poolResets++
}

func (b *fakeCommandBuffer) CmdWriteTimestamp(stage core1_0.PipelineStageFlags, pool core1_0.QueryPool, query int) {
	b.timestamps = append(b.timestamps, query)
}

func (b *fakeCommandBuffer) CmdBeginQuery(pool core1_0.QueryPool, query int, flags core1_0.QueryControlFlags) {
}

func (b *fakeCommandBuffer) CmdEndQuery(pool core1_0.QueryPool, query int) {}

func (b *fakeCommandBuffer) CmdPushConstants(layout core1_0.PipelineLayout, stages core1_0.ShaderStageFlags, offset int, data []byte) {
	b.pushes++
}

func (b *fakeCommandBuffer) CmdDispatch(groupCountX, groupCountY, groupCountZ int) {
	b.dispatches++
}

type fakeQueryPool struct {
	core1_0.QueryPool

	results []uint64
}

func (q *fakeQueryPool) PopulateResults(firstQuery, queryCount int, results []byte, resultStride int, flags core1_0.QueryResultFlags) (common.VkResult, error) {
	for i, value := range q.results {
		common.ByteOrder.PutUint64(results[i*8:], value)
	}
	return core1_0.VKSuccess, nil
}

type fakeQueue struct {
	core1_0.Queue

	submits   int
	waitIdles int
}

func (q *fakeQueue) Submit(fence core1_0.Fence, o []core1_0.SubmitInfo) (common.VkResult, error) {
	q.submits++
	return core1_0.VKSuccess, nil
}

func (q *fakeQueue) WaitIdle() (common.VkResult, error) {
	q.waitIdles++
	return core1_0.VKSuccess, nil
}

type orchestratorFixture struct {
	Orchestrator *Orchestrator
	Device       *fakeDevice
	Queue        *fakeQueue
	Slots        []*CommandResources
}

func testOrchestrator(t *testing.T, framesInFlight int) *orchestratorFixture {
	device := &fakeDevice{}
	nativeQueue := &fakeQueue{}

	queue := &Queue{
		kind:  QueueGraphics,
		queue: nativeQueue,
	}

	var slots []*CommandResources
	for i := 0; i < framesInFlight; i++ {
		slots = append(slots, &CommandResources{
			Pool:          &fakeCommandPool{},
			CommandBuffer: &fakeCommandBuffer{},
			TimestampPool: &fakeQueryPool{},
			StatsPool:     &fakeQueryPool{},
			OcclusionPool: &fakeQueryPool{},
			openScopes:    map[string]int{},
		})
	}
	queue.resources = slots

	orchestrator := &Orchestrator{
		logger:          slog.New(slog.NewTextHandler(os.Stdout)),
		device:          device,
		timestampPeriod: 1000,
		framesInFlight:  framesInFlight,

		queues: map[QueueKind]*Queue{
			QueueGraphics: queue,
			QueueCompute:  queue,
			QueueTransfer: queue,
		},

		timings:    map[string]float64{},
		statistics: map[string]uint64{},
	}

	return &orchestratorFixture{
		Orchestrator: orchestrator,
		Device:       device,
		Queue:        nativeQueue,
		Slots:        slots,
	}
}

func TestBeginEndLifecycle(t *testing.T) {
	fixture := testOrchestrator(t, 2)
	orchestrator := fixture.Orchestrator

	buffer, err := orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)
	require.NotNil(t, buffer)

	require.Equal(t, 1, fixture.Device.fenceWaits)
	require.Equal(t, 1, fixture.Device.fenceResets)

	recorded := fixture.Slots[0].CommandBuffer.(*fakeCommandBuffer)
	require.Equal(t, 1, recorded.begun)
	require.Equal(t, []int{0}, recorded.timestamps)

	err = orchestrator.End(SubmitInfo{})
	require.NoError(t, err)
	require.Equal(t, 1, fixture.Queue.submits)
	require.Equal(t, 1, recorded.ended)
	require.Equal(t, []int{0, 1}, recorded.timestamps)

	// Recording finished, another queue can begin
	orchestrator.AdvanceFrame()
	_, err = orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)
}

func TestBeginWhileRecordingIsAViolation(t *testing.T) {
	fixture := testOrchestrator(t, 2)

	_, err := fixture.Orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)

	_, err = fixture.Orchestrator.Begin(QueueCompute)
	require.ErrorIs(t, err, ErrAlreadyRecording)
}

func TestEndWithoutBeginIsAViolation(t *testing.T) {
	fixture := testOrchestrator(t, 2)

	err := fixture.Orchestrator.End(SubmitInfo{})
	require.ErrorIs(t, err, ErrNotRecording)
}

func TestRecordingGuards(t *testing.T) {
	fixture := testOrchestrator(t, 2)
	orchestrator := fixture.Orchestrator

	err := orchestrator.PushConstants(nil, core1_0.StageFragment, 0, []byte{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrNotRecording)
	err = orchestrator.Dispatch(1, 1, 1)
	require.ErrorIs(t, err, ErrNotRecording)
	err = orchestrator.BeginTimestampScope("Shadow")
	require.ErrorIs(t, err, ErrNotRecording)
	_, err = orchestrator.BeginOcclusionQuery()
	require.ErrorIs(t, err, ErrNotRecording)

	_, err = orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)

	err = orchestrator.PushConstants(nil, core1_0.StageFragment, 0, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	err = orchestrator.Dispatch(8, 8, 1)
	require.NoError(t, err)

	recorded := fixture.Slots[0].CommandBuffer.(*fakeCommandBuffer)
	require.Equal(t, 1, recorded.pushes)
	require.Equal(t, 1, recorded.dispatches)
}

func TestTimestampScopeAccounting(t *testing.T) {
	fixture := testOrchestrator(t, 1)
	orchestrator := fixture.Orchestrator

	_, err := orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)

	err = orchestrator.BeginTimestampScope("Shadow")
	require.NoError(t, err)
	err = orchestrator.BeginTimestampScope("Shadow")
	require.Error(t, err, "reopening an open scope must fail")

	err = orchestrator.EndTimestampScope("Shadow")
	require.NoError(t, err)
	err = orchestrator.EndTimestampScope("Shadow")
	require.Error(t, err, "closing a closed scope must fail")

	// First scope pair sits after the frame pair
	recorded := fixture.Slots[0].CommandBuffer.(*fakeCommandBuffer)
	require.Equal(t, []int{0, 2, 3}, recorded.timestamps)
}

func TestTimestampScopeSlotLimit(t *testing.T) {
	fixture := testOrchestrator(t, 1)
	orchestrator := fixture.Orchestrator

	_, err := orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)

	for i := 0; i < maxTimestampScopes; i++ {
		err = orchestrator.BeginTimestampScope(string(rune('A' + i)))
		require.NoError(t, err)
	}

	err = orchestrator.BeginTimestampScope("Overflow")
	require.Error(t, err)
}

func TestOcclusionQueryAccounting(t *testing.T) {
	fixture := testOrchestrator(t, 1)
	orchestrator := fixture.Orchestrator

	_, err := orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)

	first, err := orchestrator.BeginOcclusionQuery()
	require.NoError(t, err)
	require.Equal(t, 0, first)
	second, err := orchestrator.BeginOcclusionQuery()
	require.NoError(t, err)
	require.Equal(t, 1, second)

	err = orchestrator.EndOcclusionQuery(second)
	require.NoError(t, err)
	err = orchestrator.EndOcclusionQuery(7)
	require.Error(t, err, "ending a query that was never begun must fail")
}

func TestQueryReadbackOnSlotReuse(t *testing.T) {
	fixture := testOrchestrator(t, 1)
	orchestrator := fixture.Orchestrator
	slot := fixture.Slots[0]

	_, err := orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)
	err = orchestrator.BeginTimestampScope("Shadow")
	require.NoError(t, err)
	err = orchestrator.EndTimestampScope("Shadow")
	require.NoError(t, err)
	_, err = orchestrator.BeginOcclusionQuery()
	require.NoError(t, err)
	err = orchestrator.End(SubmitInfo{})
	require.NoError(t, err)

	// With timestampPeriod 1000ns, 2000 ticks is 2ms
	slot.TimestampPool.(*fakeQueryPool).results = []uint64{10_000, 12_000, 10_100, 10_600}
	slot.StatsPool.(*fakeQueryPool).results = []uint64{1, 2, 3, 4, 5, 6, 7}
	slot.OcclusionPool.(*fakeQueryPool).results = []uint64{42}

	orchestrator.AdvanceFrame()
	_, err = orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)

	timings := orchestrator.GetTimings()
	require.InDelta(t, 2.0, timings["Frame"], 0.0001)
	require.InDelta(t, 0.5, timings["Shadow"], 0.0001)

	statistics := orchestrator.GetPipelineStatistics()
	require.Equal(t, uint64(3), statistics["VertexShaderInvocations"])
	require.Len(t, statistics, len(pipelineStatisticNames))

	occlusion := orchestrator.GetOcclusionResults()
	require.Equal(t, []uint64{42}, occlusion)
}

func TestUnclosedScopeIsSkippedOnReadback(t *testing.T) {
	fixture := testOrchestrator(t, 1)
	orchestrator := fixture.Orchestrator
	slot := fixture.Slots[0]

	_, err := orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)
	err = orchestrator.BeginTimestampScope("Dangling")
	require.NoError(t, err)
	err = orchestrator.End(SubmitInfo{})
	require.NoError(t, err)

	slot.TimestampPool.(*fakeQueryPool).results = []uint64{0, 1000, 0, 0}

	orchestrator.AdvanceFrame()
	_, err = orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)

	timings := orchestrator.GetTimings()
	require.Contains(t, timings, "Frame")
	require.NotContains(t, timings, "Dangling")
}

func TestTimestampMillisecondsClampsReversedPairs(t *testing.T) {
	orchestrator := &Orchestrator{timestampPeriod: 1000}

	require.Equal(t, 0.0, orchestrator.timestampMilliseconds(500, 100))
	require.InDelta(t, 1.0, orchestrator.timestampMilliseconds(100, 1100), 0.0001)
}

func TestSingleTimeCommands(t *testing.T) {
	fixture := testOrchestrator(t, 2)
	orchestrator := fixture.Orchestrator

	buffer, err := orchestrator.BeginSingleTimeCommands(QueueTransfer)
	require.NoError(t, err)
	require.NotNil(t, buffer)

	err = orchestrator.EndSingleTimeCommands(QueueTransfer, buffer)
	require.NoError(t, err)

	require.Equal(t, 1, fixture.Queue.submits)
	require.Equal(t, 1, fixture.Queue.waitIdles)
	require.Equal(t, 1, fixture.Device.freed)

	recorded := buffer.(*fakeCommandBuffer)
	require.Equal(t, 1, recorded.begun)
	require.Equal(t, 1, recorded.ended)
}

func TestFrameIndexSelectsSlot(t *testing.T) {
	fixture := testOrchestrator(t, 2)
	orchestrator := fixture.Orchestrator

	_, err := orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)
	err = orchestrator.End(SubmitInfo{})
	require.NoError(t, err)

	orchestrator.AdvanceFrame()
	_, err = orchestrator.Begin(QueueGraphics)
	require.NoError(t, err)
	err = orchestrator.End(SubmitInfo{})
	require.NoError(t, err)

	first := fixture.Slots[0].CommandBuffer.(*fakeCommandBuffer)
	second := fixture.Slots[1].CommandBuffer.(*fakeCommandBuffer)
	require.Equal(t, 1, first.begun)
	require.Equal(t, 1, second.begun)
}
