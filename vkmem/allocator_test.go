package vkmem

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/dolthub/swiss"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

func testAllocator() *Allocator {
	return &Allocator{
		logger: slog.New(slog.NewTextHandler(os.Stdout)),

		deviceProperties: &core1_0.PhysicalDeviceProperties{
			Limits: &core1_0.PhysicalDeviceLimits{
				NonCoherentAtomSize: 256,
			},
		},
		memoryProperties: &core1_0.PhysicalDeviceMemoryProperties{
			MemoryTypes: []core1_0.MemoryType{
				{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
				{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			},
			MemoryHeaps: []core1_0.MemoryHeap{
				{Size: 8 * 1024 * 1024 * 1024, Flags: core1_0.MemoryHeapDeviceLocal},
				{Size: 16 * 1024 * 1024 * 1024},
			},
		},

		bufferPools: map[int]*poolEntry{},
		imagePools:  map[int]*poolEntry{},
		allocations: swiss.NewMap[uint64, allocationRecord](64),

		warningThreshold: defaultWarningThreshold,
		customBufferSize: defaultCustomBufferSize,
	}
}

func TestPoolBlockSizeTiers(t *testing.T) {
	allocator := testAllocator()

	testCases := []struct {
		Name     string
		Size     int
		Expected int
	}{
		{"TinyRequestsUseTheSmallTier", 1, PoolSizeSmall},
		{"SmallTierBoundary", PoolSizeSmall, PoolSizeSmall},
		{"JustOverSmallMovesToMedium", PoolSizeSmall + 1, PoolSizeMedium},
		{"MediumTierBoundary", PoolSizeMedium, PoolSizeMedium},
		{"JustOverMediumMovesToLarge", PoolSizeMedium + 1, PoolSizeLarge},
		{"LargeTierBoundary", PoolSizeLarge, PoolSizeLarge},
		{"OverLargeIsDedicated", PoolSizeLarge + 1, 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(t *testing.T) {
			require.Equal(t, testCase.Expected, allocator.poolBlockSize(testCase.Size))
		})
	}
}

func TestCustomTierCatchesOversizedRequests(t *testing.T) {
	allocator := testAllocator()

	err := allocator.SetCustomBufferSize(64 * 1024 * 1024)
	require.NoError(t, err)

	require.Equal(t, 64*1024*1024, allocator.poolBlockSize(PoolSizeLarge+1))
	require.Equal(t, 64*1024*1024, allocator.poolBlockSize(64*1024*1024))
	require.Equal(t, 0, allocator.poolBlockSize(64*1024*1024+1))
}

func TestPoolMapKeySeparatesTiersAndUsages(t *testing.T) {
	keys := map[int]bool{}
	for _, blockSize := range []int{PoolSizeSmall, PoolSizeMedium, PoolSizeLarge} {
		for _, usage := range []MemoryUsage{MemoryUsageGPU, MemoryUsageCPU} {
			key := poolMapKey(blockSize, usage)
			require.False(t, keys[key], "key collision for block size %d usage %s", blockSize, usage)
			keys[key] = true
		}
	}
}

func TestStatsCountsPoolBlocksAndDedicated(t *testing.T) {
	allocator := testAllocator()

	entry := &poolEntry{
		blockSize: PoolSizeMedium,
		liveBytes: PoolSizeMedium + PoolSizeMedium/2,
	}
	allocator.bufferPools[poolMapKey(PoolSizeMedium, MemoryUsageGPU)] = entry
	allocator.usedBytes = entry.liveBytes

	stats := allocator.GetStats()
	require.Equal(t, 2, stats.BlockCount)
	require.Equal(t, 2*PoolSizeMedium, stats.BlockBytes)
	require.Equal(t, entry.liveBytes, stats.AllocationBytes)
	require.InDelta(t, 0.25, stats.FragmentationRatio, 0.0001)

	allocator.dedicatedCount = 1
	allocator.dedicatedBytes = 20 * 1024 * 1024
	allocator.usedBytes += allocator.dedicatedBytes

	stats = allocator.GetStats()
	require.Equal(t, 3, stats.BlockCount)
	require.Equal(t, 2*PoolSizeMedium+20*1024*1024, stats.BlockBytes)
}

func TestStatsWithNoAllocations(t *testing.T) {
	allocator := testAllocator()

	stats := allocator.GetStats()
	require.Equal(t, 0, stats.BlockCount)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 0.0, stats.FragmentationRatio)
}

func TestMemoryBudgetSumsDeviceLocalHeapsOnly(t *testing.T) {
	allocator := testAllocator()
	allocator.usedBytes = 4 * 1024 * 1024 * 1024

	budget := allocator.GetMemoryBudget()
	require.Equal(t, 8*1024*1024*1024, budget.TotalBytes)
	require.Equal(t, allocator.usedBytes, budget.UsedBytes)
	require.InDelta(t, 0.5, budget.UsagePercentage, 0.0001)
	require.False(t, budget.IsOverBudget)

	allocator.usedBytes = 7800 * 1024 * 1024
	budget = allocator.GetMemoryBudget()
	require.True(t, budget.IsOverBudget)
}

func TestWarningThresholdRejectsInvalidValues(t *testing.T) {
	allocator := testAllocator()

	allocator.SetMemoryUsageWarningThreshold(0.5)
	require.Equal(t, 0.5, allocator.warningThreshold)

	allocator.SetMemoryUsageWarningThreshold(0)
	require.Equal(t, defaultWarningThreshold, allocator.warningThreshold)

	allocator.SetMemoryUsageWarningThreshold(1.5)
	require.Equal(t, defaultWarningThreshold, allocator.warningThreshold)

	allocator.SetMemoryUsageWarningThreshold(-0.1)
	require.Equal(t, defaultWarningThreshold, allocator.warningThreshold)
}

func TestSetCustomBufferSizeValidation(t *testing.T) {
	allocator := testAllocator()

	err := allocator.SetCustomBufferSize(-1)
	require.Error(t, err)

	// 1000 is not a multiple of the 256-byte non-coherent atom size
	err = allocator.SetCustomBufferSize(1000)
	require.Error(t, err)

	err = allocator.SetCustomBufferSize(32 * 1024 * 1024)
	require.NoError(t, err)
	require.Equal(t, 32*1024*1024, allocator.CustomBufferSize())
}

func TestSetCustomBufferSizeRequiresDeviceLocalMemory(t *testing.T) {
	allocator := testAllocator()
	allocator.memoryProperties.MemoryTypes = []core1_0.MemoryType{
		{PropertyFlags: core1_0.MemoryPropertyHostVisible, HeapIndex: 0},
	}

	err := allocator.SetCustomBufferSize(16 * 1024 * 1024)
	require.Error(t, err)
}

func TestDefragmentationWindow(t *testing.T) {
	allocator := testAllocator()

	err := allocator.MarkDefragmentable(&vam.Allocation{})
	require.Error(t, err, "marking outside a window must fail")
	err = allocator.EndDefragmentation()
	require.Error(t, err, "closing a window that is not open must fail")

	err = allocator.BeginDefragmentation(vam.DefragmentationFlagAlgorithmFull)
	require.NoError(t, err)
	err = allocator.BeginDefragmentation(vam.DefragmentationFlagAlgorithmFull)
	require.Error(t, err, "nested windows must fail")

	// Closing a window with no marked candidates skips the run entirely
	err = allocator.EndDefragmentation()
	require.NoError(t, err)
	err = allocator.EndDefragmentation()
	require.Error(t, err)

	err = allocator.BeginDefragmentation(vam.DefragmentationFlagAlgorithmFast)
	require.NoError(t, err)
	err = allocator.MarkDefragmentable(&vam.Allocation{})
	require.NoError(t, err)
	require.Len(t, allocator.defragMarked, 1)
	require.Equal(t, vam.DefragmentationFlagAlgorithmFast, allocator.defragFlags)
}

func TestAllocationFlagsFollowPoolAndBudget(t *testing.T) {
	allocator := testAllocator()

	// No pool means the allocation is dedicated; budget enforcement is off
	// until the device advertises real heap budgets
	info := allocator.allocationCreateInfo(MemoryUsageGPU, nil)
	require.NotZero(t, info.Flags&memutils.AllocationCreateDedicatedMemory)
	require.Zero(t, info.Flags&memutils.AllocationCreateWithinBudget)

	allocator.enforceBudget = true
	pool := &vam.Pool{}
	info = allocator.allocationCreateInfo(MemoryUsageGPU, pool)
	require.Zero(t, info.Flags&memutils.AllocationCreateDedicatedMemory)
	require.NotZero(t, info.Flags&memutils.AllocationCreateWithinBudget)
	require.Same(t, pool, info.Pool)
}

func TestStatsStringIsValidJSON(t *testing.T) {
	allocator := testAllocator()
	allocator.bufferPools[poolMapKey(PoolSizeSmall, MemoryUsageGPU)] = &poolEntry{
		blockSize: PoolSizeSmall,
		liveBytes: 1024,
	}
	allocator.usedBytes = 1024

	var document map[string]interface{}
	err := json.Unmarshal([]byte(allocator.BuildStatsString(false)), &document)
	require.NoError(t, err)
	require.Contains(t, document, "Stats")
	require.Contains(t, document, "Budget")
	require.NotContains(t, document, "Pools")

	err = json.Unmarshal([]byte(allocator.BuildStatsString(true)), &document)
	require.NoError(t, err)
	require.Contains(t, document, "Pools")
}
