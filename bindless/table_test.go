package bindless

import (
	"os"
	"testing"

	"github.com/sceneryeditorx/gpucore/internal/utils"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func testTable(config CapacityConfig) *Table {
	config = config.withDefaults()

	table := &Table{
		logger: slog.New(slog.NewTextHandler(os.Stdout)),
		config: config,
		mutex:  utils.OptionalMutex{UseMutex: !config.ExternallySynchronized},
	}

	for kind := KindSampledImage; kind <= KindUniformBuffer; kind++ {
		capacity := config.capacityForKind(kind)
		stack := make([]int, capacity)
		for i := 0; i < capacity; i++ {
			stack[i] = capacity - 1 - i
		}
		table.free[kind] = stack
	}

	return table
}

func TestAcquireReturnsUniqueIndices(t *testing.T) {
	table := testTable(CapacityConfig{StorageBuffers: 64})

	seen := map[int]bool{}
	for i := 0; i < 64; i++ {
		index, err := table.Acquire(KindStorageBuffer)
		require.NoError(t, err)
		require.GreaterOrEqual(t, index, 0)
		require.Less(t, index, 64)
		require.False(t, seen[index], "index %d handed out twice", index)
		seen[index] = true
	}
}

func TestAcquireFailsAtCapacity(t *testing.T) {
	table := testTable(CapacityConfig{StorageImages: 4})

	for i := 0; i < 4; i++ {
		_, err := table.Acquire(KindStorageImage)
		require.NoError(t, err)
	}

	_, err := table.Acquire(KindStorageImage)
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestAcquireKindsAreIndependent(t *testing.T) {
	table := testTable(CapacityConfig{SampledImages: 2, UniformBuffers: 2})

	for i := 0; i < 2; i++ {
		_, err := table.Acquire(KindSampledImage)
		require.NoError(t, err)
	}
	_, err := table.Acquire(KindSampledImage)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// Exhausting one kind leaves the others untouched
	index, err := table.Acquire(KindUniformBuffer)
	require.NoError(t, err)
	require.Equal(t, 0, index)
}

func TestReleaseIsGatedOnFrameCompletion(t *testing.T) {
	table := testTable(CapacityConfig{StorageBuffers: 1})

	index, err := table.Acquire(KindStorageBuffer)
	require.NoError(t, err)

	table.Release(KindStorageBuffer, index, 5)

	// The release frame has not completed, so the slot stays unavailable
	table.Collect(4)
	_, err = table.Acquire(KindStorageBuffer)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	table.Collect(5)
	recycled, err := table.Acquire(KindStorageBuffer)
	require.NoError(t, err)
	require.Equal(t, index, recycled)
}

func TestCollectKeepsLaterReleasesPending(t *testing.T) {
	table := testTable(CapacityConfig{UniformBuffers: 3})

	first, err := table.Acquire(KindUniformBuffer)
	require.NoError(t, err)
	second, err := table.Acquire(KindUniformBuffer)
	require.NoError(t, err)
	third, err := table.Acquire(KindUniformBuffer)
	require.NoError(t, err)

	table.Release(KindUniformBuffer, first, 1)
	table.Release(KindUniformBuffer, second, 3)
	table.Release(KindUniformBuffer, third, 3)

	table.Collect(2)

	recycled, err := table.Acquire(KindUniformBuffer)
	require.NoError(t, err)
	require.Equal(t, first, recycled)

	_, err = table.Acquire(KindUniformBuffer)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	table.Collect(3)
	_, err = table.Acquire(KindUniformBuffer)
	require.NoError(t, err)
	_, err = table.Acquire(KindUniformBuffer)
	require.NoError(t, err)
}

func TestRecyclingIsLIFO(t *testing.T) {
	table := testTable(CapacityConfig{StorageBuffers: 8})

	a, err := table.Acquire(KindStorageBuffer)
	require.NoError(t, err)
	b, err := table.Acquire(KindStorageBuffer)
	require.NoError(t, err)

	table.Release(KindStorageBuffer, a, 0)
	table.Release(KindStorageBuffer, b, 0)
	table.Collect(0)

	// The most recently returned index comes back first
	next, err := table.Acquire(KindStorageBuffer)
	require.NoError(t, err)
	require.Equal(t, b, next)
}

func TestCapacityDefaults(t *testing.T) {
	config := CapacityConfig{}.withDefaults()

	require.Equal(t, DefaultSampledImageCapacity, config.SampledImages)
	require.Equal(t, DefaultStorageBufferCapacity, config.StorageBuffers)
	require.Equal(t, DefaultStorageImageCapacity, config.StorageImages)
	require.Equal(t, DefaultUniformBufferCapacity, config.UniformBuffers)

	table := testTable(CapacityConfig{StorageImages: 16})
	require.Equal(t, 16, table.Capacity(KindStorageImage))
	require.Equal(t, DefaultSampledImageCapacity, table.Capacity(KindSampledImage))
}
