package vkmem

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/sceneryeditorx/gpucore/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/defrag"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

type poolEntry struct {
	pool      *vam.Pool
	blockSize int
	liveBytes int
}

type allocationRecord struct {
	alloc *vam.Allocation
	size  int
	pool  *poolEntry
}

// Allocator is the device memory allocator at the bottom of the resource
// stack. It buckets requests into size-class pools, tracks budget and
// statistics, and applies the active allocation strategy. All mutating
// operations are guarded by the allocation mutex, which is distinct from the
// pool-creation mutex so that unrelated allocations don't serialize behind
// pool bootstrap.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger

	device         core1_0.Device
	physicalDevice core1_0.PhysicalDevice

	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties

	vam *vam.Allocator

	poolsMutex  utils.OptionalRWMutex
	bufferPools map[int]*poolEntry
	imagePools  map[int]*poolEntry

	allocationMutex  utils.OptionalMutex
	allocations      *swiss.Map[uint64, allocationRecord]
	nextAllocationID uint64
	usedBytes        int
	dedicatedBytes   int
	dedicatedCount   int

	strategy         AllocationStrategy
	warningThreshold float64
	customBufferSize int

	// enforceBudget adds budget enforcement to every allocation when the
	// device advertises VK_EXT_memory_budget
	enforceBudget bool

	defragActive bool
	defragFlags  vam.DefragmentationFlags
	defragMarked []*vam.Allocation
}

// BatchAllocation is one element of an AllocateBufferBatch result.
type BatchAllocation struct {
	Buffer     core1_0.Buffer
	Allocation *vam.Allocation
	Size       int
}

// poolBlockSize snaps a request size to its tier's block size. Returns 0 when
// the request is too large for any tier and must be allocated dedicated.
func (a *Allocator) poolBlockSize(size int) int {
	switch {
	case size <= PoolSizeSmall:
		return PoolSizeSmall
	case size <= PoolSizeMedium:
		return PoolSizeMedium
	case size <= PoolSizeLarge:
		return PoolSizeLarge
	case size <= a.customBufferSize:
		return a.customBufferSize
	}

	return 0
}

// GetOrCreateBufferPool returns the pool for the request's size class and
// usage, creating it on first use. Returns nil for requests too large for any
// tier; those are allocated dedicated.
func (a *Allocator) GetOrCreateBufferPool(size int, usage MemoryUsage) (*vam.Pool, error) {
	a.logger.Debug("Allocator::GetOrCreateBufferPool",
		slog.Int("Size", size),
		slog.String("Usage", usage.String()),
	)

	entry, err := a.getOrCreatePool(a.bufferPools, size, usage, false)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.pool, nil
}

// GetOrCreateImagePool is the image analogue of GetOrCreateBufferPool.
func (a *Allocator) GetOrCreateImagePool(size int, usage MemoryUsage) (*vam.Pool, error) {
	a.logger.Debug("Allocator::GetOrCreateImagePool",
		slog.Int("Size", size),
		slog.String("Usage", usage.String()),
	)

	entry, err := a.getOrCreatePool(a.imagePools, size, usage, true)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.pool, nil
}

func (a *Allocator) getOrCreatePool(pools map[int]*poolEntry, size int, usage MemoryUsage, forImages bool) (*poolEntry, error) {
	blockSize := a.poolBlockSize(size)
	if blockSize == 0 {
		return nil, nil
	}
	key := poolMapKey(blockSize, usage)

	a.poolsMutex.RLock()
	entry, ok := pools[key]
	a.poolsMutex.RUnlock()
	if ok {
		return entry, nil
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	// Re-check under the write lock: another caller may have bootstrapped
	// this tier while we waited
	entry, ok = pools[key]
	if ok {
		return entry, nil
	}

	memoryTypeIndex, _, err := a.findPoolMemoryType(blockSize, usage, forImages)
	if err != nil {
		return nil, err
	}

	pool, _, err := a.vam.CreatePool(vam.PoolCreateInfo{
		MemoryTypeIndex: memoryTypeIndex,
		BlockSize:       blockSize,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a memory pool with block size %d", blockSize)
	}

	entry = &poolEntry{
		pool:      pool,
		blockSize: blockSize,
	}
	pools[key] = entry

	return entry, nil
}

func poolMapKey(blockSize int, usage MemoryUsage) int {
	return blockSize<<1 | int(usage&1)
}

func (a *Allocator) findPoolMemoryType(blockSize int, usage MemoryUsage, forImages bool) (int, common.VkResult, error) {
	createInfo := vam.AllocationCreateInfo{
		Usage: usage.vamUsage(),
		Flags: usage.vamFlags(),
	}

	if forImages {
		return a.vam.FindMemoryTypeIndexForImageInfo(core1_0.ImageCreateInfo{
			ImageType:     core1_0.ImageType2D,
			Format:        core1_0.FormatR8G8B8A8SRGB,
			Extent:        core1_0.Extent3D{Width: 16, Height: 16, Depth: 1},
			MipLevels:     1,
			ArrayLayers:   1,
			Samples:       core1_0.Samples1,
			Tiling:        core1_0.ImageTilingOptimal,
			Usage:         core1_0.ImageUsageSampled | core1_0.ImageUsageTransferDst,
			SharingMode:   core1_0.SharingModeExclusive,
			InitialLayout: core1_0.ImageLayoutUndefined,
		}, createInfo)
	}

	return a.vam.FindMemoryTypeIndexForBufferInfo(core1_0.BufferCreateInfo{
		Size: blockSize,
		Usage: core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst |
			core1_0.BufferUsageStorageBuffer | core1_0.BufferUsageUniformBuffer |
			core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageIndexBuffer,
		SharingMode: core1_0.SharingModeExclusive,
	}, createInfo)
}

func (a *Allocator) allocationCreateInfo(usage MemoryUsage, pool *vam.Pool) vam.AllocationCreateInfo {
	createInfo := vam.AllocationCreateInfo{
		Usage: usage.vamUsage(),
		Flags: usage.vamFlags() | a.strategy.createFlags(),
		Pool:  pool,
	}
	if pool == nil {
		createInfo.Flags |= memutils.AllocationCreateDedicatedMemory
	}
	if a.enforceBudget {
		createInfo.Flags |= memutils.AllocationCreateWithinBudget
	}
	return createInfo
}

// AllocateBuffer allocates and binds memory of the requested memory class for
// the provided buffer. Fails with ErrOutOfDeviceMemory when the device
// reports exhaustion; the requested size is never truncated.
func (a *Allocator) AllocateBuffer(buffer core1_0.Buffer, size int, usage MemoryUsage) (*vam.Allocation, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateBuffer",
		slog.Int("Size", size),
		slog.String("Usage", usage.String()),
	)

	if buffer == nil {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to allocate memory for a nil buffer")
	}
	if size <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to allocate %d bytes for a buffer", size)
	}

	var entry *poolEntry
	var pool *vam.Pool
	entry, err := a.getOrCreatePool(a.bufferPools, size, usage, false)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if entry != nil {
		pool = entry.pool
	}

	a.allocationMutex.Lock()
	defer a.allocationMutex.Unlock()

	alloc := &vam.Allocation{}
	res, err := a.vam.AllocateMemoryForBuffer(buffer, a.allocationCreateInfo(usage, pool), alloc)
	if err != nil {
		if res == core1_0.VKErrorOutOfDeviceMemory {
			return nil, res, errors.Wrapf(ErrOutOfDeviceMemory, "buffer allocation of %d bytes failed", size)
		}
		return nil, res, err
	}

	res, err = alloc.BindBufferMemory(buffer)
	if err != nil {
		_ = alloc.Free()
		return nil, res, err
	}

	a.registerAllocation(alloc, entry)

	return alloc, res, nil
}

// AllocateImage allocates and binds memory of the requested memory class for
// the provided image, returning the actual allocated size. The allocated size
// may exceed the image's reported requirements due to alignment.
func (a *Allocator) AllocateImage(image core1_0.Image, usage MemoryUsage) (*vam.Allocation, int, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateImage",
		slog.String("Usage", usage.String()),
	)

	if image == nil {
		return nil, 0, core1_0.VKErrorUnknown, errors.New("attempted to allocate memory for a nil image")
	}

	memReqs := image.MemoryRequirements()

	var entry *poolEntry
	var pool *vam.Pool
	entry, err := a.getOrCreatePool(a.imagePools, memReqs.Size, usage, true)
	if err != nil {
		return nil, 0, core1_0.VKErrorUnknown, err
	}
	if entry != nil {
		pool = entry.pool
	}

	a.allocationMutex.Lock()
	defer a.allocationMutex.Unlock()

	alloc := &vam.Allocation{}
	res, err := a.vam.AllocateMemoryForImage(image, a.allocationCreateInfo(usage, pool), alloc)
	if err != nil {
		if res == core1_0.VKErrorOutOfDeviceMemory {
			return nil, 0, res, errors.Wrapf(ErrOutOfDeviceMemory, "image allocation of %d bytes failed", memReqs.Size)
		}
		return nil, 0, res, err
	}

	res, err = alloc.BindImageMemory(image)
	if err != nil {
		_ = alloc.Free()
		return nil, 0, res, err
	}

	a.registerAllocation(alloc, entry)

	return alloc, alloc.Size(), res, nil
}

// AllocateBufferBatch creates several buffers and their allocations as one
// logically grouped operation. Partial failure aborts the whole batch and
// releases everything already allocated in this call.
func (a *Allocator) AllocateBufferBatch(sizes []int, bufferUsage core1_0.BufferUsageFlags, usage MemoryUsage) ([]BatchAllocation, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateBufferBatch",
		slog.Int("Count", len(sizes)),
		slog.String("Usage", usage.String()),
	)

	batch := make([]BatchAllocation, 0, len(sizes))

	abort := func() {
		for i := len(batch) - 1; i >= 0; i-- {
			_ = a.Free(batch[i].Allocation)
			batch[i].Buffer.Destroy(nil)
		}
	}

	for _, size := range sizes {
		buffer, res, err := a.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
			Size:        size,
			Usage:       bufferUsage,
			SharingMode: core1_0.SharingModeExclusive,
		})
		if err != nil {
			abort()
			return nil, res, errors.Wrapf(err, "batch buffer creation failed at element %d", len(batch))
		}

		alloc, res, err := a.AllocateBuffer(buffer, size, usage)
		if err != nil {
			buffer.Destroy(nil)
			abort()
			return nil, res, err
		}

		batch = append(batch, BatchAllocation{
			Buffer:     buffer,
			Allocation: alloc,
			Size:       alloc.Size(),
		})
	}

	return batch, core1_0.VKSuccess, nil
}

// Free releases an allocation made by this allocator. It is not guarded
// against double-free; the caller owns that invariant.
func (a *Allocator) Free(alloc *vam.Allocation) error {
	a.logger.Debug("Allocator::Free")

	if alloc == nil {
		return errors.New("attempted to free a nil allocation")
	}

	a.allocationMutex.Lock()
	a.unregisterAllocation(alloc)
	a.allocationMutex.Unlock()

	return alloc.Free()
}

// registerAllocation records a live allocation. Callers hold allocationMutex.
func (a *Allocator) registerAllocation(alloc *vam.Allocation, entry *poolEntry) {
	a.nextAllocationID++
	id := a.nextAllocationID
	alloc.SetUserData(id)

	size := alloc.Size()
	a.allocations.Put(id, allocationRecord{
		alloc: alloc,
		size:  size,
		pool:  entry,
	})
	a.usedBytes += size
	if entry != nil {
		entry.liveBytes += size
	} else {
		a.dedicatedBytes += size
		a.dedicatedCount++
	}
}

// unregisterAllocation removes a live allocation. Callers hold allocationMutex.
func (a *Allocator) unregisterAllocation(alloc *vam.Allocation) {
	id, ok := alloc.UserData().(uint64)
	if !ok {
		a.logger.Warn("Allocator::Free called with an allocation this allocator did not create")
		return
	}

	record, ok := a.allocations.Get(id)
	if !ok {
		a.logger.Warn("Allocator::Free called with an unknown allocation", slog.Uint64("ID", id))
		return
	}

	a.allocations.Delete(id)
	a.usedBytes -= record.size
	if record.pool != nil {
		record.pool.liveBytes -= record.size
	} else {
		a.dedicatedBytes -= record.size
		a.dedicatedCount--
	}
}

// BeginDefragmentation opens a defragmentation window. Allocations marked
// inside the window become relocation candidates; the run itself executes at
// EndDefragmentation, after all candidates are known.
func (a *Allocator) BeginDefragmentation(flags vam.DefragmentationFlags) error {
	a.logger.Debug("Allocator::BeginDefragmentation",
		slog.String("Flags", flags.String()),
	)

	a.allocationMutex.Lock()
	defer a.allocationMutex.Unlock()

	if a.defragActive {
		return errors.New("a defragmentation window is already open")
	}
	a.defragActive = true
	a.defragFlags = flags
	a.defragMarked = a.defragMarked[:0]

	return nil
}

// MarkDefragmentable adds an allocation to the open defragmentation window.
func (a *Allocator) MarkDefragmentable(alloc *vam.Allocation) error {
	a.allocationMutex.Lock()
	defer a.allocationMutex.Unlock()

	if !a.defragActive {
		return errors.New("no defragmentation window is open")
	}
	a.defragMarked = append(a.defragMarked, alloc)
	return nil
}

// EndDefragmentation closes the window opened by BeginDefragmentation and
// runs the compaction over the underlying allocator's block lists, relocating
// allocations until no further moves remain. Mapped pointers into marked
// allocations are invalid after this call.
func (a *Allocator) EndDefragmentation() error {
	a.logger.Debug("Allocator::EndDefragmentation")

	a.allocationMutex.Lock()
	defer a.allocationMutex.Unlock()

	if !a.defragActive {
		return errors.New("no defragmentation window is open")
	}
	a.defragActive = false

	if len(a.defragMarked) == 0 {
		a.logger.Warn("no allocations were marked for defragmentation")
		return nil
	}
	a.defragMarked = a.defragMarked[:0]

	var defragContext vam.DefragmentationContext
	_, err := a.vam.BeginDefragmentation(vam.DefragmentationInfo{
		Flags: a.defragFlags,
	}, &defragContext)
	if err != nil {
		return errors.Wrap(err, "failed to begin the defragmentation run")
	}

	done := false
	for !done {
		defragContext.BeginAllocationPass()
		done, err = defragContext.EndAllocationPass()
		if err != nil {
			return errors.Wrap(err, "a defragmentation pass failed")
		}
	}

	var stats defrag.DefragmentationStats
	defragContext.Finish(&stats)

	a.logger.Info("Allocator::EndDefragmentation complete",
		slog.Int("BytesMoved", stats.BytesMoved),
		slog.Int("BytesFreed", stats.BytesFreed),
		slog.Int("AllocationsMoved", stats.AllocationsMoved),
		slog.Int("BlocksFreed", stats.DeviceMemoryBlocksFreed),
	)

	return nil
}

// Destroy tears down all pools. Allocations still live at this point are
// leaks and are logged.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.allocationMutex.Lock()
	leaked := a.allocations.Count()
	a.allocationMutex.Unlock()
	if leaked > 0 {
		a.logger.Warn("destroying allocator with live allocations",
			slog.Int("Count", leaked),
		)
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	for key, entry := range a.bufferPools {
		err := entry.pool.Destroy()
		if err != nil {
			return errors.Wrap(err, "failed to destroy a buffer pool")
		}
		delete(a.bufferPools, key)
	}
	for key, entry := range a.imagePools {
		err := entry.pool.Destroy()
		if err != nil {
			return errors.Wrap(err, "failed to destroy an image pool")
		}
		delete(a.imagePools, key)
	}

	return nil
}
