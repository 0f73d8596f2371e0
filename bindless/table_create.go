package bindless

import (
	"github.com/cockroachdb/errors"
	"github.com/sceneryeditorx/gpucore/internal/utils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Binding indices of the global descriptor set. Shaders index the matching
// binding with the integer handle returned by Acquire.
const (
	BindingSampledImages  = 0
	BindingStorageBuffers = 1
	BindingStorageImages  = 2
	BindingUniformBuffers = 3
)

// Default per-kind capacities. Fixed for the process lifetime once the table
// is created.
const (
	DefaultSampledImageCapacity  = 8192
	DefaultStorageBufferCapacity = 8192
	DefaultStorageImageCapacity  = 1024
	DefaultUniformBufferCapacity = 1024
)

// CapacityConfig overrides the per-kind capacities at initialization. Zero
// fields keep their defaults.
type CapacityConfig struct {
	SampledImages  int
	StorageBuffers int
	StorageImages  int
	UniformBuffers int

	// ExternallySynchronized disables the table's internal locking; the
	// caller must serialize index acquisition and release.
	ExternallySynchronized bool
}

func (c CapacityConfig) withDefaults() CapacityConfig {
	if c.SampledImages == 0 {
		c.SampledImages = DefaultSampledImageCapacity
	}
	if c.StorageBuffers == 0 {
		c.StorageBuffers = DefaultStorageBufferCapacity
	}
	if c.StorageImages == 0 {
		c.StorageImages = DefaultStorageImageCapacity
	}
	if c.UniformBuffers == 0 {
		c.UniformBuffers = DefaultUniformBufferCapacity
	}
	return c
}

func (c CapacityConfig) capacityForKind(kind ResourceKind) int {
	switch kind {
	case KindSampledImage:
		return c.SampledImages
	case KindStorageBuffer:
		return c.StorageBuffers
	case KindStorageImage:
		return c.StorageImages
	case KindUniformBuffer:
		return c.UniformBuffers
	}
	return 0
}

// New allocates the global descriptor set, its layout, and one free-index
// stack per resource kind at fixed maximum capacities.
func New(logger *slog.Logger, device core1_0.Device, config CapacityConfig) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("attempted to create a bindless table with a nil device")
	}
	config = config.withDefaults()

	stages := core1_0.StageVertex | core1_0.StageFragment | core1_0.StageCompute

	layout, _, err := device.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{
				Binding:         BindingSampledImages,
				DescriptorType:  core1_0.DescriptorTypeCombinedImageSampler,
				DescriptorCount: config.SampledImages,
				StageFlags:      stages,
			},
			{
				Binding:         BindingStorageBuffers,
				DescriptorType:  core1_0.DescriptorTypeStorageBuffer,
				DescriptorCount: config.StorageBuffers,
				StageFlags:      stages,
			},
			{
				Binding:         BindingStorageImages,
				DescriptorType:  core1_0.DescriptorTypeStorageImage,
				DescriptorCount: config.StorageImages,
				StageFlags:      stages,
			},
			{
				Binding:         BindingUniformBuffers,
				DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: config.UniformBuffers,
				StageFlags:      stages,
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the bindless descriptor set layout")
	}

	pool, _, err := device.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets: 1,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{Type: core1_0.DescriptorTypeCombinedImageSampler, DescriptorCount: config.SampledImages},
			{Type: core1_0.DescriptorTypeStorageBuffer, DescriptorCount: config.StorageBuffers},
			{Type: core1_0.DescriptorTypeStorageImage, DescriptorCount: config.StorageImages},
			{Type: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: config.UniformBuffers},
		},
	})
	if err != nil {
		layout.Destroy(nil)
		return nil, errors.Wrap(err, "failed to create the bindless descriptor pool")
	}

	sets, _, err := device.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: pool,
		SetLayouts:     []core1_0.DescriptorSetLayout{layout},
	})
	if err != nil {
		pool.Destroy(nil)
		layout.Destroy(nil)
		return nil, errors.Wrap(err, "failed to allocate the bindless descriptor set")
	}

	table := &Table{
		logger: logger,
		device: device,
		config: config,

		layout: layout,
		pool:   pool,
		set:    sets[0],

		mutex: utils.OptionalMutex{UseMutex: !config.ExternallySynchronized},
	}

	for kind := KindSampledImage; kind <= KindUniformBuffer; kind++ {
		capacity := config.capacityForKind(kind)
		stack := make([]int, capacity)
		// LIFO stack: index 0 is popped first
		for i := 0; i < capacity; i++ {
			stack[i] = capacity - 1 - i
		}
		table.free[kind] = stack
	}

	return table, nil
}
