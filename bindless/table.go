package bindless

import (
	"github.com/cockroachdb/errors"
	"github.com/sceneryeditorx/gpucore/internal/utils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// ResourceKind selects which of the table's parallel index pools an operation
// targets.
type ResourceKind uint32

const (
	KindSampledImage ResourceKind = iota
	KindStorageBuffer
	KindStorageImage
	KindUniformBuffer

	kindCount = 4
)

var resourceKindMapping = map[ResourceKind]string{
	KindSampledImage:  "KindSampledImage",
	KindStorageBuffer: "KindStorageBuffer",
	KindStorageImage:  "KindStorageImage",
	KindUniformBuffer: "KindUniformBuffer",
}

func (k ResourceKind) String() string {
	str, ok := resourceKindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

func (k ResourceKind) binding() int {
	switch k {
	case KindSampledImage:
		return BindingSampledImages
	case KindStorageBuffer:
		return BindingStorageBuffers
	case KindStorageImage:
		return BindingStorageImages
	case KindUniformBuffer:
		return BindingUniformBuffers
	}
	return -1
}

type pendingRelease struct {
	kind        ResourceKind
	index       int
	retireFrame uint64
}

// Table is the process-wide bindless descriptor table: one descriptor set
// with a fixed-capacity array binding per resource kind, and a free-index
// LIFO stack per kind. An index released via Release is not reusable until
// Collect observes that the frame it was released in has retired, so that no
// in-flight command buffer can still reference it.
type Table struct {
	logger *slog.Logger
	device core1_0.Device
	config CapacityConfig

	layout core1_0.DescriptorSetLayout
	pool   core1_0.DescriptorPool
	set    core1_0.DescriptorSet

	mutex   utils.OptionalMutex
	free    [kindCount][]int
	pending []pendingRelease
}

// Set returns the global descriptor set consumers bind once per pipeline
// layout.
func (t *Table) Set() core1_0.DescriptorSet {
	return t.set
}

// Layout returns the descriptor set layout for pipeline-layout creation.
func (t *Table) Layout() core1_0.DescriptorSetLayout {
	return t.layout
}

// Capacity returns the fixed capacity for a resource kind.
func (t *Table) Capacity(kind ResourceKind) int {
	return t.config.capacityForKind(kind)
}

// Acquire pops a free index for the given kind. Fails with
// ErrCapacityExceeded when the stack is empty.
func (t *Table) Acquire(kind ResourceKind) (int, error) {
	t.logger.Debug("Table::Acquire",
		slog.String("Kind", kind.String()),
	)

	if kind >= kindCount {
		return -1, errors.Newf("unknown bindless resource kind %d", kind)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	stack := t.free[kind]
	if len(stack) == 0 {
		return -1, errors.Wrapf(ErrCapacityExceeded, "no free %s indices remain of %d", kind, t.config.capacityForKind(kind))
	}

	index := stack[len(stack)-1]
	t.free[kind] = stack[:len(stack)-1]

	return index, nil
}

// Release queues an index for return to its free stack. The index becomes
// available again only once Collect is called with a completed frame at or
// past the frame recorded here.
func (t *Table) Release(kind ResourceKind, index int, frame uint64) {
	t.logger.Debug("Table::Release",
		slog.String("Kind", kind.String()),
		slog.Int("Index", index),
		slog.Uint64("Frame", frame),
	)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.pending = append(t.pending, pendingRelease{
		kind:        kind,
		index:       index,
		retireFrame: frame,
	})
}

// Collect returns indices whose release frame has completed to their free
// stacks. completedFrame is the highest frame number whose fence has
// signaled.
func (t *Table) Collect(completedFrame uint64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	remaining := t.pending[:0]
	for _, release := range t.pending {
		if release.retireFrame <= completedFrame {
			t.free[release.kind] = append(t.free[release.kind], release.index)
		} else {
			remaining = append(remaining, release)
		}
	}
	t.pending = remaining
}

// UpdateSampledImage writes a combined image sampler into the table entry at
// index. Concurrent updates to different indices are safe; updates to the
// same index must be serialized by the caller.
func (t *Table) UpdateSampledImage(index int, view core1_0.ImageView, sampler core1_0.Sampler, layout core1_0.ImageLayout) error {
	t.logger.Debug("Table::UpdateSampledImage",
		slog.Int("Index", index),
	)

	return t.write(KindSampledImage, index, core1_0.WriteDescriptorSet{
		DstSet:          t.set,
		DstBinding:      BindingSampledImages,
		DstArrayElement: index,
		DescriptorType:  core1_0.DescriptorTypeCombinedImageSampler,
		ImageInfo: []core1_0.DescriptorImageInfo{
			{
				ImageView:   view,
				Sampler:     sampler,
				ImageLayout: layout,
			},
		},
	})
}

// UpdateStorageBuffer writes a storage buffer into the table entry at index.
func (t *Table) UpdateStorageBuffer(index int, buffer core1_0.Buffer, offset, size int) error {
	t.logger.Debug("Table::UpdateStorageBuffer",
		slog.Int("Index", index),
	)

	return t.write(KindStorageBuffer, index, core1_0.WriteDescriptorSet{
		DstSet:          t.set,
		DstBinding:      BindingStorageBuffers,
		DstArrayElement: index,
		DescriptorType:  core1_0.DescriptorTypeStorageBuffer,
		BufferInfo: []core1_0.DescriptorBufferInfo{
			{
				Buffer: buffer,
				Offset: offset,
				Range:  size,
			},
		},
	})
}

// UpdateStorageImage writes a storage image into the table entry at index.
func (t *Table) UpdateStorageImage(index int, view core1_0.ImageView, layout core1_0.ImageLayout) error {
	t.logger.Debug("Table::UpdateStorageImage",
		slog.Int("Index", index),
	)

	return t.write(KindStorageImage, index, core1_0.WriteDescriptorSet{
		DstSet:          t.set,
		DstBinding:      BindingStorageImages,
		DstArrayElement: index,
		DescriptorType:  core1_0.DescriptorTypeStorageImage,
		ImageInfo: []core1_0.DescriptorImageInfo{
			{
				ImageView:   view,
				ImageLayout: layout,
			},
		},
	})
}

// UpdateUniformBuffer writes a uniform buffer into the table entry at index.
func (t *Table) UpdateUniformBuffer(index int, buffer core1_0.Buffer, offset, size int) error {
	t.logger.Debug("Table::UpdateUniformBuffer",
		slog.Int("Index", index),
	)

	return t.write(KindUniformBuffer, index, core1_0.WriteDescriptorSet{
		DstSet:          t.set,
		DstBinding:      BindingUniformBuffers,
		DstArrayElement: index,
		DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
		BufferInfo: []core1_0.DescriptorBufferInfo{
			{
				Buffer: buffer,
				Offset: offset,
				Range:  size,
			},
		},
	})
}

func (t *Table) write(kind ResourceKind, index int, write core1_0.WriteDescriptorSet) error {
	capacity := t.config.capacityForKind(kind)
	if index < 0 || index >= capacity {
		return errors.Newf("bindless index %d out of range for %s (capacity %d)", index, kind, capacity)
	}

	return t.device.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{write}, nil)
}

// Destroy releases the descriptor set, layout, and pool. Must only be called
// after every resource holding a bindless index has been destroyed.
func (t *Table) Destroy() error {
	t.logger.Debug("Table::Destroy")

	t.mutex.Lock()
	defer t.mutex.Unlock()

	outstanding := 0
	for kind := KindSampledImage; kind <= KindUniformBuffer; kind++ {
		outstanding += t.config.capacityForKind(kind) - len(t.free[kind])
	}
	outstanding -= len(t.pending)
	if outstanding > 0 {
		t.logger.Warn("destroying bindless table with acquired indices still outstanding",
			slog.Int("Count", outstanding),
		)
	}

	t.pool.Destroy(nil)
	t.layout.Destroy(nil)
	t.set = nil
	t.pending = nil

	return nil
}
