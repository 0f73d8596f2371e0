package vkresource

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/sceneryeditorx/gpucore/bindless"
	"github.com/sceneryeditorx/gpucore/internal/vulkan"
	"github.com/sceneryeditorx/gpucore/vkcommand"
	"github.com/sceneryeditorx/gpucore/vkmem"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Factory creates and destroys Buffer and Image resources on top of the
// allocator, deriving usage and alignment rules from the requested purpose
// and registering storage-capable resources into the bindless table.
type Factory struct {
	logger *slog.Logger
	device core1_0.Device

	allocator    *vkmem.Allocator
	table        *bindless.Table
	orchestrator *vkcommand.Orchestrator
	caps         *vulkan.DeviceCapabilities

	minStorageAlignment int
	nextID              uint64
}

// NewFactory builds a Factory over the given collaborators. The bindless
// table and orchestrator are required: storage resources register into the
// table, and transfer helpers run through the orchestrator.
func NewFactory(
	logger *slog.Logger,
	device core1_0.Device,
	physicalDevice core1_0.PhysicalDevice,
	allocator *vkmem.Allocator,
	table *bindless.Table,
	orchestrator *vkcommand.Orchestrator,
) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("attempted to create a resource factory with a nil device")
	}
	if allocator == nil || table == nil || orchestrator == nil {
		return nil, errors.New("a resource factory requires an allocator, a bindless table, and an orchestrator")
	}

	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to retrieve physical device properties")
	}

	return &Factory{
		logger: logger,
		device: device,

		allocator:    allocator,
		table:        table,
		orchestrator: orchestrator,
		caps:         vulkan.NewDeviceCapabilities(device),

		minStorageAlignment: deviceProperties.Limits.MinStorageBufferOffsetAlignment,
	}, nil
}

// NormalizeBufferUsage applies the factory's usage rule table with the
// device's storage-buffer alignment.
func (f *Factory) NormalizeBufferUsage(usage BufferUsage, size int) (BufferUsage, int) {
	return NormalizeBufferUsage(usage, size, f.minStorageAlignment)
}

// CreateBuffer creates a device buffer, allocates and binds its memory, and
// registers storage buffers into the bindless table. Usage flags are
// normalized before creation.
func (f *Factory) CreateBuffer(size int, usage BufferUsage, memory vkmem.MemoryUsage, name string) (*Buffer, error) {
	f.logger.Debug("Factory::CreateBuffer",
		slog.Int("Size", size),
		slog.String("Usage", usage.String()),
		slog.String("Memory", memory.String()),
		slog.String("Name", name),
	)

	if size <= 0 {
		return nil, errors.Newf("attempted to create a buffer of %d bytes", size)
	}

	usage, size = f.NormalizeBufferUsage(usage, size)

	if usage&BufferUsageAddress != 0 && f.caps.BufferDeviceAddress == nil {
		f.logger.Warn("device address capability requested but unavailable, stripping",
			slog.String("Name", name),
		)
		usage &^= BufferUsageAddress
	}

	buffer, _, err := f.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       nativeBufferUsage(usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create buffer %q", name)
	}

	alloc, _, err := f.allocator.AllocateBuffer(buffer, size, memory)
	if err != nil {
		buffer.Destroy(nil)
		return nil, err
	}
	alloc.SetName(name)

	bindlessIndex := NoBindlessIndex
	if usage&BufferUsageStorage != 0 {
		bindlessIndex, err = f.table.Acquire(bindless.KindStorageBuffer)
		if err != nil {
			_ = f.allocator.Free(alloc)
			buffer.Destroy(nil)
			return nil, err
		}

		err = f.table.UpdateStorageBuffer(bindlessIndex, buffer, 0, size)
		if err != nil {
			f.table.Release(bindless.KindStorageBuffer, bindlessIndex, f.orchestrator.FrameIndex())
			_ = f.allocator.Free(alloc)
			buffer.Destroy(nil)
			return nil, err
		}
	}

	f.nextID++

	return &Buffer{
		ID:         f.nextID,
		Buffer:     buffer,
		Allocation: alloc,

		Size:   size,
		Usage:  usage,
		Memory: memory,

		BindlessIndex: bindlessIndex,
		Name:          name,
	}, nil
}

// CreateStagingBuffer creates a host-visible transfer-source buffer used as
// the intermediate hop for CPU to GPU uploads.
func (f *Factory) CreateStagingBuffer(size int) (*Buffer, error) {
	return f.CreateBuffer(size, BufferUsageTransferSrc, vkmem.MemoryUsageCPU, "Staging Buffer")
}

// CreateImage creates a device image and allocates and binds its memory.
// Storage images acquire a bindless slot immediately; the descriptor entry is
// written later by RegisterStorageImage once a view exists.
func (f *Factory) CreateImage(info ImageCreateInfo, memory vkmem.MemoryUsage, name string) (*Image, error) {
	f.logger.Debug("Factory::CreateImage",
		slog.String("Memory", memory.String()),
		slog.String("Name", name),
	)

	if info.MipLevels <= 0 {
		info.MipLevels = 1
	}
	if info.ArrayLayers <= 0 {
		info.ArrayLayers = 1
	}
	if info.Extent.Depth <= 0 {
		info.Extent.Depth = 1
	}

	image, _, err := f.device.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType:     core1_0.ImageType2D,
		Format:        info.Format,
		Extent:        info.Extent,
		MipLevels:     info.MipLevels,
		ArrayLayers:   info.ArrayLayers,
		Samples:       core1_0.Samples1,
		Tiling:        info.Tiling,
		Usage:         info.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create image %q", name)
	}

	alloc, allocatedSize, _, err := f.allocator.AllocateImage(image, memory)
	if err != nil {
		image.Destroy(nil)
		return nil, err
	}
	alloc.SetName(name)

	bindlessIndex := NoBindlessIndex
	bindlessKind := bindless.KindSampledImage
	if info.Usage&core1_0.ImageUsageStorage != 0 {
		bindlessKind = bindless.KindStorageImage
		bindlessIndex, err = f.table.Acquire(bindlessKind)
		if err != nil {
			_ = f.allocator.Free(alloc)
			image.Destroy(nil)
			return nil, err
		}
	}

	f.nextID++

	return &Image{
		ID:         f.nextID,
		Image:      image,
		Allocation: alloc,

		Format:      info.Format,
		Extent:      info.Extent,
		MipLevels:   info.MipLevels,
		ArrayLayers: info.ArrayLayers,

		AllocatedSize: allocatedSize,
		Usage:         info.Usage,
		Memory:        memory,

		BindlessIndex: bindlessIndex,
		bindlessKind:  bindlessKind,
		Name:          name,
	}, nil
}

// RegisterStorageImage writes an image's storage-image descriptor entry once
// a view exists for it.
func (f *Factory) RegisterStorageImage(image *Image, view core1_0.ImageView) error {
	if image.BindlessIndex == NoBindlessIndex || image.bindlessKind != bindless.KindStorageImage {
		return errors.Newf("image %q holds no storage-image bindless slot", image.Name)
	}
	return f.table.UpdateStorageImage(image.BindlessIndex, view, core1_0.ImageLayoutGeneral)
}

// RegisterSampled acquires a sampled-image bindless slot for the image and
// writes its descriptor entry.
func (f *Factory) RegisterSampled(image *Image, view core1_0.ImageView, sampler core1_0.Sampler) error {
	f.logger.Debug("Factory::RegisterSampled",
		slog.String("Name", image.Name),
	)

	if image.BindlessIndex != NoBindlessIndex {
		return errors.Newf("image %q already holds a bindless slot", image.Name)
	}

	index, err := f.table.Acquire(bindless.KindSampledImage)
	if err != nil {
		return err
	}

	err = f.table.UpdateSampledImage(index, view, sampler, core1_0.ImageLayoutShaderReadOnlyOptimal)
	if err != nil {
		f.table.Release(bindless.KindSampledImage, index, f.orchestrator.FrameIndex())
		return err
	}

	image.BindlessIndex = index
	image.bindlessKind = bindless.KindSampledImage

	return nil
}

// MapBuffer maps a host-visible buffer and returns a pointer to its memory.
// Fails with ErrNotHostVisible for GPU-only buffers.
func (f *Factory) MapBuffer(buffer *Buffer) (unsafe.Pointer, error) {
	f.logger.Debug("Factory::MapBuffer",
		slog.String("Name", buffer.Name),
	)

	if buffer.Memory != vkmem.MemoryUsageCPU {
		return nil, errors.Wrapf(ErrNotHostVisible, "buffer %q has memory class %s", buffer.Name, buffer.Memory)
	}

	ptr, _, err := buffer.Allocation.Map()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map buffer %q", buffer.Name)
	}

	return ptr, nil
}

// UnmapBuffer releases a mapping obtained from MapBuffer.
func (f *Factory) UnmapBuffer(buffer *Buffer) error {
	f.logger.Debug("Factory::UnmapBuffer",
		slog.String("Name", buffer.Name),
	)

	return buffer.Allocation.Unmap()
}

// UploadToBuffer writes data into a buffer. Host-visible buffers are mapped
// and written directly; device-local buffers stage through a transient
// host-visible buffer and a synchronous copy.
func (f *Factory) UploadToBuffer(dst *Buffer, data []byte) error {
	f.logger.Debug("Factory::UploadToBuffer",
		slog.String("Name", dst.Name),
		slog.Int("Bytes", len(data)),
	)

	if len(data) > dst.Size {
		return errors.Newf("attempted to upload %d bytes into buffer %q of %d bytes", len(data), dst.Name, dst.Size)
	}

	if dst.Memory == vkmem.MemoryUsageCPU {
		ptr, err := f.MapBuffer(dst)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.UnmapBuffer(dst)
		}()

		copy(unsafe.Slice((*byte)(ptr), len(data)), data)

		_, err = dst.Allocation.Flush(0, len(data))
		return err
	}

	staging, err := f.CreateStagingBuffer(len(data))
	if err != nil {
		return err
	}
	defer func() {
		_ = f.DestroyBuffer(staging)
	}()

	err = f.UploadToBuffer(staging, data)
	if err != nil {
		return err
	}

	return f.CopyBuffer(staging, dst, len(data))
}

// CopyBuffer records and submits a synchronous buffer copy. This is a
// setup-time operation: it blocks until the GPU completes the transfer.
func (f *Factory) CopyBuffer(src, dst *Buffer, size int) error {
	f.logger.Debug("Factory::CopyBuffer",
		slog.String("Src", src.Name),
		slog.String("Dst", dst.Name),
		slog.Int("Size", size),
	)

	buffer, err := f.orchestrator.BeginSingleTimeCommands(vkcommand.QueueTransfer)
	if err != nil {
		return err
	}

	buffer.CmdCopyBuffer(src.Buffer, dst.Buffer, []core1_0.BufferCopy{
		{
			SrcOffset: 0,
			DstOffset: 0,
			Size:      size,
		},
	})

	return f.orchestrator.EndSingleTimeCommands(vkcommand.QueueTransfer, buffer)
}

// CopyBufferToImage records and submits a synchronous buffer-to-image copy.
// The destination must already be in the transfer-destination layout.
func (f *Factory) CopyBufferToImage(src *Buffer, dst *Image) error {
	f.logger.Debug("Factory::CopyBufferToImage",
		slog.String("Src", src.Name),
		slog.String("Dst", dst.Name),
	)

	buffer, err := f.orchestrator.BeginSingleTimeCommands(vkcommand.QueueTransfer)
	if err != nil {
		return err
	}

	buffer.CmdCopyBufferToImage(src.Buffer, dst.Image, core1_0.ImageLayoutTransferDstOptimal, []core1_0.BufferImageCopy{
		{
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask: core1_0.ImageAspectColor,
				LayerCount: dst.ArrayLayers,
			},
			ImageExtent: dst.Extent,
		},
	})

	return f.orchestrator.EndSingleTimeCommands(vkcommand.QueueTransfer, buffer)
}

// DestroyBuffer releases a buffer's native object and allocation together.
// A held bindless slot is queued for recycling before the memory is freed;
// the slot stays unavailable until the current frame retires.
func (f *Factory) DestroyBuffer(buffer *Buffer) error {
	f.logger.Debug("Factory::DestroyBuffer",
		slog.String("Name", buffer.Name),
	)

	if buffer.BindlessIndex != NoBindlessIndex {
		f.table.Release(bindless.KindStorageBuffer, buffer.BindlessIndex, f.orchestrator.FrameIndex())
		buffer.BindlessIndex = NoBindlessIndex
	}

	buffer.Buffer.Destroy(nil)
	return f.allocator.Free(buffer.Allocation)
}

// DestroyImage releases an image's native object and allocation together,
// queueing any held bindless slot for recycling first.
func (f *Factory) DestroyImage(image *Image) error {
	f.logger.Debug("Factory::DestroyImage",
		slog.String("Name", image.Name),
	)

	if image.BindlessIndex != NoBindlessIndex {
		f.table.Release(image.bindlessKind, image.BindlessIndex, f.orchestrator.FrameIndex())
		image.BindlessIndex = NoBindlessIndex
	}

	image.Image.Destroy(nil)
	return f.allocator.Free(image.Allocation)
}
