package vkresource

import (
	"github.com/sceneryeditorx/gpucore/bindless"
	"github.com/sceneryeditorx/gpucore/vkmem"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// NoBindlessIndex marks a resource that holds no slot in the bindless table.
const NoBindlessIndex = -1

// Buffer is a device buffer plus the allocation backing it. The bindless
// index is NoBindlessIndex unless the normalized usage included storage.
type Buffer struct {
	ID         uint64
	Buffer     core1_0.Buffer
	Allocation *vam.Allocation

	Size   int
	Usage  BufferUsage
	Memory vkmem.MemoryUsage

	BindlessIndex int
	Name          string
}

// ImageCreateInfo describes a new image. Layout transitions are the caller's
// responsibility; this layer does not track image layouts.
type ImageCreateInfo struct {
	Format      core1_0.Format
	Extent      core1_0.Extent3D
	MipLevels   int
	ArrayLayers int
	Tiling      core1_0.ImageTiling
	Usage       core1_0.ImageUsageFlags
}

// Image is a device image plus the allocation backing it.
type Image struct {
	ID         uint64
	Image      core1_0.Image
	Allocation *vam.Allocation

	Format      core1_0.Format
	Extent      core1_0.Extent3D
	MipLevels   int
	ArrayLayers int

	AllocatedSize int
	Usage         core1_0.ImageUsageFlags
	Memory        vkmem.MemoryUsage

	BindlessIndex int
	bindlessKind  bindless.ResourceKind
	Name          string
}
