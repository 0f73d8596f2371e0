package vkresource

import (
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
)

// BufferUsage describes what a buffer will be used for. Values mirror the
// native buffer-usage bits so translation is direct; Address and the
// acceleration-structure usages add capabilities during normalization.
type BufferUsage int32

var bufferUsageMapping = common.NewFlagStringMapping[BufferUsage]()

func (u BufferUsage) Register(str string) {
	bufferUsageMapping.Register(u, str)
}
func (u BufferUsage) String() string {
	return bufferUsageMapping.FlagsToString(u)
}

const (
	BufferUsageTransferSrc BufferUsage = 0x00000001
	BufferUsageTransferDst BufferUsage = 0x00000002
	BufferUsageUniform     BufferUsage = 0x00000010
	BufferUsageStorage     BufferUsage = 0x00000020
	BufferUsageIndex       BufferUsage = 0x00000040
	BufferUsageVertex      BufferUsage = 0x00000080
	BufferUsageIndirect    BufferUsage = 0x00000100
	BufferUsageAddress     BufferUsage = 0x00020000

	BufferUsageAccelStructInput BufferUsage = 0x00080000
	BufferUsageAccelStruct      BufferUsage = 0x00100000
)

func init() {
	BufferUsageTransferSrc.Register("BufferUsageTransferSrc")
	BufferUsageTransferDst.Register("BufferUsageTransferDst")
	BufferUsageUniform.Register("BufferUsageUniform")
	BufferUsageStorage.Register("BufferUsageStorage")
	BufferUsageIndex.Register("BufferUsageIndex")
	BufferUsageVertex.Register("BufferUsageVertex")
	BufferUsageIndirect.Register("BufferUsageIndirect")
	BufferUsageAddress.Register("BufferUsageAddress")
	BufferUsageAccelStructInput.Register("BufferUsageAccelStructInput")
	BufferUsageAccelStruct.Register("BufferUsageAccelStruct")
}

// NormalizeBufferUsage applies the usage rule table: vertex and index buffers
// gain transfer-destination capability, storage buffers gain device-address
// capability and size alignment, and acceleration-structure usages gain
// device-address (plus transfer-destination for build inputs). It is a pure
// function; applying it twice yields the same result.
func NormalizeBufferUsage(usage BufferUsage, size int, minStorageAlignment int) (BufferUsage, int) {
	if usage&(BufferUsageVertex|BufferUsageIndex) != 0 {
		usage |= BufferUsageTransferDst
	}
	if usage&BufferUsageStorage != 0 {
		usage |= BufferUsageAddress
		if minStorageAlignment > 1 {
			size = memutils.AlignUp(size, uint(minStorageAlignment))
		}
	}
	if usage&BufferUsageAccelStructInput != 0 {
		usage |= BufferUsageAddress | BufferUsageTransferDst
	}
	if usage&BufferUsageAccelStruct != 0 {
		usage |= BufferUsageAddress
	}

	return usage, size
}

// nativeBufferUsage translates normalized usage into the native flag set.
// The acceleration-structure usages carry no core-level bit of their own;
// their capabilities (device address, transfer destination) were already
// folded in by normalization.
func nativeBufferUsage(usage BufferUsage) core1_0.BufferUsageFlags {
	var native core1_0.BufferUsageFlags

	if usage&BufferUsageTransferSrc != 0 {
		native |= core1_0.BufferUsageTransferSrc
	}
	if usage&BufferUsageTransferDst != 0 {
		native |= core1_0.BufferUsageTransferDst
	}
	if usage&BufferUsageUniform != 0 {
		native |= core1_0.BufferUsageUniformBuffer
	}
	if usage&BufferUsageStorage != 0 {
		native |= core1_0.BufferUsageStorageBuffer
	}
	if usage&BufferUsageIndex != 0 {
		native |= core1_0.BufferUsageIndexBuffer
	}
	if usage&BufferUsageVertex != 0 {
		native |= core1_0.BufferUsageVertexBuffer
	}
	if usage&BufferUsageIndirect != 0 {
		native |= core1_0.BufferUsageIndirectBuffer
	}
	if usage&BufferUsageAddress != 0 {
		native |= khr_buffer_device_address.BufferUsageShaderDeviceAddress
	}

	return native
}
