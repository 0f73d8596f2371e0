package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	khr_buffer_device_address_shim "github.com/vkngwrapper/extensions/v2/khr_buffer_device_address/shim"
)

// memoryBudgetExtensionName is the VK_EXT_memory_budget device extension.
const memoryBudgetExtensionName = "VK_EXT_memory_budget"

// DeviceCapabilities records which optional device capabilities the resource
// layer may lean on. Detected once when the context is created.
type DeviceCapabilities struct {
	// MemoryBudget is true when the driver reports live per-heap budgets,
	// making budget-aware allocation meaningful.
	MemoryBudget bool
	// BufferDeviceAddress is non-nil when buffer device addresses are
	// available, either through core 1.2 or the extension.
	BufferDeviceAddress khr_buffer_device_address_shim.Shim
}

func NewDeviceCapabilities(device core1_0.Device) *DeviceCapabilities {
	caps := &DeviceCapabilities{}

	device12 := core1_2.PromoteDevice(device)
	if device12 != nil {
		// Core 1.2 subsumes khr_buffer_device_address
		caps.BufferDeviceAddress = device12
	}

	if caps.BufferDeviceAddress == nil && device.IsDeviceExtensionActive(khr_buffer_device_address.ExtensionName) {
		extension := khr_buffer_device_address.CreateExtensionFromDevice(device)
		caps.BufferDeviceAddress = khr_buffer_device_address_shim.NewShim(extension, device)
	}

	if device.IsDeviceExtensionActive(memoryBudgetExtensionName) {
		caps.MemoryBudget = true
	}

	return caps
}
