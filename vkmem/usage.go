package vkmem

import (
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/vam"
)

// MemoryUsage selects the memory class for a new allocation.
type MemoryUsage uint32

const (
	// MemoryUsageGPU places the allocation in device-local memory. Mapping
	// such an allocation is an error.
	MemoryUsageGPU MemoryUsage = iota
	// MemoryUsageCPU places the allocation in host-visible memory and allows
	// mapping it.
	MemoryUsageCPU
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageGPU: "MemoryUsageGPU",
	MemoryUsageCPU: "MemoryUsageCPU",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

// AllocationStrategy is a process-wide knob influencing subsequent allocation
// hints. It does not retroactively affect existing allocations.
type AllocationStrategy uint32

const (
	// StrategyDefault lets the underlying allocator choose.
	StrategyDefault AllocationStrategy = iota
	// StrategySpeedOptimized biases allocation toward minimal search time.
	StrategySpeedOptimized
	// StrategyMemoryOptimized biases allocation toward minimal memory waste.
	StrategyMemoryOptimized
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	StrategyDefault:         "StrategyDefault",
	StrategySpeedOptimized:  "StrategySpeedOptimized",
	StrategyMemoryOptimized: "StrategyMemoryOptimized",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "unknown"
	}
	return str
}

func (s AllocationStrategy) createFlags() memutils.AllocationCreateFlags {
	switch s {
	case StrategySpeedOptimized:
		return memutils.AllocationCreateStrategyMinTime
	case StrategyMemoryOptimized:
		return memutils.AllocationCreateStrategyMinMemory
	}
	return 0
}

func (u MemoryUsage) vamUsage() vam.MemoryUsage {
	if u == MemoryUsageCPU {
		return vam.MemoryUsageAutoPreferHost
	}
	return vam.MemoryUsageAutoPreferDevice
}

func (u MemoryUsage) vamFlags() memutils.AllocationCreateFlags {
	if u == MemoryUsageCPU {
		// Host access is required to map the allocation later
		return memutils.AllocationCreateHostAccessRandom
	}
	return 0
}
