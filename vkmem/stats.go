package vkmem

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Stats is a point-in-time snapshot of the allocator's bookkeeping.
type Stats struct {
	memutils.Statistics
	// FragmentationRatio is 1 minus the ratio of allocated bytes to block
	// bytes. 0 when no blocks exist.
	FragmentationRatio float64
}

// Budget describes device memory pressure against the warning threshold.
type Budget struct {
	TotalBytes      int
	UsedBytes       int
	UsagePercentage float64
	IsOverBudget    bool
}

// GetStats returns allocation statistics. Read-only; safe to call while
// allocations proceed on other goroutines.
func (a *Allocator) GetStats() Stats {
	a.logger.Debug("Allocator::GetStats")

	a.allocationMutex.Lock()
	defer a.allocationMutex.Unlock()

	return a.statsLocked()
}

func (a *Allocator) statsLocked() Stats {
	var stats Stats
	stats.AllocationCount = a.allocations.Count()
	stats.AllocationBytes = a.usedBytes

	a.poolsMutex.RLock()
	for _, pools := range []map[int]*poolEntry{a.bufferPools, a.imagePools} {
		for _, entry := range pools {
			if entry.liveBytes == 0 {
				continue
			}
			blocks := (entry.liveBytes + entry.blockSize - 1) / entry.blockSize
			stats.BlockCount += blocks
			stats.BlockBytes += blocks * entry.blockSize
		}
	}
	a.poolsMutex.RUnlock()

	stats.BlockCount += a.dedicatedCount
	stats.BlockBytes += a.dedicatedBytes

	if stats.BlockBytes > 0 {
		stats.FragmentationRatio = 1.0 - float64(stats.AllocationBytes)/float64(stats.BlockBytes)
	}

	return stats
}

// GetMemoryBudget reports usage against the device-local heap capacity.
// IsOverBudget is set when the usage fraction exceeds the warning threshold.
func (a *Allocator) GetMemoryBudget() Budget {
	a.logger.Debug("Allocator::GetMemoryBudget")

	var budget Budget
	for _, heap := range a.memoryProperties.MemoryHeaps {
		if heap.Flags&core1_0.MemoryHeapDeviceLocal != 0 {
			budget.TotalBytes += heap.Size
		}
	}

	a.allocationMutex.Lock()
	budget.UsedBytes = a.usedBytes
	threshold := a.warningThreshold
	a.allocationMutex.Unlock()

	if budget.TotalBytes > 0 {
		budget.UsagePercentage = float64(budget.UsedBytes) / float64(budget.TotalBytes)
	}
	budget.IsOverBudget = budget.UsagePercentage > threshold

	return budget
}

// SetMemoryUsageWarningThreshold sets the usage fraction above which
// GetMemoryBudget flags IsOverBudget. Values outside (0, 1) are invalid and
// reset the threshold to the 0.9 default.
func (a *Allocator) SetMemoryUsageWarningThreshold(threshold float64) {
	a.logger.Debug("Allocator::SetMemoryUsageWarningThreshold",
		slog.Float64("Threshold", threshold),
	)

	if threshold <= 0 || threshold >= 1 {
		a.logger.Warn("invalid memory usage warning threshold, falling back to default",
			slog.Float64("Threshold", threshold),
			slog.Float64("Default", defaultWarningThreshold),
		)
		threshold = defaultWarningThreshold
	}

	a.allocationMutex.Lock()
	a.warningThreshold = threshold
	a.allocationMutex.Unlock()
}

// SetAllocationStrategy changes the allocation hints applied to subsequent
// allocations. Existing allocations are unaffected.
func (a *Allocator) SetAllocationStrategy(strategy AllocationStrategy) {
	a.logger.Debug("Allocator::SetAllocationStrategy",
		slog.String("Strategy", strategy.String()),
	)

	a.allocationMutex.Lock()
	a.strategy = strategy
	a.allocationMutex.Unlock()
}

// SetCustomBufferSize configures the block size of the custom pool tier. The
// size must be positive, a multiple of the device's nonCoherentAtomSize, and
// the device must expose a device-local memory type.
func (a *Allocator) SetCustomBufferSize(size int) error {
	a.logger.Debug("Allocator::SetCustomBufferSize",
		slog.Int("Size", size),
	)

	if size <= 0 {
		return errors.Newf("custom buffer size must be positive, got %d", size)
	}

	atomSize := a.deviceProperties.Limits.NonCoherentAtomSize
	if atomSize > 0 && size%atomSize != 0 {
		return errors.Newf("custom buffer size %d is not a multiple of the device's non-coherent atom size %d", size, atomSize)
	}

	deviceLocal := false
	for _, memoryType := range a.memoryProperties.MemoryTypes {
		if memoryType.PropertyFlags&core1_0.MemoryPropertyDeviceLocal != 0 {
			deviceLocal = true
			break
		}
	}
	if !deviceLocal {
		return errors.New("device exposes no device-local memory type for the custom pool tier")
	}

	a.allocationMutex.Lock()
	a.customBufferSize = size
	a.allocationMutex.Unlock()

	return nil
}

// CustomBufferSize returns the block size of the custom pool tier.
func (a *Allocator) CustomBufferSize() int {
	a.allocationMutex.Lock()
	defer a.allocationMutex.Unlock()

	return a.customBufferSize
}

// BuildStatsString renders allocator statistics as a JSON document for
// diagnostics output.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	a.allocationMutex.Lock()
	stats := a.statsLocked()
	a.allocationMutex.Unlock()

	budget := a.GetMemoryBudget()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	statsObj := obj.Name("Stats").Object()
	statsObj.Name("BlockCount").Int(stats.BlockCount)
	statsObj.Name("BlockBytes").Int(stats.BlockBytes)
	statsObj.Name("AllocationCount").Int(stats.AllocationCount)
	statsObj.Name("AllocationBytes").Int(stats.AllocationBytes)
	statsObj.Name("FragmentationRatio").Float64(stats.FragmentationRatio)
	statsObj.End()

	budgetObj := obj.Name("Budget").Object()
	budgetObj.Name("TotalBytes").Int(budget.TotalBytes)
	budgetObj.Name("UsedBytes").Int(budget.UsedBytes)
	budgetObj.Name("UsagePercentage").Float64(budget.UsagePercentage)
	budgetObj.Name("IsOverBudget").Bool(budget.IsOverBudget)
	budgetObj.End()

	if detailed {
		a.poolsMutex.RLock()
		poolsObj := obj.Name("Pools").Object()
		for name, pools := range map[string]map[int]*poolEntry{
			"Buffer": a.bufferPools,
			"Image":  a.imagePools,
		} {
			kindArray := poolsObj.Name(name).Array()
			for _, entry := range pools {
				poolObj := kindArray.Object()
				poolObj.Name("BlockSize").Int(entry.blockSize)
				poolObj.Name("LiveBytes").Int(entry.liveBytes)
				poolObj.End()
			}
			kindArray.End()
		}
		poolsObj.End()
		a.poolsMutex.RUnlock()
	}

	obj.End()

	return string(writer.Bytes())
}
