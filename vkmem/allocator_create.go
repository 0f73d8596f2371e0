package vkmem

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/sceneryeditorx/gpucore/internal/utils"
	"github.com/sceneryeditorx/gpucore/internal/vulkan"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created
	// from it will not be synchronized internally. The consumer must guarantee they are used from
	// only one thread at a time or are synchronized by some other mechanism.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

// Size-class tiers that bucket allocation requests into shared pools. Requests
// snap to the smallest tier that fits; larger requests fall through to the
// custom tier or a dedicated allocation.
const (
	PoolSizeSmall  int = 256 * 1024
	PoolSizeMedium int = 1024 * 1024
	PoolSizeLarge  int = 16 * 1024 * 1024

	defaultCustomBufferSize int = 16 * 1024 * 1024

	defaultWarningThreshold float64 = 0.9
)

// CreateOptions contains optional settings when creating an Allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PreferredLargeHeapBlockSize is the block size to use when allocating from heaps larger
	// than a gigabyte. 0 uses the underlying allocator's default.
	PreferredLargeHeapBlockSize int
	// CustomBufferSize, when nonzero, sets the block size of the custom pool tier. It must
	// satisfy the same validation as SetCustomBufferSize.
	CustomBufferSize int
	// MemoryUsageWarningThreshold is the usage fraction above which GetMemoryBudget reports
	// IsOverBudget. Values outside (0, 1) fall back to the 0.9 default.
	MemoryUsageWarningThreshold float64
}

// New creates a new Allocator backed by the provided device.
//
// instance - The instance that owns the provided Device
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that memory will be allocated into
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, instance core1_0.Instance, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("attempted to create an allocator with a nil device")
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	var vamFlags vam.CreateFlags
	if !useMutex {
		vamFlags |= vam.AllocatorCreateExternallySynchronized
	}

	underlying, err := vam.New(logger, instance, physicalDevice, device, vam.CreateOptions{
		Flags:                       vamFlags,
		PreferredLargeHeapBlockSize: options.PreferredLargeHeapBlockSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the underlying device memory allocator")
	}

	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to retrieve physical device properties")
	}

	allocator := &Allocator{
		useMutex:       useMutex,
		logger:         logger,
		device:         device,
		physicalDevice: physicalDevice,

		deviceProperties: deviceProperties,
		memoryProperties: physicalDevice.MemoryProperties(),

		vam: underlying,

		poolsMutex:      utils.OptionalRWMutex{UseMutex: useMutex},
		bufferPools:     map[int]*poolEntry{},
		imagePools:      map[int]*poolEntry{},
		allocationMutex: utils.OptionalMutex{UseMutex: useMutex},
		allocations:     swiss.NewMap[uint64, allocationRecord](64),

		strategy:         StrategyDefault,
		warningThreshold: defaultWarningThreshold,
		customBufferSize: defaultCustomBufferSize,

		// When the driver reports real heap budgets, keep allocations inside
		// them rather than discovering exhaustion on device-memory errors
		enforceBudget: vulkan.NewDeviceCapabilities(device).MemoryBudget,
	}

	if options.MemoryUsageWarningThreshold != 0 {
		allocator.SetMemoryUsageWarningThreshold(options.MemoryUsageWarningThreshold)
	}
	if options.CustomBufferSize != 0 {
		err = allocator.SetCustomBufferSize(options.CustomBufferSize)
		if err != nil {
			return nil, err
		}
	}

	return allocator, nil
}
