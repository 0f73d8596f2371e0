package vkcommand

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// QueueKind names a logical queue of the orchestrator.
type QueueKind uint32

const (
	QueueGraphics QueueKind = iota
	QueueCompute
	QueueTransfer
)

var queueKindMapping = map[QueueKind]string{
	QueueGraphics: "QueueGraphics",
	QueueCompute:  "QueueCompute",
	QueueTransfer: "QueueTransfer",
}

func (k QueueKind) String() string {
	str, ok := queueKindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

// QueueInfo identifies a native queue and the family it was created from.
type QueueInfo struct {
	Queue       core1_0.Queue
	FamilyIndex int
}

const defaultFramesInFlight = 2

// CreateOptions configures a new Orchestrator.
type CreateOptions struct {
	// Graphics is required.
	Graphics QueueInfo
	// Compute and Transfer are optional; absent kinds fall back to the
	// graphics queue.
	Compute  *QueueInfo
	Transfer *QueueInfo

	// FramesInFlight is the number of command-resource slots per queue,
	// normally derived from the swap-chain depth. Defaults to 2.
	FramesInFlight int

	// DisablePipelineStatistics skips creation of the pipeline-statistics
	// query pools for devices without the feature.
	DisablePipelineStatistics bool
}

type queueState uint32

const (
	stateIdle queueState = iota
	stateRecording
	stateSubmitted
)

// Queue wraps a native queue handle plus its per-frame CommandResources and
// recording state.
type Queue struct {
	kind        QueueKind
	queue       core1_0.Queue
	familyIndex int

	state     queueState
	resources []*CommandResources

	singleTimePool core1_0.CommandPool
}

// NativeQueue returns the wrapped queue handle.
func (q *Queue) NativeQueue() core1_0.Queue {
	return q.queue
}

// New creates an Orchestrator with one CommandResources set per
// frame-in-flight for each configured queue.
func New(logger *slog.Logger, device core1_0.Device, physicalDevice core1_0.PhysicalDevice, options CreateOptions) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("attempted to create an orchestrator with a nil device")
	}
	if options.Graphics.Queue == nil {
		return nil, errors.New("a graphics queue is required")
	}

	framesInFlight := options.FramesInFlight
	if framesInFlight <= 0 {
		framesInFlight = defaultFramesInFlight
	}

	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to retrieve physical device properties")
	}

	orchestrator := &Orchestrator{
		logger:          logger,
		device:          device,
		timestampPeriod: float64(deviceProperties.Limits.TimestampPeriod),
		framesInFlight:  framesInFlight,

		queues:     map[QueueKind]*Queue{},
		timings:    map[string]float64{},
		statistics: map[string]uint64{},
	}

	infoForKind := func(kind QueueKind) QueueInfo {
		switch kind {
		case QueueCompute:
			if options.Compute != nil {
				return *options.Compute
			}
		case QueueTransfer:
			if options.Transfer != nil {
				return *options.Transfer
			}
		}
		return options.Graphics
	}

	for _, kind := range []QueueKind{QueueGraphics, QueueCompute, QueueTransfer} {
		info := infoForKind(kind)
		queue := &Queue{
			kind:        kind,
			queue:       info.Queue,
			familyIndex: info.FamilyIndex,
		}

		queue.singleTimePool, _, err = device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
			QueueFamilyIndex: info.FamilyIndex,
		})
		if err != nil {
			orchestrator.Destroy()
			return nil, errors.Wrapf(err, "failed to create the %s single-time command pool", kind)
		}
		orchestrator.queues[kind] = queue

		for i := 0; i < framesInFlight; i++ {
			resources, err := newCommandResources(device, info.FamilyIndex, !options.DisablePipelineStatistics)
			if err != nil {
				orchestrator.Destroy()
				return nil, errors.Wrapf(err, "failed to create %s command resources for slot %d", kind, i)
			}
			queue.resources = append(queue.resources, resources)
		}
	}

	return orchestrator, nil
}
