package pipecache

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

const cacheFileName = "pipeline.cache"

// Store owns a device pipeline cache backed by a file on disk. Cache data is
// validated against the device's identity before it is fed back to the
// driver, so a cache written by one GPU or driver version never poisons
// another.
type Store struct {
	logger *slog.Logger
	device core1_0.Device

	vendorID  uint32
	deviceID  uint32
	cacheUUID uuid.UUID

	cachePath string
	handle    core1_0.PipelineCache
}

// New creates a Store, seeding the device pipeline cache from
// <cacheDir>/pipeline.cache when a valid file exists. Disk failures are
// logged and treated as a cold start.
func New(logger *slog.Logger, device core1_0.Device, physicalDevice core1_0.PhysicalDevice, cacheDir string) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("pipecache.New",
		slog.String("CacheDir", cacheDir),
	)

	if device == nil {
		return nil, errors.New("attempted to create a pipeline cache store with a nil device")
	}

	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to retrieve physical device properties")
	}

	store := &Store{
		logger: logger,
		device: device,

		vendorID:  deviceProperties.VendorID,
		deviceID:  deviceProperties.DeviceID,
		cacheUUID: deviceProperties.PipelineCacheUUID,

		cachePath: filepath.Join(cacheDir, cacheFileName),
	}

	err = os.MkdirAll(cacheDir, 0o755)
	if err != nil {
		logger.Warn("failed to create pipeline cache directory, persistence disabled",
			slog.String("CacheDir", cacheDir),
			slog.Any("Error", err),
		)
	}

	_, err = store.CreateCache()
	if err != nil {
		return nil, err
	}

	return store, nil
}
