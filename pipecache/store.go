package pipecache

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// PipelineKind names the two pipeline families the store builds.
type PipelineKind int32

const (
	PipelineGraphics PipelineKind = iota
	PipelineCompute
)

var pipelineKindNames = map[PipelineKind]string{
	PipelineGraphics: "Graphics",
	PipelineCompute:  "Compute",
}

func (k PipelineKind) String() string {
	return pipelineKindNames[k]
}

// Handle exposes the underlying device pipeline cache for callers that build
// pipelines outside the store.
func (s *Store) Handle() core1_0.PipelineCache {
	return s.handle
}

// LoadCache reads the cache file and validates its header against the
// device identity. Any mismatch or read failure discards the file and
// returns nil, which downgrades creation to a cold start.
func (s *Store) LoadCache() []byte {
	data, err := os.ReadFile(s.cachePath)
	if os.IsNotExist(err) {
		s.logger.Debug("pipeline cache miss, starting cold",
			slog.String("Path", s.cachePath),
		)
		return nil
	} else if err != nil {
		s.logger.Warn("failed to read pipeline cache file, starting cold",
			slog.String("Path", s.cachePath),
			slog.Any("Error", err),
		)
		return nil
	}

	// Cache data begins with a header identifying the device and driver
	// that produced it:
	//
	// Offset   Size            Meaning
	// ------   ------------    ----------------------------------------------
	//      0   4               length in bytes of the entire header
	//      4   4               a VkPipelineCacheHeaderVersion value
	//      8   4               VkPhysicalDeviceProperties::vendorID
	//     12   4               VkPhysicalDeviceProperties::deviceID
	//     16   VK_UUID_SIZE    VkPhysicalDeviceProperties::pipelineCacheUUID
	var headerLength, vendorID, deviceID uint32
	var cacheHeaderVersion core1_0.PipelineCacheHeaderVersion
	var cacheUUID uuid.UUID

	reader := bytes.NewReader(data)
	for _, field := range []interface{}{&headerLength, &cacheHeaderVersion, &vendorID, &deviceID, &cacheUUID} {
		err = binary.Read(reader, common.ByteOrder, field)
		if err != nil {
			s.logger.Warn("pipeline cache file is truncated, discarding",
				slog.String("Path", s.cachePath),
			)
			_ = os.Remove(s.cachePath)
			return nil
		}
	}

	badCache := false
	switch {
	case headerLength == 0:
		s.logger.Warn("pipeline cache file has a bad header length, discarding",
			slog.String("Path", s.cachePath),
		)
		badCache = true
	case cacheHeaderVersion != core1_0.PipelineCacheHeaderVersionOne:
		s.logger.Warn("pipeline cache file has an unsupported header version, discarding",
			slog.String("Path", s.cachePath),
		)
		badCache = true
	case vendorID != s.vendorID || deviceID != s.deviceID:
		s.logger.Warn("pipeline cache file belongs to a different device, discarding",
			slog.String("Path", s.cachePath),
		)
		badCache = true
	case cacheUUID != s.cacheUUID:
		s.logger.Warn("pipeline cache file belongs to a different driver version, discarding",
			slog.String("Path", s.cachePath),
		)
		badCache = true
	}

	if badCache {
		_ = os.Remove(s.cachePath)
		return nil
	}

	s.logger.Debug("pipeline cache hit",
		slog.String("Path", s.cachePath),
		slog.Int("Bytes", len(data)),
	)
	return data
}

// CreateCache builds the device pipeline cache, seeded with whatever
// LoadCache recovered from disk. Replaces any handle the store already
// holds.
func (s *Store) CreateCache() (core1_0.PipelineCache, error) {
	s.logger.Debug("Store::CreateCache")

	handle, _, err := s.device.CreatePipelineCache(nil, core1_0.PipelineCacheCreateInfo{
		InitialData: s.LoadCache(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the device pipeline cache")
	}

	s.handle = handle
	return handle, nil
}

// SaveCache writes the current cache contents to disk. The file is written
// to a temporary name and renamed into place so a crash mid-write never
// leaves a half-written cache behind. Failures wrap ErrCacheIO.
func (s *Store) SaveCache() error {
	s.logger.Debug("Store::SaveCache",
		slog.String("Path", s.cachePath),
	)

	data, _, err := s.handle.CacheData()
	if err != nil {
		return errors.Wrapf(ErrCacheIO, "failed to retrieve pipeline cache data: %s", err)
	}

	tempPath := s.cachePath + "." + uuid.NewString() + ".tmp"
	err = os.WriteFile(tempPath, data, 0o644)
	if err != nil {
		return errors.Wrapf(ErrCacheIO, "failed to write %s: %s", tempPath, err)
	}

	err = os.Rename(tempPath, s.cachePath)
	if err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrapf(ErrCacheIO, "failed to move %s into place: %s", tempPath, err)
	}

	return nil
}

// CreateGraphicsPipeline builds a graphics pipeline through the cache.
func (s *Store) CreateGraphicsPipeline(info core1_0.GraphicsPipelineCreateInfo) (core1_0.Pipeline, error) {
	s.logger.Debug("Store::CreateGraphicsPipeline")

	pipelines, res, err := s.device.CreateGraphicsPipelines(s.handle, nil, []core1_0.GraphicsPipelineCreateInfo{info})
	if err != nil {
		return nil, errors.Wrapf(ErrPipelineCreationFailed, "graphics pipeline (%s): %s", res, err)
	}

	return pipelines[0], nil
}

// CreateComputePipeline builds a compute pipeline through the cache.
func (s *Store) CreateComputePipeline(info core1_0.ComputePipelineCreateInfo) (core1_0.Pipeline, error) {
	s.logger.Debug("Store::CreateComputePipeline")

	pipelines, res, err := s.device.CreateComputePipelines(s.handle, nil, []core1_0.ComputePipelineCreateInfo{info})
	if err != nil {
		return nil, errors.Wrapf(ErrPipelineCreationFailed, "compute pipeline (%s): %s", res, err)
	}

	return pipelines[0], nil
}

// Destroy persists the cache contents and releases the device object.
// Persistence failure is logged, not fatal.
func (s *Store) Destroy() {
	s.logger.Debug("Store::Destroy")

	err := s.SaveCache()
	if err != nil {
		s.logger.Warn("failed to persist the pipeline cache",
			slog.Any("Error", err),
		)
	}

	s.handle.Destroy(nil)
	s.handle = nil
}
