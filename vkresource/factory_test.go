package vkresource

import (
	"os"
	"testing"

	"github.com/sceneryeditorx/gpucore/vkmem"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestMapBufferRequiresHostVisibleMemory(t *testing.T) {
	factory := &Factory{
		logger: slog.New(slog.NewTextHandler(os.Stdout)),
	}

	deviceLocal := &Buffer{
		Name:   "Vertex Buffer",
		Size:   1024,
		Memory: vkmem.MemoryUsageGPU,
	}

	_, err := factory.MapBuffer(deviceLocal)
	require.ErrorIs(t, err, ErrNotHostVisible)
}

func TestUploadToBufferRejectsOversizedData(t *testing.T) {
	factory := &Factory{
		logger: slog.New(slog.NewTextHandler(os.Stdout)),
	}

	buffer := &Buffer{
		Name:   "Uniform Buffer",
		Size:   16,
		Memory: vkmem.MemoryUsageCPU,
	}

	err := factory.UploadToBuffer(buffer, make([]byte, 17))
	require.Error(t, err)
}

func TestFactoryNormalizationUsesDeviceAlignment(t *testing.T) {
	factory := &Factory{
		logger:              slog.New(slog.NewTextHandler(os.Stdout)),
		minStorageAlignment: 256,
	}

	usage, size := factory.NormalizeBufferUsage(BufferUsageStorage, 100)
	require.Equal(t, BufferUsageStorage|BufferUsageAddress, usage)
	require.Equal(t, 256, size)
}
