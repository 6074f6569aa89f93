package metadata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtg-microscopy/mingest/internal/imaging/imagingtest"
	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/resilience"
)

func TestExtract_DeltaVision(t *testing.T) {
	t.Parallel()
	path := imagingtest.Sample01(t, t.TempDir())

	md, err := NewExtractor("facility").Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "facility", md.Operator)
	assert.Equal(t, "DeltaVision", md.Microscope)
	assert.Equal(t, "60x/1.4", md.Objective)
	require.NotNil(t, md.NumericalAperture)
	assert.InDelta(t, 1.4, *md.NumericalAperture, 1e-9)
	require.NotNil(t, md.PixelSizeXY)
	assert.InDelta(t, 0.1067, *md.PixelSizeXY, 1e-6)
	require.NotNil(t, md.PixelSizeZ)
	assert.Equal(t, []string{"DAPI", "GFP"}, md.Channels)
	assert.Equal(t, "sample01.dv", md.Filename)
	assert.Equal(t, path, md.SourcePath)
	assert.Equal(t, "DeltaVision", md.Format)
	assert.Equal(t, "uint16", md.PixelType)
}

func TestExtract_DefaultSubstitution(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bare.tif")
	imagingtest.WriteTIFF(t, path, imagingtest.TIFF{Width: 4, Height: 4})

	md, err := NewExtractor("alice").Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, model.Unknown, md.Microscope)
	assert.Equal(t, model.Unknown, md.Objective)
	assert.Nil(t, md.NumericalAperture)
	assert.Nil(t, md.PixelSizeXY)
	assert.Nil(t, md.PixelSizeZ)
	assert.Empty(t, md.Channels)
	assert.Equal(t, "alice", md.Operator)
	assert.False(t, md.AcquiredAt.IsZero())
}

func TestExtract_Unreadable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	for _, path := range []string{imagingtest.Corrupt(t, dir), filepath.Join(dir, "missing.dv")} {
		_, err := NewExtractor("alice").Extract(context.Background(), path)
		require.Error(t, err)

		var uie *resilience.UnreadableImageError
		require.True(t, errors.As(err, &uie), "got %T", err)
		assert.True(t, resilience.IsPermanent(err))
	}
}

func TestExtract_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExtractor("alice").Extract(ctx, imagingtest.Sample01(t, t.TempDir()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExtract_OversizedTIFFIsUnreadable(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "huge.tif")
	imagingtest.WriteTIFF(t, path, imagingtest.TIFF{Width: 2, Height: 2, DeclaredWidth: 0xFFFFFFFF, DeclaredHeight: 0xFFFFFFFF})

	_, err := NewExtractor("alice").Extract(context.Background(), path)
	require.Error(t, err)

	var uie *resilience.UnreadableImageError
	require.True(t, errors.As(err, &uie), "got %T", err)
	assert.True(t, resilience.IsPermanent(err))
}
