// Package metadata turns a raw microscope file into the flat acquisition
// record carried through the ingest pipeline.
package metadata

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/rtg-microscopy/mingest/internal/imaging"
	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/resilience"
)

// Extractor reads acquisition metadata. Missing instrument fields are
// filled with defaults; only an unreadable container is an error.
type Extractor struct {
	defaultOperator string
}

// NewExtractor creates an Extractor that credits acquisitions without a
// recorded operator to defaultOperator.
func NewExtractor(defaultOperator string) *Extractor {
	return &Extractor{defaultOperator: defaultOperator}
}

// Extract opens path and returns its metadata. Failures are
// *resilience.UnreadableImageError.
func (e *Extractor) Extract(ctx context.Context, path string) (*model.AcquisitionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "metadata: extract")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &resilience.UnreadableImageError{Path: path, Err: err}
	}

	src, err := imaging.Open(abs)
	if err != nil {
		return nil, &resilience.UnreadableImageError{Path: abs, Err: err}
	}
	defer func() { _ = src.Close() }()

	md := FromInfo(src.Info())
	md.Filename = filepath.Base(abs)
	md.SourcePath = abs
	md.ApplyDefaults(e.defaultOperator)
	return md, nil
}

// FromInfo copies container fields into an AcquisitionMetadata without
// applying defaults.
func FromInfo(info imaging.Info) *model.AcquisitionMetadata {
	md := &model.AcquisitionMetadata{
		Operator:   info.Operator,
		AcquiredAt: info.AcquiredAt,
		Microscope: info.Microscope,
		Objective:  info.Objective,
		SizeX:      info.SizeX,
		SizeY:      info.SizeY,
		SizeZ:      info.SizeZ,
		SizeC:      info.SizeC,
		SizeT:      info.SizeT,
		PixelType:  string(info.PixelType),
		Format:     info.Format,
	}
	if info.LensNA != nil {
		na := *info.LensNA
		md.NumericalAperture = &na
	}
	if info.PhysicalSizeX > 0 {
		xy := info.PhysicalSizeX
		md.PixelSizeXY = &xy
	}
	if info.PhysicalSizeZ > 0 {
		z := info.PhysicalSizeZ
		md.PixelSizeZ = &z
	}
	if len(info.Channels) > 0 {
		md.Channels = append([]string(nil), info.Channels...)
	}
	return md
}
