package model

import "time"

// ExperimentRecord is the durable catalog row for one successfully ingested
// acquisition. The ID is generated at creation and never derived from the
// filename, since filenames repeat across re-acquisitions.
type ExperimentRecord struct {
	ID        string `json:"id"`
	AttemptID string `json:"attempt_id"`

	Operator          string    `json:"user"`
	AcquiredAt        time.Time `json:"acquisition_date"`
	Microscope        string    `json:"microscope"`
	Objective         string    `json:"objective"`
	NumericalAperture *float64  `json:"numerical_aperture"`
	PixelSizeXY       *float64  `json:"pixel_size_xy"`
	PixelSizeZ        *float64  `json:"pixel_size_z"`
	Channels          []string  `json:"channels"`
	Filename          string    `json:"filename"`

	RawPath     string `json:"raw_path"`
	TiledPath   string `json:"ome_tiff_path"`
	ChunkedPath string `json:"ome_zarr_path"`
	NotebookID  string `json:"eln_id"`

	CreatedAt time.Time `json:"created_at"`
}

// NewExperimentRecord flattens metadata and derived paths into a record.
// The caller supplies the identifier so that a retried persist reuses it.
func NewExperimentRecord(id, attemptID string, md *AcquisitionMetadata, conv ConversionResult, notebookID string, now time.Time) *ExperimentRecord {
	channels := make([]string, len(md.Channels))
	copy(channels, md.Channels)
	return &ExperimentRecord{
		ID:                id,
		AttemptID:         attemptID,
		Operator:          md.Operator,
		AcquiredAt:        md.AcquiredAt.UTC(),
		Microscope:        md.Microscope,
		Objective:         md.Objective,
		NumericalAperture: md.NumericalAperture,
		PixelSizeXY:       md.PixelSizeXY,
		PixelSizeZ:        md.PixelSizeZ,
		Channels:          channels,
		Filename:          md.Filename,
		RawPath:           md.SourcePath,
		TiledPath:         conv.TiledPath,
		ChunkedPath:       conv.ChunkedPath,
		NotebookID:        notebookID,
		CreatedAt:         now.UTC(),
	}
}
