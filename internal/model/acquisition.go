package model

import "time"

// Unknown is substituted for instrument fields the image does not carry.
const Unknown = "unknown"

// AcquisitionMetadata is the flat acquisition record produced by the
// metadata extractor. Every field has a defined default: a file with no
// instrument block yields Unknown strings and nil optional numbers.
type AcquisitionMetadata struct {
	Operator   string    `json:"user"`
	AcquiredAt time.Time `json:"acquisition_date"`

	Microscope        string   `json:"microscope"`
	Objective         string   `json:"objective"`
	NumericalAperture *float64 `json:"numerical_aperture"`

	// Physical pixel sizes in micrometers.
	PixelSizeXY *float64 `json:"pixel_size_xy"`
	PixelSizeZ  *float64 `json:"pixel_size_z"`

	// Channel names in acquisition order.
	Channels []string `json:"channels"`

	SizeX     int    `json:"size_x"`
	SizeY     int    `json:"size_y"`
	SizeZ     int    `json:"size_z"`
	SizeC     int    `json:"size_c"`
	SizeT     int    `json:"size_t"`
	PixelType string `json:"pixel_type"`
	Format    string `json:"format"`

	Filename   string `json:"filename"`
	SourcePath string `json:"raw_path"`
}

// ApplyDefaults fills unset fields with their documented defaults.
func (m *AcquisitionMetadata) ApplyDefaults(operator string) {
	if m.Operator == "" {
		m.Operator = operator
	}
	if m.Operator == "" {
		m.Operator = Unknown
	}
	if m.Microscope == "" {
		m.Microscope = Unknown
	}
	if m.Objective == "" {
		m.Objective = Unknown
	}
	if m.NumericalAperture != nil && *m.NumericalAperture < 0 {
		m.NumericalAperture = nil
	}
	if m.Channels == nil {
		m.Channels = []string{}
	}
	if m.AcquiredAt.IsZero() {
		m.AcquiredAt = time.Unix(0, 0).UTC()
	}
	m.AcquiredAt = m.AcquiredAt.UTC()
	for _, p := range []*int{&m.SizeX, &m.SizeY, &m.SizeZ, &m.SizeC, &m.SizeT} {
		if *p <= 0 {
			*p = 1
		}
	}
}

// ConversionResult holds the two derived artifact paths.
type ConversionResult struct {
	TiledPath   string `json:"ome_tiff_path"`
	ChunkedPath string `json:"ome_zarr_path"`
}
