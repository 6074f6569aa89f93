package pipeline

import (
	"context"

	"github.com/rtg-microscopy/mingest/internal/model"
)

// Extractor reads acquisition metadata from a raw file.
type Extractor interface {
	Extract(ctx context.Context, path string) (*model.AcquisitionMetadata, error)
}

// Converter writes the two derived formats for a raw file and returns
// their paths. Each call reuses an artifact that already exists.
type Converter interface {
	ToTiledPyramid(ctx context.Context, src string) (string, error)
	ToChunkedStore(ctx context.Context, src string) (string, error)
}

// NotebookEntry is the request sent to the lab notebook.
type NotebookEntry struct {
	Title      string                     `json:"title"`
	User       string                     `json:"user"`
	Instrument string                     `json:"instrument"`
	Metadata   *model.AcquisitionMetadata `json:"metadata"`
}

// NotebookRegistrar creates a notebook entry and returns its identifier.
type NotebookRegistrar interface {
	Register(ctx context.Context, entry NotebookEntry) (string, error)
}

// MirrorDocument is the flat record pushed to the shared document store.
type MirrorDocument struct {
	Title      string `json:"Title"`
	User       string `json:"User"`
	Microscope string `json:"Microscope"`
	Objective  string `json:"Objective"`
	RawPath    string `json:"RawPath"`
	OMETIFF    string `json:"OME_TIFF"`
	OMEZarr    string `json:"OME_ZARR"`
	ELNID      string `json:"ELN_ID"`
}

// DocumentMirror pushes one document. Failures never fail an attempt.
type DocumentMirror interface {
	Mirror(ctx context.Context, doc MirrorDocument) error
}

// NewNotebookEntry builds the registration request for an acquisition.
func NewNotebookEntry(md *model.AcquisitionMetadata) NotebookEntry {
	return NotebookEntry{
		Title:      "Microscopy: " + md.Filename,
		User:       md.Operator,
		Instrument: md.Microscope,
		Metadata:   md,
	}
}

// NewMirrorDocument flattens a catalog record into a mirror document.
func NewMirrorDocument(rec *model.ExperimentRecord) MirrorDocument {
	return MirrorDocument{
		Title:      rec.Filename,
		User:       rec.Operator,
		Microscope: rec.Microscope,
		Objective:  rec.Objective,
		RawPath:    rec.RawPath,
		OMETIFF:    rec.TiledPath,
		OMEZarr:    rec.ChunkedPath,
		ELNID:      rec.NotebookID,
	}
}
