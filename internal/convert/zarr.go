package convert

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"

	"github.com/rtg-microscopy/mingest/internal/imaging"
)

// NGFF 0.4 metadata written to .zattrs.
type zarrAttrs struct {
	Multiscales []multiscale `json:"multiscales"`
	Omero       omero        `json:"omero"`
	Source      sourceInfo   `json:"mingest"`
}

type multiscale struct {
	Version  string    `json:"version"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Axes     []axis    `json:"axes"`
	Datasets []dataset `json:"datasets"`
}

type axis struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Unit string `json:"unit,omitempty"`
}

type dataset struct {
	Path                      string           `json:"path"`
	CoordinateTransformations []transformation `json:"coordinateTransformations"`
}

type transformation struct {
	Type  string    `json:"type"`
	Scale []float64 `json:"scale"`
}

type omero struct {
	Name     string          `json:"name"`
	Version  string          `json:"version"`
	Channels []omeroChannel `json:"channels"`
}

type omeroChannel struct {
	Label  string      `json:"label"`
	Color  string      `json:"color"`
	Active bool        `json:"active"`
	Window omeroWindow `json:"window"`
}

type omeroWindow struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// sourceInfo records which raw file produced the store.
type sourceInfo struct {
	Source string `json:"source"`
}

type zarrArray struct {
	ZarrFormat         int            `json:"zarr_format"`
	Shape              []int          `json:"shape"`
	Chunks             []int          `json:"chunks"`
	DType              string         `json:"dtype"`
	Compressor         zarrCompressor `json:"compressor"`
	FillValue          int            `json:"fill_value"`
	Order              string         `json:"order"`
	Filters            []any          `json:"filters"`
	DimensionSeparator string         `json:"dimension_separator"`
}

type zarrCompressor struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

var channelColors = []string{"0000FF", "00FF00", "FF0000", "FF00FF", "00FFFF", "FFFF00", "FFFFFF"}

func zarrDType(pt imaging.PixelType) string {
	switch pt {
	case imaging.Uint8:
		return "|u1"
	case imaging.Int16:
		return "<i2"
	case imaging.Uint16:
		return "<u2"
	case imaging.Float32:
		return "<f4"
	default:
		return ""
	}
}

func typeRange(pt imaging.PixelType) (float64, float64) {
	switch pt {
	case imaging.Uint8:
		return 0, math.MaxUint8
	case imaging.Int16:
		return math.MinInt16, math.MaxInt16
	case imaging.Uint16:
		return 0, math.MaxUint16
	default:
		return 0, 1
	}
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "convert: encode %s", filepath.Base(path))
	}
	return eris.Wrapf(os.WriteFile(path, b, 0o644), "convert: write %s", filepath.Base(path))
}

// writeZarr writes src as an OME-Zarr (NGFF 0.4, Zarr v2) store in dir.
// Arrays are TCZYX with chunks of one tile of one plane.
func writeZarr(ctx context.Context, src imaging.Source, dir string, opts Options, name, source string) error {
	info := src.Info()
	dtype := zarrDType(info.PixelType)
	if dtype == "" {
		return eris.Wrapf(imaging.ErrUnsupportedLayout, "convert: zarr dtype for %q", info.PixelType)
	}
	levels := LevelCount(info.SizeX, info.SizeY, opts.TileSize, opts.MaxLevels)

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.ZstdLevel)))
	if err != nil {
		return eris.Wrap(err, "convert: zstd encoder")
	}
	defer func() { _ = enc.Close() }()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "convert: create zarr store")
	}
	if err := writeJSON(filepath.Join(dir, ".zgroup"), map[string]int{"zarr_format": 2}); err != nil {
		return err
	}

	sx, sy, sz := info.PhysicalSizeX, info.PhysicalSizeY, info.PhysicalSizeZ
	for _, p := range []*float64{&sx, &sy, &sz} {
		if *p <= 0 {
			*p = 1
		}
	}
	ms := multiscale{
		Version: "0.4",
		Name:    name,
		Type:    "mean",
		Axes: []axis{
			{Name: "t", Type: "time"},
			{Name: "c", Type: "channel"},
			{Name: "z", Type: "space", Unit: "micrometer"},
			{Name: "y", Type: "space", Unit: "micrometer"},
			{Name: "x", Type: "space", Unit: "micrometer"},
		},
	}
	w, h := info.SizeX, info.SizeY
	for l := 0; l < levels; l++ {
		f := math.Pow(2, float64(l))
		ms.Datasets = append(ms.Datasets, dataset{
			Path:                      strconv.Itoa(l),
			CoordinateTransformations: []transformation{{Type: "scale", Scale: []float64{1, 1, sz, sy * f, sx * f}}},
		})
		arr := zarrArray{
			ZarrFormat:         2,
			Shape:              []int{info.SizeT, info.SizeC, info.SizeZ, h, w},
			Chunks:             []int{1, 1, 1, opts.TileSize, opts.TileSize},
			DType:              dtype,
			Compressor:         zarrCompressor{ID: "zstd", Level: opts.ZstdLevel},
			Order:              "C",
			DimensionSeparator: "/",
		}
		if err := os.MkdirAll(filepath.Join(dir, strconv.Itoa(l)), 0o755); err != nil {
			return eris.Wrap(err, "convert: create zarr level")
		}
		if err := writeJSON(filepath.Join(dir, strconv.Itoa(l), ".zarray"), arr); err != nil {
			return err
		}
		w, h = (w+1)/2, (h+1)/2
	}

	lo, hi := typeRange(info.PixelType)
	om := omero{Name: name, Version: "0.4"}
	for c := 0; c < info.SizeC; c++ {
		label := strconv.Itoa(c)
		if c < len(info.Channels) && info.Channels[c] != "" {
			label = info.Channels[c]
		}
		om.Channels = append(om.Channels, omeroChannel{
			Label:  label,
			Color:  channelColors[c%len(channelColors)],
			Active: true,
			Window: omeroWindow{Min: lo, Max: hi, Start: lo, End: hi},
		})
	}
	attrs := zarrAttrs{Multiscales: []multiscale{ms}, Omero: om, Source: sourceInfo{Source: source}}
	if err := writeJSON(filepath.Join(dir, ".zattrs"), attrs); err != nil {
		return err
	}

	bpp := info.PixelType.BytesPerPixel()
	chunk := make([]byte, opts.TileSize*opts.TileSize*bpp)
	for t := 0; t < info.SizeT; t++ {
		for c := 0; c < info.SizeC; c++ {
			for z := 0; z < info.SizeZ; z++ {
				if err := ctx.Err(); err != nil {
					return eris.Wrap(err, "convert: ome-zarr")
				}
				plane, err := src.ReadPlane(z, c, t)
				if err != nil {
					return err
				}
				for l, p := range Pyramid(plane, levels) {
					base := filepath.Join(dir, strconv.Itoa(l), strconv.Itoa(t), strconv.Itoa(c), strconv.Itoa(z))
					if err := writeChunks(enc, p, base, opts.TileSize, chunk); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// writeChunks writes p as <base>/<cy>/<cx> chunk files. Edge chunks are
// padded to the full chunk shape as Zarr v2 requires.
func writeChunks(enc *zstd.Encoder, p *imaging.Plane, base string, tile int, chunk []byte) error {
	bpp := p.Type.BytesPerPixel()
	for cy := 0; cy*tile < p.Height; cy++ {
		rowDir := filepath.Join(base, strconv.Itoa(cy))
		if err := os.MkdirAll(rowDir, 0o755); err != nil {
			return eris.Wrap(err, "convert: create chunk dir")
		}
		for cx := 0; cx*tile < p.Width; cx++ {
			clear(chunk)
			x0, y0 := cx*tile, cy*tile
			w := min(tile, p.Width-x0) * bpp
			for y := 0; y < tile && y0+y < p.Height; y++ {
				src := ((y0+y)*p.Width + x0) * bpp
				copy(chunk[y*tile*bpp:], p.Data[src:src+w])
			}
			if err := os.WriteFile(filepath.Join(rowDir, strconv.Itoa(cx)), enc.EncodeAll(chunk, nil), 0o644); err != nil {
				return eris.Wrap(err, "convert: write chunk")
			}
		}
	}
	return nil
}
