// Package imaging reads the raw microscope containers the ingest pipeline
// accepts: DeltaVision (.dv) stacks and classic TIFF / OME-TIFF files. It
// exposes acquisition metadata and little-endian pixel planes.
package imaging

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"time"

	"github.com/rotisserie/eris"
)

var (
	// ErrUnrecognized means the file is not a container this package reads.
	ErrUnrecognized = eris.New("imaging: unrecognized container")

	// ErrUnsupportedLayout means the container was recognized but its pixel
	// layout (compression, sample count, bit depth) cannot be decoded.
	ErrUnsupportedLayout = eris.New("imaging: unsupported pixel layout")
)

// PixelType names a sample type using the OME vocabulary.
type PixelType string

const (
	Uint8   PixelType = "uint8"
	Int16   PixelType = "int16"
	Uint16  PixelType = "uint16"
	Float32 PixelType = "float"
)

// BytesPerPixel returns the sample width, or 0 for an unknown type.
func (p PixelType) BytesPerPixel() int {
	switch p {
	case Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Float32:
		return 4
	default:
		return 0
	}
}

// Plane is one 2-D image in little-endian sample order, row major.
type Plane struct {
	Width  int
	Height int
	Type   PixelType
	Data   []byte
}

// NewPlane allocates a zeroed plane.
func NewPlane(width, height int, pt PixelType) *Plane {
	return &Plane{
		Width:  width,
		Height: height,
		Type:   pt,
		Data:   make([]byte, width*height*pt.BytesPerPixel()),
	}
}

// At returns the sample at (x, y) as a float64.
func (p *Plane) At(x, y int) float64 {
	bpp := p.Type.BytesPerPixel()
	off := (y*p.Width + x) * bpp
	b := p.Data[off : off+bpp]
	switch p.Type {
	case Uint8:
		return float64(b[0])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

// Set stores v at (x, y), rounding and clamping for integer types.
func (p *Plane) Set(x, y int, v float64) {
	bpp := p.Type.BytesPerPixel()
	off := (y*p.Width + x) * bpp
	b := p.Data[off : off+bpp]
	switch p.Type {
	case Uint8:
		b[0] = uint8(clamp(math.Round(v), 0, math.MaxUint8))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(clamp(math.Round(v), math.MinInt16, math.MaxInt16))))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(clamp(math.Round(v), 0, math.MaxUint16)))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Info is what a container says about its acquisition. Zero values mean
// the container does not record the field.
type Info struct {
	Format string

	SizeX, SizeY, SizeZ, SizeC, SizeT int
	PixelType                         PixelType

	PhysicalSizeX float64
	PhysicalSizeY float64
	PhysicalSizeZ float64

	Operator   string
	Microscope string
	Objective  string
	LensNA     *float64
	Channels   []string
	AcquiredAt time.Time
}

// PlaneCount returns Z×C×T.
func (i Info) PlaneCount() int {
	return i.SizeZ * i.SizeC * i.SizeT
}

// Source is an opened image container.
type Source interface {
	Info() Info
	// ReadPlane returns the plane at the given Z, channel and time index.
	ReadPlane(z, c, t int) (*Plane, error)
	Close() error
}

// Open detects the container type from its leading bytes.
func Open(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "imaging: open %s", path)
	}

	head := make([]byte, dvHeaderSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		_ = f.Close()
		return nil, eris.Wrapf(ErrUnrecognized, "imaging: %s: %v", path, err)
	}
	head = head[:n]

	var src Source
	switch {
	case isTIFF(head):
		src, err = openTIFF(f)
	case isDV(head):
		src, err = openDV(f, head)
	default:
		err = eris.Wrapf(ErrUnrecognized, "imaging: %s", path)
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return src, nil
}

func checkIndex(info Info, z, c, t int) error {
	if z < 0 || z >= info.SizeZ || c < 0 || c >= info.SizeC || t < 0 || t >= info.SizeT {
		return eris.Errorf("imaging: plane (z=%d c=%d t=%d) out of range", z, c, t)
	}
	return nil
}
