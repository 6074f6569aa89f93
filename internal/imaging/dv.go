package imaging

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/rotisserie/eris"
)

// DeltaVision (Priism) header layout. All offsets are into the 1024-byte
// fixed header; the extended header follows and pixel data comes after it.
const (
	dvHeaderSize = 1024
	dvMagic      = 0xC0A0

	dvOffNX       = 0
	dvOffNY       = 4
	dvOffNSect    = 8
	dvOffMode     = 12
	dvOffDX       = 40
	dvOffDY       = 44
	dvOffDZ       = 48
	dvOffNext     = 92
	dvOffMagic    = 96
	dvOffLens     = 162
	dvOffNumTimes = 180
	dvOffSequence = 182
	dvOffNumWaves = 196
	dvOffWaves    = 198
	dvMaxWaves    = 5
)

// Image sequence codes stored at dvOffSequence.
const (
	dvSeqZTW = 0
	dvSeqWZT = 1
	dvSeqZWT = 2
)

func isDV(head []byte) bool {
	_, ok := dvByteOrder(head)
	return ok
}

func dvByteOrder(head []byte) (binary.ByteOrder, bool) {
	if len(head) < dvHeaderSize {
		return nil, false
	}
	if binary.LittleEndian.Uint16(head[dvOffMagic:]) == dvMagic {
		return binary.LittleEndian, true
	}
	if binary.BigEndian.Uint16(head[dvOffMagic:]) == dvMagic {
		return binary.BigEndian, true
	}
	return nil, false
}

type dvFile struct {
	f        *os.File
	order    binary.ByteOrder
	info     Info
	sequence int
	dataOff  int64
}

func openDV(f *os.File, head []byte) (*dvFile, error) {
	order, _ := dvByteOrder(head)
	i32 := func(off int) int { return int(int32(order.Uint32(head[off:]))) }
	i16 := func(off int) int { return int(int16(order.Uint16(head[off:]))) }
	f32 := func(off int) float64 { return float64(math.Float32frombits(order.Uint32(head[off:]))) }

	nx, ny, nsect := i32(dvOffNX), i32(dvOffNY), i32(dvOffNSect)
	nw := i16(dvOffNumWaves)
	nt := i16(dvOffNumTimes)
	if nw < 1 {
		nw = 1
	}
	if nt < 1 {
		nt = 1
	}
	if nx <= 0 || ny <= 0 || nsect <= 0 || nsect%(nw*nt) != 0 {
		return nil, eris.Wrapf(ErrUnrecognized, "imaging: dv geometry %dx%dx%d with %d waves, %d times", nx, ny, nsect, nw, nt)
	}

	var pt PixelType
	switch mode := i32(dvOffMode); mode {
	case 0:
		pt = Uint8
	case 1:
		pt = Int16
	case 2:
		pt = Float32
	case 6:
		pt = Uint16
	default:
		return nil, eris.Wrapf(ErrUnsupportedLayout, "imaging: dv pixel mode %d", mode)
	}

	info := Info{
		Format:        "DeltaVision",
		SizeX:         nx,
		SizeY:         ny,
		SizeZ:         nsect / (nw * nt),
		SizeC:         nw,
		SizeT:         nt,
		PixelType:     pt,
		PhysicalSizeX: positive(f32(dvOffDX)),
		PhysicalSizeY: positive(f32(dvOffDY)),
		PhysicalSizeZ: positive(f32(dvOffDZ)),
		Microscope:    "DeltaVision",
	}

	if lens, ok := LookupLens(i16(dvOffLens)); ok {
		na := lens.NA
		info.Objective = lens.Model
		info.LensNA = &na
	}

	for w := 0; w < nw && w < dvMaxWaves; w++ {
		info.Channels = append(info.Channels, ChannelName(i16(dvOffWaves+2*w)))
	}

	next := i32(dvOffNext)
	if next < 0 {
		return nil, eris.Wrapf(ErrUnrecognized, "imaging: dv extended header size %d", next)
	}

	st, err := f.Stat()
	if err != nil {
		return nil, eris.Wrap(err, "imaging: stat dv")
	}
	want := int64(dvHeaderSize+next) + int64(nsect)*int64(nx*ny*pt.BytesPerPixel())
	if st.Size() < want {
		return nil, eris.Wrapf(ErrUnrecognized, "imaging: dv truncated: %d of %d bytes", st.Size(), want)
	}
	info.AcquiredAt = st.ModTime().UTC()

	return &dvFile{
		f:        f,
		order:    order,
		info:     info,
		sequence: i16(dvOffSequence),
		dataOff:  int64(dvHeaderSize + next),
	}, nil
}

func positive(v float64) float64 {
	if v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v) {
		return v
	}
	return 0
}

func (d *dvFile) Info() Info { return d.info }

func (d *dvFile) Close() error { return d.f.Close() }

func (d *dvFile) sectionIndex(z, c, t int) int {
	nz, nw, nt := d.info.SizeZ, d.info.SizeC, d.info.SizeT
	switch d.sequence {
	case dvSeqWZT:
		return t*(nz*nw) + z*nw + c
	case dvSeqZWT:
		return t*(nw*nz) + c*nz + z
	default:
		return c*(nt*nz) + t*nz + z
	}
}

func (d *dvFile) ReadPlane(z, c, t int) (*Plane, error) {
	if err := checkIndex(d.info, z, c, t); err != nil {
		return nil, err
	}
	p := NewPlane(d.info.SizeX, d.info.SizeY, d.info.PixelType)
	off := d.dataOff + int64(d.sectionIndex(z, c, t))*int64(len(p.Data))
	if _, err := d.f.ReadAt(p.Data, off); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, eris.Wrapf(err, "imaging: read dv section z=%d c=%d t=%d", z, c, t)
	}
	if d.order == binary.BigEndian {
		swapSamples(p.Data, d.info.PixelType.BytesPerPixel())
	}
	return p, nil
}

// swapSamples reverses the byte order of every sample in place.
func swapSamples(b []byte, width int) {
	if width < 2 {
		return
	}
	for i := 0; i+width <= len(b); i += width {
		for lo, hi := i, i+width-1; lo < hi; lo, hi = lo+1, hi-1 {
			b[lo], b[hi] = b[hi], b[lo]
		}
	}
}
