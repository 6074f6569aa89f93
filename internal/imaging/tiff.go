package imaging

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/rotisserie/eris"
)

// TIFF tags read or written by this module.
const (
	TagNewSubfileType   = 254
	TagImageWidth       = 256
	TagImageLength      = 257
	TagBitsPerSample    = 258
	TagCompression      = 259
	TagPhotometric      = 262
	TagImageDescription = 270
	TagStripOffsets     = 273
	TagSamplesPerPixel  = 277
	TagRowsPerStrip     = 278
	TagStripByteCounts  = 279
	TagPlanarConfig     = 284
	TagSoftware         = 305
	TagDateTime         = 306
	TagPredictor        = 317
	TagTileWidth        = 322
	TagTileLength       = 323
	TagTileOffsets      = 324
	TagTileByteCounts   = 325
	TagSubIFDs          = 330
	TagSampleFormat     = 339
)

// TIFF field types.
const (
	TypeByte     = 1
	TypeASCII    = 2
	TypeShort    = 3
	TypeLong     = 4
	TypeRational = 5
	TypeIFD      = 13
)

// Compression schemes.
const (
	CompressionNone       = 1
	CompressionDeflate    = 8
	CompressionDeflateAlt = 32946
)

const (
	sampleFormatUnsigned   = 1
	sampleFormatSigned     = 2
	sampleFormatFloatPoint = 3

	maxIFDs            = 1 << 16
	maxPlaneBytes      = 1 << 31
	tiffDateTimeLayout = "2006:01:02 15:04:05"
)

func isTIFF(head []byte) bool {
	if len(head) < 4 {
		return false
	}
	return bytes.Equal(head[:4], []byte{'I', 'I', 42, 0}) || bytes.Equal(head[:4], []byte{'M', 'M', 0, 42})
}

type tiffDir struct {
	width, height   int
	bitsPerSample   int
	sampleFormat    int
	samplesPerPixel int
	compression     int
	predictor       int
	description     string
	dateTime        string

	rowsPerStrip    int
	stripOffsets    []uint64
	stripByteCounts []uint64

	tileWidth, tileHeight int
	tileOffsets           []uint64
	tileByteCounts        []uint64
}

func (d *tiffDir) pixelType() PixelType {
	switch {
	case d.bitsPerSample == 8 && d.sampleFormat != sampleFormatFloatPoint:
		return Uint8
	case d.bitsPerSample == 16 && d.sampleFormat == sampleFormatSigned:
		return Int16
	case d.bitsPerSample == 16 && d.sampleFormat != sampleFormatFloatPoint:
		return Uint16
	case d.bitsPerSample == 32 && d.sampleFormat == sampleFormatFloatPoint:
		return Float32
	default:
		return ""
	}
}

type tiffFile struct {
	f        *os.File
	size     int64
	order    binary.ByteOrder
	dirs     []tiffDir
	info     Info
	dimOrder string
	firstIFD int
	ome      *OME
}

func openTIFF(f *os.File) (*tiffFile, error) {
	head := make([]byte, 8)
	if _, err := f.ReadAt(head, 0); err != nil {
		return nil, eris.Wrapf(ErrUnrecognized, "imaging: tiff header: %v", err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if head[0] == 'M' {
		order = binary.BigEndian
	}

	st, err := f.Stat()
	if err != nil {
		return nil, eris.Wrap(err, "imaging: stat tiff")
	}
	t := &tiffFile{f: f, size: st.Size(), order: order, dimOrder: "XYZCT"}
	next := uint64(order.Uint32(head[4:]))
	seen := map[uint64]bool{}
	for next != 0 {
		if seen[next] || len(t.dirs) >= maxIFDs {
			return nil, eris.Wrapf(ErrUnrecognized, "imaging: tiff directory chain loops at %d", next)
		}
		seen[next] = true
		dir, n, err := t.readDir(next)
		if err != nil {
			return nil, err
		}
		t.dirs = append(t.dirs, dir)
		next = n
	}
	if len(t.dirs) == 0 {
		return nil, eris.Wrap(ErrUnrecognized, "imaging: tiff has no image directory")
	}

	for i := range t.dirs {
		if err := t.checkDir(i); err != nil {
			return nil, err
		}
	}
	first := t.dirs[0]

	if LooksLikeOMEXML(first.description) {
		if doc, err := ParseOMEXML(strings.NewReader(first.description)); err == nil {
			t.ome = doc
			t.info = doc.Info()
			px := doc.Images[0].Pixels
			if len(px.DimensionOrder) == 5 {
				t.dimOrder = px.DimensionOrder
			}
			if len(px.TiffData) > 0 {
				t.firstIFD = px.TiffData[0].IFD
			}
		}
	}
	if t.info.Format == "" {
		t.info = Info{
			Format:    "TIFF",
			SizeX:     first.width,
			SizeY:     first.height,
			SizeZ:     t.countMatching(first),
			SizeC:     1,
			SizeT:     1,
			PixelType: first.pixelType(),
		}
	}
	if t.info.PixelType == "" {
		t.info.PixelType = first.pixelType()
	}
	if t.info.AcquiredAt.IsZero() && first.dateTime != "" {
		if ts, err := time.Parse(tiffDateTimeLayout, strings.TrimSpace(first.dateTime)); err == nil {
			t.info.AcquiredAt = ts.UTC()
		}
	}
	if t.info.AcquiredAt.IsZero() {
		t.info.AcquiredAt = st.ModTime().UTC()
	}
	if err := checkPlaneSize(t.info.SizeX, t.info.SizeY, t.info.PixelType); err != nil {
		return nil, err
	}
	return t, nil
}

// checkPlaneSize rejects geometry whose plane buffer cannot be allocated.
func checkPlaneSize(width, height int, pt PixelType) error {
	bpp := int64(pt.BytesPerPixel())
	if bpp == 0 {
		bpp = 4
	}
	if width <= 0 || height <= 0 || int64(width) > maxPlaneBytes || int64(height) > maxPlaneBytes ||
		int64(width)*int64(height)*bpp > maxPlaneBytes {
		return eris.Wrapf(ErrUnrecognized, "imaging: tiff plane %dx%d is out of range", width, height)
	}
	return nil
}

func (d *tiffDir) blocks() (offsets, counts []uint64) {
	if d.tileWidth > 0 && d.tileHeight > 0 {
		return d.tileOffsets, d.tileByteCounts
	}
	return d.stripOffsets, d.stripByteCounts
}

// checkDir validates the geometry of directory i and that every strip or
// tile it references lies inside the file.
func (t *tiffFile) checkDir(i int) error {
	d := &t.dirs[i]
	if err := checkPlaneSize(d.width, d.height, d.pixelType()); err != nil {
		return eris.Wrapf(err, "imaging: tiff directory %d", i)
	}
	if d.tileWidth > 0 && d.tileHeight > 0 {
		if err := checkPlaneSize(d.tileWidth, d.tileHeight, d.pixelType()); err != nil {
			return eris.Wrapf(err, "imaging: tiff directory %d tile", i)
		}
	}
	offsets, counts := d.blocks()
	for j := range min(len(offsets), len(counts)) {
		if counts[j] > uint64(t.size) || offsets[j] > uint64(t.size)-counts[j] {
			return eris.Wrapf(ErrUnrecognized, "imaging: tiff directory %d block %d lies outside the file", i, j)
		}
	}
	return nil
}

// countMatching counts leading directories with the same geometry as the
// first, which a plain multi-page TIFF uses as a Z stack.
func (t *tiffFile) countMatching(first tiffDir) int {
	n := 0
	for _, d := range t.dirs {
		if d.width != first.width || d.height != first.height {
			break
		}
		n++
	}
	return n
}

func (t *tiffFile) readDir(off uint64) (tiffDir, uint64, error) {
	var d tiffDir
	buf := make([]byte, 2)
	if _, err := t.f.ReadAt(buf, int64(off)); err != nil {
		return d, 0, eris.Wrapf(ErrUnrecognized, "imaging: tiff directory at %d: %v", off, err)
	}
	count := int(t.order.Uint16(buf))
	entries := make([]byte, count*12+4)
	if _, err := t.f.ReadAt(entries, int64(off)+2); err != nil {
		return d, 0, eris.Wrapf(ErrUnrecognized, "imaging: tiff directory at %d: %v", off, err)
	}

	d.samplesPerPixel = 1
	d.compression = CompressionNone
	d.sampleFormat = sampleFormatUnsigned
	for i := 0; i < count; i++ {
		e := entries[i*12 : i*12+12]
		tag := t.order.Uint16(e[0:])
		typ := t.order.Uint16(e[2:])
		n := t.order.Uint32(e[4:])
		switch tag {
		case TagImageDescription, TagDateTime:
			s, err := t.ascii(typ, n, e[8:])
			if err != nil {
				return d, 0, err
			}
			if tag == TagImageDescription {
				d.description = s
			} else {
				d.dateTime = s
			}
			continue
		}

		vals, err := t.ints(typ, n, e[8:])
		if err != nil {
			return d, 0, err
		}
		if len(vals) == 0 {
			continue
		}
		switch tag {
		case TagImageWidth:
			d.width = int(vals[0])
		case TagImageLength:
			d.height = int(vals[0])
		case TagBitsPerSample:
			d.bitsPerSample = int(vals[0])
		case TagCompression:
			d.compression = int(vals[0])
		case TagSamplesPerPixel:
			d.samplesPerPixel = int(vals[0])
		case TagRowsPerStrip:
			d.rowsPerStrip = int(vals[0])
		case TagStripOffsets:
			d.stripOffsets = vals
		case TagStripByteCounts:
			d.stripByteCounts = vals
		case TagPredictor:
			d.predictor = int(vals[0])
		case TagTileWidth:
			d.tileWidth = int(vals[0])
		case TagTileLength:
			d.tileHeight = int(vals[0])
		case TagTileOffsets:
			d.tileOffsets = vals
		case TagTileByteCounts:
			d.tileByteCounts = vals
		case TagSampleFormat:
			d.sampleFormat = int(vals[0])
		}
	}
	next := uint64(t.order.Uint32(entries[count*12:]))
	return d, next, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case TypeByte, TypeASCII:
		return 1
	case TypeShort:
		return 2
	case TypeLong, TypeIFD:
		return 4
	case TypeRational:
		return 8
	default:
		return 0
	}
}

// payload returns the raw bytes of an entry, following the offset when the
// value does not fit inline.
func (t *tiffFile) payload(typ uint16, n uint32, inline []byte) ([]byte, error) {
	size := typeSize(typ)
	if size == 0 {
		return nil, nil
	}
	total := int64(size) * int64(n)
	if total > 64<<20 {
		return nil, eris.Wrapf(ErrUnrecognized, "imaging: tiff field of %d bytes", total)
	}
	if total <= 4 {
		return inline[:total], nil
	}
	buf := make([]byte, total)
	if _, err := t.f.ReadAt(buf, int64(t.order.Uint32(inline))); err != nil {
		return nil, eris.Wrapf(ErrUnrecognized, "imaging: tiff field: %v", err)
	}
	return buf, nil
}

func (t *tiffFile) ascii(typ uint16, n uint32, inline []byte) (string, error) {
	b, err := t.payload(typ, n, inline)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00"), nil
}

func (t *tiffFile) ints(typ uint16, n uint32, inline []byte) ([]uint64, error) {
	b, err := t.payload(typ, n, inline)
	if err != nil || b == nil {
		return nil, err
	}
	out := make([]uint64, 0, n)
	for i := 0; i < int(n); i++ {
		switch typ {
		case TypeByte:
			out = append(out, uint64(b[i]))
		case TypeShort:
			out = append(out, uint64(t.order.Uint16(b[i*2:])))
		case TypeLong, TypeIFD:
			out = append(out, uint64(t.order.Uint32(b[i*4:])))
		case TypeRational:
			num, den := t.order.Uint32(b[i*8:]), t.order.Uint32(b[i*8+4:])
			if den != 0 {
				out = append(out, uint64(num/den))
			}
		default:
			return nil, nil
		}
	}
	return out, nil
}

func (t *tiffFile) Info() Info { return t.info }

// Describe returns the OME-XML document embedded in a TIFF file.
func Describe(path string) (*OME, error) {
	src, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()
	tf, ok := src.(*tiffFile)
	if !ok || tf.ome == nil {
		return nil, eris.Wrapf(ErrUnrecognized, "imaging: %s has no ome-xml", path)
	}
	return tf.ome, nil
}

func (t *tiffFile) Close() error { return t.f.Close() }

func (t *tiffFile) ReadPlane(z, c, tt int) (*Plane, error) {
	if err := checkIndex(t.info, z, c, tt); err != nil {
		return nil, err
	}
	idx := t.firstIFD + PlaneIndex(t.dimOrder, z, c, tt, t.info.SizeZ, t.info.SizeC, t.info.SizeT)
	if idx >= len(t.dirs) {
		return nil, eris.Wrapf(ErrUnsupportedLayout, "imaging: plane %d has no tiff directory", idx)
	}
	d := t.dirs[idx]

	pt := d.pixelType()
	switch {
	case pt == "" || pt != t.info.PixelType:
		return nil, eris.Wrapf(ErrUnsupportedLayout, "imaging: %d-bit samples (format %d)", d.bitsPerSample, d.sampleFormat)
	case d.samplesPerPixel != 1:
		return nil, eris.Wrapf(ErrUnsupportedLayout, "imaging: %d samples per pixel", d.samplesPerPixel)
	case d.compression != CompressionNone && d.compression != CompressionDeflate && d.compression != CompressionDeflateAlt:
		return nil, eris.Wrapf(ErrUnsupportedLayout, "imaging: tiff compression %d", d.compression)
	case d.predictor > 1:
		return nil, eris.Wrapf(ErrUnsupportedLayout, "imaging: tiff predictor %d", d.predictor)
	case d.width != t.info.SizeX || d.height != t.info.SizeY:
		return nil, eris.Wrapf(ErrUnsupportedLayout, "imaging: directory %d is %dx%d", idx, d.width, d.height)
	}

	p := NewPlane(d.width, d.height, pt)
	var err error
	if d.tileWidth > 0 && d.tileHeight > 0 {
		err = t.readTiles(&d, p)
	} else {
		err = t.readStrips(&d, p)
	}
	if err != nil {
		return nil, err
	}
	if t.order == binary.BigEndian {
		swapSamples(p.Data, pt.BytesPerPixel())
	}
	return p, nil
}

func (t *tiffFile) readStrips(d *tiffDir, p *Plane) error {
	if len(d.stripOffsets) == 0 || len(d.stripOffsets) != len(d.stripByteCounts) {
		return eris.Wrap(ErrUnsupportedLayout, "imaging: tiff strips missing")
	}
	rows := d.rowsPerStrip
	if rows <= 0 || rows > d.height {
		rows = d.height
	}
	rowBytes := d.width * p.Type.BytesPerPixel()
	for i, off := range d.stripOffsets {
		y0 := i * rows
		if y0 >= d.height {
			break
		}
		n := min(rows, d.height-y0)
		data, err := t.block(d, off, d.stripByteCounts[i], n*rowBytes)
		if err != nil {
			return err
		}
		copy(p.Data[y0*rowBytes:], data[:n*rowBytes])
	}
	return nil
}

func (t *tiffFile) readTiles(d *tiffDir, p *Plane) error {
	across := (d.width + d.tileWidth - 1) / d.tileWidth
	down := (d.height + d.tileHeight - 1) / d.tileHeight
	if len(d.tileOffsets) < across*down || len(d.tileByteCounts) < across*down {
		return eris.Wrap(ErrUnsupportedLayout, "imaging: tiff tiles missing")
	}
	bpp := p.Type.BytesPerPixel()
	tileRow := d.tileWidth * bpp
	for ty := 0; ty < down; ty++ {
		for tx := 0; tx < across; tx++ {
			i := ty*across + tx
			data, err := t.block(d, d.tileOffsets[i], d.tileByteCounts[i], tileRow*d.tileHeight)
			if err != nil {
				return err
			}
			x0, y0 := tx*d.tileWidth, ty*d.tileHeight
			w := min(d.tileWidth, d.width-x0) * bpp
			for y := 0; y < d.tileHeight && y0+y < d.height; y++ {
				dst := ((y0+y)*d.width + x0) * bpp
				copy(p.Data[dst:dst+w], data[y*tileRow:y*tileRow+w])
			}
		}
	}
	return nil
}

// block reads one strip or tile and returns want decoded bytes.
func (t *tiffFile) block(d *tiffDir, off, size uint64, want int) ([]byte, error) {
	if size > uint64(t.size) || off > uint64(t.size)-size {
		return nil, eris.Wrapf(ErrUnrecognized, "imaging: tiff block at %d lies outside the file", off)
	}
	raw := make([]byte, size)
	if _, err := t.f.ReadAt(raw, int64(off)); err != nil {
		return nil, eris.Wrapf(err, "imaging: read tiff block at %d", off)
	}
	if d.compression == CompressionNone {
		if len(raw) < want {
			return nil, eris.Wrapf(io.ErrUnexpectedEOF, "imaging: tiff block at %d", off)
		}
		return raw, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrapf(err, "imaging: inflate tiff block at %d", off)
	}
	defer func() { _ = zr.Close() }()
	out := make([]byte, want)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, eris.Wrapf(err, "imaging: inflate tiff block at %d", off)
	}
	return out, nil
}
