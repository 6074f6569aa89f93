package convert

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"sort"

	"github.com/klauspost/compress/zlib"
	"github.com/rotisserie/eris"

	"github.com/rtg-microscopy/mingest/internal/imaging"
)

var le = binary.LittleEndian

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shortEntry(tag uint16, v int) ifdEntry {
	b := make([]byte, 2)
	le.PutUint16(b, uint16(v))
	return ifdEntry{tag: tag, typ: imaging.TypeShort, count: 1, data: b}
}

func longEntry(tag uint16, vals ...uint32) ifdEntry {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		le.PutUint32(b[i*4:], v)
	}
	return ifdEntry{tag: tag, typ: imaging.TypeLong, count: uint32(len(vals)), data: b}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	return ifdEntry{tag: tag, typ: imaging.TypeASCII, count: uint32(len(s) + 1), data: append([]byte(s), 0)}
}

// tiffWriter emits a little-endian classic TIFF sequentially and patches
// forward references once the file is complete.
type tiffWriter struct {
	f       *os.File
	w       *bufio.Writer
	pos     int64
	patches map[int64]uint32
	level   int
}

func newTIFFWriter(f *os.File, deflateLevel int) (*tiffWriter, error) {
	tw := &tiffWriter{
		f:       f,
		w:       bufio.NewWriterSize(f, 1<<20),
		patches: map[int64]uint32{},
		level:   deflateLevel,
	}
	// Header; IFD0 offset is patched later.
	if err := tw.write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0}); err != nil {
		return nil, err
	}
	return tw, nil
}

func (tw *tiffWriter) write(b []byte) error {
	if tw.pos+int64(len(b)) > math.MaxUint32 {
		return eris.New("convert: ome-tiff exceeds 4 GiB classic TIFF limit")
	}
	n, err := tw.w.Write(b)
	tw.pos += int64(n)
	return err
}

func (tw *tiffWriter) align() error {
	if tw.pos%2 == 1 {
		return tw.write([]byte{0})
	}
	return nil
}

// writeTiles compresses p as tile×tile deflate tiles and returns their
// offsets and byte counts.
func (tw *tiffWriter) writeTiles(p *imaging.Plane, tile int) (offsets, counts []uint32, err error) {
	bpp := p.Type.BytesPerPixel()
	buf := make([]byte, tile*tile*bpp)
	var out bytes.Buffer
	zw, err := zlib.NewWriterLevel(&out, tw.level)
	if err != nil {
		return nil, nil, eris.Wrap(err, "convert: deflate writer")
	}
	for ty := 0; ty < p.Height; ty += tile {
		for tx := 0; tx < p.Width; tx += tile {
			clear(buf)
			w := min(tile, p.Width-tx) * bpp
			for y := 0; y < tile && ty+y < p.Height; y++ {
				src := ((ty+y)*p.Width + tx) * bpp
				copy(buf[y*tile*bpp:], p.Data[src:src+w])
			}
			out.Reset()
			zw.Reset(&out)
			if _, err := zw.Write(buf); err != nil {
				return nil, nil, eris.Wrap(err, "convert: deflate tile")
			}
			if err := zw.Close(); err != nil {
				return nil, nil, eris.Wrap(err, "convert: deflate tile")
			}
			if err := tw.align(); err != nil {
				return nil, nil, err
			}
			offsets = append(offsets, uint32(tw.pos))
			counts = append(counts, uint32(out.Len()))
			if err := tw.write(out.Bytes()); err != nil {
				return nil, nil, err
			}
		}
	}
	return offsets, counts, nil
}

// writeIFD writes one directory and returns its offset and the offset of
// its next-IFD field.
func (tw *tiffWriter) writeIFD(entries []ifdEntry) (ifdOff, nextField int64, err error) {
	if err := tw.align(); err != nil {
		return 0, 0, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdOff = tw.pos
	size := int64(2 + 12*len(entries) + 4)
	dir := make([]byte, size)
	le.PutUint16(dir, uint16(len(entries)))
	var extra []byte
	for i, e := range entries {
		rec := dir[2+12*i:]
		le.PutUint16(rec[0:], e.tag)
		le.PutUint16(rec[2:], e.typ)
		le.PutUint32(rec[4:], e.count)
		if len(e.data) <= 4 {
			copy(rec[8:12], e.data)
			continue
		}
		le.PutUint32(rec[8:], uint32(ifdOff+size+int64(len(extra))))
		extra = append(extra, e.data...)
		if len(extra)%2 == 1 {
			extra = append(extra, 0)
		}
	}
	if err := tw.write(dir); err != nil {
		return 0, 0, err
	}
	if err := tw.write(extra); err != nil {
		return 0, 0, err
	}
	return ifdOff, ifdOff + size - 4, nil
}

func (tw *tiffWriter) patch(at int64, v uint32) {
	tw.patches[at] = v
}

func (tw *tiffWriter) finish() error {
	if err := tw.w.Flush(); err != nil {
		return eris.Wrap(err, "convert: flush ome-tiff")
	}
	b := make([]byte, 4)
	for at, v := range tw.patches {
		le.PutUint32(b, v)
		if _, err := tw.f.WriteAt(b, at); err != nil {
			return eris.Wrap(err, "convert: patch ome-tiff")
		}
	}
	return nil
}

func sampleFormat(pt imaging.PixelType) int {
	switch pt {
	case imaging.Int16:
		return 2
	case imaging.Float32:
		return 3
	default:
		return 1
	}
}

// writeOMETIFF writes src as a tiled pyramidal OME-TIFF: one top-level
// directory per plane in XYZCT order, reduced resolutions as SubIFDs.
func writeOMETIFF(ctx context.Context, src imaging.Source, f *os.File, opts Options, name, source string) error {
	info := src.Info()
	doc := imaging.NewOME(info, name)
	doc.SetSource(source)
	desc, err := doc.Marshal()
	if err != nil {
		return err
	}

	tw, err := newTIFFWriter(f, opts.DeflateLevel)
	if err != nil {
		return err
	}
	levels := LevelCount(info.SizeX, info.SizeY, opts.TileSize, opts.MaxLevels)
	bits := info.PixelType.BytesPerPixel() * 8
	sf := sampleFormat(info.PixelType)

	baseEntries := func(p *imaging.Plane, reduced bool, offsets, counts []uint32) []ifdEntry {
		subfile := 0
		if reduced {
			subfile = 1
		}
		return []ifdEntry{
			longEntry(imaging.TagNewSubfileType, uint32(subfile)),
			longEntry(imaging.TagImageWidth, uint32(p.Width)),
			longEntry(imaging.TagImageLength, uint32(p.Height)),
			shortEntry(imaging.TagBitsPerSample, bits),
			shortEntry(imaging.TagCompression, imaging.CompressionDeflate),
			shortEntry(imaging.TagPhotometric, 1),
			shortEntry(imaging.TagSamplesPerPixel, 1),
			shortEntry(imaging.TagPlanarConfig, 1),
			shortEntry(imaging.TagTileWidth, opts.TileSize),
			shortEntry(imaging.TagTileLength, opts.TileSize),
			longEntry(imaging.TagTileOffsets, offsets...),
			longEntry(imaging.TagTileByteCounts, counts...),
			shortEntry(imaging.TagSampleFormat, sf),
		}
	}

	prevNext := int64(4)
	first := true
	for t := 0; t < info.SizeT; t++ {
		for c := 0; c < info.SizeC; c++ {
			for z := 0; z < info.SizeZ; z++ {
				if err := ctx.Err(); err != nil {
					return eris.Wrap(err, "convert: ome-tiff")
				}
				plane, err := src.ReadPlane(z, c, t)
				if err != nil {
					return err
				}
				pyr := Pyramid(plane, levels)

				type tiles struct{ offsets, counts []uint32 }
				written := make([]tiles, levels)
				for l, p := range pyr {
					off, cnt, err := tw.writeTiles(p, opts.TileSize)
					if err != nil {
						return err
					}
					written[l] = tiles{off, cnt}
				}

				var subOffsets []uint32
				for l := 1; l < levels; l++ {
					off, _, err := tw.writeIFD(baseEntries(pyr[l], true, written[l].offsets, written[l].counts))
					if err != nil {
						return err
					}
					subOffsets = append(subOffsets, uint32(off))
				}

				entries := baseEntries(plane, false, written[0].offsets, written[0].counts)
				entries = append(entries, asciiEntry(imaging.TagSoftware, "mingest"))
				if first {
					entries = append(entries, asciiEntry(imaging.TagImageDescription, string(desc)))
					first = false
				}
				if len(subOffsets) > 0 {
					sub := longEntry(imaging.TagSubIFDs, subOffsets...)
					sub.typ = imaging.TypeIFD
					entries = append(entries, sub)
				}
				off, next, err := tw.writeIFD(entries)
				if err != nil {
					return err
				}
				tw.patch(prevNext, uint32(off))
				prevNext = next
			}
		}
	}
	return tw.finish()
}
