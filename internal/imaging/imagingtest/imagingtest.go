// Package imagingtest writes small synthetic DeltaVision and TIFF files for
// tests.
package imagingtest

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// DV describes a synthetic DeltaVision stack.
type DV struct {
	NX, NY, NZ, NW, NT int
	// Mode is the Priism pixel mode: 0 uint8, 1 int16, 2 float32, 6 uint16.
	Mode       int
	DX, DY, DZ float32
	Lens       int
	Waves      []int
	Sequence   int
	BigEndian  bool
	ExtHeader  int
	// Truncate drops this many bytes from the end of the pixel data.
	Truncate int
}

// Value is the sample stored at (x, y) of the plane at section index s.
func Value(s, x, y int) int {
	return (s*7 + x + 3*y) % 200
}

// WriteDV writes desc to path.
func WriteDV(t testing.TB, path string, desc DV) {
	t.Helper()
	if desc.NW == 0 {
		desc.NW = 1
	}
	if desc.NT == 0 {
		desc.NT = 1
	}
	var order binary.ByteOrder = binary.LittleEndian
	if desc.BigEndian {
		order = binary.BigEndian
	}

	head := make([]byte, 1024)
	order.PutUint32(head[0:], uint32(desc.NX))
	order.PutUint32(head[4:], uint32(desc.NY))
	order.PutUint32(head[8:], uint32(desc.NZ*desc.NW*desc.NT))
	order.PutUint32(head[12:], uint32(desc.Mode))
	order.PutUint32(head[40:], math.Float32bits(desc.DX))
	order.PutUint32(head[44:], math.Float32bits(desc.DY))
	order.PutUint32(head[48:], math.Float32bits(desc.DZ))
	order.PutUint32(head[92:], uint32(desc.ExtHeader))
	order.PutUint16(head[96:], 0xC0A0)
	order.PutUint16(head[162:], uint16(desc.Lens))
	order.PutUint16(head[180:], uint16(desc.NT))
	order.PutUint16(head[182:], uint16(desc.Sequence))
	order.PutUint16(head[196:], uint16(desc.NW))
	for i, w := range desc.Waves {
		if i < 5 {
			order.PutUint16(head[198+2*i:], uint16(w))
		}
	}

	bpp := map[int]int{0: 1, 1: 2, 2: 4, 6: 2}[desc.Mode]
	sections := desc.NZ * desc.NW * desc.NT
	buf := append(head, make([]byte, desc.ExtHeader)...)
	for s := 0; s < sections; s++ {
		for y := 0; y < desc.NY; y++ {
			for x := 0; x < desc.NX; x++ {
				v := Value(s, x, y)
				sample := make([]byte, bpp)
				switch desc.Mode {
				case 0:
					sample[0] = byte(v)
				case 1, 6:
					order.PutUint16(sample, uint16(v))
				case 2:
					order.PutUint32(sample, math.Float32bits(float32(v)))
				}
				buf = append(buf, sample...)
			}
		}
	}
	buf = buf[:len(buf)-desc.Truncate]
	write(t, path, buf)
}

// Sample01 writes the reference acquisition used across packages: a
// 64×48 DeltaVision stack of 3 Z sections and two channels (DAPI, GFP)
// taken with the 60x/1.4 objective. It returns the file path.
func Sample01(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "sample01.dv")
	WriteDV(t, path, DV{
		NX: 64, NY: 48, NZ: 3, NW: 2, NT: 1,
		DX: 0.1067, DY: 0.1067, DZ: 0.2,
		Mode:  6,
		Lens:  10612,
		Waves: []int{457, 528},
	})
	return path
}

// Corrupt writes a file with a .dv name that is not a DeltaVision stack.
func Corrupt(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "corrupt.dv")
	write(t, path, []byte("this is not an image\n"))
	return path
}

// TIFF describes a synthetic uncompressed 16-bit TIFF.
type TIFF struct {
	Width, Height, Pages int
	Description          string
	DateTime             string
	BigEndian            bool
	// Compression overrides the compression tag without compressing.
	Compression int
	// DeclaredWidth and DeclaredHeight, when set, replace the dimensions
	// recorded in the IFD; the pixel data keeps Width×Height.
	DeclaredWidth, DeclaredHeight uint32
	// StripByteCount, when set, replaces the recorded strip size.
	StripByteCount uint32
}

// WriteTIFF writes desc to path as strip-organized pages, one strip each.
func WriteTIFF(t testing.TB, path string, desc TIFF) {
	t.Helper()
	if desc.Pages == 0 {
		desc.Pages = 1
	}
	if desc.Compression == 0 {
		desc.Compression = 1
	}
	var order binary.ByteOrder = binary.LittleEndian
	buf := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	if desc.BigEndian {
		order = binary.BigEndian
		buf = []byte{'M', 'M', 0, 42, 0, 0, 0, 0}
	}

	prevNext := 4
	for page := 0; page < desc.Pages; page++ {
		dataOff := len(buf)
		for y := 0; y < desc.Height; y++ {
			for x := 0; x < desc.Width; x++ {
				sample := make([]byte, 2)
				order.PutUint16(sample, uint16(Value(page, x, y)))
				buf = append(buf, sample...)
			}
		}
		dataLen := len(buf) - dataOff
		if len(buf)%2 == 1 {
			buf = append(buf, 0)
		}

		type entry struct {
			tag, typ uint16
			count    uint32
			value    uint32
			extra    []byte
		}
		width, height := uint32(desc.Width), uint32(desc.Height)
		if desc.DeclaredWidth != 0 {
			width = desc.DeclaredWidth
		}
		if desc.DeclaredHeight != 0 {
			height = desc.DeclaredHeight
		}
		stripLen := uint32(dataLen)
		if desc.StripByteCount != 0 {
			stripLen = desc.StripByteCount
		}
		entries := []entry{
			{tag: 256, typ: 4, count: 1, value: width},
			{tag: 257, typ: 4, count: 1, value: height},
			{tag: 258, typ: 3, count: 1, value: 16},
			{tag: 259, typ: 3, count: 1, value: uint32(desc.Compression)},
			{tag: 262, typ: 3, count: 1, value: 1},
		}
		if page == 0 && desc.Description != "" {
			entries = append(entries, entry{tag: 270, typ: 2, extra: append([]byte(desc.Description), 0)})
		}
		entries = append(entries,
			entry{tag: 273, typ: 4, count: 1, value: uint32(dataOff)},
			entry{tag: 277, typ: 3, count: 1, value: 1},
			entry{tag: 278, typ: 4, count: 1, value: uint32(desc.Height)},
			entry{tag: 279, typ: 4, count: 1, value: stripLen},
		)
		if page == 0 && desc.DateTime != "" {
			entries = append(entries, entry{tag: 306, typ: 2, extra: append([]byte(desc.DateTime), 0)})
		}

		ifdOff := len(buf)
		order.PutUint32(buf[prevNext:], uint32(ifdOff))
		extraOff := ifdOff + 2 + len(entries)*12 + 4
		ifd := make([]byte, 2+len(entries)*12+4)
		order.PutUint16(ifd, uint16(len(entries)))
		var extras []byte
		for i, e := range entries {
			rec := ifd[2+i*12:]
			order.PutUint16(rec[0:], e.tag)
			order.PutUint16(rec[2:], e.typ)
			if e.extra != nil {
				order.PutUint32(rec[4:], uint32(len(e.extra)))
				order.PutUint32(rec[8:], uint32(extraOff+len(extras)))
				extras = append(extras, e.extra...)
				continue
			}
			order.PutUint32(rec[4:], e.count)
			if e.typ == 3 {
				order.PutUint16(rec[8:], uint16(e.value))
			} else {
				order.PutUint32(rec[8:], e.value)
			}
		}
		prevNext = ifdOff + 2 + len(entries)*12
		buf = append(buf, ifd...)
		buf = append(buf, extras...)
	}
	write(t, path, buf)
}

func write(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
