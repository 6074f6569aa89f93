// Package convert writes the two interchange formats derived from a raw
// acquisition: a tiled pyramidal OME-TIFF and a chunked OME-Zarr store.
package convert

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rtg-microscopy/mingest/internal/imaging"
	"github.com/rtg-microscopy/mingest/internal/resilience"
)

// Stage names recorded on conversion failures.
const (
	StageTiled   = "ome-tiff"
	StageChunked = "ome-zarr"
)

// ErrOutputConflict means the destination already holds an artifact
// produced from a different source file.
var ErrOutputConflict = eris.New("convert: destination holds another source's output")

// Options controls where artifacts go and how they are encoded.
type Options struct {
	Root       string
	TiledDir   string
	ChunkedDir string
	// SourceRoot is the watched directory. Sources beneath it keep their
	// relative directory under each output dir.
	SourceRoot   string
	Extensions   []string
	TileSize     int
	MaxLevels    int
	ZstdLevel    int
	DeflateLevel int
}

func (o Options) withDefaults() Options {
	if o.TiledDir == "" {
		o.TiledDir = StageTiled
	}
	if o.ChunkedDir == "" {
		o.ChunkedDir = StageChunked
	}
	if o.TileSize <= 0 {
		o.TileSize = 256
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = 6
	}
	if o.ZstdLevel <= 0 {
		o.ZstdLevel = 3
	}
	if o.DeflateLevel <= 0 {
		o.DeflateLevel = 6
	}
	return o
}

// Converter produces derived artifacts for a source file. Both methods are
// safe to call concurrently for different sources.
type Converter struct {
	opts Options
	log  *zap.Logger
}

// New creates a Converter. Zero-valued options take their defaults.
func New(opts Options) *Converter {
	return &Converter{
		opts: opts.withDefaults(),
		log:  zap.L().With(zap.String("component", "convert")),
	}
}

// relStem returns the source's directory relative to SourceRoot joined
// with its stem. Sources outside SourceRoot use the stem alone.
func (c *Converter) relStem(src string) string {
	stem := imaging.Stem(filepath.Base(src), c.opts.Extensions)
	if c.opts.SourceRoot == "" {
		return stem
	}
	rel, err := filepath.Rel(c.opts.SourceRoot, filepath.Dir(src))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return stem
	}
	return filepath.Join(rel, stem)
}

// TiledPath returns the OME-TIFF destination for src.
func (c *Converter) TiledPath(src string) string {
	return filepath.Join(c.opts.Root, c.opts.TiledDir, c.relStem(src)+".ome.tif")
}

// ChunkedPath returns the OME-Zarr destination for src.
func (c *Converter) ChunkedPath(src string) string {
	return filepath.Join(c.opts.Root, c.opts.ChunkedDir, c.relStem(src))
}

func tempSibling(dest string) string {
	return dest + ".tmp-" + ulid.Make().String()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ToTiledPyramid writes src as a pyramidal OME-TIFF and returns its path.
// An existing artifact made from the same source is reused.
func (c *Converter) ToTiledPyramid(ctx context.Context, src string) (string, error) {
	dest := c.TiledPath(src)
	fail := func(err error) (string, error) {
		return "", &resilience.ConversionError{Stage: StageTiled, Path: src, Cause: err}
	}

	if exists(dest) {
		doc, err := imaging.Describe(dest)
		if err == nil && doc.Source() == src {
			c.log.Info("convert: reusing ome-tiff", zap.String("path", dest))
			return dest, nil
		}
		return fail(eris.Wrapf(ErrOutputConflict, "convert: %s", dest))
	}

	in, err := imaging.Open(src)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fail(eris.Wrap(err, "convert: create ome-tiff dir"))
	}
	tmp := tempSibling(dest)
	f, err := os.Create(tmp)
	if err != nil {
		return fail(eris.Wrap(err, "convert: create temp ome-tiff"))
	}
	werr := writeOMETIFF(ctx, in, f, c.opts, filepath.Base(src), src)
	if cerr := f.Close(); werr == nil && cerr != nil {
		werr = eris.Wrap(cerr, "convert: close ome-tiff")
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return fail(werr)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fail(eris.Wrap(err, "convert: rename ome-tiff"))
	}
	c.log.Info("convert: wrote ome-tiff", zap.String("path", dest))
	return dest, nil
}

// ToChunkedStore writes src as an OME-Zarr store and returns its path. An
// existing store made from the same source is reused.
func (c *Converter) ToChunkedStore(ctx context.Context, src string) (string, error) {
	dest := c.ChunkedPath(src)
	fail := func(err error) (string, error) {
		return "", &resilience.ConversionError{Stage: StageChunked, Path: src, Cause: err}
	}

	if exists(dest) {
		if source, err := StoreSource(dest); err == nil && source == src {
			c.log.Info("convert: reusing ome-zarr", zap.String("path", dest))
			return dest, nil
		}
		return fail(eris.Wrapf(ErrOutputConflict, "convert: %s", dest))
	}

	in, err := imaging.Open(src)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fail(eris.Wrap(err, "convert: create ome-zarr dir"))
	}
	tmp := tempSibling(dest)
	if err := writeZarr(ctx, in, tmp, c.opts, filepath.Base(src), src); err != nil {
		_ = os.RemoveAll(tmp)
		return fail(err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.RemoveAll(tmp)
		return fail(eris.Wrap(err, "convert: rename ome-zarr"))
	}
	c.log.Info("convert: wrote ome-zarr", zap.String("path", dest))
	return dest, nil
}

// StoreSource returns the source path recorded in a store's .zattrs.
func StoreSource(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, ".zattrs"))
	if err != nil {
		return "", eris.Wrap(err, "convert: read .zattrs")
	}
	var attrs zarrAttrs
	if err := json.Unmarshal(b, &attrs); err != nil {
		return "", eris.Wrap(err, "convert: decode .zattrs")
	}
	return attrs.Source.Source, nil
}
