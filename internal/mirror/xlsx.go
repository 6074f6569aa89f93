package mirror

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/rtg-microscopy/mingest/internal/pipeline"
)

// Workbook appends one row per document to a local .xlsx file. A row whose
// RawPath is already present is not added again.
type Workbook struct {
	path  string
	sheet string

	mu sync.Mutex
}

// NewWorkbook returns a mirror writing to sheet of the workbook at path.
// The file is created on first use.
func NewWorkbook(path, sheet string) (*Workbook, error) {
	if path == "" {
		return nil, eris.New("mirror: xlsx path is required")
	}
	if sheet == "" {
		sheet = "Experiments"
	}
	return &Workbook{path: path, sheet: sheet}, nil
}

// Mirror appends doc and saves the workbook.
func (w *Workbook) Mirror(ctx context.Context, doc pipeline.MirrorDocument) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "mirror: xlsx")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	f, sh, err := w.open()
	if err != nil {
		return err
	}
	rawCol := 4
	for i, row := range sh.Rows {
		if i == 0 {
			continue
		}
		cells := rowToStrings(row)
		if len(cells) > rawCol && cells[rawCol] == doc.RawPath {
			return nil
		}
	}

	appendRow(sh, values(doc))
	return w.save(f)
}

// Rows returns the data rows of the sheet, without the header.
func (w *Workbook) Rows() ([][]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := xlsx.OpenFile(w.path)
	if err != nil {
		return nil, eris.Wrap(err, "mirror: xlsx open file")
	}
	sh, ok := f.Sheet[w.sheet]
	if !ok {
		return nil, eris.Errorf("mirror: xlsx sheet %q not found", w.sheet)
	}
	var rows [][]string
	for i, row := range sh.Rows {
		if i == 0 {
			continue
		}
		rows = append(rows, rowToStrings(row))
	}
	return rows, nil
}

func (w *Workbook) open() (*xlsx.File, *xlsx.Sheet, error) {
	f, err := xlsx.OpenFile(w.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		f = xlsx.NewFile()
	case err != nil:
		return nil, nil, eris.Wrap(err, "mirror: xlsx open file")
	}

	sh, ok := f.Sheet[w.sheet]
	if !ok {
		sh, err = f.AddSheet(w.sheet)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "mirror: xlsx add sheet %q", w.sheet)
		}
		appendRow(sh, Columns)
	}
	return f, sh, nil
}

// save writes through a temporary file so a crash never leaves a
// truncated workbook behind.
func (w *Workbook) save(f *xlsx.File) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return eris.Wrap(err, "mirror: xlsx create dir")
	}
	tmp := w.path + ".tmp"
	if err := f.Save(tmp); err != nil {
		return eris.Wrap(err, "mirror: xlsx save")
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return eris.Wrap(err, "mirror: xlsx rename")
	}
	return nil
}

func appendRow(sh *xlsx.Sheet, cells []string) {
	row := sh.AddRow()
	for _, v := range cells {
		row.AddCell().SetString(v)
	}
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
