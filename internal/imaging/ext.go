package imaging

import (
	"strings"

	"golang.org/x/text/cases"
)

// MatchExtension reports whether name ends with one of exts, compared
// case-insensitively, and returns the longest match so that "a.OME.TIF"
// matches ".ome.tif" rather than ".tif".
func MatchExtension(name string, exts []string) (string, bool) {
	fold := cases.Fold()
	folded := fold.String(name)
	best := ""
	for _, ext := range exts {
		if ext == "" {
			continue
		}
		e := fold.String(ext)
		if strings.HasSuffix(folded, e) && len(e) > len(best) {
			best = e
		}
	}
	return best, best != ""
}

// Stem strips the longest matching extension from a base name. Names
// without a configured extension lose only their final extension.
func Stem(base string, exts []string) string {
	if ext, ok := MatchExtension(base, exts); ok && len(ext) < len(base) {
		return base[:len(base)-len(ext)]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}
