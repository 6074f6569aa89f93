// Package mirror pushes catalog records to the shared document store.
package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"

	"github.com/rtg-microscopy/mingest/internal/config"
	"github.com/rtg-microscopy/mingest/internal/pipeline"
	"github.com/rtg-microscopy/mingest/internal/resilience"
	"github.com/rtg-microscopy/mingest/pkg/sharepoint"
)

// New returns the mirror selected by cfg.Driver. The "none" driver returns
// a nil mirror, which the pipeline records as disabled.
func New(cfg config.MirrorConfig) (pipeline.DocumentMirror, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "sharepoint":
		sp := cfg.SharePoint
		if sp.SiteID == "" {
			return nil, eris.New("mirror: sharepoint site_id is required")
		}
		c := sharepoint.NewClient(
			sharepoint.Credentials{TenantID: sp.TenantID, ClientID: sp.ClientID, ClientSecret: sp.ClientSecret},
			sp.SiteID,
			sharepoint.WithTimeout(time.Duration(sp.TimeoutSecs)*time.Second),
			sharepoint.WithRateLimit(sp.RateLimit),
		)
		return NewSharePoint(c, sp.ListName), nil
	case "xlsx":
		return NewWorkbook(cfg.XLSX.Path, cfg.XLSX.Sheet)
	default:
		return nil, eris.Errorf("mirror: unknown driver %q", cfg.Driver)
	}
}

// Columns are the mirrored field names, in workbook column order.
var Columns = []string{"Title", "User", "Microscope", "Objective", "RawPath", "OME_TIFF", "OME_ZARR", "ELN_ID"}

func values(doc pipeline.MirrorDocument) []string {
	return []string{doc.Title, doc.User, doc.Microscope, doc.Objective, doc.RawPath, doc.OMETIFF, doc.OMEZarr, doc.ELNID}
}

// SharePoint mirrors documents as items of a SharePoint list.
type SharePoint struct {
	client sharepoint.Client
	list   string
}

// NewSharePoint binds a Graph client to list.
func NewSharePoint(c sharepoint.Client, list string) *SharePoint {
	return &SharePoint{client: c, list: list}
}

// Mirror creates one list item.
func (s *SharePoint) Mirror(ctx context.Context, doc pipeline.MirrorDocument) error {
	fields := make(map[string]any, len(Columns))
	for i, v := range values(doc) {
		fields[Columns[i]] = v
	}
	if _, err := s.client.CreateItem(ctx, s.list, fields); err != nil {
		return &resilience.ExternalCallError{Service: "sharepoint", Status: graphStatus(err), Err: err}
	}
	return nil
}

// graphStatus reports the HTTP status behind a Graph or token endpoint
// failure, or 0 when there was no response.
func graphStatus(err error) int {
	var se *sharepoint.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}
