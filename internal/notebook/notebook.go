// Package notebook adapts the lab notebook backends to the pipeline's
// registrar interface.
package notebook

import (
	"context"
	"errors"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/rtg-microscopy/mingest/internal/config"
	"github.com/rtg-microscopy/mingest/internal/pipeline"
	"github.com/rtg-microscopy/mingest/internal/resilience"
	"github.com/rtg-microscopy/mingest/pkg/eln"
	"github.com/rtg-microscopy/mingest/pkg/notion"
)

// New returns the registrar selected by cfg.Driver.
func New(cfg config.NotebookConfig) (pipeline.NotebookRegistrar, error) {
	switch cfg.Driver {
	case "eln":
		if cfg.ELN.URL == "" {
			return nil, eris.New("notebook: eln url is required")
		}
		c := eln.NewClient(cfg.ELN.URL, cfg.ELN.Token,
			eln.WithTimeout(time.Duration(cfg.ELN.TimeoutSecs)*time.Second),
			eln.WithRateLimit(cfg.ELN.RateLimit),
		)
		return NewELN(c), nil
	case "notion":
		if cfg.Notion.DatabaseID == "" {
			return nil, eris.New("notebook: notion database_id is required")
		}
		var opts []notion.ClientOption
		if cfg.Notion.RateLimit > 0 {
			opts = append(opts, notion.WithRateLimit(cfg.Notion.RateLimit))
		}
		return NewNotion(notion.NewClient(cfg.Notion.Token, opts...), cfg.Notion.DatabaseID), nil
	default:
		return nil, eris.Errorf("notebook: unknown driver %q", cfg.Driver)
	}
}

// ELN registers entries through the notebook HTTP API.
type ELN struct {
	client eln.Client
}

// NewELN wraps an ELN client.
func NewELN(c eln.Client) *ELN {
	return &ELN{client: c}
}

// Register creates the notebook experiment and returns its ID.
func (n *ELN) Register(ctx context.Context, entry pipeline.NotebookEntry) (string, error) {
	id, err := n.client.CreateExperiment(ctx, &eln.ExperimentRequest{
		Title:      entry.Title,
		User:       entry.User,
		Instrument: entry.Instrument,
		Metadata:   entry.Metadata,
	})
	if err != nil {
		status := 0
		var se *eln.StatusError
		if errors.As(err, &se) {
			status = se.StatusCode
		}
		return "", &resilience.ExternalCallError{Service: "eln", Status: status, Err: err}
	}
	return id, nil
}

// Notion registers entries as pages of a Notion database.
type Notion struct {
	client notion.Client
	dbID   string
}

// NewNotion wraps a Notion client bound to the experiment database.
func NewNotion(c notion.Client, dbID string) *Notion {
	return &Notion{client: c, dbID: dbID}
}

// Register creates the page, or finds the one already created for the
// same raw file, and returns its ID.
func (n *Notion) Register(ctx context.Context, entry pipeline.NotebookEntry) (string, error) {
	e := notion.Entry{
		Title:      entry.Title,
		User:       entry.User,
		Instrument: entry.Instrument,
	}
	if md := entry.Metadata; md != nil {
		e.Objective = md.Objective
		e.NA = md.NumericalAperture
		e.Channels = md.Channels
		e.AcquiredAt = md.AcquiredAt
		e.RawPath = md.SourcePath
	}

	id, err := notion.CreateEntry(ctx, n.client, n.dbID, e)
	if err != nil {
		return "", &resilience.ExternalCallError{Service: "notion", Status: notionStatus(err), Err: err}
	}
	return id, nil
}

// notionStatus extracts the HTTP status from a Notion API error, or 0 when
// no response was decoded.
func notionStatus(err error) int {
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
