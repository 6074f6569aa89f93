package notion

import (
	"context"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Property names of the experiment database.
const (
	PropTitle      = "Name"
	PropUser       = "User"
	PropInstrument = "Instrument"
	PropObjective  = "Objective"
	PropNA         = "NA"
	PropChannels   = "Channels"
	PropAcquired   = "Acquired"
	PropRawPath    = "Raw Path"
)

// Entry is one acquisition as stored in the experiment database.
type Entry struct {
	Title      string
	User       string
	Instrument string
	Objective  string
	NA         *float64
	Channels   []string
	AcquiredAt time.Time
	RawPath    string
}

// Properties converts the entry into page properties.
func (e Entry) Properties() notionapi.Properties {
	props := notionapi.Properties{
		PropTitle: notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: richText(e.Title),
		},
		PropUser:       textProperty(e.User),
		PropInstrument: textProperty(e.Instrument),
		PropObjective:  textProperty(e.Objective),
		PropRawPath:    textProperty(e.RawPath),
	}
	if e.NA != nil {
		props[PropNA] = notionapi.NumberProperty{
			Type:   notionapi.PropertyTypeNumber,
			Number: *e.NA,
		}
	}
	if len(e.Channels) > 0 {
		opts := make([]notionapi.Option, 0, len(e.Channels))
		for _, ch := range e.Channels {
			opts = append(opts, notionapi.Option{Name: ch})
		}
		props[PropChannels] = notionapi.MultiSelectProperty{
			Type:        notionapi.PropertyTypeMultiSelect,
			MultiSelect: opts,
		}
	}
	if !e.AcquiredAt.IsZero() {
		start := notionapi.Date(e.AcquiredAt.UTC())
		props[PropAcquired] = notionapi.DateProperty{
			Type: notionapi.PropertyTypeDate,
			Date: &notionapi.DateObject{Start: &start},
		}
	}
	return props
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{
		{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}},
	}
}

func textProperty(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type:     notionapi.PropertyTypeRichText,
		RichText: richText(s),
	}
}

// CreateEntry adds e to the database and returns the page ID. A page that
// already carries the same raw path is returned instead of a new one.
func CreateEntry(ctx context.Context, c Client, dbID string, e Entry) (string, error) {
	if e.RawPath != "" {
		existing, err := FindByRawPath(ctx, c, dbID, e.RawPath)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return string(existing.ID), nil
		}
	}

	page, err := c.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: e.Properties(),
	})
	if err != nil {
		return "", eris.Wrapf(err, "notion: create entry %q", e.Title)
	}
	return string(page.ID), nil
}
