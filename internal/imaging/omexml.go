package imaging

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// OMENamespace is the schema written into generated documents.
const OMENamespace = "http://www.openmicroscopy.org/Schemas/OME/2016-06"

// OME is the subset of the OME-XML document model read from OME-TIFF
// descriptions and written into converted files.
type OME struct {
	XMLName       xml.Name          `xml:"OME"`
	Xmlns         string            `xml:"xmlns,attr,omitempty"`
	Creator       string            `xml:"Creator,attr,omitempty"`
	Instruments   []OMEInstrument   `xml:"Instrument"`
	Experimenters []OMEExperimenter `xml:"Experimenter"`
	Images        []OMEImage        `xml:"Image"`
	Annotations   *OMEAnnotations   `xml:"StructuredAnnotations"`
}

// SourceNamespace marks the map annotation recording the raw file a
// converted document was produced from.
const SourceNamespace = "mingest/source"

type OMEAnnotations struct {
	Maps []OMEMapAnnotation `xml:"MapAnnotation"`
}

type OMEMapAnnotation struct {
	ID        string   `xml:"ID,attr"`
	Namespace string   `xml:"Namespace,attr,omitempty"`
	Values    []OMEMap `xml:"Value>M"`
}

type OMEMap struct {
	K string `xml:"K,attr"`
	V string `xml:",chardata"`
}

// SetSource records path as the document's source file.
func (o *OME) SetSource(path string) {
	o.Annotations = &OMEAnnotations{Maps: []OMEMapAnnotation{{
		ID:        "Annotation:source",
		Namespace: SourceNamespace,
		Values:    []OMEMap{{K: "path", V: path}},
	}}}
}

// Source returns the path recorded by SetSource, or "" when the document
// has none.
func (o *OME) Source() string {
	if o.Annotations == nil {
		return ""
	}
	for _, m := range o.Annotations.Maps {
		if m.Namespace != SourceNamespace {
			continue
		}
		for _, v := range m.Values {
			if v.K == "path" {
				return v.V
			}
		}
	}
	return ""
}

type OMEInstrument struct {
	ID         string         `xml:"ID,attr"`
	Microscope *OMEMicroscope `xml:"Microscope"`
	Objectives []OMEObjective `xml:"Objective"`
}

type OMEMicroscope struct {
	Manufacturer string `xml:"Manufacturer,attr,omitempty"`
	Model        string `xml:"Model,attr,omitempty"`
}

type OMEObjective struct {
	ID     string   `xml:"ID,attr"`
	Model  string   `xml:"Model,attr,omitempty"`
	LensNA *float64 `xml:"LensNA,attr,omitempty"`
}

type OMEExperimenter struct {
	ID        string `xml:"ID,attr"`
	UserName  string `xml:"UserName,attr,omitempty"`
	FirstName string `xml:"FirstName,attr,omitempty"`
	LastName  string `xml:"LastName,attr,omitempty"`
}

type OMERef struct {
	ID string `xml:"ID,attr"`
}

type OMEImage struct {
	ID                string    `xml:"ID,attr"`
	Name              string    `xml:"Name,attr,omitempty"`
	AcquisitionDate   string    `xml:"AcquisitionDate,omitempty"`
	ExperimenterRef   *OMERef   `xml:"ExperimenterRef"`
	InstrumentRef     *OMERef   `xml:"InstrumentRef"`
	ObjectiveSettings *OMERef   `xml:"ObjectiveSettings"`
	Pixels            OMEPixels `xml:"Pixels"`
}

type OMEPixels struct {
	ID             string        `xml:"ID,attr"`
	DimensionOrder string        `xml:"DimensionOrder,attr"`
	Type           string        `xml:"Type,attr"`
	SizeX          int           `xml:"SizeX,attr"`
	SizeY          int           `xml:"SizeY,attr"`
	SizeZ          int           `xml:"SizeZ,attr"`
	SizeC          int           `xml:"SizeC,attr"`
	SizeT          int           `xml:"SizeT,attr"`
	PhysicalSizeX  *float64      `xml:"PhysicalSizeX,attr,omitempty"`
	PhysicalSizeY  *float64      `xml:"PhysicalSizeY,attr,omitempty"`
	PhysicalSizeZ  *float64      `xml:"PhysicalSizeZ,attr,omitempty"`
	Channels       []OMEChannel  `xml:"Channel"`
	TiffData       []OMETiffData `xml:"TiffData"`
}

type OMEChannel struct {
	ID              string `xml:"ID,attr"`
	Name            string `xml:"Name,attr,omitempty"`
	SamplesPerPixel int    `xml:"SamplesPerPixel,attr,omitempty"`
}

type OMETiffData struct {
	IFD        int `xml:"IFD,attr"`
	PlaneCount int `xml:"PlaneCount,attr,omitempty"`
}

// ParseOMEXML decodes an OME-XML document, honoring a declared charset.
func ParseOMEXML(r io.Reader) (*OME, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "imaging: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	var doc OME
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "imaging: decode ome-xml")
	}
	if len(doc.Images) == 0 {
		return nil, eris.New("imaging: ome-xml has no image")
	}
	return &doc, nil
}

// LooksLikeOMEXML is a cheap check before a full parse.
func LooksLikeOMEXML(desc string) bool {
	return strings.Contains(desc, "<OME") && strings.Contains(desc, "openmicroscopy.org")
}

// Info flattens the first image of the document, resolving its
// experimenter, instrument and objective references.
func (o *OME) Info() Info {
	img := o.Images[0]
	px := img.Pixels
	info := Info{
		Format:    "OME-TIFF",
		SizeX:     px.SizeX,
		SizeY:     px.SizeY,
		SizeZ:     max(px.SizeZ, 1),
		SizeC:     max(px.SizeC, 1),
		SizeT:     max(px.SizeT, 1),
		PixelType: PixelType(strings.ToLower(px.Type)),
	}
	if px.PhysicalSizeX != nil {
		info.PhysicalSizeX = positive(*px.PhysicalSizeX)
	}
	if px.PhysicalSizeY != nil {
		info.PhysicalSizeY = positive(*px.PhysicalSizeY)
	}
	if px.PhysicalSizeZ != nil {
		info.PhysicalSizeZ = positive(*px.PhysicalSizeZ)
	}
	for _, ch := range px.Channels {
		info.Channels = append(info.Channels, ch.Name)
	}

	if exp := o.experimenter(img.ExperimenterRef); exp != nil {
		info.Operator = exp.UserName
	}
	if inst := o.instrument(img.InstrumentRef); inst != nil {
		if inst.Microscope != nil {
			info.Microscope = inst.Microscope.Model
		}
		if obj := inst.objective(img.ObjectiveSettings); obj != nil {
			info.Objective = obj.Model
			if obj.LensNA != nil && *obj.LensNA >= 0 {
				na := *obj.LensNA
				info.LensNA = &na
			}
		}
	}
	if img.AcquisitionDate != "" {
		if ts, err := time.Parse(time.RFC3339Nano, img.AcquisitionDate); err == nil {
			info.AcquiredAt = ts.UTC()
		} else if ts, err := time.Parse("2006-01-02T15:04:05", img.AcquisitionDate); err == nil {
			info.AcquiredAt = ts.UTC()
		}
	}
	return info
}

func (o *OME) experimenter(ref *OMERef) *OMEExperimenter {
	for i := range o.Experimenters {
		if ref == nil || o.Experimenters[i].ID == ref.ID {
			return &o.Experimenters[i]
		}
	}
	return nil
}

func (o *OME) instrument(ref *OMERef) *OMEInstrument {
	for i := range o.Instruments {
		if ref == nil || o.Instruments[i].ID == ref.ID {
			return &o.Instruments[i]
		}
	}
	return nil
}

func (inst *OMEInstrument) objective(ref *OMERef) *OMEObjective {
	for i := range inst.Objectives {
		if ref == nil || inst.Objectives[i].ID == ref.ID {
			return &inst.Objectives[i]
		}
	}
	return nil
}

// NewOME describes a single image in XYZCT order stored as one TIFF
// directory per plane starting at IFD 0.
func NewOME(info Info, name string) *OME {
	doc := &OME{
		Xmlns:   OMENamespace,
		Creator: "mingest",
	}
	img := OMEImage{
		ID:   "Image:0",
		Name: name,
		Pixels: OMEPixels{
			ID:             "Pixels:0",
			DimensionOrder: "XYZCT",
			Type:           string(info.PixelType),
			SizeX:          info.SizeX,
			SizeY:          info.SizeY,
			SizeZ:          info.SizeZ,
			SizeC:          info.SizeC,
			SizeT:          info.SizeT,
			PhysicalSizeX:  optional(info.PhysicalSizeX),
			PhysicalSizeY:  optional(info.PhysicalSizeY),
			PhysicalSizeZ:  optional(info.PhysicalSizeZ),
			TiffData:       []OMETiffData{{IFD: 0, PlaneCount: info.PlaneCount()}},
		},
	}
	if !info.AcquiredAt.IsZero() {
		img.AcquisitionDate = info.AcquiredAt.UTC().Format(time.RFC3339)
	}
	for c := 0; c < info.SizeC; c++ {
		ch := OMEChannel{ID: "Channel:0:" + strconv.Itoa(c), SamplesPerPixel: 1}
		if c < len(info.Channels) {
			ch.Name = info.Channels[c]
		}
		img.Pixels.Channels = append(img.Pixels.Channels, ch)
	}
	if info.Operator != "" {
		doc.Experimenters = []OMEExperimenter{{ID: "Experimenter:0", UserName: info.Operator}}
		img.ExperimenterRef = &OMERef{ID: "Experimenter:0"}
	}
	if info.Microscope != "" || info.Objective != "" {
		inst := OMEInstrument{ID: "Instrument:0"}
		if info.Microscope != "" {
			inst.Microscope = &OMEMicroscope{Model: info.Microscope}
		}
		if info.Objective != "" || info.LensNA != nil {
			inst.Objectives = []OMEObjective{{ID: "Objective:0:0", Model: info.Objective, LensNA: info.LensNA}}
			img.ObjectiveSettings = &OMERef{ID: "Objective:0:0"}
		}
		doc.Instruments = []OMEInstrument{inst}
		img.InstrumentRef = &OMERef{ID: "Instrument:0"}
	}
	doc.Images = []OMEImage{img}
	return doc
}

// Marshal renders the document with an XML declaration.
func (o *OME) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(o); err != nil {
		return nil, eris.Wrap(err, "imaging: encode ome-xml")
	}
	return buf.Bytes(), nil
}

// PlaneIndex returns the linear plane position of (z, c, t) for an OME
// dimension order such as "XYZCT".
func PlaneIndex(order string, z, c, t, sizeZ, sizeC, sizeT int) int {
	if len(order) != 5 {
		order = "XYZCT"
	}
	idx, stride := 0, 1
	for _, dim := range order[2:] {
		switch dim {
		case 'Z':
			idx += z * stride
			stride *= sizeZ
		case 'C':
			idx += c * stride
			stride *= sizeC
		case 'T':
			idx += t * stride
			stride *= sizeT
		}
	}
	return idx
}

func optional(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}
