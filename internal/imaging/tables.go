package imaging

import "strconv"

// Lens describes one objective in the DeltaVision lens table.
type Lens struct {
	Model string
	NA    float64
}

// deltaVisionLenses maps the header LensNum to the objective it names.
// Only the objectives fitted to the facility's systems are listed; other
// IDs yield an unknown objective.
var deltaVisionLenses = map[int]Lens{
	10002: {Model: "100x/1.40", NA: 1.40},
	10003: {Model: "40x/1.30", NA: 1.30},
	10010: {Model: "10x/0.40", NA: 0.40},
	10105: {Model: "100x/1.4", NA: 1.4},
	10202: {Model: "20x/0.75", NA: 0.75},
	10403: {Model: "40x/1.35", NA: 1.35},
	10602: {Model: "60x/1.42", NA: 1.42},
	10612: {Model: "60x/1.4", NA: 1.4},
	12201: {Model: "100x/1.40", NA: 1.40},
}

// LookupLens returns the objective for a DeltaVision lens ID.
func LookupLens(id int) (Lens, bool) {
	l, ok := deltaVisionLenses[id]
	return l, ok
}

// dyeNames maps emission wavelengths (nm) to the dye name used in channel
// listings.
var dyeNames = map[int]string{
	435: "DAPI",
	455: "DAPI",
	457: "DAPI",
	461: "DAPI",
	523: "GFP",
	525: "GFP",
	528: "GFP",
	570: "TRITC",
	594: "mCherry",
	610: "mCherry",
	617: "mCherry",
	632: "Cy5",
	676: "Cy5",
	685: "Cy5",
}

// ChannelName names a channel by its emission wavelength, falling back to
// the wavelength itself.
func ChannelName(wavelength int) string {
	if name, ok := dyeNames[wavelength]; ok {
		return name
	}
	return strconv.Itoa(wavelength)
}
