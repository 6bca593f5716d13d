package export

import (
	"fmt"
	"math"
)

// UnknownAltitudeColor is used for segments without altitude.
const UnknownAltitudeColor = "#808080"

type rgb struct{ r, g, b float64 }

// altitudeStops is the gradient from the lowest to the highest altitude.
var altitudeStops = []rgb{
	{0, 0, 255},   // blue
	{0, 255, 255}, // cyan
	{0, 255, 0},   // green
	{255, 255, 0}, // yellow
	{255, 0, 0},   // red
}

// Bounds is the altitude range the color gradient is stretched over.
type Bounds struct {
	MinM, MaxM float64
	Known      bool
}

// AltitudeColor maps an altitude to a hex color relative to bounds.
func AltitudeColor(altM float64, b Bounds) string {
	if !b.Known {
		return UnknownAltitudeColor
	}
	t := 0.0
	if span := b.MaxM - b.MinM; span > 0 {
		t = math.Max(0, math.Min(1, (altM-b.MinM)/span))
	}

	pos := t * float64(len(altitudeStops)-1)
	i := int(math.Floor(pos))
	if i >= len(altitudeStops)-1 {
		i = len(altitudeStops) - 2
	}
	f := pos - float64(i)
	a, c := altitudeStops[i], altitudeStops[i+1]
	return fmt.Sprintf("#%02x%02x%02x",
		int(math.Round(a.r+(c.r-a.r)*f)),
		int(math.Round(a.g+(c.g-a.g)*f)),
		int(math.Round(a.b+(c.b-a.b)*f)),
	)
}
