package export

import "github.com/saschagrunert/kml-heatmap/pkg/models"

// TierFull is the only tier that carries groundspeed telemetry.
const TierFull = "full"

// Resolutions are the export tiers from coarsest to full detail. Epsilons
// are in degrees. A zero PointBudget means unbounded.
var Resolutions = []models.ResolutionSpec{
	{Name: "continent", DownsampleFactor: 15, Epsilon: 0.0008, PointBudget: 5000},
	{Name: "country", DownsampleFactor: 10, Epsilon: 0.0004, PointBudget: 15000},
	{Name: "region", DownsampleFactor: 5, Epsilon: 0.0002, PointBudget: 40000},
	{Name: "city", DownsampleFactor: 2, Epsilon: 0.0001, PointBudget: 100000},
	{Name: TierFull, DownsampleFactor: 1, Epsilon: 0, PointBudget: 0},
}

// ResolutionByName returns the tier with the given name.
func ResolutionByName(name string) (models.ResolutionSpec, bool) {
	for _, r := range Resolutions {
		if r.Name == name {
			return r, true
		}
	}
	return models.ResolutionSpec{}, false
}
