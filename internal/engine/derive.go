package engine

import (
	"math"

	"crowdcast/internal/types"
)

// Derived is the rider-facing output computed from one raw model prediction.
type Derived struct {
	Predicted    float64
	OccupancyPct int
	CrowdLevel   types.CrowdLevel
	MaxCapacity  int
}

// Derive turns a raw prediction into the published forecast fields. The raw
// value is clamped at zero, hourly capacity is vehicle capacity times trips
// with both floored at one, and occupancy is capped at 100 percent.
func Derive(raw float64, trips, vehicleCapacity int) Derived {
	if trips < 1 {
		trips = 1
	}
	if vehicleCapacity < 1 {
		vehicleCapacity = 1
	}
	maxCap := vehicleCapacity * trips

	pred := raw
	if pred < 0 {
		pred = 0
	}

	occ := int(math.Round(100 * pred / float64(maxCap)))
	if occ > 100 {
		occ = 100
	}

	return Derived{
		Predicted:    pred,
		OccupancyPct: occ,
		CrowdLevel:   types.CrowdLevelFor(occ),
		MaxCapacity:  maxCap,
	}
}
