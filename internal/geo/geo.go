package geo

import (
	"math"

	"qms/checkin-service/internal/models"
)

const earthRadiusMeters = 6371000

// Distance returns the great-circle distance in meters between two points
// using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

type Verdict int

const (
	// Inside means the fix cannot confidently place the visitor outside.
	Inside Verdict = iota
	// Outside means distance minus accuracy exceeds the radius.
	Outside
	// Unusable means the fix accuracy is worse than the sanity ceiling.
	Unusable
)

func (v Verdict) String() string {
	switch v {
	case Inside:
		return "inside"
	case Outside:
		return "outside"
	case Unusable:
		return "unusable"
	default:
		return "unknown"
	}
}

type Fence struct {
	Center      models.Position
	Radius      float64
	MaxAccuracy float64
}

func NewFence(g models.Geofence, maxAccuracy float64) Fence {
	return Fence{
		Center:      models.Position{Lat: g.Lat, Lon: g.Lon},
		Radius:      g.RadiusMeters,
		MaxAccuracy: maxAccuracy,
	}
}

// Evaluate classifies a fix against the fence. The fix's accuracy is
// subtracted from the raw distance so a noisy reading never evicts on its own.
func (f Fence) Evaluate(fix models.Position) (Verdict, float64) {
	distance := Distance(f.Center.Lat, f.Center.Lon, fix.Lat, fix.Lon)
	if f.MaxAccuracy > 0 && fix.Accuracy > f.MaxAccuracy {
		return Unusable, distance
	}
	if distance-fix.Accuracy > f.Radius {
		return Outside, distance
	}
	return Inside, distance
}
