package repository

import (
	"fmt"
	"math"
)

const earthRadiusMetres = 6371008.8

// Region is a circular geofence inside which beacons are scanned for.
type Region struct {
	Name   string  `json:"name"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Radius float64 `json:"radius"`
}

// Regions is the server's region snapshot. Changed increases whenever the
// server-side set changes.
type Regions struct {
	Changed int64    `json:"changed"`
	Regions []Region `json:"regions"`
}

// Position is a location fix from the host.
type Position struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
	Provider string  `json:"provider,omitempty"`
}

func (p Position) String() string {
	return fmt.Sprintf("lat,lng: %.5f,%.5f (%s, accuracy: %.5f)", p.Lat, p.Lng, p.Provider, p.Accuracy)
}

// Distance is the great-circle distance in metres.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMetres * math.Asin(math.Min(1, math.Sqrt(a)))
}

func (r Region) Contains(lat, lng float64) bool {
	return Distance(r.Lat, r.Lng, lat, lng) <= r.Radius
}

// Find returns the first region containing the point.
func (rs *Regions) Find(lat, lng float64) (Region, bool) {
	if rs == nil {
		return Region{}, false
	}
	for _, r := range rs.Regions {
		if r.Contains(lat, lng) {
			return r, true
		}
	}
	return Region{}, false
}

func (rs *Regions) Contains(lat, lng float64) bool {
	_, ok := rs.Find(lat, lng)
	return ok
}
