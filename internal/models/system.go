package models

import "time"

// SystemCommand is the deployment-wide command record written by the admin
// control plane and watched by kiosks.
type SystemCommand struct {
	ForceRefreshAt time.Time `json:"force_refresh_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RefreshSince reports whether a kiosk that last saw seen must reload.
func (c SystemCommand) RefreshSince(seen time.Time) bool {
	return c.ForceRefreshAt.After(seen)
}

type Location struct {
	LocationID string    `json:"location_id" yaml:"id"`
	Zone       string    `json:"zone,omitempty" yaml:"timezone"`
	Fence      *Geofence `json:"fence,omitempty" yaml:"fence"`
}

type Geofence struct {
	Lat          float64 `json:"lat" yaml:"lat"`
	Lon          float64 `json:"lon" yaml:"lon"`
	RadiusMeters float64 `json:"radius_meters" yaml:"radius_meters"`
}
