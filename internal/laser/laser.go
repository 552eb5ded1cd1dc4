// Package laser provides laser rangefinder drivers, a connector that brings
// them up from command line flags, and scan views for the web server.
package laser

import (
	"context"
	"errors"
	"time"
)

// ErrNoDevice is returned by the connector when no laser is configured.
var ErrNoDevice = errors.New("no laser configured")

// Reading is one range measurement.
type Reading struct {
	Step  int     `json:"step"`
	Angle float64 `json:"angle"` // degrees, counter-clockwise from the sensor front
	Range int     `json:"range"` // mm
	Valid bool    `json:"valid"`
}

// Scan is a complete sweep.
type Scan struct {
	Time     time.Time `json:"time"`
	Readings []Reading `json:"readings"`
}

// Laser is a connected rangefinder.
type Laser interface {
	Name() string
	// AbsoluteMaxRange is the furthest range the device can report, in mm.
	AbsoluteMaxRange() int
	// Readings returns a copy of the most recent scan.
	Readings() Scan
	// RunAsync starts polling on its own goroutine.
	RunAsync(ctx context.Context)
	Close() error
}

// Host receives connected lasers. The robot keeps them in its laser map.
type Host interface {
	AddLaser(n int, l Laser)
}
