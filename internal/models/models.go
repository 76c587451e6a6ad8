package models

import (
	"sort"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Money is an amount in minor units (cents).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

const DefaultCurrency = "EUR"

// Capability is an accessibility feature a vehicle/driver can provide.
type Capability string

const (
	CapWheelchairRamp Capability = "wheelchair_ramp"
	CapWheelchairLift Capability = "wheelchair_lift"
	CapTransferAssist Capability = "transfer_assistance"
	CapDoorToDoor     Capability = "door_to_door"
	CapServiceAnimal  Capability = "service_animal"
)

var knownCapabilities = map[Capability]bool{
	CapWheelchairRamp: true,
	CapWheelchairLift: true,
	CapTransferAssist: true,
	CapDoorToDoor:     true,
	CapServiceAnimal:  true,
}

func (c Capability) Known() bool { return knownCapabilities[c] }

// Capabilities is a set of capabilities kept as a sorted, de-duplicated slice
// so it serializes cleanly to JSON, Redis hashes and Postgres arrays.
type Capabilities []Capability

func NewCapabilities(cs ...Capability) Capabilities {
	seen := make(map[Capability]bool, len(cs))
	out := make(Capabilities, 0, len(cs))
	for _, c := range cs {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (cs Capabilities) Has(c Capability) bool {
	for _, x := range cs {
		if x == c {
			return true
		}
	}
	return false
}

// Covers reports whether cs is a superset of required.
func (cs Capabilities) Covers(required Capabilities) bool {
	for _, r := range required {
		if !cs.Has(r) {
			return false
		}
	}
	return true
}

func (cs Capabilities) Strings() []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func CapabilitiesFromStrings(ss []string) Capabilities {
	cs := make([]Capability, 0, len(ss))
	for _, s := range ss {
		cs = append(cs, Capability(s))
	}
	return NewCapabilities(cs...)
}

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w TimeWindow) Overlaps(o TimeWindow) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Gap returns the idle time between two non-overlapping windows, or 0 when
// they overlap.
func (w TimeWindow) Gap(o TimeWindow) time.Duration {
	if w.Overlaps(o) {
		return 0
	}
	if !w.End.After(o.Start) {
		return o.Start.Sub(w.End)
	}
	return w.Start.Sub(o.End)
}

// CommittedWindow is a ride a driver has already committed to.
type CommittedWindow struct {
	RideID  string     `json:"ride_id"`
	Window  TimeWindow `json:"window"`
	Pickup  Coord      `json:"pickup"`
	Dropoff Coord      `json:"dropoff"`
}

// DriverCandidate is a read-only snapshot of a driver taken at dispatch time.
// It doubles as the driver status message on the location ingest topic.
type DriverCandidate struct {
	ID             string            `json:"id"`
	Location       Coord             `json:"loc"`
	LocationAt     time.Time         `json:"updated"`
	Capabilities   Capabilities      `json:"capabilities"`
	Rating         float64           `json:"rating"` // 0..5
	CompletedRides int               `json:"completed_rides"`
	CategoryRides  map[string]int    `json:"category_rides,omitempty"`
	Windows        []CommittedWindow `json:"windows,omitempty"`
	Online         bool              `json:"online"`
	Certified      bool              `json:"certified"`

	// DistanceKm is the great-circle distance to the ride's pickup, set by the
	// candidate pool.
	DistanceKm float64 `json:"distance_km,omitempty"`
}

// RidesIn returns the driver's completed ride count for an accessibility
// category.
func (d DriverCandidate) RidesIn(category string) int {
	if d.CategoryRides == nil {
		return 0
	}
	return d.CategoryRides[category]
}
