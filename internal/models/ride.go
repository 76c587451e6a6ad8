package models

import "time"

type RideStatus string

const (
	RidePending    RideStatus = "pending"
	RideMatched    RideStatus = "matched"
	RideConfirmed  RideStatus = "confirmed"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
	RideUnmatched  RideStatus = "unmatched"
)

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled || s == RideUnmatched
}

// Active statuses are the ones that occupy a driver's schedule.
func (s RideStatus) Active() bool {
	return s == RideMatched || s == RideConfirmed || s == RideInProgress
}

type WheelchairType string

const (
	WheelchairNone     WheelchairType = "none"
	WheelchairManual   WheelchairType = "manual"
	WheelchairElectric WheelchairType = "electric"
	WheelchairScooter  WheelchairType = "scooter"
)

func (w WheelchairType) Known() bool {
	switch w {
	case "", WheelchairNone, WheelchairManual, WheelchairElectric, WheelchairScooter:
		return true
	}
	return false
}

const (
	CategoryWheelchair = "wheelchair"
	CategoryStandard   = "standard"
)

type Requirements struct {
	Wheelchair WheelchairType `json:"wheelchair_type"`
	Assistance Capabilities   `json:"assistance,omitempty"`
}

// Required returns the capability set a vehicle must cover.
func (r Requirements) Required() Capabilities {
	cs := append(Capabilities{}, r.Assistance...)
	switch r.Wheelchair {
	case WheelchairManual:
		cs = append(cs, CapWheelchairRamp)
	case WheelchairElectric, WheelchairScooter:
		cs = append(cs, CapWheelchairLift)
	}
	return NewCapabilities(cs...)
}

// Category is the experience bucket a ride counts towards.
func (r Requirements) Category() string {
	if r.Wheelchair != "" && r.Wheelchair != WheelchairNone {
		return CategoryWheelchair
	}
	return CategoryStandard
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type RideRequest struct {
	ID                   string       `json:"id"`
	RiderID              string       `json:"rider_id"`
	Pickup               Coord        `json:"pickup"`
	Dropoff              Coord        `json:"dropoff"`
	PickupAt             time.Time    `json:"pickup_at"`
	PreBooked            bool         `json:"pre_booked"`
	Requirements         Requirements `json:"requirements"`
	RoundTrip            bool         `json:"round_trip"`
	ReturnWindow         *TimeWindow  `json:"return_window,omitempty"`
	Priority             Priority     `json:"priority"`
	EstimatedDistanceKm  float64      `json:"estimated_distance_km"`
	EstimatedDurationMin float64      `json:"estimated_duration_min"`
	EstimatedFare        Money        `json:"estimated_fare"`
	Status               RideStatus   `json:"status"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

func (r RideRequest) Duration() time.Duration {
	return time.Duration(r.EstimatedDurationMin * float64(time.Minute))
}

// Occupancy is the set of windows the ride would take from a driver's day:
// the outbound leg and, for round trips with a return window, the return leg
// up to the latest return pickup plus the trip duration.
func (r RideRequest) Occupancy() []TimeWindow {
	out := []TimeWindow{{Start: r.PickupAt, End: r.PickupAt.Add(r.Duration())}}
	if r.RoundTrip && r.ReturnWindow != nil {
		out = append(out, TimeWindow{Start: r.ReturnWindow.Start, End: r.ReturnWindow.End.Add(r.Duration())})
	}
	return out
}

// RideEvent is the audit record written for every status transition.
type RideEvent struct {
	RideID string     `json:"ride_id"`
	From   RideStatus `json:"from"`
	To     RideStatus `json:"to"`
	Actor  string     `json:"actor"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}
