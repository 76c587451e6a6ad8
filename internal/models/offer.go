package models

import "time"

type OfferStatus string

const (
	OfferPending    OfferStatus = "pending"
	OfferAccepted   OfferStatus = "accepted"
	OfferDeclined   OfferStatus = "declined"
	OfferExpired    OfferStatus = "expired"
	OfferSuperseded OfferStatus = "superseded"
)

type Offer struct {
	ID          string      `json:"id"`
	RideID      string      `json:"ride_id"`
	DriverID    string      `json:"driver_id"`
	Batch       int         `json:"batch"`
	Fare        Money       `json:"fare"`
	Score       float64     `json:"score"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
	Status      OfferStatus `json:"status"`
}

type RideAssignment struct {
	RideID     string    `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	OfferID    string    `json:"offer_id"`
	Fare       Money     `json:"fare"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type MatchScore struct {
	DriverID     string  `json:"driver_id"`
	RideID       string  `json:"ride_id"`
	Distance     float64 `json:"distance"`
	Experience   float64 `json:"experience"`
	Availability float64 `json:"availability"`
	Efficiency   float64 `json:"efficiency"`
	Rating       float64 `json:"rating"`
	Total        float64 `json:"total"`

	DistanceKm      float64 `json:"distance_km"`
	DurationMin     float64 `json:"duration_min"`
	Degraded        bool    `json:"degraded"`
	RouteAccessible bool    `json:"route_accessible"`
}
