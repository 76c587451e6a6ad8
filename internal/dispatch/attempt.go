package dispatch

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/accessride/internal/models"
)

var (
	ErrRideAlreadyAssigned = errors.New("dispatch: ride already assigned")
	ErrOfferClosed         = errors.New("dispatch: offer no longer open")
	ErrOfferNotFound       = errors.New("dispatch: no offer for driver")
	ErrRideCancelled       = errors.New("dispatch: ride cancelled")
	ErrDispatchInProgress  = errors.New("dispatch: already dispatching ride")
	ErrRideNotPending      = errors.New("dispatch: ride is not pending")
)

type AttemptState string

const (
	StateCollecting AttemptState = "collecting_candidates"
	StateBatchSent  AttemptState = "batch_sent"
	StateAwaiting   AttemptState = "awaiting_responses"
	StateResolved   AttemptState = "resolved"
)

type batchResult int

const (
	batchOpen batchResult = iota
	batchAccepted
	batchExhausted
	batchCancelled
	batchAborted
)

type offerSlot struct {
	offer models.Offer
	timer *time.Timer
}

// batch is one round of offers. done is the attempt's single wait-point: it
// closes exactly once, when the batch resolves.
type batch struct {
	number int
	slots  map[string]*offerSlot
	open   int
	result batchResult
	done   chan struct{}
}

func newBatch(n int) *batch {
	return &batch{number: n, slots: make(map[string]*offerSlot), done: make(chan struct{})}
}

func (b *batch) finish(r batchResult) {
	if b.result != batchOpen {
		return
	}
	b.result = r
	close(b.done)
}

// attempt is the dispatch of one ride. mu is the per-ride gate: every offer
// state change, the accept decision and the ride's terminal transition for
// this attempt happen under it.
type attempt struct {
	mu        sync.Mutex
	rideID    string
	ride      models.RideRequest
	state     AttemptState
	batch     *batch
	batches   int
	offered   map[string]bool
	winner    *models.RideAssignment
	cancelled bool
	started   time.Time
}

func newAttempt(rideID string, now time.Time) *attempt {
	return &attempt{rideID: rideID, state: StateCollecting, offered: make(map[string]bool), started: now}
}

// AttemptSnapshot is a read-only view of a running attempt.
type AttemptSnapshot struct {
	RideID     string       `json:"ride_id"`
	State      AttemptState `json:"state"`
	Batch      int          `json:"batch"`
	OpenOffers []string     `json:"open_offers"`
	Offered    []string     `json:"offered"`
	Cancelled  bool         `json:"cancelled"`
}

func (a *attempt) snapshot() AttemptSnapshot {
	s := AttemptSnapshot{RideID: a.rideID, State: a.state, Batch: a.batches, Cancelled: a.cancelled}
	for id := range a.offered {
		s.Offered = append(s.Offered, id)
	}
	if a.batch != nil {
		for id, slot := range a.batch.slots {
			if slot.offer.Status == models.OfferPending {
				s.OpenOffers = append(s.OpenOffers, id)
			}
		}
	}
	sort.Strings(s.Offered)
	sort.Strings(s.OpenOffers)
	return s
}

type OutcomeKind string

const (
	OutcomeMatched   OutcomeKind = "matched"
	OutcomeUnmatched OutcomeKind = "unmatched"
	OutcomeCancelled OutcomeKind = "cancelled"
)

const (
	ReasonNoCandidates          = "no_candidates"
	ReasonCandidatesExhausted   = "candidates_exhausted"
	ReasonBatchesExhausted      = "batches_exhausted"
	ReasonCandidateLookupFailed = "candidate_lookup_failed"
)

// Outcome is how a dispatch attempt ended.
type Outcome struct {
	RideID     string       `json:"ride_id"`
	Kind       OutcomeKind  `json:"kind"`
	Reason     string       `json:"reason,omitempty"`
	DriverID   string       `json:"driver_id,omitempty"`
	Fare       models.Money `json:"fare,omitempty"`
	Batches    int          `json:"batches"`
	OffersSent int          `json:"offers_sent"`
}

// Response is the result of a driver answering an offer.
type Response struct {
	RideID     string                 `json:"ride_id"`
	DriverID   string                 `json:"driver_id"`
	OfferID    string                 `json:"offer_id"`
	Status     models.OfferStatus     `json:"status"`
	Assignment *models.RideAssignment `json:"assignment,omitempty"`
}
