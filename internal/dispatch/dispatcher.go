// Package dispatch runs offer rounds for pending rides and resolves the first
// acceptance into an assignment.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/accessride/internal/events"
	"github.com/example/accessride/internal/logging"
	"github.com/example/accessride/internal/models"
	"github.com/example/accessride/internal/observability"
	"github.com/example/accessride/internal/storage"
)

type Config struct {
	BatchSize  int
	MaxBatches int
	// OfferWindow is how long a driver has to answer.
	OfferWindow time.Duration
	// ReservationGrace is added to OfferWindow for the driver reservation TTL.
	ReservationGrace time.Duration
	SendTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:        5,
		MaxBatches:       3,
		OfferWindow:      60 * time.Second,
		ReservationGrace: 15 * time.Second,
		SendTimeout:      5 * time.Second,
	}
}

type RideService interface {
	Get(ctx context.Context, id string) (*models.RideRequest, error)
	Transition(ctx context.Context, id string, to models.RideStatus, actor, reason string) (*models.RideRequest, error)
}

type CandidateSource interface {
	Eligible(ctx context.Context, ride models.RideRequest) ([]models.DriverCandidate, error)
}

type Ranker interface {
	Rank(ctx context.Context, ride models.RideRequest, drivers []models.DriverCandidate) []models.MatchScore
}

type FareSource interface {
	OfferFare(ride models.RideRequest) models.Money
}

type Deps struct {
	Rides        RideService
	Candidates   CandidateSource
	Ranker       Ranker
	Fares        FareSource
	Store        storage.Store
	Reservations storage.Reservations
	Sink         NotificationSink
	Events       events.Publisher
	Logger       *slog.Logger
}

type Dispatcher struct {
	cfg          Config
	rides        RideService
	candidates   CandidateSource
	ranker       Ranker
	fares        FareSource
	store        storage.Store
	reservations storage.Reservations
	sink         NotificationSink
	events       events.Publisher
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	attempts map[string]*attempt

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Reservations == nil {
		deps.Reservations = storage.NewMemoryReservations()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:          cfg,
		rides:        deps.Rides,
		candidates:   deps.Candidates,
		ranker:       deps.Ranker,
		fares:        deps.Fares,
		store:        deps.Store,
		reservations: deps.Reservations,
		sink:         deps.Sink,
		events:       deps.Events,
		logger:       logging.Component(deps.Logger, "dispatcher"),
		now:          time.Now,
		attempts:     make(map[string]*attempt),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Go dispatches rideID in the background. Errors are logged.
func (d *Dispatcher) Go(rideID string) {
	if d.ctx.Err() != nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Dispatch(d.ctx, rideID); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("dispatch failed", "ride_id", rideID, "err", err)
		}
	}()
}

// Close stops background dispatches and waits for them, bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempt reports the state of a running dispatch.
func (d *Dispatcher) Attempt(rideID string) (AttemptSnapshot, bool) {
	a := d.lookup(rideID)
	if a == nil {
		return AttemptSnapshot{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot(), true
}

// Dispatch runs offer batches for a pending ride until a driver accepts, the
// ride is cancelled, or candidates and batches run out. It blocks; the only
// wait is on the current batch's wait-point. When ctx ends first, open offers
// are closed and the ride stays pending.
func (d *Dispatcher) Dispatch(ctx context.Context, rideID string) (Outcome, error) {
	a, err := d.register(rideID)
	if err != nil {
		return Outcome{}, err
	}
	defer d.unregister(a)

	ride, err := d.rides.Get(ctx, rideID)
	if err != nil {
		return Outcome{}, err
	}
	if ride.Status != models.RidePending {
		return Outcome{}, fmt.Errorf("%w: %s", ErrRideNotPending, ride.Status)
	}
	a.mu.Lock()
	a.ride = *ride
	a.mu.Unlock()

	cands, err := d.candidates.Eligible(ctx, *ride)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		d.logger.Error("candidate lookup failed", "ride_id", rideID, "err", err)
		return d.resolveUnmatched(ctx, a, ReasonCandidateLookupFailed, 0)
	}
	ranked := d.ranker.Rank(ctx, *ride, cands)
	if len(ranked) == 0 {
		return d.resolveUnmatched(ctx, a, ReasonNoCandidates, 0)
	}

	fare := d.fares.OfferFare(*ride)
	sent := 0
	reason := ReasonBatchesExhausted
	for n := 1; n <= d.cfg.MaxBatches; n++ {
		if a.isCancelled() {
			return d.finish(a, Outcome{Kind: OutcomeCancelled, Batches: n - 1, OffersSent: sent}), nil
		}
		picks := d.pick(ctx, a, ranked)
		if len(picks) == 0 {
			reason = ReasonCandidatesExhausted
			break
		}
		b, offers, err := d.openBatch(ctx, a, n, picks, fare)
		if errors.Is(err, ErrRideCancelled) {
			return d.finish(a, Outcome{Kind: OutcomeCancelled, Batches: n - 1, OffersSent: sent}), nil
		}
		if err != nil {
			return Outcome{}, err
		}
		sent += len(offers)
		d.deliver(a, b, offers)

		select {
		case <-b.done:
		case <-ctx.Done():
			d.abort(a, b)
			return Outcome{}, ctx.Err()
		}

		a.mu.Lock()
		result, winner := b.result, a.winner
		a.mu.Unlock()
		switch result {
		case batchAccepted:
			return d.finish(a, Outcome{Kind: OutcomeMatched, DriverID: winner.DriverID, Fare: winner.Fare, Batches: n, OffersSent: sent}), nil
		case batchCancelled:
			return d.finish(a, Outcome{Kind: OutcomeCancelled, Batches: n, OffersSent: sent}), nil
		}
		d.logger.Info("batch exhausted", "ride_id", rideID, "batch", n)
	}
	return d.resolveUnmatched(ctx, a, reason, sent)
}

// pick takes the best-ranked drivers not offered this ride before whose
// reservation can be taken for this ride.
func (d *Dispatcher) pick(ctx context.Context, a *attempt, ranked []models.MatchScore) []models.MatchScore {
	a.mu.Lock()
	offered := make(map[string]bool, len(a.offered))
	for id := range a.offered {
		offered[id] = true
	}
	a.mu.Unlock()

	ttl := d.cfg.OfferWindow + d.cfg.ReservationGrace
	var picks []models.MatchScore
	for _, s := range ranked {
		if len(picks) == d.cfg.BatchSize {
			break
		}
		if offered[s.DriverID] {
			continue
		}
		ok, err := d.reservations.Acquire(ctx, s.DriverID, a.rideID, ttl)
		if err != nil {
			d.logger.Warn("reservation failed", "ride_id", a.rideID, "driver_id", s.DriverID, "err", err)
			continue
		}
		if !ok {
			d.logger.Debug("driver reserved by another ride", "ride_id", a.rideID, "driver_id", s.DriverID)
			continue
		}
		picks = append(picks, s)
	}
	return picks
}

func (d *Dispatcher) openBatch(ctx context.Context, a *attempt, n int, picks []models.MatchScore, fare models.Money) (*batch, []models.Offer, error) {
	now := d.now()
	offers := make([]models.Offer, len(picks))
	for i, s := range picks {
		offers[i] = models.Offer{
			ID:        uuid.NewString(),
			RideID:    a.rideID,
			DriverID:  s.DriverID,
			Batch:     n,
			Fare:      fare,
			Score:     s.Total,
			CreatedAt: now,
			ExpiresAt: now.Add(d.cfg.OfferWindow),
			Status:    models.OfferPending,
		}
	}
	if err := d.store.SaveOffers(ctx, offers); err != nil {
		for _, o := range offers {
			d.release(ctx, a.rideID, o.DriverID)
		}
		return nil, nil, fmt.Errorf("save offers: %w", err)
	}

	b := newBatch(n)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, o := range offers {
		b.slots[o.DriverID] = &offerSlot{offer: o}
		a.offered[o.DriverID] = true
	}
	if a.cancelled {
		for _, slot := range b.slots {
			d.closeSlot(ctx, a, slot, models.OfferSuperseded)
		}
		return nil, nil, ErrRideCancelled
	}
	a.batch = b
	a.batches = n
	a.state = StateBatchSent
	b.open = len(b.slots)
	for driverID, slot := range b.slots {
		slot.timer = time.AfterFunc(slot.offer.ExpiresAt.Sub(now), func() {
			d.expire(a, b, driverID, "timeout")
		})
	}
	d.logger.Info("batch sent", "ride_id", a.rideID, "batch", n, "offers", len(offers))
	return b, offers, nil
}

// deliver hands every offer to the sink concurrently and does not wait. A
// failed delivery expires that offer straight away.
func (d *Dispatcher) deliver(a *attempt, b *batch, offers []models.Offer) {
	for _, o := range offers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
			defer cancel()
			if err := d.sink.SendOffer(ctx, o.DriverID, o); err != nil {
				observability.OfferDeliveryFailures.Inc()
				d.logger.Warn("offer delivery failed", "ride_id", o.RideID, "driver_id", o.DriverID, "err", err)
				d.expire(a, b, o.DriverID, "delivery_failed")
				return
			}
			observability.OffersSent.Inc()
		}()
	}
	a.mu.Lock()
	if a.batch == b && a.state == StateBatchSent {
		a.state = StateAwaiting
	}
	a.mu.Unlock()
}

func (d *Dispatcher) expire(a *attempt, b *batch, driverID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot := b.slots[driverID]
	if slot == nil || slot.offer.Status != models.OfferPending {
		return
	}
	d.closeSlot(d.ctx, a, slot, models.OfferExpired)
	d.logger.Info("offer expired", "ride_id", a.rideID, "driver_id", driverID, "reason", reason)
	b.open--
	if b.open == 0 {
		b.finish(batchExhausted)
	}
}

// abort closes a batch whose dispatch context ended.
func (d *Dispatcher) abort(a *attempt, b *batch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, slot := range b.slots {
		if slot.offer.Status == models.OfferPending {
			d.closeSlot(d.ctx, a, slot, models.OfferExpired)
			b.open--
		}
	}
	b.finish(batchAborted)
	a.state = StateResolved
	d.logger.Warn("dispatch stopped", "ride_id", a.rideID, "batch", b.number)
}

// Respond records a driver's answer to their open offer. The first accept to
// pass the ride's gate wins; later accepts get ErrRideAlreadyAssigned.
func (d *Dispatcher) Respond(ctx context.Context, rideID, driverID string, accept bool) (Response, error) {
	a := d.lookup(rideID)
	if a == nil {
		return d.respondSettled(ctx, rideID, driverID, accept)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.winner != nil {
		if a.winner.DriverID == driverID && accept {
			return Response{RideID: rideID, DriverID: driverID, OfferID: a.winner.OfferID, Status: models.OfferAccepted, Assignment: a.winner}, nil
		}
		if accept {
			observability.RaceLosses.Inc()
			d.logger.Info("accept lost race", "ride_id", rideID, "driver_id", driverID, "winner", a.winner.DriverID)
		}
		return Response{}, ErrRideAlreadyAssigned
	}
	if a.cancelled {
		return Response{}, ErrRideCancelled
	}
	b := a.batch
	var slot *offerSlot
	if b != nil {
		slot = b.slots[driverID]
	}
	if slot == nil {
		if a.offered[driverID] {
			return Response{}, ErrOfferClosed
		}
		return Response{}, ErrOfferNotFound
	}
	if slot.offer.Status != models.OfferPending {
		return Response{}, ErrOfferClosed
	}
	if !d.now().Before(slot.offer.ExpiresAt) {
		d.closeSlot(ctx, a, slot, models.OfferExpired)
		b.open--
		if b.open == 0 {
			b.finish(batchExhausted)
		}
		return Response{}, ErrOfferClosed
	}

	if !accept {
		d.closeSlot(ctx, a, slot, models.OfferDeclined)
		d.logger.Info("offer declined", "ride_id", rideID, "driver_id", driverID)
		b.open--
		if b.open == 0 {
			b.finish(batchExhausted)
		}
		return Response{RideID: rideID, DriverID: driverID, OfferID: slot.offer.ID, Status: models.OfferDeclined}, nil
	}
	return d.accept(ctx, a, b, slot)
}

// accept runs under a.mu.
func (d *Dispatcher) accept(ctx context.Context, a *attempt, b *batch, slot *offerSlot) (Response, error) {
	driverID := slot.offer.DriverID
	asg := models.RideAssignment{
		RideID:     a.rideID,
		DriverID:   driverID,
		OfferID:    slot.offer.ID,
		Fare:       slot.offer.Fare,
		AcceptedAt: d.now(),
	}
	wctx := context.WithoutCancel(ctx)
	if err := d.store.CreateAssignment(wctx, asg); err != nil {
		if errors.Is(err, storage.ErrAssignmentExists) {
			observability.RaceLosses.Inc()
			return Response{}, ErrRideAlreadyAssigned
		}
		return Response{}, fmt.Errorf("create assignment: %w", err)
	}
	a.winner = &asg
	d.closeSlot(wctx, a, slot, models.OfferAccepted)
	b.open--
	for _, other := range b.slots {
		if other.offer.Status != models.OfferPending {
			continue
		}
		d.closeSlot(wctx, a, other, models.OfferSuperseded)
		b.open--
		d.withdraw(other.offer)
	}
	if _, err := d.rides.Transition(wctx, a.rideID, models.RideMatched, "driver:"+driverID, "offer accepted"); err != nil {
		d.logger.Error("ride not marked matched after accept", "ride_id", a.rideID, "driver_id", driverID, "err", err)
	}
	b.finish(batchAccepted)
	a.state = StateResolved
	d.logger.Info("offer accepted", "ride_id", a.rideID, "driver_id", driverID, "batch", b.number)
	return Response{RideID: a.rideID, DriverID: driverID, OfferID: asg.OfferID, Status: models.OfferAccepted, Assignment: &asg}, nil
}

// respondSettled answers drivers responding after the attempt ended.
func (d *Dispatcher) respondSettled(ctx context.Context, rideID, driverID string, accept bool) (Response, error) {
	ride, err := d.rides.Get(ctx, rideID)
	if err != nil {
		return Response{}, err
	}
	if asg, err := d.store.GetAssignment(ctx, rideID); err == nil {
		if asg.DriverID == driverID && accept {
			return Response{RideID: rideID, DriverID: driverID, OfferID: asg.OfferID, Status: models.OfferAccepted, Assignment: asg}, nil
		}
		if accept {
			observability.RaceLosses.Inc()
		}
		return Response{}, ErrRideAlreadyAssigned
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Response{}, err
	}
	if ride.Status == models.RideCancelled {
		return Response{}, ErrRideCancelled
	}
	offers, err := d.store.ListOffers(ctx, rideID)
	if err != nil {
		return Response{}, err
	}
	for _, o := range offers {
		if o.DriverID == driverID {
			return Response{}, ErrOfferClosed
		}
	}
	return Response{}, ErrOfferNotFound
}

// Cancel cancels the ride. A running attempt is stopped first, under the
// ride's gate, so no accept can land after the cancellation.
func (d *Dispatcher) Cancel(ctx context.Context, rideID, actor, reason string) error {
	a := d.lookup(rideID)
	if a == nil {
		_, err := d.rides.Transition(ctx, rideID, models.RideCancelled, actor, reason)
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.winner == nil && !a.cancelled {
		a.cancelled = true
		if b := a.batch; b != nil {
			for _, slot := range b.slots {
				if slot.offer.Status != models.OfferPending {
					continue
				}
				d.closeSlot(ctx, a, slot, models.OfferSuperseded)
				b.open--
				d.withdraw(slot.offer)
			}
			b.finish(batchCancelled)
		}
	}
	_, err := d.rides.Transition(ctx, rideID, models.RideCancelled, actor, reason)
	return err
}

// closeSlot moves an open offer to a terminal status, persists it and frees
// the driver's reservation. Runs under a.mu.
func (d *Dispatcher) closeSlot(ctx context.Context, a *attempt, slot *offerSlot, status models.OfferStatus) {
	if slot.timer != nil {
		slot.timer.Stop()
	}
	at := d.now()
	slot.offer.Status = status
	slot.offer.RespondedAt = &at

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()
	if ok, err := d.store.UpdateOfferStatus(wctx, slot.offer.ID, models.OfferPending, status, at); err != nil || !ok {
		d.logger.Warn("offer status not persisted", "ride_id", a.rideID, "offer_id", slot.offer.ID, "status", status, "err", err)
	}
	d.release(wctx, a.rideID, slot.offer.DriverID)
	observability.OfferResolutions.WithLabelValues(string(status)).Inc()
}

func (d *Dispatcher) release(ctx context.Context, rideID, driverID string) {
	if err := d.reservations.Release(context.WithoutCancel(ctx), driverID, rideID); err != nil {
		d.logger.Warn("reservation release failed", "ride_id", rideID, "driver_id", driverID, "err", err)
	}
}

// withdraw tells a driver, best effort, that their offer closed.
func (d *Dispatcher) withdraw(o models.Offer) {
	w, ok := d.sink.(Withdrawer)
	if !ok {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
		defer cancel()
		if err := w.WithdrawOffer(ctx, o.DriverID, o); err != nil {
			d.logger.Debug("withdraw notice failed", "ride_id", o.RideID, "driver_id", o.DriverID, "err", err)
		}
	}()
}

func (d *Dispatcher) resolveUnmatched(ctx context.Context, a *attempt, reason string, sent int) (Outcome, error) {
	a.mu.Lock()
	if a.cancelled {
		a.state = StateResolved
		batches := a.batches
		a.mu.Unlock()
		return d.finish(a, Outcome{Kind: OutcomeCancelled, Batches: batches, OffersSent: sent}), nil
	}
	_, err := d.rides.Transition(context.WithoutCancel(ctx), a.rideID, models.RideUnmatched, "dispatcher", reason)
	a.state = StateResolved
	batches := a.batches
	a.mu.Unlock()

	out := d.finish(a, Outcome{Kind: OutcomeUnmatched, Reason: reason, Batches: batches, OffersSent: sent})
	if err != nil {
		return out, fmt.Errorf("mark unmatched: %w", err)
	}
	return out, nil
}

// finish records a resolved attempt and publishes its outcome.
func (d *Dispatcher) finish(a *attempt, out Outcome) Outcome {
	a.mu.Lock()
	a.state = StateResolved
	started := a.started
	a.mu.Unlock()

	out.RideID = a.rideID
	observability.DispatchOutcomes.WithLabelValues(string(out.Kind), out.Reason).Inc()
	observability.DispatchLatency.Observe(time.Since(started).Seconds())
	observability.BatchesPerDispatch.Observe(float64(out.Batches))
	_ = d.events.Publish(d.ctx, events.TopicDispatch, events.Envelope{
		Type:   events.TypeDispatchOutcome,
		RideID: a.rideID,
		At:     d.now().UTC(),
		Data:   out,
	})
	d.logger.Info("dispatch resolved", "ride_id", a.rideID, "outcome", out.Kind, "reason", out.Reason,
		"driver_id", out.DriverID, "batches", out.Batches, "offers", out.OffersSent)
	return out
}

func (a *attempt) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

func (d *Dispatcher) register(rideID string) (*attempt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.attempts[rideID]; ok {
		return nil, ErrDispatchInProgress
	}
	a := newAttempt(rideID, time.Now())
	d.attempts[rideID] = a
	return a, nil
}

func (d *Dispatcher) unregister(a *attempt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attempts[a.rideID] == a {
		delete(d.attempts, a.rideID)
	}
}

func (d *Dispatcher) lookup(rideID string) *attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[rideID]
}
