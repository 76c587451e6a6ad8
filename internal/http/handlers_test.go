package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/accessride/internal/candidates"
	"github.com/example/accessride/internal/dispatch"
	"github.com/example/accessride/internal/geo"
	"github.com/example/accessride/internal/matcher"
	"github.com/example/accessride/internal/models"
	"github.com/example/accessride/internal/observability"
	"github.com/example/accessride/internal/pricing"
	"github.com/example/accessride/internal/rides"
	"github.com/example/accessride/internal/storage"
)

var (
	pickup  = models.Coord{Lat: 38.7223, Lon: -9.1393}
	dropoff = models.Coord{Lat: 38.7369, Lon: -9.1427}
)

type offerSink struct{ ch chan models.Offer }

func (s offerSink) SendOffer(_ context.Context, _ string, o models.Offer) error {
	s.ch <- o
	return nil
}

type fakeLocations struct{ got []models.DriverCandidate }

func (f *fakeLocations) PublishLocation(_ context.Context, d models.DriverCandidate) error {
	f.got = append(f.got, d)
	return nil
}

type testEnv struct {
	srv       *Server
	sink      offerSink
	locations *fakeLocations
}

func newTestEnv(t *testing.T, sink dispatch.NotificationSink, sessions *dispatch.WSRegistry) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	ps := pricing.NewService(pricing.DefaultRates())
	rs := rides.NewService(rides.DefaultConfig(), store, nil, ps, nil, nil)
	pool := candidates.NewPool(candidates.DefaultConfig(), geo.NewIndex(), store, nil)
	env := &testEnv{sink: offerSink{ch: make(chan models.Offer, 16)}, locations: &fakeLocations{}}
	if sink == nil {
		sink = env.sink
	}
	cfg := dispatch.DefaultConfig()
	cfg.OfferWindow = 2 * time.Second
	d := dispatch.New(cfg, dispatch.Deps{
		Rides:      rs,
		Candidates: pool,
		Ranker:     matcher.NewEngine(matcher.DefaultConfig(), nil, nil),
		Fares:      ps,
		Store:      store,
		Sink:       sink,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	env.srv = NewServer(Deps{Rides: rs, Dispatcher: d, Drivers: pool, Locations: env.locations, Sessions: sessions})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) driverOnline(t *testing.T, id string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/internal/driver/locations", models.DriverCandidate{
		ID:             id,
		Location:       geo.Offset(pickup, 1, 90),
		Rating:         4.8,
		Certified:      true,
		CompletedRides: 40,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("location update: expected 204, got %d %s", rec.Code, rec.Body)
	}
}

func (e *testEnv) createRide(t *testing.T) models.RideRequest {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/rides", rides.NewRide{RiderID: "rider-1", Pickup: pickup, Dropoff: dropoff})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create ride: expected 201, got %d %s", rec.Code, rec.Body)
	}
	var ride models.RideRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &ride); err != nil {
		t.Fatal(err)
	}
	return ride
}

func waitOffer(t *testing.T, ch <-chan models.Offer) models.Offer {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatalf("no offer sent")
	}
	return models.Offer{}
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) models.RideStatus {
	t.Helper()
	var ride models.RideRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &ride); err != nil {
		t.Fatalf("decode ride: %v", err)
	}
	return ride.Status
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.driverOnline(t, "driver-1")
	if len(env.locations.got) != 1 || !env.locations.got[0].Online {
		t.Fatalf("expected location forwarded as online, got %+v", env.locations.got)
	}

	ride := env.createRide(t)
	if ride.Status != models.RidePending || ride.EstimatedFare.Amount <= 0 {
		t.Fatalf("unexpected created ride %+v", ride)
	}
	offer := waitOffer(t, env.sink.ch)
	if offer.DriverID != "driver-1" || offer.RideID != ride.ID {
		t.Fatalf("unexpected offer %+v", offer)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/offers/driver-1/accept", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d %s", rec.Code, rec.Body)
	}
	var resp dispatch.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Assignment == nil {
		t.Fatalf("expected assignment, got %s", rec.Body)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID, nil)
	if got := decodeStatus(t, rec); got != models.RideMatched {
		t.Fatalf("expected matched, got %s", got)
	}

	if rec = env.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", nil); rec.Code != http.StatusConflict {
		t.Fatalf("complete before start: expected 409, got %d", rec.Code)
	}
	for _, action := range []string{"confirm", "start", "complete"} {
		if rec = env.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/"+action, nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d %s", action, rec.Code, rec.Body)
		}
	}
	if got := decodeStatus(t, rec); got != models.RideCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID+"/events", nil)
	var body struct {
		Events []models.RideEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Events) != 4 || body.Events[0].To != models.RideMatched || body.Events[3].To != models.RideCompleted {
		t.Fatalf("unexpected events %+v", body.Events)
	}
}

func TestLateAcceptConflicts(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.driverOnline(t, "driver-1")
	env.driverOnline(t, "driver-2")
	ride := env.createRide(t)
	waitOffer(t, env.sink.ch)
	waitOffer(t, env.sink.ch)

	if rec := env.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/offers/driver-2/accept", nil); rec.Code != http.StatusOK {
		t.Fatalf("first accept: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/offers/driver-1/accept", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/offers/driver-9/decline", nil); rec.Code != http.StatusConflict && rec.Code != http.StatusNotFound {
		t.Fatalf("stranger decline: expected 404 or 409, got %d", rec.Code)
	}
}

func TestCreateRideValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/rides", rides.NewRide{RiderID: "r", Pickup: pickup, Dropoff: pickup})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Field == "" {
		t.Fatalf("expected field in error body, got %s", rec.Body)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rides", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rr.Code)
	}
}

func TestCancelRide(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.driverOnline(t, "driver-1")
	ride := env.createRide(t)
	waitOffer(t, env.sink.ch)

	rec := env.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", cancelBody{Reason: "rider changed plans"})
	if rec.Code != http.StatusOK || decodeStatus(t, rec) != models.RideCancelled {
		t.Fatalf("cancel: expected cancelled ride, got %d %s", rec.Code, rec.Body)
	}
	if rec = env.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rec.Code)
	}
}

func TestUnknownRide(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/rides/missing"},
		{http.MethodPost, "/api/v1/rides/missing/confirm"},
		{http.MethodPost, "/api/v1/rides/missing/offers/d1/accept"},
	} {
		if rec := env.do(t, tc.method, tc.path, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestDriverLocationValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(t, http.MethodPost, "/internal/driver/locations", models.DriverCandidate{Location: pickup})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if len(env.locations.got) != 0 {
		t.Fatalf("invalid update must not be forwarded")
	}
}

func TestDriverOfflineUpdatesGauge(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	before := testutil.ToFloat64(observability.DriversOnline)
	env.driverOnline(t, "gauge-driver")
	env.driverOnline(t, "gauge-driver")
	if got := testutil.ToFloat64(observability.DriversOnline); got != before+1 {
		t.Fatalf("expected gauge %v, got %v", before+1, got)
	}
	if rec := env.do(t, http.MethodDelete, "/internal/driver/locations/gauge-driver", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(observability.DriversOnline); got != before {
		t.Fatalf("expected gauge back to %v, got %v", before, got)
	}
}

func TestRequestIDAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	counter := observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "200")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-ID") != "req-123" {
		t.Fatalf("unexpected response %d headers=%v", rec.Code, rec.Header())
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("expected request counted, got %v -> %v", before, got)
	}
}

func TestWebsocketOfferAndAccept(t *testing.T) {
	sessions := dispatch.NewWSRegistry()
	env := newTestEnv(t, sessions, sessions)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	env.driverOnline(t, "ws-driver")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/ws-driver", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !sessions.Connected("ws-driver") {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ride := env.createRide(t)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg dispatch.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read offer: %v", err)
	}
	if msg.Type != dispatch.MessageOffer || msg.Offer.RideID != ride.ID {
		t.Fatalf("unexpected message %+v", msg)
	}

	if err := conn.WriteJSON(driverMessage{Type: "respond", RideID: ride.ID, Accept: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply driverReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Error != "" || reply.Response == nil || reply.Response.Status != models.OfferAccepted {
		t.Fatalf("unexpected reply %+v", reply)
	}
}
