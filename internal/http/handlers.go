package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/accessride/internal/dispatch"
	"github.com/example/accessride/internal/geo"
	"github.com/example/accessride/internal/logging"
	"github.com/example/accessride/internal/models"
	"github.com/example/accessride/internal/observability"
	"github.com/example/accessride/internal/rides"
)

// DriverIndex is the live driver snapshot store behind the location endpoint.
type DriverIndex interface {
	Update(ctx context.Context, d models.DriverCandidate) error
	Remove(ctx context.Context, driverID string) error
}

// LocationPublisher forwards driver snapshots to the ingest topic.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.DriverCandidate) error
}

type Deps struct {
	Rides      *rides.Service
	Dispatcher *dispatch.Dispatcher
	Drivers    DriverIndex
	Locations  LocationPublisher
	Sessions   *dispatch.WSRegistry
	Logger     *slog.Logger
}

type Server struct {
	rides      *rides.Service
	dispatcher *dispatch.Dispatcher
	drivers    DriverIndex
	locations  LocationPublisher
	sessions   *dispatch.WSRegistry
	logger     *slog.Logger
	mux        *mux.Router

	onlineMu sync.Mutex
	online   map[string]bool
}

func NewServer(deps Deps) *Server {
	s := &Server{
		rides:      deps.Rides,
		dispatcher: deps.Dispatcher,
		drivers:    deps.Drivers,
		locations:  deps.Locations,
		sessions:   deps.Sessions,
		logger:     logging.Component(deps.Logger, "http"),
		mux:        mux.NewRouter(),
		online:     make(map[string]bool),
	}
	if s.sessions == nil {
		s.sessions = dispatch.NewWSRegistry()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{id}/events", s.handleRideEvents).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}/{action:confirm|start|complete}", s.handleRideAction).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}/offers/{driver_id}/{answer:accept|decline}", s.handleOfferResponse).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations/{driver_id}", s.handleDriverOffline).Methods(http.MethodDelete)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// rideView is a ride plus its running dispatch, when there is one.
type rideView struct {
	*models.RideRequest
	Dispatch *dispatch.AttemptSnapshot `json:"dispatch,omitempty"`
}

func (s *Server) view(ride *models.RideRequest) rideView {
	v := rideView{RideRequest: ride}
	if s.dispatcher != nil {
		if snap, ok := s.dispatcher.Attempt(ride.ID); ok {
			v.Dispatch = &snap
		}
	}
	return v
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in rides.NewRide
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body: " + err.Error()})
		return
	}
	ride, err := s.rides.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.dispatcher != nil {
		s.dispatcher.Go(ride.ID)
	}
	writeJSON(w, http.StatusCreated, rideView{RideRequest: ride})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(ride))
}

func (s *Server) handleRideEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.rides.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleRideAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, actor := vars["id"], actorOf(r)
	var (
		ride *models.RideRequest
		err  error
	)
	switch vars["action"] {
	case "confirm":
		ride, err = s.rides.Confirm(r.Context(), id, actor)
	case "start":
		ride, err = s.rides.Start(r.Context(), id, actor)
	case "complete":
		ride, err = s.rides.Complete(r.Context(), id, actor)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideView{RideRequest: ride})
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body cancelBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body: " + err.Error()})
			return
		}
	}
	var err error
	if s.dispatcher != nil {
		err = s.dispatcher.Cancel(r.Context(), id, actorOf(r), body.Reason)
	} else {
		_, err = s.rides.Transition(r.Context(), id, models.RideCancelled, actorOf(r), body.Reason)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideView{RideRequest: ride})
}

func (s *Server) handleOfferResponse(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "dispatch disabled"})
		return
	}
	vars := mux.Vars(r)
	resp, err := s.dispatcher.Respond(r.Context(), vars["id"], vars["driver_id"], vars["answer"] == "accept")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.DriverCandidate
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body: " + err.Error()})
		return
	}
	if d.ID == "" || !geo.ValidCoord(d.Location) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "driver id and a valid location are required"})
		return
	}
	// a location ping means the driver is online
	d.Online = true
	if d.LocationAt.IsZero() {
		d.LocationAt = time.Now().UTC()
	}
	d.Capabilities = models.NewCapabilities(d.Capabilities...)
	if err := s.drivers.Update(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("location publish failed", "driver_id", d.ID, "err", err)
		}
	}
	s.markOnline(d.ID, true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if err := s.drivers.Remove(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.markOnline(id, false)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markOnline(driverID string, online bool) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	if s.online[driverID] == online {
		return
	}
	if online {
		s.online[driverID] = true
		observability.DriversOnline.Inc()
		return
	}
	delete(s.online, driverID)
	observability.DriversOnline.Dec()
}

var upgrader = websocket.Upgrader{}

// driverMessage is what a driver app sends over its websocket.
type driverMessage struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id"`
	Accept bool   `json:"accept"`
}

type driverReply struct {
	Type     string             `json:"type"`
	RideID   string             `json:"ride_id"`
	Response *dispatch.Response `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "driver_id", id, "err", err)
		return
	}
	session := s.sessions.Add(id, conn)
	defer func() {
		s.sessions.Remove(id, conn)
		_ = conn.Close()
	}()
	conn.SetReadLimit(4096)

	for {
		var m driverMessage
		if err := conn.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "driver_id", id, "err", err)
			}
			return
		}
		if m.Type != "respond" || s.dispatcher == nil {
			continue
		}
		reply := driverReply{Type: "response", RideID: m.RideID}
		resp, err := s.dispatcher.Respond(r.Context(), m.RideID, id, m.Accept)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Response = &resp
		}
		if err := session.WriteJSON(r.Context(), reply); err != nil {
			s.logger.Warn("websocket reply failed", "driver_id", id, "err", err)
			return
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *rides.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, rides.ErrNotFound), errors.Is(err, dispatch.ErrOfferNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, rides.ErrInvalidTransition),
		errors.Is(err, rides.ErrConflict),
		errors.Is(err, dispatch.ErrRideAlreadyAssigned),
		errors.Is(err, dispatch.ErrOfferClosed),
		errors.Is(err, dispatch.ErrRideCancelled),
		errors.Is(err, dispatch.ErrDispatchInProgress),
		errors.Is(err, dispatch.ErrRideNotPending):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func actorOf(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}
