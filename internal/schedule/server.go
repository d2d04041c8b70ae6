package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/net/websocket"

	"github.com/briangreenhill/furnimove/availability"
	"github.com/briangreenhill/furnimove/internal/wire"
)

type Server struct {
	Router   *chi.Mux
	Store    Store
	Notifier Notifier
	Hub      *Hub
	logger   zerolog.Logger
}

type ServerOptions struct {
	Store  Store
	Logger zerolog.Logger
	// Notifier defaults to a LocalNotifier on the server's own hub.
	Notifier Notifier
}

func NewServer(opts ServerOptions) *Server {
	hub := NewHub(opts.Store, opts.Logger)
	s := &Server{
		Router:   chi.NewRouter(),
		Store:    opts.Store,
		Notifier: opts.Notifier,
		Hub:      hub,
		logger:   opts.Logger,
	}
	if s.Notifier == nil {
		s.Notifier = LocalNotifier{B: hub}
	}

	r := s.Router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/city-schedule-status", s.handleCityStatus)
	r.Get("/api/check-all-cities-empty", s.handleAllEmpty)
	r.Post("/api/batch-city-availability", s.handleBatch)
	r.Put("/api/city-schedule", s.handleSetSchedule)

	// the live channel is reachable at the bare base address and at /ws
	r.Handle("/", hub.Handler())
	r.Handle("/ws", hub.Handler())
	return s
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(availability.APIResponse[T]{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(availability.APIResponse[any]{Error: err.Error()})
}

func statusFor(err error) int {
	if errors.Is(err, ErrInvalidSlot) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleCityStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ok, err := s.Store.IsScheduled(r.Context(), q.Get("city"), q.Get("date"))
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, availability.ScheduledData{IsScheduled: ok})
}

func (s *Server) handleAllEmpty(w http.ResponseWriter, r *http.Request) {
	cities, err := s.Store.ScheduledCities(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, availability.EmptyData{IsEmpty: len(cities) == 0})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req availability.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	out := make(map[string]availability.ScheduledData, len(req.Requests))
	for _, slot := range req.Requests {
		ok, err := s.Store.IsScheduled(r.Context(), slot.City, slot.Date)
		if err != nil {
			writeError(w, r, statusFor(err), err)
			return
		}
		out[slot.Key()] = availability.ScheduledData{IsScheduled: ok}
	}
	writeJSON(w, http.StatusOK, out)
}

type setScheduleRequest struct {
	City        string `json:"city"`
	Date        string `json:"date"`
	IsScheduled bool   `json:"isScheduled"`
}

func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request) {
	var req setScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	req.City, req.Date = strings.TrimSpace(req.City), strings.TrimSpace(req.Date)
	if err := s.Store.SetScheduled(r.Context(), req.City, req.Date, req.IsScheduled); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}

	status := wire.CityStatus{City: req.City, Date: req.Date, IsScheduled: req.IsScheduled}
	if err := s.Notifier.Publish(r.Context(), status); err != nil {
		// the write stands; subscribers catch up on their next read
		hlog.FromRequest(r).Warn().Err(err).Str("slot", status.Slot().Key()).Msg("status change not published")
	}
	writeJSON(w, http.StatusOK, status)
}

// Hub serves live-channel connections and pushes status changes to the
// connections subscribed to them.
type Hub struct {
	store  Store
	logger zerolog.Logger

	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	subs map[string]struct{}
}

func NewHub(store Store, logger zerolog.Logger) *Hub {
	return &Hub{
		store:  store,
		logger: logger.With().Str("component", "hub").Logger(),
		peers:  make(map[*peer]struct{}),
	}
}

// Handler upgrades requests to the live channel. Any origin is accepted;
// the session cookie travels with the handshake.
func (h *Hub) Handler() http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   h.serve,
	}
}

// Peers returns the number of open connections.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Broadcast sends status to every peer subscribed to its slot.
func (h *Hub) Broadcast(status wire.CityStatus) {
	key := status.Slot().Key()
	h.mu.Lock()
	var targets []*peer
	for p := range h.peers {
		if _, ok := p.subs[key]; ok {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, p := range targets {
		h.send(p, status)
	}
}

func (h *Hub) serve(ws *websocket.Conn) {
	p := &peer{ws: ws, subs: make(map[string]struct{})}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug().Str("remote", ws.Request().RemoteAddr).Msg("peer connected")

	defer func() {
		h.mu.Lock()
		delete(h.peers, p)
		h.mu.Unlock()
		_ = ws.Close()
	}()

	ctx := ws.Request().Context()
	for {
		var frame string
		if err := websocket.Message.Receive(ws, &frame); err != nil {
			return
		}
		msg, err := wire.DecodeOutbound([]byte(frame))
		if err != nil {
			h.logger.Warn().Err(err).Msg("bad frame from peer")
			h.send(p, wire.ServerError{Message: err.Error()})
			continue
		}
		h.handle(ctx, p, msg)
	}
}

func (h *Hub) handle(ctx context.Context, p *peer, msg wire.Message) {
	switch m := msg.(type) {
	case wire.Subscribe:
		h.mu.Lock()
		p.subs[m.Key()] = struct{}{}
		h.mu.Unlock()
		ok, err := h.store.IsScheduled(ctx, m.City, m.Date)
		if err != nil {
			h.send(p, wire.ServerError{Message: err.Error()})
			return
		}
		h.send(p, wire.CityStatus{City: m.City, Date: m.Date, IsScheduled: ok})

	case wire.Unsubscribe:
		h.mu.Lock()
		delete(p.subs, m.Key())
		h.mu.Unlock()

	case wire.BatchCheck:
		res := wire.BatchResult{RequestID: m.RequestID, Results: make([]wire.CityStatus, 0, len(m.Requests))}
		for _, r := range m.Requests {
			ok, err := h.store.IsScheduled(ctx, r.City, r.Date)
			if err != nil {
				h.send(p, wire.ServerError{Message: err.Error()})
				return
			}
			res.Results = append(res.Results, wire.CityStatus{City: r.City, Date: r.Date, IsScheduled: ok})
		}
		h.send(p, res)

	case wire.CheckEmpty:
		cities, err := h.store.ScheduledCities(ctx, m.Date)
		if err != nil {
			h.send(p, wire.ServerError{Message: err.Error()})
			return
		}
		h.send(p, wire.EmptyResult{RequestID: m.RequestID, Date: m.Date, IsEmpty: len(cities) == 0})
	}
}

func (h *Hub) send(p *peer, m wire.Message) {
	frame, err := wire.Marshal(m)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(m.Type())).Msg("encode frame")
		return
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := websocket.Message.Send(p.ws, string(frame)); err != nil {
		h.logger.Debug().Err(err).Msg("send to peer failed")
	}
}
