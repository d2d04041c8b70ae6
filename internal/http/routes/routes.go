package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/furnimove/availability"
	appmw "github.com/briangreenhill/furnimove/internal/http/middleware"
	"github.com/briangreenhill/furnimove/internal/jobs"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// StatsSource reports diagnostics for /api/availability/stats.
type StatsSource interface {
	Stats() availability.Stats
}

type Server struct {
	Router  *chi.Mux
	Avail   availability.Service
	Checker availability.Checker // single checks; may batch
	Stats   StatsSource
	Tasks   Enqueuer // nil when no Redis is configured
}

type ServerOptions struct {
	Availability availability.Service
	Checker      availability.Checker // defaults to Availability
	Stats        StatsSource
	Tasks        Enqueuer
	Logger       zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Avail: opts.Availability, Checker: opts.Checker, Stats: opts.Stats, Tasks: opts.Tasks}
	if s.Checker == nil {
		s.Checker = opts.Availability
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})

	r.Route("/api/availability", func(ar chi.Router) {
		ar.With(appmw.RequireQuery("city", "date")).Get("/city", s.handleCity)
		ar.With(appmw.RequireQuery("date")).Get("/empty", s.handleEmpty)
		ar.With(appmw.RequireQuery("city", "date")).Get("/stream", s.handleStream)
		ar.Post("/batch", s.handleBatch)
		ar.Post("/warm", s.handleWarm)
		ar.Get("/stats", s.handleStats)
	})

	return s
}

func writeJSON[T any](w http.ResponseWriter, r *http.Request, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(availability.APIResponse[T]{Success: true, Data: data}); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("write response")
	}
}

type cityAnswer struct {
	IsAvailable bool `json:"isAvailable"`
}

func (s *Server) handleCity(w http.ResponseWriter, r *http.Request) {
	ok := s.Checker.Check(r.Context(), appmw.Param(r, "city"), appmw.Param(r, "date"))
	writeJSON(w, r, http.StatusOK, cityAnswer{IsAvailable: ok})
}

func (s *Server) handleEmpty(w http.ResponseWriter, r *http.Request) {
	empty := s.Avail.CheckAllCitiesEmpty(r.Context(), appmw.Param(r, "date"))
	writeJSON(w, r, http.StatusOK, availability.EmptyData{IsEmpty: empty})
}

func decodeSlots(r *http.Request) ([]availability.Slot, error) {
	var req availability.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	for i, s := range req.Requests {
		if strings.TrimSpace(s.City) == "" || strings.TrimSpace(s.Date) == "" {
			return nil, fmt.Errorf("requests[%d]: city and date required", i)
		}
	}
	return req.Requests, nil
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	slots, err := decodeSlots(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, r, http.StatusOK, s.Avail.CheckBatch(r.Context(), slots))
}

type streamEvent struct {
	City        string `json:"city"`
	Date        string `json:"date"`
	IsAvailable bool   `json:"isAvailable"`
}

// handleStream relays every status push for one slot as Server-Sent Events
// until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	city, date := appmw.Param(r, "city"), appmw.Param(r, "date")

	updates := make(chan bool, 16)
	unsubscribe := s.Avail.Subscribe(r.Context(), city, date, func(v bool) {
		select {
		case updates <- v:
		default:
			// slow reader; it will see the next push
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := hlog.FromRequest(r)
	for {
		select {
		case <-r.Context().Done():
			return
		case v := <-updates:
			data, err := json.Marshal(streamEvent{City: city, Date: date, IsAvailable: v})
			if err != nil {
				logger.Error().Err(err).Msg("encode stream event")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug().Err(err).Msg("stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

type warmAnswer struct {
	TaskID string `json:"taskId"`
	Queue  string `json:"queue"`
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	if s.Tasks == nil {
		http.Error(w, "background tasks not configured", http.StatusServiceUnavailable)
		return
	}
	slots, err := decodeSlots(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(slots) == 0 {
		http.Error(w, "requests required", http.StatusBadRequest)
		return
	}

	task, err := jobs.NewWarmTask(jobs.WarmPayload{Requests: slots})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("build warm task")
		http.Error(w, "failed to queue warm-up", http.StatusInternalServerError)
		return
	}
	info, err := s.Tasks.EnqueueContext(r.Context(), task)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("enqueue warm task")
		http.Error(w, "failed to queue warm-up", http.StatusInternalServerError)
		return
	}

	hlog.FromRequest(r).Info().Str("task_id", info.ID).Int("slots", len(slots)).Msg("warm-up queued")
	writeJSON(w, r, http.StatusAccepted, warmAnswer{TaskID: info.ID, Queue: info.Queue})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.Stats == nil {
		http.Error(w, "stats unavailable", http.StatusNotFound)
		return
	}
	writeJSON(w, r, http.StatusOK, s.Stats.Stats())
}
