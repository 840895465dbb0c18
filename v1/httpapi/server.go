// Package httpapi exposes the board over HTTP: presence lock endpoints, lane
// moves, paginated lane reads, and the live event stream (WebSocket and SSE).
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	"github.com/rega1237/renova-crm-sub000/v1/bus"
	"github.com/rega1237/renova-crm-sub000/v1/coordinator"
	boarderrors "github.com/rega1237/renova-crm-sub000/v1/errors"
	"github.com/rega1237/renova-crm-sub000/v1/loader"
	"github.com/rega1237/renova-crm-sub000/v1/lock"
)

// ServerConfig tunes request handling.
type ServerConfig struct {
	MaxBodyBytes int64
}

// Server routes board API requests. Actor identity rides on the X-Actor-Id
// and X-Actor-Label headers; authentication sits in front of this server.
type Server struct {
	locks  *lock.Manager
	coord  *coordinator.Coordinator
	load   *loader.Loader
	bus    bus.Bus
	cfg    ServerConfig
	stream http.HandlerFunc
	events http.HandlerFunc
	prom   http.Handler
}

// NewServer wires a Server over the board components.
func NewServer(locks *lock.Manager, coord *coordinator.Coordinator, load *loader.Loader, b bus.Bus, reg *prometheus.Registry) *Server {
	return NewServerWithConfig(locks, coord, load, b, reg, ServerConfig{})
}

// NewServerWithConfig is NewServer with explicit tuning.
func NewServerWithConfig(locks *lock.Manager, coord *coordinator.Coordinator, load *loader.Loader, b bus.Bus, reg *prometheus.Registry, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		locks:  locks,
		coord:  coord,
		load:   load,
		bus:    b,
		cfg:    cfg,
		stream: bus.WebSocketHandler(b),
		events: bus.SSEHandler(b),
	}
	if reg != nil {
		s.prom = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.prom != nil {
		s.prom.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/stream" && r.Method == http.MethodGet {
		s.stream(w, r)
		return
	}
	if r.URL.Path == "/events" && r.Method == http.MethodGet {
		s.events(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "records" && r.Method == http.MethodPost:
		recordID := parts[1]
		switch parts[2] {
		case "lock":
			s.handleLock(w, r, recordID)
		case "unlock":
			s.handleUnlock(w, r, recordID)
		case "keepalive":
			s.handleKeepalive(w, r, recordID)
		default:
			writeError(w, http.StatusNotFound, "route not found")
		}
	case len(parts) == 3 && parts[0] == "records" && parts[2] == "lane" && r.Method == http.MethodPatch:
		s.handleMove(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "lanes" && parts[1] == "counts" && r.Method == http.MethodGet:
		s.handleCounts(w, r)
	case len(parts) == 2 && parts[0] == "lanes" && r.Method == http.MethodGet:
		s.handleLane(w, r, parts[1])
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, recordID string) {
	actorID, actorLabel, ok := actor(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Actor-Id header")
		return
	}
	g, err := s.locks.Acquire(r.Context(), recordID, actorID, actorLabel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !g.Granted {
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":      "in_use",
			"holderId":    g.HeldBy,
			"holderLabel": g.HolderLabel,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "locked",
		"expiresAt": g.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, recordID string) {
	actorID, _, ok := actor(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Actor-Id header")
		return
	}
	released, err := s.locks.Release(r.Context(), recordID, actorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !released {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "not_owner_or_not_locked"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request, recordID string) {
	actorID, _, ok := actor(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Actor-Id header")
		return
	}
	expires, refreshed, err := s.locks.Keepalive(r.Context(), recordID, actorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !refreshed {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "not_owner_or_not_locked"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, recordID string) {
	actorID, actorLabel, ok := actor(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Actor-Id header")
		return
	}
	var body struct {
		FromLane string `json:"fromLane"`
		ToLane   string `json:"toLane"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	to, err := board.ParseLane(body.ToLane)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from := board.Lane(body.FromLane)

	rec, err := s.coord.MoveRecord(r.Context(), recordID, from, to, coordinator.Actor{ID: actorID, Label: actorLabel})
	if err != nil {
		switch {
		case errors.Is(err, boarderrors.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, boarderrors.ErrBadLane):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "success",
		"updatedAt": rec.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLane(w http.ResponseWriter, r *http.Request, laneName string) {
	lane, err := board.ParseLane(laneName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", loader.DefaultPageSize)

	page, err := s.load.LoadPage(r.Context(), lane, f, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if page == nil {
		page = []board.Snapshot{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	counts, err := s.load.Counts(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make(map[string]int, len(counts))
	for lane, n := range counts {
		out[string(lane)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func actor(r *http.Request) (id, label string, ok bool) {
	id = strings.TrimSpace(r.Header.Get("X-Actor-Id"))
	label = strings.TrimSpace(r.Header.Get("X-Actor-Label"))
	if label == "" {
		label = id
	}
	return id, label, id != ""
}

func parseFilters(r *http.Request) (board.Filters, error) {
	q := r.URL.Query()
	f := board.Filters{
		Search: q.Get("q"),
		Source: q.Get("source"),
		Region: q.Get("region"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return board.Filters{}, errors.New("invalid from timestamp")
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return board.Filters{}, errors.New("invalid to timestamp")
		}
		f.To = t
	}
	return f, nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"status": "error",
		"errors": []string{message},
	})
}
