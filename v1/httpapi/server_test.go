package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	"github.com/rega1237/renova-crm-sub000/v1/bus"
	"github.com/rega1237/renova-crm-sub000/v1/coordinator"
	"github.com/rega1237/renova-crm-sub000/v1/loader"
	"github.com/rega1237/renova-crm-sub000/v1/lock"
	"github.com/rega1237/renova-crm-sub000/v1/metrics"
	"github.com/rega1237/renova-crm-sub000/v1/store"
)

func newTestServer(t *testing.T) (*Server, *store.InMemory) {
	t.Helper()
	mem := store.NewInMemory()
	b := bus.NewInMemoryBus()
	return NewServer(
		lock.NewManager(mem, b, "b1"),
		coordinator.New(mem, b, "b1"),
		loader.New(mem),
		b,
		nil,
	), mem
}

func seedRecord(t *testing.T, mem *store.InMemory, id string, lane board.Lane) {
	t.Helper()
	now := time.Now().Add(-time.Hour)
	err := mem.Put(context.Background(), board.Record{
		ID: id, Lane: lane, Title: "record " + id, Owner: "alice",
		Source: "web", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func do(t *testing.T, s *Server, method, path, actorID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
		req.Header.Set("X-Actor-Label", "viewer "+actorID)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLockLifecycle(t *testing.T) {
	s, mem := newTestServer(t)
	seedRecord(t, mem, "7", board.LaneLead)

	rec := do(t, s, http.MethodPost, "/records/7/lock", "A", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("acquire status = %d body=%s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["status"] != "locked" || body["expiresAt"] == "" {
		t.Fatalf("acquire body = %v", body)
	}

	rec = do(t, s, http.MethodPost, "/records/7/lock", "B", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "in_use" || body["holderId"] != "A" || body["holderLabel"] != "viewer A" {
		t.Fatalf("conflict body = %v", body)
	}

	rec = do(t, s, http.MethodPost, "/records/7/keepalive", "A", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("keepalive status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Fatalf("keepalive body = %v", body)
	}

	// only the holder can release
	rec = do(t, s, http.MethodPost, "/records/7/unlock", "B", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("foreign unlock status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "not_owner_or_not_locked" {
		t.Fatalf("foreign unlock body = %v", body)
	}

	rec = do(t, s, http.MethodPost, "/records/7/unlock", "A", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unlock status = %d", rec.Code)
	}
}

func TestLockRequiresActor(t *testing.T) {
	s, mem := newTestServer(t)
	seedRecord(t, mem, "7", board.LaneLead)
	rec := do(t, s, http.MethodPost, "/records/7/lock", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMoveLane(t *testing.T) {
	s, mem := newTestServer(t)
	seedRecord(t, mem, "42", board.LaneLead)

	rec := do(t, s, http.MethodPatch, "/records/42/lane", "A", `{"fromLane":"lead","toLane":"scheduled"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("move status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "success" || body["updatedAt"] == "" {
		t.Fatalf("move body = %v", body)
	}

	got, err := mem.Get(context.Background(), "42")
	if err != nil || got.Lane != board.LaneScheduled {
		t.Fatalf("record after move: %+v, %v", got, err)
	}
}

func TestMoveLaneValidation(t *testing.T) {
	s, mem := newTestServer(t)
	seedRecord(t, mem, "42", board.LaneLead)

	rec := do(t, s, http.MethodPatch, "/records/42/lane", "A", `{"toLane":"bogus"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad lane status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "error" {
		t.Fatalf("bad lane body = %v", body)
	}

	rec = do(t, s, http.MethodPatch, "/records/nope/lane", "A", `{"toLane":"won"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing record status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodPatch, "/records/42/lane", "A", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", rec.Code)
	}
}

func TestLanePageAndCounts(t *testing.T) {
	s, mem := newTestServer(t)
	seedRecord(t, mem, "1", board.LaneLead)
	seedRecord(t, mem, "2", board.LaneLead)
	seedRecord(t, mem, "3", board.LaneWon)

	rec := do(t, s, http.MethodGet, "/lanes/lead?limit=10", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("lane status = %d", rec.Code)
	}
	var page []board.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}

	rec = do(t, s, http.MethodGet, "/lanes/counts", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("counts status = %d", rec.Code)
	}
	var counts map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
	if counts["lead"] != 2 || counts["won"] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	rec = do(t, s, http.MethodGet, "/lanes/bogus", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad lane status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mem := store.NewInMemory()
	b := bus.NewInMemoryBus()
	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	s := NewServer(
		lock.NewManager(mem, b, "b1"),
		coordinator.New(mem, b, "b1"),
		loader.New(mem),
		b,
		reg,
	)
	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "board_moves_total") {
		t.Fatal("metrics output missing board counters")
	}
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
