package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/me/wallgrid/internal/sim"
	"github.com/me/wallgrid/internal/simstore"
	"github.com/me/wallgrid/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource serves canned controller state.
type fakeSource struct {
	status model.Status
	tiles  []model.TileState
}

func (f *fakeSource) Status() model.Status          { return f.status }
func (f *fakeSource) TileStates() []model.TileState { return f.tiles }

func testSource() *fakeSource {
	return &fakeSource{
		status: model.Status{
			ControllerID:      "wall_test",
			ItemCount:         120,
			MaterializedCount: 80,
			LoadedCount:       40,
			PlayingCount:      2,
			Limits:            model.Limits{MaxLoaded: 96, MaxConcurrentLoading: 8},
		},
		tiles: []model.TileState{
			{ID: "t1", Materialized: true, Visible: true, Near: true, Load: model.LoadStateLoaded, Playing: true},
			{ID: "t2", Materialized: true, Visible: false, Near: true, Load: model.LoadStateLoading},
			{ID: "t3", Materialized: true, Visible: false, Near: false, Load: model.LoadStateUnloaded},
			{ID: "t4", Materialized: true, Visible: true, Near: true, Load: model.LoadStateFailed},
		},
	}
}

// envelope decodes the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
}

func doGet(t *testing.T, srv *Server, path string) envelope {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: status=%d, want 200, body=%s", path, w.Code, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", path, err)
	}
	return env
}

func doGetStatus(t *testing.T, srv *Server, path string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("GET %s: status=%d, want %d, body=%s", path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", path, err)
	}
	return env
}

func TestHealth(t *testing.T) {
	srv := New(testSource(), testLogger())
	env := doGet(t, srv, "/api/v1/health")
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if !strings.HasPrefix(env.RequestID, "req_") {
		t.Errorf("request_id = %q, want req_ prefix", env.RequestID)
	}

	var data struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Runs    string `json:"runs"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" {
		t.Errorf("health status = %q, want healthy", data.Status)
	}
	if data.Runs != "disabled" {
		t.Errorf("runs = %q, want disabled without a store", data.Runs)
	}
}

func TestStatus_ReflectsSource(t *testing.T) {
	srv := New(testSource(), testLogger())
	env := doGet(t, srv, "/api/v1/status")

	var got model.Status
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got.ItemCount != 120 {
		t.Errorf("item_count = %d, want 120", got.ItemCount)
	}
	if got.LoadedCount != 40 {
		t.Errorf("loaded_count = %d, want 40", got.LoadedCount)
	}
	if got.Limits.MaxLoaded != 96 {
		t.Errorf("max_loaded = %d, want 96", got.Limits.MaxLoaded)
	}
}

func TestTiles_Filters(t *testing.T) {
	srv := New(testSource(), testLogger())

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"t1", "t2", "t3", "t4"}},
		{"loaded only", "?load=LOADED", []string{"t1"}},
		{"visible", "?visible=true", []string{"t1", "t4"}},
		{"visible not playing", "?visible=true&playing=false", []string{"t4"}},
		{"near loading", "?near=true&load=LOADING", []string{"t2"}},
		{"far", "?near=false", []string{"t3"}},
		{"no match", "?load=LOADED&playing=false", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := doGet(t, srv, "/api/v1/tiles"+tt.query)

			var data struct {
				Total int               `json:"total"`
				Tiles []model.TileState `json:"tiles"`
			}
			if err := json.Unmarshal(env.Data, &data); err != nil {
				t.Fatalf("decode tiles: %v", err)
			}
			if data.Total != len(tt.want) {
				t.Fatalf("total = %d, want %d", data.Total, len(tt.want))
			}
			for i, id := range tt.want {
				if string(data.Tiles[i].ID) != id {
					t.Errorf("tile %d = %q, want %q", i, data.Tiles[i].ID, id)
				}
			}
		})
	}
}

func TestTiles_RejectsBadFilters(t *testing.T) {
	srv := New(testSource(), testLogger())

	env := doGetStatus(t, srv, "/api/v1/tiles?visible=maybe", http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != ErrValidation {
		t.Errorf("error = %+v, want %s", env.Error, ErrValidation)
	}
	if !strings.Contains(env.Error.Message, "visible") {
		t.Errorf("message %q does not name the parameter", env.Error.Message)
	}

	env = doGetStatus(t, srv, "/api/v1/tiles?load=HOT", http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != ErrValidation {
		t.Errorf("error = %+v, want %s", env.Error, ErrValidation)
	}
}

func TestRuns_RequireStore(t *testing.T) {
	srv := New(testSource(), testLogger())
	req := httptest.NewRequest("GET", "/api/v1/runs/", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when no store attached", w.Code)
	}
}

func TestRuns_Endpoints(t *testing.T) {
	st, err := simstore.Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	run := &simstore.Run{Scenario: "steady", Seed: 42}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	samples := []sim.TickSample{
		{Tick: 0, Loaded: 4, MemoryMB: 512},
		{Tick: 1, Loaded: 8, MemoryMB: 600},
	}
	if err := st.AppendSamples(ctx, run.ID, samples); err != nil {
		t.Fatalf("append samples: %v", err)
	}

	srv := New(testSource(), testLogger(), WithStore(st))

	env := doGet(t, srv, "/api/v1/runs/")
	var runs []simstore.Run
	if err := json.Unmarshal(env.Data, &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("runs = %+v, want the created run", runs)
	}

	env = doGet(t, srv, "/api/v1/runs/"+run.ID)
	var got simstore.Run
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if got.Scenario != "steady" {
		t.Errorf("scenario = %q, want steady", got.Scenario)
	}

	env = doGet(t, srv, "/api/v1/runs/"+run.ID+"/samples")
	var data struct {
		Total   int              `json:"total"`
		Samples []sim.TickSample `json:"samples"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode samples: %v", err)
	}
	if data.Total != 2 || data.Samples[1].Loaded != 8 {
		t.Errorf("samples = %+v, want the two appended ticks", data)
	}

	env = doGetStatus(t, srv, "/api/v1/runs/nope", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != ErrNotFound {
		t.Errorf("error = %+v, want %s", env.Error, ErrNotFound)
	}
}

func doGetHTML(t *testing.T, srv *Server, path string) string {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: status=%d, want 200, body=%s", path, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("GET %s: content-type=%q, want text/html", path, ct)
	}
	return w.Body.String()
}

func TestDashboard(t *testing.T) {
	srv := New(testSource(), testLogger())
	body := doGetHTML(t, srv, "/")

	if !strings.Contains(body, "wall_test") {
		t.Error("dashboard does not name the controller")
	}
	for _, want := range []string{"dot playing", "dot loading", "dot unloaded", "dot failed"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing a %q tile", want)
		}
	}
	if !strings.Contains(body, `title="t2: LOADING"`) {
		t.Error("dashboard missing the tile tooltip")
	}
	if strings.Contains(body, "Recorded Runs") {
		t.Error("dashboard shows the runs section without a store")
	}
}

func TestDashboard_ListsRuns(t *testing.T) {
	st, err := simstore.Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	run := &simstore.Run{Scenario: "steady", Seed: 42}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	srv := New(testSource(), testLogger(), WithStore(st))
	body := doGetHTML(t, srv, "/")

	if !strings.Contains(body, "Recorded Runs") {
		t.Error("dashboard missing the runs section")
	}
	if !strings.Contains(body, "steady") || !strings.Contains(body, run.ID) {
		t.Error("dashboard does not list the recorded run")
	}
}

func TestDashboard_CapsTileStrip(t *testing.T) {
	src := testSource()
	src.tiles = make([]model.TileState, 700)
	for i := range src.tiles {
		src.tiles[i] = model.TileState{ID: model.TileID(fmt.Sprintf("t%d", i)), Materialized: true, Load: model.LoadStateUnloaded}
	}

	srv := New(src, testLogger())
	body := doGetHTML(t, srv, "/")

	if !strings.Contains(body, "showing first 600 of 700 tiles") {
		t.Error("dashboard does not truncate the tile strip")
	}
	if got := strings.Count(body, `title="t`); got != 600 {
		t.Errorf("dashboard rendered %d tiles, want 600", got)
	}
}
