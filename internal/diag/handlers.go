package diag

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/wallgrid/internal/sim"
	"github.com/me/wallgrid/internal/simstore"
	"github.com/me/wallgrid/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Runs      string `json:"runs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	runs := "disabled"
	if s.store != nil {
		runs = "available"
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Runs:      runs,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.source.Status())
}

// tileFilter holds the optional query filters of /tiles. Nil means the
// dimension is not filtered.
type tileFilter struct {
	load         *model.LoadState
	visible      *bool
	near         *bool
	playing      *bool
	materialized *bool
}

func (f *tileFilter) match(ts model.TileState) bool {
	if f.load != nil && ts.Load != *f.load {
		return false
	}
	if f.visible != nil && ts.Visible != *f.visible {
		return false
	}
	if f.near != nil && ts.Near != *f.near {
		return false
	}
	if f.playing != nil && ts.Playing != *f.playing {
		return false
	}
	if f.materialized != nil && ts.Materialized != *f.materialized {
		return false
	}
	return true
}

func parseTileFilter(r *http.Request) (*tileFilter, *APIError) {
	q := r.URL.Query()
	var f tileFilter

	if raw := q.Get("load"); raw != "" {
		state := model.LoadState(raw)
		switch state {
		case model.LoadStateUnloaded, model.LoadStateLoading, model.LoadStateLoaded, model.LoadStateFailed:
			f.load = &state
		default:
			return nil, &APIError{
				Code:    ErrValidation,
				Message: fmt.Sprintf("load must be one of UNLOADED, LOADING, LOADED, FAILED; got %q", raw),
			}
		}
	}

	boolParams := []struct {
		name string
		dst  **bool
	}{
		{"visible", &f.visible},
		{"near", &f.near},
		{"playing", &f.playing},
		{"materialized", &f.materialized},
	}
	for _, p := range boolParams {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, &APIError{
				Code:    ErrValidation,
				Message: fmt.Sprintf("%s must be a boolean; got %q", p.name, raw),
			}
		}
		*p.dst = &v
	}
	return &f, nil
}

type tilesResponse struct {
	Total int               `json:"total"`
	Tiles []model.TileState `json:"tiles"`
}

func (s *Server) handleTiles(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	filter, apiErr := parseTileFilter(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	tiles := []model.TileState{}
	for _, ts := range s.source.TileStates() {
		if filter.match(ts) {
			tiles = append(tiles, ts)
		}
	}
	respondOK(w, reqID, tilesResponse{Total: len(tiles), Tiles: tiles})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&APIError{Code: ErrInternal, Message: err.Error()})
		return
	}
	if runs == nil {
		runs = []*simstore.Run{}
	}
	respondOK(w, reqID, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&APIError{Code: ErrInternal, Message: err.Error()})
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound,
			&APIError{Code: ErrNotFound, Message: fmt.Sprintf("run %q not found", id)})
		return
	}
	respondOK(w, reqID, run)
}

type samplesResponse struct {
	Total   int              `json:"total"`
	Samples []sim.TickSample `json:"samples"`
}

func (s *Server) handleRunSamples(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&APIError{Code: ErrInternal, Message: err.Error()})
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound,
			&APIError{Code: ErrNotFound, Message: fmt.Sprintf("run %q not found", id)})
		return
	}

	samples, err := s.store.SamplesForRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&APIError{Code: ErrInternal, Message: err.Error()})
		return
	}
	if samples == nil {
		samples = []sim.TickSample{}
	}
	respondOK(w, reqID, samplesResponse{Total: len(samples), Samples: samples})
}
