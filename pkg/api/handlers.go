package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/ethpandaops/sweepoor/pkg/ledger"
	"github.com/ethpandaops/sweepoor/pkg/storage"
	"github.com/go-chi/chi/v5"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// validSegment rejects path parameters that could leave the sweep prefix.
func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sweepsResponse struct {
	Sweeps []ledger.Sweep `json:"sweeps"`
}

func (s *server) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	sweeps, err := s.ledger.ListSweeps(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list sweeps")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	if sweeps == nil {
		sweeps = []ledger.Sweep{}
	}

	writeJSON(w, http.StatusOK, sweepsResponse{Sweeps: sweeps})
}

func (s *server) handleGetSweep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sweepID")

	sw, err := s.ledger.GetSweep(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"sweep not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).WithField("sweep_id", id).Error("Failed to get sweep")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, sw)
}

type runsResponse struct {
	SweepID string       `json:"sweep_id"`
	Runs    []ledger.Run `json:"runs"`
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sweepID")

	if _, err := s.ledger.GetSweep(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"sweep not found"})

			return
		}

		s.log.WithError(err).WithField("sweep_id", id).Error("Failed to get sweep")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	runs, err := s.ledger.ListRuns(r.Context(), id)
	if err != nil {
		s.log.WithError(err).WithField("sweep_id", id).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	if runs == nil {
		runs = []ledger.Run{}
	}

	writeJSON(w, http.StatusOK, runsResponse{SweepID: id, Runs: runs})
}

var reportContentTypes = map[string]string{
	".png":  "image/png",
	".md":   "text/markdown; charset=utf-8",
	".json": "application/json",
	".yaml": "application/yaml",
}

// handleReportFile streams a report artifact from the object store.
func (s *server) handleReportFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sweepID")
	file := chi.URLParam(r, "file")

	if !validSegment(id) || !validSegment(file) {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid path"})

		return
	}

	contentType, ok := reportContentTypes[path.Ext(file)]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"unknown report file"})

		return
	}

	if s.store == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"report storage not configured"})

		return
	}

	data, err := s.store.Get(r.Context(), storage.ReportKey(id, file))
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"report file not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).WithField("file", file).Error("Failed to read report file")
		writeJSON(w, http.StatusBadGateway, errorResponse{"reading report file failed"})

		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
