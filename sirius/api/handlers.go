package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/SiriusScan/codescan/sirius/lifecycle"
	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/status"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// StartScanRequest is the body of POST /api/v1/scans.
type StartScanRequest struct {
	Target   scan.Target `json:"target"`
	Mode     string      `json:"mode,omitempty"`
	Scanners []string    `json:"scanners,omitempty"`
	Enrich   bool        `json:"enrich"`
}

type StartScanResponse struct {
	ScanID string `json:"scan_id"`
}

type handlers struct {
	scans  Scans
	status *status.Service
	logger *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "codescan"})
}

func (h *handlers) startScan(w http.ResponseWriter, r *http.Request) {
	var req StartScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	scanners := make([]vulnerability.Scanner, 0, len(req.Scanners))
	for _, s := range req.Scanners {
		scanners = append(scanners, vulnerability.Scanner(strings.ToLower(s)))
	}

	id, err := h.scans.StartScan(r.Context(), lifecycle.StartRequest{
		Target:   req.Target,
		Mode:     vulnerability.Mode(req.Mode),
		Scanners: scanners,
		Enrich:   req.Enrich,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartScanResponse{ScanID: id})
}

func (h *handlers) listScans(w http.ResponseWriter, r *http.Request) {
	var statuses []scan.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := scan.Status(strings.TrimSpace(s))
			if !st.IsValid() {
				writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
				return
			}
			statuses = append(statuses, st)
		}
	}
	scans, err := h.status.ListScans(r.Context(), statuses...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if scans == nil {
		scans = []scan.Scan{}
	}
	writeJSON(w, http.StatusOK, scans)
}

func (h *handlers) getScan(w http.ResponseWriter, r *http.Request) {
	report, err := h.status.GetStatus(r.Context(), chi.URLParam(r, "scan_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) cancelScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	if err := h.scans.CancelScan(r.Context(), scanID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scan_id": scanID, "status": string(scan.StatusCancelled)})
}

func (h *handlers) getLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := intParam(q.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after: "+err.Error())
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}

	logs, err := h.status.GetLogs(r.Context(), chi.URLParam(r, "scan_id"), int64(after), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []scan.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *handlers) listVulnerabilities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := scan.VulnerabilityFilter{
		Severity: vulnerability.Severity(strings.ToLower(q.Get("severity"))),
		Type:     vulnerability.Type(strings.ToLower(q.Get("type"))),
	}
	if filter.Severity != "" && !filter.Severity.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown severity "+strconv.Quote(q.Get("severity")))
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset: "+err.Error())
		return
	}

	vulns, err := h.status.ListVulnerabilities(r.Context(), chi.URLParam(r, "scan_id"), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if vulns == nil {
		vulns = []vulnerability.Vulnerability{}
	}
	writeJSON(w, http.StatusOK, vulns)
}

// fail maps service errors onto status codes.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scan.ErrScanNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scan.ErrTerminal), errors.Is(err, scan.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Message: msg})
}
