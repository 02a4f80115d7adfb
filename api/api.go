// Package api exposes the synchronous link and adherence operations, and
// triggers for the scheduled jobs, over HTTP with JSON bodies.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"mediremind/adherence"
	"mediremind/dbtypes"
	"mediremind/jobs"
	"mediremind/linkcode"

	"github.com/golang/glog"
)

type linkService interface {
	Issue(ctx context.Context, patientID string) (*linkcode.Issued, error)
	Redeem(ctx context.Context, code, caregiverID string) (string, error)
	Unlink(ctx context.Context, linkID string) error
	LinkedCaregivers(ctx context.Context, patientID string) ([]*dbtypes.CaregiverLink, error)
	LinkedPatients(ctx context.Context, caregiverID string) ([]*dbtypes.CaregiverLink, error)
}

type tracker interface {
	ToggleForToday(ctx context.Context, medicineID string) (bool, error)
	SetForToday(ctx context.Context, medicineID string, taken bool) error
	PatientAdherence(ctx context.Context, patientID string, days int) (*adherence.PatientAdherence, error)
}

type jobRunner interface {
	RunOnce(ctx context.Context, name string) error
}

type Server struct {
	links   linkService
	tracker tracker
	jobs    jobRunner
}

func New(links linkService, t tracker, runner jobRunner) *Server {
	return &Server{
		links:   links,
		tracker: t,
		jobs:    runner,
	}
}

func (s *Server) Register(m *http.ServeMux) {
	m.HandleFunc("POST /patients/{patientId}/link-codes", s.issueHandler)
	m.HandleFunc("POST /link-codes/redeem", s.redeemHandler)
	m.HandleFunc("DELETE /caregiver-links/{linkId}", s.unlinkHandler)
	m.HandleFunc("GET /patients/{patientId}/caregivers", s.caregiversHandler)
	m.HandleFunc("GET /caregivers/{caregiverId}/patients", s.patientsHandler)
	m.HandleFunc("POST /medicines/{medicineId}/toggle", s.toggleHandler)
	m.HandleFunc("GET /patients/{patientId}/adherence", s.adherenceHandler)
	m.HandleFunc("POST /jobs/{name}", s.runJobHandler)
}

// statusFor maps the sentinel errors callers can act on to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dbtypes.ErrNotFound), errors.Is(err, jobs.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, dbtypes.ErrExpired):
		return http.StatusGone
	case errors.Is(err, dbtypes.ErrAlreadyLinked), errors.Is(err, jobs.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := http.StatusText(status)
	if status == http.StatusInternalServerError {
		glog.Errorf("Error while serving %s %s: %v", r.Method, r.URL.Path, err)
	} else {
		msg = err.Error()
	}
	writeJSON(w, status, &errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// It's too late to write an error to the HTTP response.
		glog.Errorf("Error while writing output: %v", err)
	}
}

func (s *Server) issueHandler(w http.ResponseWriter, r *http.Request) {
	issued, err := s.links.Issue(r.Context(), r.PathValue("patientId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

type redeemRequest struct {
	Code        string `json:"code"`
	CaregiverID string `json:"caregiverId"`
}

type redeemResponse struct {
	PatientID string `json:"patientId"`
}

func (s *Server) redeemHandler(w http.ResponseWriter, r *http.Request) {
	req := &redeemRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.Code == "" || req.CaregiverID == "" {
		writeJSON(w, http.StatusBadRequest, &errorResponse{Error: "body must carry code and caregiverId"})
		return
	}

	patientID, err := s.links.Redeem(r.Context(), req.Code, req.CaregiverID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &redeemResponse{PatientID: patientID})
}

func (s *Server) unlinkHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.links.Unlink(r.Context(), r.PathValue("linkId")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) caregiversHandler(w http.ResponseWriter, r *http.Request) {
	links, err := s.links.LinkedCaregivers(r.Context(), r.PathValue("patientId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if links == nil {
		links = []*dbtypes.CaregiverLink{}
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) patientsHandler(w http.ResponseWriter, r *http.Request) {
	links, err := s.links.LinkedPatients(r.Context(), r.PathValue("caregiverId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if links == nil {
		links = []*dbtypes.CaregiverLink{}
	}
	writeJSON(w, http.StatusOK, links)
}

type toggleRequest struct {
	Taken *bool `json:"taken"`
}

type toggleResponse struct {
	Taken bool `json:"taken"`
}

func (s *Server) toggleHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	medicineID := r.PathValue("medicineId")

	req := &toggleRequest{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeJSON(w, http.StatusBadRequest, &errorResponse{Error: "malformed body"})
			return
		}
	}

	// An explicit state is idempotent; without one we flip today's state.
	if req.Taken != nil {
		if err := s.tracker.SetForToday(ctx, medicineID, *req.Taken); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, &toggleResponse{Taken: *req.Taken})
		return
	}

	taken, err := s.tracker.ToggleForToday(ctx, medicineID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &toggleResponse{Taken: taken})
}

func (s *Server) adherenceHandler(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 90 {
			writeJSON(w, http.StatusBadRequest, &errorResponse{Error: "days must be between 1 and 90"})
			return
		}
		days = n
	}

	view, err := s.tracker.PatientAdherence(r.Context(), r.PathValue("patientId"), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type runJobResponse struct {
	Job    string `json:"job"`
	Status string `json:"status"`
}

func (s *Server) runJobHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.jobs.RunOnce(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &runJobResponse{Job: name, Status: "ok"})
}
