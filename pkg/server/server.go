// Package server exposes the REST surface for job and batch lifecycle
// management.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"

	"github.com/openbatch/batch-controller/pkg/batch"
)

var hlog = logrus.WithField("component", "server.API")

// Server dispatches validated requests to the job service.
type Server struct {
	svc *batch.Service
}

// New returns a Server over the given service.
func New(svc *batch.Service) *Server {
	return &Server{svc: svc}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/jobs/create", s.createJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id:[0-9]+}", s.getJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id:[0-9]+}/log", s.getJobLog).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id:[0-9]+}/cancel", s.cancelJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id:[0-9]+}/delete", s.deleteJob).Methods(http.MethodDelete)
	r.HandleFunc("/batches/create", s.createBatch).Methods(http.MethodPost)
	r.HandleFunc("/batches/{id:[0-9]+}", s.getBatch).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id:[0-9]+}/delete", s.deleteBatch).Methods(http.MethodDelete)
	return r
}

type createJobRequest struct {
	Spec       corev1.PodSpec    `json:"spec"`
	BatchID    int               `json:"batch_id"`
	Attributes map[string]string `json:"attributes"`
	Callback   string            `json:"callback"`
}

type createBatchRequest struct {
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "can't read request body", http.StatusBadRequest)
		return
	}
	if err := validate(jobCreateSchema, body); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	var req createJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	st, err := s.svc.CreateJob(r.Context(), req.Spec, req.BatchID, req.Attributes, req.Callback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.JobStatuses(r.Context()))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.JobStatusByID(r.Context(), pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) getJobLog(w http.ResponseWriter, r *http.Request) {
	jobLog, err := s.svc.JobLog(r.Context(), pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, jobLog)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Cancel(r.Context(), pathID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteJob(r.Context(), pathID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "can't read request body", http.StatusBadRequest)
		return
	}
	if err := validate(batchCreateSchema, body); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	var req createBatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.svc.CreateBatch(req.Attributes))
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.BatchStatusByID(pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteBatch(pathID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

// pathID extracts the numeric path variable. The route pattern guarantees it
// parses.
func pathID(r *http.Request) int {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	return id
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.WithError(err).Warn("can't encode response")
	}
}

// writeError maps expected service errors to their wire status: bad
// references in the payload are 400, unknown ids 404, anything else
// (cluster API failures included) 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, batch.ErrNoSuchBatch):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, batch.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		hlog.WithError(err).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
