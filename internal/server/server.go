// Package server is the REST binding for the gateway scheduler. It is a
// thin layer: unwrap the signed envelope, call the scheduler, map errors to
// status codes. No scheduling decisions live here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"encoder-gateway/internal/gateway"
	"encoder-gateway/internal/identity"
	"encoder-gateway/internal/store"
	"encoder-gateway/pkg/models"
)

type Server struct {
	sched      *gateway.Scheduler
	adminDIDs  map[string]struct{}
	log        *slog.Logger
	httpServer *http.Server
}

func New(sched *gateway.Scheduler, addr string, adminDIDs []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	admins := make(map[string]struct{}, len(adminDIDs))
	for _, did := range adminDIDs {
		admins[did] = struct{}{}
	}
	s := &Server{
		sched:     sched,
		adminDIDs: admins,
		log:       logger,
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router builds the full route table. Exposed so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v0/gateway").Subrouter()

	api.HandleFunc("/updateNode", s.handleUpdateNode).Methods(http.MethodPost)
	api.HandleFunc("/askJob", s.handleAskJob).Methods(http.MethodPost)
	api.HandleFunc("/acceptJob", s.handleAcceptJob).Methods(http.MethodPost)
	api.HandleFunc("/rejectJob", s.handleRejectJob).Methods(http.MethodPost)
	api.HandleFunc("/failJob", s.handleFailJob).Methods(http.MethodPost)
	api.HandleFunc("/pingJob", s.handlePingJob).Methods(http.MethodPost)
	api.HandleFunc("/finishJob", s.handleFinishJob).Methods(http.MethodPost)
	api.HandleFunc("/pushJob", s.handlePushJob).Methods(http.MethodPost)

	api.HandleFunc("/getJob", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/score", s.handleScoreMap).Methods(http.MethodGet)
	api.HandleFunc("/nodestats/{node_id}", s.handleNodeStats).Methods(http.MethodGet)
	api.HandleFunc("/nodeJobs/{node_id}", s.handleNodeJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobstatus/{job_id}", s.handleJobStatus).Methods(http.MethodGet)
	api.HandleFunc("/getnode/{node_id}", s.handleGetNode).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func (s *Server) Start() error {
	s.log.Info("gateway API listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// envelope is the body every authenticated POST carries.
type envelope struct {
	JWS string `json:"jws"`
}

// unwrap reads the request's signed envelope, verifies it and decodes the
// payload into v. All identity handling for the API happens here.
func (s *Server) unwrap(r *http.Request, v interface{}) (string, error) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return "", identity.ErrInvalidSignature
	}
	return identity.UnwrapInto(env.JWS, v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.Error("encode response", "err", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidSignature):
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, store.ErrNotQueued):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "job is no longer available"})
	case errors.Is(err, gateway.ErrNotOwner):
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "job does not belong to this worker"})
	case errors.Is(err, gateway.ErrMissingOutput):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "output not provided"})
	default:
		s.log.Error("request failed", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type jobIDPayload struct {
	JobID string `json:"job_id"`
}

type pingPayload struct {
	JobID       string  `json:"job_id"`
	ProgressPct float64 `json:"progressPct"`
	DownloadPct float64 `json:"downloadPct"`
}

type finishPayload struct {
	JobID  string `json:"job_id"`
	Output struct {
		CID string `json:"cid"`
	} `json:"output"`
}

type pushPayload struct {
	URL             string                 `json:"url"`
	Metadata        map[string]interface{} `json:"metadata"`
	StorageMetadata map[string]string      `json:"storageMetadata"`
}

type updateNodePayload struct {
	NodeInfo models.NodeInfo `json:"node_info"`
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var payload updateNodePayload
	did, err := s.unwrap(r, &payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.UpdateNode(r.Context(), did, payload.NodeInfo); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAskJob(w http.ResponseWriter, r *http.Request) {
	var payload struct{}
	did, err := s.unwrap(r, &payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	offer, err := s.sched.SelectJob(r.Context(), did)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, offer)
}

// handleGetJob is the legacy anonymous path: no envelope, no identity.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	offer, err := s.sched.SelectJob(r.Context(), "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleAcceptJob(w http.ResponseWriter, r *http.Request) {
	var payload jobIDPayload
	did, err := s.unwrap(r, &payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.AcceptJob(r.Context(), payload.JobID, did); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRejectJob(w http.ResponseWriter, r *http.Request) {
	var payload jobIDPayload
	did, err := s.unwrap(r, &payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.RejectJob(r.Context(), payload.JobID, did); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFailJob(w http.ResponseWriter, r *http.Request) {
	var payload jobIDPayload
	did, err := s.unwrap(r, &payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.FailJob(r.Context(), payload.JobID, did); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePingJob(w http.ResponseWriter, r *http.Request) {
	var payload pingPayload
	did, err := s.unwrap(r, &payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.PingJob(r.Context(), payload.JobID, did, payload.ProgressPct, payload.DownloadPct); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFinishJob(w http.ResponseWriter, r *http.Request) {
	var payload finishPayload
	did, err := s.unwrap(r, &payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.FinishJob(r.Context(), payload.JobID, did, payload.Output.CID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePushJob(w http.ResponseWriter, r *http.Request) {
	var payload pushPayload
	did, err := s.unwrap(r, &payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, ok := s.adminDIDs[did]; !ok {
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
		return
	}
	job, err := s.sched.CreateJob(r.Context(), payload.URL, payload.Metadata, payload.StorageMetadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sched.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleScoreMap(w http.ResponseWriter, r *http.Request) {
	scores, err := s.sched.ScoreMap(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scores)
}

func (s *Server) handleNodeStats(w http.ResponseWriter, r *http.Request) {
	score, err := s.sched.NodeScore(r.Context(), mux.Vars(r)["node_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleNodeJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.sched.NodeJobs(r.Context(), mux.Vars(r)["node_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.sched.JobStatus(r.Context(), mux.Vars(r)["job_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	worker, err := s.sched.GetWorker(r.Context(), mux.Vars(r)["node_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, worker)
}
