package controlserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"connectrpc.com/connect"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/platform"
	"github.com/buildkite/benchroom/internal/runnerapi"
	"github.com/charmbracelet/log"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const maxRequestBytes = 1 << 20

type Server struct {
	service *platform.Service
	logger  *log.Logger
}

func New(service *platform.Service, logger *log.Logger) *Server {
	return &Server{service: service, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	codec := connect.WithCodec(runnerapi.Codec{})
	mux.Handle(runnerapi.ClaimProcedure, connect.NewUnaryHandler(runnerapi.ClaimProcedure, s.Claim, codec))
	mux.Handle(runnerapi.ChannelProcedure, connect.NewBidiStreamHandler(runnerapi.ChannelProcedure, s.Channel, codec))

	mux.HandleFunc("POST /v0/run", s.handleRun)
	mux.HandleFunc("GET /v0/projects/{project}/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v0/projects/{project}/jobs/{job}", s.handleGetJob)
	mux.HandleFunc("POST /v0/projects/{project}/jobs/{job}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /v0/projects/{project}/specs", s.handleListSpecs)
	mux.HandleFunc("POST /v0/projects/{project}/specs", s.handleCreateSpec)
	mux.HandleFunc("DELETE /v0/projects/{project}/specs/{spec}", s.handleArchiveSpec)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runnerapi.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.service.SubmitRun(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListJobs(r.Context(), r.PathValue("project"), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.service.GetJob(r.Context(), r.PathValue("project"), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.service.CancelJob(r.Context(), r.PathValue("project"), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runnerapi.CancelResponse{Job: id, Status: status})
}

func (s *Server) handleListSpecs(w http.ResponseWriter, r *http.Request) {
	specs, err := s.service.ListSpecs(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if specs == nil {
		specs = []jobs.Spec{}
	}
	writeJSON(w, http.StatusOK, specs)
}

func (s *Server) handleCreateSpec(w http.ResponseWriter, r *http.Request) {
	var spec jobs.Spec
	if err := decodeJSON(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.service.CreateSpec(r.Context(), r.PathValue("project"), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleArchiveSpec(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ArchiveSpec(r.Context(), r.PathValue("project"), r.PathValue("spec")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func jobID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("job"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid job id %q", errdefs.ErrInvalidArgument, r.PathValue("job"))
	}
	return id, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errdefs.ErrInvalidArgument, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errhttp.ToHTTP(err)
	if status >= http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, runnerapi.ErrorResponse{Error: err.Error()})
}

