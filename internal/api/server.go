// ABOUTME: HTTP management surface: jobs, drafts, channels, health, and the event socket
// ABOUTME: JSON handlers backed by the job manager, draft workflow, and channel registry

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loomlabs/loom/internal/broadcast"
	"github.com/loomlabs/loom/internal/channel"
	"github.com/loomlabs/loom/internal/draft"
	"github.com/loomlabs/loom/internal/scheduler"
	"github.com/loomlabs/loom/internal/store"
)

// Server is the daemon's management API.
type Server struct {
	jobs     *scheduler.Manager
	drafts   *draft.Workflow
	registry *channel.Registry
	hub      *broadcast.Hub
	logger   *slog.Logger

	httpServer *http.Server
}

// Config assembles a Server.
type Config struct {
	Addr     string
	Jobs     *scheduler.Manager
	Drafts   *draft.Workflow
	Registry *channel.Registry
	Hub      *broadcast.Hub
	Logger   *slog.Logger
}

// NewServer builds the management API and its routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		jobs:     cfg.Jobs,
		drafts:   cfg.Drafts,
		registry: cfg.Registry,
		hub:      cfg.Hub,
		logger:   logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/drafts", s.handleListDrafts)
	mux.HandleFunc("/api/drafts/", s.handleDraftAction)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.Handle("/ws", broadcast.NewWSHandler(cfg.Hub, logger))

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener. The returned error is only the bind-time
// failure; serve errors after a successful bind are logged.
func (s *Server) Start() error {
	ln, err := listen(s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("management api listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"platforms": s.registry.Platforms(),
	})
}

// --- jobs ---

// JobResponse is the JSON shape of a scheduled job.
type JobResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ScheduleType string `json:"schedule_type"`
	ScheduleSpec string `json:"schedule_spec"`
	Enabled      bool   `json:"enabled"`
	ErrorCount   int    `json:"error_count"`
	LastRun      string `json:"last_run,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	Prompt       string `json:"prompt"`
	Isolated     bool   `json:"isolated"`
}

// CreateJobRequest is the JSON request body for POST /api/jobs.
type CreateJobRequest struct {
	Name            string `json:"name"`
	ScheduleType    string `json:"schedule_type"`
	ScheduleSpec    string `json:"schedule_spec"`
	Prompt          string `json:"prompt"`
	Isolated        bool   `json:"isolated"`
	DeliveryChannel string `json:"delivery_channel,omitempty"`
	DeliveryChatID  string `json:"delivery_chat_id,omitempty"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListJobs(w, r)
	case http.MethodPost:
		s.handleCreateJob(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		response[i] = jobToResponse(j)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, err := s.jobs.Create(r.Context(), scheduler.CreateParams{
		Name:            req.Name,
		ScheduleType:    req.ScheduleType,
		ScheduleSpec:    req.ScheduleSpec,
		Prompt:          req.Prompt,
		Isolated:        req.Isolated,
		DeliveryChannel: req.DeliveryChannel,
		DeliveryChatID:  req.DeliveryChatID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateJob) {
			s.sendError(w, http.StatusConflict, "a job with that name already exists")
			return
		}
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, jobToResponse(job))
}

// handleJobByID routes /api/jobs/{id} and /api/jobs/{id}/enable|disable.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "job id is required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodDelete:
		s.deleteJob(w, r, id)
	case action == "enable" && r.Method == http.MethodPost:
		s.setJobEnabled(w, r, id, true)
	case action == "disable" && r.Method == http.MethodPost:
		s.setJobEnabled(w, r, id, false)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.jobs.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to delete job", "job_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setJobEnabled(w http.ResponseWriter, r *http.Request, id string, enabled bool) {
	if err := s.jobs.SetEnabled(r.Context(), id, enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to update job", "job_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

func jobToResponse(j *store.Job) JobResponse {
	resp := JobResponse{
		ID:           j.ID,
		Name:         j.Name,
		ScheduleType: j.ScheduleType,
		ScheduleSpec: j.ScheduleSpec,
		Enabled:      j.Enabled,
		ErrorCount:   j.ErrorCount,
		LastError:    j.LastError,
		Prompt:       j.Prompt,
		Isolated:     j.Isolated,
	}
	if j.LastRun != nil {
		resp.LastRun = j.LastRun.Format(time.RFC3339)
	}
	return resp
}

// --- drafts ---

// DraftResponse is the JSON shape of a draft.
type DraftResponse struct {
	ID              string `json:"id"`
	Channel         string `json:"channel"`
	ConversationKey string `json:"conversation_key"`
	Content         string `json:"content"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	ExpiresAt       string `json:"expires_at"`
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := r.URL.Query().Get("status")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 1000 {
			limit = 1000
		}
	}

	drafts, err := s.drafts.List(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("failed to list drafts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]DraftResponse, len(drafts))
	for i, d := range drafts {
		response[i] = draftToResponse(d)
	}
	writeJSON(w, http.StatusOK, response)
}

// handleDraftAction routes POST /api/drafts/{id}/approve|reject. The id
// may be a unique prefix.
func (s *Server) handleDraftAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/drafts/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "draft id is required")
		return
	}

	var (
		d   *store.Draft
		err error
	)
	switch action {
	case "approve":
		d, err = s.drafts.Approve(r.Context(), id)
	case "reject":
		d, err = s.drafts.Reject(r.Context(), id)
	default:
		s.sendError(w, http.StatusBadRequest, "unknown draft action")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, draft.ErrDeliveryFailed):
			// The approval itself took; only delivery failed. Return the
			// approved draft so the caller sees the preserved state.
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error": err.Error(),
				"draft": draftToResponse(d),
			})
		case errors.Is(err, draft.ErrNotPending):
			s.sendError(w, http.StatusConflict, "draft not found or already processed")
		case errors.Is(err, store.ErrAmbiguousPrefix):
			s.sendError(w, http.StatusConflict, "draft id prefix matches multiple drafts")
		default:
			s.logger.Error("draft action failed", "draft_id", id, "action", action, "error", err)
			s.sendError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, draftToResponse(d))
}

func draftToResponse(d *store.Draft) DraftResponse {
	return DraftResponse{
		ID:              d.ID,
		Channel:         d.Channel,
		ConversationKey: d.ConversationKey,
		Content:         d.Content,
		Status:          d.Status,
		CreatedAt:       d.CreatedAt.Format(time.RFC3339),
		ExpiresAt:       d.ExpiresAt.Format(time.RFC3339),
	}
}

// --- channels ---

// ChannelResponse is the JSON shape of a registered platform.
type ChannelResponse struct {
	Platform    string `json:"platform"`
	EditCapable bool   `json:"edit_capable"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	platforms := s.registry.Platforms()
	response := make([]ChannelResponse, len(platforms))
	for i, name := range platforms {
		_, editCapable := s.registry.Editor(name)
		response[i] = ChannelResponse{Platform: name, EditCapable: editCapable}
	}
	writeJSON(w, http.StatusOK, response)
}

// --- helpers ---

func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
