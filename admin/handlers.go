package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/marmot-scaling/job"
	"github.com/rs/zerolog/log"
)

const (
	// ErrorCodeUnsupported marks requests that match no route.
	ErrorCodeUnsupported = 1
	// ErrorCodeBadRequest marks malformed request bodies or ids.
	ErrorCodeBadRequest = 2
	// ErrorCodeNotFound marks unknown job ids.
	ErrorCodeNotFound = 3
	// ErrorCodeJobFailed marks jobs that could not be started.
	ErrorCodeJobFailed = 4

	unsupportedMessage = "Not support request!"
	maxBodyBytes       = 1 << 20
)

// JobController is the job surface the API drives.
type JobController interface {
	Start(ctx context.Context, conf job.Configuration) (job.Summary, error)
	Stop(jobID uint64) error
	Progress(jobID uint64) (job.Progress, error)
	List() []job.Summary
}

// controllerAdapter exposes a *job.Controller as a JobController
type controllerAdapter struct {
	*job.Controller
}

// FromController adapts c for NewHandlers
func FromController(c *job.Controller) JobController {
	return controllerAdapter{Controller: c}
}

func (a controllerAdapter) Start(ctx context.Context, conf job.Configuration) (job.Summary, error) {
	j, err := a.Controller.Start(ctx, conf)
	if j == nil {
		return job.Summary{}, err
	}
	return j.Summary(), err
}

// Response is the envelope of every API reply.
type Response struct {
	Success   bool   `json:"success"`
	ErrorCode int    `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg"`
	Model     any    `json:"model"`
}

// StopRequest is the body of POST /scaling/job/stop.
type StopRequest struct {
	ID uint64 `json:"id"`
}

// Handlers serves the scaling job API
type Handlers struct {
	controller JobController
}

// NewHandlers creates handlers over controller
func NewHandlers(controller JobController) *Handlers {
	return &Handlers{controller: controller}
}

// handleStart handles POST /scaling/job/start
func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	var conf job.Configuration
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&conf); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, fmt.Sprintf("invalid job configuration: %v", err))
		return
	}

	summary, err := h.controller.Start(r.Context(), conf)
	if err != nil {
		log.Warn().Err(err).Str("job_name", conf.JobName).Msg("Scaling job start rejected")
		var model any
		if summary.ID != 0 {
			model = summary
		}
		writeResponse(w, http.StatusOK, Response{ErrorCode: ErrorCodeJobFailed, ErrorMsg: err.Error(), Model: model})
		return
	}

	writeSuccess(w, summary)
}

// handleList handles GET /scaling/job/list
func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, h.controller.List())
}

// handleProgress handles GET /scaling/job/progress/{id}
func (h *Handlers) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "invalid job id")
		return
	}

	progress, err := h.controller.Progress(jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	writeSuccess(w, progress)
}

// handleStop handles POST /scaling/job/stop
func (h *Handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, fmt.Sprintf("invalid stop request: %v", err))
		return
	}

	if err := h.controller.Stop(req.ID); err != nil {
		h.writeJobError(w, req.ID, err)
		return
	}
	writeSuccess(w, nil)
}

// handleUnsupported answers every request no route matches
func handleUnsupported(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusBadRequest, ErrorCodeUnsupported, unsupportedMessage)
}

func (h *Handlers) writeJobError(w http.ResponseWriter, jobID uint64, err error) {
	if errors.Is(err, job.ErrJobNotFound) {
		writeError(w, http.StatusOK, ErrorCodeNotFound, fmt.Sprintf("Can't find scaling job id %d", jobID))
		return
	}
	writeError(w, http.StatusInternalServerError, ErrorCodeJobFailed, err.Error())
}

func writeSuccess(w http.ResponseWriter, model any) {
	writeResponse(w, http.StatusOK, Response{Success: true, Model: model})
}

func writeError(w http.ResponseWriter, status, code int, message string) {
	writeResponse(w, status, Response{ErrorCode: code, ErrorMsg: message})
}

// writeResponse writes the JSON envelope
func writeResponse(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
