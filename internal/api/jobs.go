package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/internal/scheduler"
	"github.com/taskforge/taskforge/internal/store"
)

// jobBody is the create/update payload for a scheduled job.
type jobBody struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Schedule     *models.Schedule `json:"schedule"`
	Config       *models.JobConfig `json:"config"`
	Enabled      *bool            `json:"enabled"`
	Retries      *int             `json:"retries"`
	RetryDelayMS *int64           `json:"retryDelayMs"`
	TimeoutMS    *int64           `json:"timeoutMs"`
	Tags         []string         `json:"tags"`
	Metadata     map[string]any   `json:"metadata"`
}

// validateSchedule rejects unparseable cron expressions and malformed
// schedule shapes before they reach the tick loop.
func validateSchedule(sched models.Schedule) error {
	switch sched.Kind {
	case models.ScheduleCron:
		_, err := scheduler.ParseCron(sched.Expr)
		return err
	case models.ScheduleInterval:
		if sched.IntervalMS <= 0 {
			return errValidation("interval schedule needs a positive intervalMs")
		}
		return nil
	case models.ScheduleOnce:
		if sched.At.IsZero() {
			return errValidation("once schedule needs an at timestamp")
		}
		return nil
	default:
		return errValidation("unknown schedule kind")
	}
}

type errValidation string

func (e errValidation) Error() string { return string(e) }

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{Tag: r.URL.Query().Get("tag")}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}
	jobs, err := s.Jobs.ListJobs(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*models.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var body jobBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" || body.Schedule == nil || body.Config == nil {
		writeError(w, http.StatusBadRequest, "name, schedule and config are required")
		return
	}
	if err := validateSchedule(*body.Schedule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	job := &models.ScheduledJob{
		ID:          uuid.New().String(),
		Name:        body.Name,
		Description: body.Description,
		Schedule:    *body.Schedule,
		Config:      *body.Config,
		Enabled:     true,
		Tags:        body.Tags,
		Metadata:    body.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if body.Enabled != nil {
		job.Enabled = *body.Enabled
	}
	if body.Retries != nil {
		job.Retries = *body.Retries
	}
	if body.RetryDelayMS != nil {
		job.RetryDelayMS = *body.RetryDelayMS
	}
	if body.TimeoutMS != nil {
		job.TimeoutMS = *body.TimeoutMS
	}

	if err := s.Jobs.CreateJob(job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.GetJob(chi.URLParam(r, "jobID"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// updateJob implements PATCH: only the fields present in the body
// change; updatedAt is stamped by the store.
func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.GetJob(chi.URLParam(r, "jobID"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var body jobBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name != "" {
		job.Name = body.Name
	}
	if body.Description != "" {
		job.Description = body.Description
	}
	if body.Schedule != nil {
		if err := validateSchedule(*body.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		job.Schedule = *body.Schedule
	}
	if body.Config != nil {
		job.Config = *body.Config
	}
	if body.Enabled != nil {
		job.Enabled = *body.Enabled
	}
	if body.Retries != nil {
		job.Retries = *body.Retries
	}
	if body.RetryDelayMS != nil {
		job.RetryDelayMS = *body.RetryDelayMS
	}
	if body.TimeoutMS != nil {
		job.TimeoutMS = *body.TimeoutMS
	}
	if body.Tags != nil {
		job.Tags = body.Tags
	}
	if body.Metadata != nil {
		job.Metadata = body.Metadata
	}

	if err := s.Jobs.UpdateJob(job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	err := s.Jobs.DeleteJob(chi.URLParam(r, "jobID"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "jobID")
	var err error
	if body.Enabled {
		err = s.Jobs.EnableJob(id)
	} else {
		err = s.Jobs.DisableJob(id)
	}
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listJobExecutions(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.Jobs.GetJob(jobID); err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "job not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.Jobs.ListExecutions(store.ExecutionFilter{JobID: jobID, Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []*models.JobExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// runJobNow implements the ad-hoc POST /api/scheduler/jobs/{id}/run,
// dispatching the job immediately subject to the same concurrency gate
// as scheduled runs.
func (s *Server) runJobNow(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.GetJob(chi.URLParam(r, "jobID"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	exec, err := s.Scheduler.RunNow(r.Context(), job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
