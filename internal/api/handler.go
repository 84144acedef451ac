package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"PaceMail/internal/csvparser"
	"PaceMail/internal/db"
	"PaceMail/internal/models"
	"PaceMail/internal/ratelimit"
	"PaceMail/internal/scheduler"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxCSVRows       = 1000
	maxUploadBytes   = 10 << 20
)

type batchScheduler interface {
	ScheduleBatch(ctx context.Context, b scheduler.Batch) ([]models.EmailJob, error)
	CancelJob(ctx context.Context, id uuid.UUID) (bool, error)
	CancelBatch(ctx context.Context, batch uuid.UUID) (int, error)
}

type emailReader interface {
	GetEmail(ctx context.Context, id uuid.UUID) (models.EmailJob, error)
	ListScheduled(ctx context.Context, limit int) ([]models.EmailJob, error)
	ListSent(ctx context.Context, limit int) ([]models.EmailJob, error)
	CountByStatus(ctx context.Context) (map[models.EmailStatus]int64, error)
}

type usageReader interface {
	Usage(ctx context.Context, sender string) (ratelimit.Usage, error)
}

type Handler struct {
	Scheduler batchScheduler
	Emails    emailReader
	Limits    usageReader
	// Health reports whether the backing stores are reachable.
	Health func(ctx context.Context) error
	Log    *zap.Logger
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/emails/schedule", h.ScheduleEmails)
	mux.HandleFunc("POST /api/emails/schedule/csv", h.ScheduleCSV)
	mux.HandleFunc("DELETE /api/emails/{id}", h.CancelEmail)
	mux.HandleFunc("DELETE /api/batches/{id}", h.CancelBatch)
	mux.HandleFunc("GET /api/emails/scheduled", h.ListScheduled)
	mux.HandleFunc("GET /api/emails/sent", h.ListSent)
	mux.HandleFunc("GET /api/emails/stats", h.Stats)
	mux.HandleFunc("GET /api/rate-limit", h.RateLimit)
	mux.HandleFunc("GET /health", h.HealthCheck)
	return mux
}

type scheduleRequest struct {
	BatchID          string    `json:"batch_id"`
	Sender           string    `json:"sender_email"`
	Recipients       []string  `json:"recipient_emails"`
	Subject          string    `json:"subject"`
	Body             string    `json:"body"`
	StartTime        time.Time `json:"start_time"`
	DelayBetweenMsec int64     `json:"delay_between_emails_ms"`
	HourlyLimit      int       `json:"hourly_limit"`
}

func (r scheduleRequest) batch() (scheduler.Batch, error) {
	b := scheduler.Batch{
		Sender:      r.Sender,
		Recipients:  r.Recipients,
		Subject:     r.Subject,
		Body:        r.Body,
		StartTime:   r.StartTime,
		MinDelay:    time.Duration(r.DelayBetweenMsec) * time.Millisecond,
		HourlyLimit: r.HourlyLimit,
	}
	if r.BatchID != "" {
		id, err := uuid.Parse(r.BatchID)
		if err != nil {
			return b, errors.New("batch_id must be a UUID")
		}
		b.ID = id
	}
	return b, nil
}

type scheduleResponse struct {
	Message string            `json:"message"`
	BatchID uuid.UUID         `json:"batch_id"`
	Count   int               `json:"count"`
	Emails  []models.EmailJob `json:"emails"`
}

func (h *Handler) ScheduleEmails(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b, err := req.batch()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.schedule(w, r, b)
}

// ScheduleCSV takes a multipart form with the recipient list in "file" and
// the remaining batch fields as form values.
func (h *Handler) ScheduleCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	recipients, err := csvparser.ParseRecipients(file, maxCSVRows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := scheduleRequest{
		BatchID:    r.FormValue("batch_id"),
		Sender:     r.FormValue("sender_email"),
		Recipients: recipients,
		Subject:    r.FormValue("subject"),
		Body:       r.FormValue("body"),
	}

	if v := r.FormValue("start_time"); v != "" {
		if req.StartTime, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "start_time must be RFC3339")
			return
		}
	}
	if req.DelayBetweenMsec, err = formInt64(r, "delay_between_emails_ms"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := formInt64(r, "hourly_limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.HourlyLimit = int(limit)

	b, err := req.batch()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.schedule(w, r, b)
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request, b scheduler.Batch) {
	jobs, err := h.Scheduler.ScheduleBatch(r.Context(), b)
	if err != nil {
		var verr *scheduler.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "invalid batch",
				"fields": verr.Fields,
			})
			return
		}

		h.Log.Error("failed to schedule batch",
			zap.String("sender", b.Sender),
			zap.Int("scheduled", len(jobs)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to schedule batch")
		return
	}

	writeJSON(w, http.StatusAccepted, scheduleResponse{
		Message: "Scheduled " + strconv.Itoa(len(jobs)) + " emails",
		BatchID: jobs[0].BatchID,
		Count:   len(jobs),
		Emails:  jobs,
	})
}

func (h *Handler) CancelEmail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a UUID")
		return
	}

	ok, err := h.Scheduler.CancelJob(r.Context(), id)
	if err != nil {
		h.Log.Error("failed to cancel email", zap.String("job_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel email")
		return
	}
	if ok {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": true})
		return
	}

	job, err := h.Emails.GetEmail(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "email not found")
		return
	}
	if err != nil {
		h.Log.Error("failed to load email", zap.String("job_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel email")
		return
	}

	writeJSON(w, http.StatusConflict, map[string]any{
		"error":  "email is no longer pending",
		"status": job.Status,
	})
}

// CancelBatch removes every job of the batch that no worker has claimed yet.
// Jobs already in flight or finished are left alone.
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a UUID")
		return
	}

	n, err := h.Scheduler.CancelBatch(r.Context(), id)
	if errors.Is(err, scheduler.ErrBatchNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		h.Log.Error("failed to cancel batch",
			zap.String("batch_id", id.String()),
			zap.Int("cancelled", n),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel batch")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "cancelled": n})
}

func (h *Handler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.Emails.ListScheduled)
}

func (h *Handler) ListSent(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.Emails.ListSent)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, fetch func(context.Context, int) ([]models.EmailJob, error)) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := fetch(r.Context(), limit)
	if err != nil {
		h.Log.Error("failed to list emails", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list emails")
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

type statsResponse struct {
	Scheduled int64                        `json:"scheduled"`
	Sent      int64                        `json:"sent"`
	Failed    int64                        `json:"failed"`
	ByStatus  map[models.EmailStatus]int64 `json:"by_status"`
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Emails.CountByStatus(r.Context())
	if err != nil {
		h.Log.Error("failed to count emails", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	resp := statsResponse{ByStatus: counts}
	for st, n := range counts {
		switch {
		case st.Pending():
			resp.Scheduled += n
		case st == models.StatusSent:
			resp.Sent += n
		case st == models.StatusFailed:
			resp.Failed += n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RateLimit(w http.ResponseWriter, r *http.Request) {
	sender := r.URL.Query().Get("sender")
	if sender == "" {
		writeError(w, http.StatusBadRequest, "sender is required")
		return
	}

	usage, err := h.Limits.Usage(r.Context(), sender)
	if err != nil {
		h.Log.Error("failed to read rate counter", zap.String("sender", sender), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read rate limit")
		return
	}

	writeJSON(w, http.StatusOK, usage)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			h.Log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func formInt64(r *http.Request, key string) (int64, error) {
	v := r.FormValue(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
