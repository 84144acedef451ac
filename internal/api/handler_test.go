package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PaceMail/internal/db"
	"PaceMail/internal/models"
	"PaceMail/internal/ratelimit"
	"PaceMail/internal/scheduler"
)

type fakeScheduler struct {
	got       scheduler.Batch
	err       error
	cancelled bool
	cancelErr error
	batchN    int
	batchErr  error
	batchID   uuid.UUID
}

func (f *fakeScheduler) ScheduleBatch(_ context.Context, b scheduler.Batch) ([]models.EmailJob, error) {
	f.got = b
	if f.err != nil {
		return nil, f.err
	}
	batch := b.ID
	if batch == uuid.Nil {
		batch = uuid.New()
	}
	jobs := make([]models.EmailJob, len(b.Recipients))
	for i, to := range b.Recipients {
		jobs[i] = models.EmailJob{
			ID:        scheduler.JobID(batch, i),
			BatchID:   batch,
			Recipient: to,
			Status:    models.StatusScheduled,
		}
	}
	return jobs, nil
}

func (f *fakeScheduler) CancelJob(context.Context, uuid.UUID) (bool, error) {
	return f.cancelled, f.cancelErr
}

func (f *fakeScheduler) CancelBatch(_ context.Context, batch uuid.UUID) (int, error) {
	f.batchID = batch
	return f.batchN, f.batchErr
}

type fakeEmails struct {
	jobs   map[uuid.UUID]models.EmailJob
	counts map[models.EmailStatus]int64
	limit  int
	err    error
}

func (f *fakeEmails) GetEmail(_ context.Context, id uuid.UUID) (models.EmailJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.EmailJob{}, db.ErrNotFound
	}
	return job, nil
}

func (f *fakeEmails) ListScheduled(_ context.Context, limit int) ([]models.EmailJob, error) {
	f.limit = limit
	return []models.EmailJob{{ID: uuid.New(), Status: models.StatusScheduled}}, f.err
}

func (f *fakeEmails) ListSent(_ context.Context, limit int) ([]models.EmailJob, error) {
	f.limit = limit
	return []models.EmailJob{}, f.err
}

func (f *fakeEmails) CountByStatus(context.Context) (map[models.EmailStatus]int64, error) {
	return f.counts, f.err
}

type fakeLimits struct{}

func (fakeLimits) Usage(_ context.Context, sender string) (ratelimit.Usage, error) {
	return ratelimit.Usage{Sender: sender, CurrentHourCount: 3, MaxPerHour: 200}, nil
}

func setupHandler() (*Handler, *fakeScheduler, *fakeEmails) {
	sched := &fakeScheduler{}
	emails := &fakeEmails{jobs: make(map[uuid.UUID]models.EmailJob)}
	h := &Handler{
		Scheduler: sched,
		Emails:    emails,
		Limits:    fakeLimits{},
		Log:       zap.NewNop(),
	}
	return h, sched, emails
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_ScheduleEmails(t *testing.T) {
	h, sched, _ := setupHandler()

	body := `{
		"sender_email": "s@example.com",
		"recipient_emails": ["a@example.com", "b@example.com"],
		"subject": "hi",
		"body": "<p>hi</p>",
		"start_time": "2026-05-12T14:10:00Z",
		"delay_between_emails_ms": 1500,
		"hourly_limit": 50
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/emails/schedule", strings.NewReader(body))

	w := do(h.Routes(), req)
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, "s@example.com", sched.got.Sender)
	assert.Equal(t, 1500*time.Millisecond, sched.got.MinDelay)
	assert.Equal(t, 50, sched.got.HourlyLimit)
	assert.Equal(t, time.Date(2026, 5, 12, 14, 10, 0, 0, time.UTC), sched.got.StartTime)

	var resp scheduleResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Emails, 2)
}

func TestHandler_ScheduleEmails_BadRequests(t *testing.T) {
	h, sched, _ := setupHandler()
	sched.err = &scheduler.ValidationError{Fields: map[string]string{"Subject": "required"}}

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"bad batch id", `{"batch_id": "x"}`},
		{"invalid batch", `{"sender_email": "s@example.com"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/emails/schedule", strings.NewReader(tt.body))
			w := do(h.Routes(), req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandler_ScheduleEmails_InternalError(t *testing.T) {
	h, sched, _ := setupHandler()
	sched.err = errors.New("redis down")

	req := httptest.NewRequest(http.MethodPost, "/api/emails/schedule", strings.NewReader(`{}`))
	w := do(h.Routes(), req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandler_ScheduleCSV(t *testing.T) {
	h, sched, _ := setupHandler()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "leads.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("name,email\nAnn,ann@example.com\nBob,bob@example.com\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("sender_email", "s@example.com"))
	require.NoError(t, mw.WriteField("subject", "hi"))
	require.NoError(t, mw.WriteField("body", "<p>hi</p>"))
	require.NoError(t, mw.WriteField("start_time", "2026-05-12T14:10:00Z"))
	require.NoError(t, mw.WriteField("delay_between_emails_ms", "2000"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/emails/schedule/csv", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	w := do(h.Routes(), req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, []string{"ann@example.com", "bob@example.com"}, sched.got.Recipients)
	assert.Equal(t, 2*time.Second, sched.got.MinDelay)
	assert.Zero(t, sched.got.HourlyLimit)
}

func TestHandler_ScheduleCSV_MissingFile(t *testing.T) {
	h, _, _ := setupHandler()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("subject", "hi"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/emails/schedule/csv", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	w := do(h.Routes(), req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CancelEmail(t *testing.T) {
	id := uuid.New()

	t.Run("cancelled", func(t *testing.T) {
		h, sched, _ := setupHandler()
		sched.cancelled = true

		w := do(h.Routes(), httptest.NewRequest(http.MethodDelete, "/api/emails/"+id.String(), nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("already claimed", func(t *testing.T) {
		h, _, emails := setupHandler()
		emails.jobs[id] = models.EmailJob{ID: id, Status: models.StatusSent}

		w := do(h.Routes(), httptest.NewRequest(http.MethodDelete, "/api/emails/"+id.String(), nil))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "SENT")
	})

	t.Run("unknown", func(t *testing.T) {
		h, _, _ := setupHandler()

		w := do(h.Routes(), httptest.NewRequest(http.MethodDelete, "/api/emails/"+id.String(), nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		h, _, _ := setupHandler()

		w := do(h.Routes(), httptest.NewRequest(http.MethodDelete, "/api/emails/nope", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandler_CancelBatch(t *testing.T) {
	batch := uuid.New()
	path := "/api/batches/" + batch.String()

	t.Run("cancelled", func(t *testing.T) {
		h, sched, _ := setupHandler()
		sched.batchN = 4

		w := do(h.Routes(), httptest.NewRequest(http.MethodDelete, path, nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, batch, sched.batchID)
		assert.JSONEq(t, `{"batch_id":"`+batch.String()+`","cancelled":4}`, w.Body.String())
	})

	t.Run("unknown", func(t *testing.T) {
		h, sched, _ := setupHandler()
		sched.batchErr = scheduler.ErrBatchNotFound

		w := do(h.Routes(), httptest.NewRequest(http.MethodDelete, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("store error", func(t *testing.T) {
		h, sched, _ := setupHandler()
		sched.batchErr = errors.New("redis down")

		w := do(h.Routes(), httptest.NewRequest(http.MethodDelete, path, nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		h, _, _ := setupHandler()

		w := do(h.Routes(), httptest.NewRequest(http.MethodDelete, "/api/batches/nope", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandler_Lists(t *testing.T) {
	h, _, emails := setupHandler()

	w := do(h.Routes(), httptest.NewRequest(http.MethodGet, "/api/emails/scheduled", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultListLimit, emails.limit)

	w = do(h.Routes(), httptest.NewRequest(http.MethodGet, "/api/emails/sent?limit=5000", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxListLimit, emails.limit)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(h.Routes(), httptest.NewRequest(http.MethodGet, "/api/emails/sent?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Stats(t *testing.T) {
	h, _, emails := setupHandler()
	emails.counts = map[models.EmailStatus]int64{
		models.StatusScheduled:   4,
		models.StatusProcessing:  1,
		models.StatusRateLimited: 2,
		models.StatusSent:        10,
		models.StatusFailed:      3,
	}

	w := do(h.Routes(), httptest.NewRequest(http.MethodGet, "/api/emails/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp statsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.EqualValues(t, 7, resp.Scheduled)
	assert.EqualValues(t, 10, resp.Sent)
	assert.EqualValues(t, 3, resp.Failed)
	assert.EqualValues(t, 2, resp.ByStatus[models.StatusRateLimited])
}

func TestHandler_RateLimit(t *testing.T) {
	h, _, _ := setupHandler()

	w := do(h.Routes(), httptest.NewRequest(http.MethodGet, "/api/rate-limit?sender=s@example.com", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"current_hour_count":3`)

	w = do(h.Routes(), httptest.NewRequest(http.MethodGet, "/api/rate-limit", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Health(t *testing.T) {
	h, _, _ := setupHandler()

	w := do(h.Routes(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	h.Health = func(context.Context) error { return errors.New("db down") }
	w = do(h.Routes(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
