package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EmailStatus string

const (
	StatusScheduled   EmailStatus = "SCHEDULED"
	StatusProcessing  EmailStatus = "PROCESSING"
	StatusSent        EmailStatus = "SENT"
	StatusFailed      EmailStatus = "FAILED"
	StatusRateLimited EmailStatus = "RATE_LIMITED"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the complete lifecycle of a job. SENT and FAILED have no
// outgoing edges; RATE_LIMITED always leads back to PROCESSING.
var transitions = map[EmailStatus][]EmailStatus{
	StatusScheduled:   {StatusProcessing},
	StatusProcessing:  {StatusSent, StatusFailed, StatusRateLimited},
	StatusRateLimited: {StatusProcessing},
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []EmailStatus {
	return []EmailStatus{
		StatusScheduled,
		StatusProcessing,
		StatusRateLimited,
		StatusSent,
		StatusFailed,
	}
}

func ParseStatus(s string) (EmailStatus, error) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown email status %q", s)
}

func (s EmailStatus) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

func (s EmailStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Pending reports whether the job is still waiting to be delivered.
func (s EmailStatus) Pending() bool {
	return s == StatusScheduled || s == StatusProcessing || s == StatusRateLimited
}

func CanTransition(from, to EmailStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources returns the statuses a job may be in right before moving to s.
func Sources(to EmailStatus) []EmailStatus {
	var from []EmailStatus
	for _, st := range AllStatuses() {
		if CanTransition(st, to) {
			from = append(from, st)
		}
	}
	return from
}

// EmailJob is one logical outbound message. ID is the idempotency token
// shared by the record store and the job queue.
type EmailJob struct {
	ID      uuid.UUID `json:"id"`
	BatchID uuid.UUID `json:"batch_id"`

	Sender    string `json:"sender_email"`
	Recipient string `json:"recipient_email"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`

	RequestedAt  time.Time     `json:"requested_at"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	Ordinal      int           `json:"ordinal"`
	MinDelay     time.Duration `json:"min_delay"`
	HourlyLimit  int           `json:"hourly_limit"`

	Status    EmailStatus `json:"status"`
	SentAt    *time.Time  `json:"sent_at,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	ErrorMsg  string      `json:"error_msg,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusUpdate carries the fields written together with a status change.
// Zero fields leave the stored value unchanged.
type StatusUpdate struct {
	Status       EmailStatus
	SentAt       *time.Time
	MessageID    string
	ErrorMsg     string
	ScheduledFor *time.Time
}

// RateLimitEntry mirrors one rate counter window into the record store.
type RateLimitEntry struct {
	Sender     string    `json:"sender_email"`
	HourWindow time.Time `json:"hour_window"`
	EmailCount int64     `json:"email_count"`
}
