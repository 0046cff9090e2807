package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusInProgress       Status = "in_progress"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCompletelyFailed Status = "completely_failed"
	StatusDeleted          Status = "deleted"
)

// claimableStatuses are the states a row may be claimed from. in_progress
// rows are additionally claimable once their lock has expired.
var claimableStatuses = []Status{StatusQueued, StatusFailed}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusCompletelyFailed, StatusDeleted:
		return true
	default:
		return false
	}
}

// WorkItem is a persisted queue row. Payload is opaque to the engine and
// interpreted only by the side-effect handler registered for Kind.
type WorkItem struct {
	ID                 uuid.UUID
	Kind               string
	Status             Status
	LockToken          *uuid.UUID
	LockedAt           *time.Time
	DueAt              time.Time
	RetryCount         int
	MaxRetries         int
	BackoffBaseSeconds int
	Payload            json.RawMessage
	LastError          json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Resolution is the persisted outcome of one dispatch attempt, produced by
// the classifier and written back by Commit.
type Resolution struct {
	ItemID uuid.UUID
	// LockToken is the token stamped by the claim this resolution belongs
	// to. Commit writes only rows still holding it, so an attempt whose
	// lock expired and was reclaimed by another worker cannot overwrite
	// that worker's result.
	LockToken  uuid.UUID
	Status     Status
	RetryCount int
	// DueAt is set only for retryable failures; strictly after the failed
	// attempt.
	DueAt time.Time
	// LastError is a JSON error record retained for operator review; nil on
	// success.
	LastError json.RawMessage
}

// ErrorRecord is the shape persisted into work_items.last_error.
type ErrorRecord struct {
	Code   string    `json:"code,omitempty"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// MarshalErrorRecord encodes an ErrorRecord for a Resolution. Marshaling a
// struct of strings and a time cannot fail; the error is ignored.
func MarshalErrorRecord(code, detail string, at time.Time) json.RawMessage {
	b, _ := json.Marshal(ErrorRecord{Code: code, Detail: detail, At: at.UTC()}) //nolint:errcheck
	return b
}
