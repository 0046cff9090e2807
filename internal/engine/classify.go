// ABOUTME: Outcome classifier and backoff scheduler: maps a raw handler
// ABOUTME: outcome onto a persisted resolution, computing retry due times.
package engine

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/conveyor/internal/store"
)

// Well-known outcome error codes. Handlers are free to emit other codes;
// unrecognized ones are logged at Error level for operator follow-up and
// still resolve down the retryable branch, so work is never silently lost.
const (
	// CodeUnavailable: target temporarily unreachable or returning server
	// errors.
	CodeUnavailable = "unavailable"
	// CodeTimeout: the call exceeded its deadline.
	CodeTimeout = "timeout"
	// CodeGone: target confirmed gone (deleted endpoint, unregistered
	// token). Terminal, never retried.
	CodeGone = "gone"
	// CodeInternal: engine-side fault (panic, bad payload shape). Retried
	// like a transient failure but logged at Error level since it indicates
	// a bug rather than an external outage.
	CodeInternal = "internal"
)

var transientCodes = map[string]struct{}{
	CodeUnavailable: {},
	CodeTimeout:     {},
	"":              {},
}

// Classifier turns raw outcomes into resolutions.
type Classifier struct {
	log *slog.Logger
}

// NewClassifier returns a Classifier logging through log (nil means
// slog.Default).
func NewClassifier(log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{log: log}
}

// Classify maps one attempt's outcome onto the resolution to persist:
//
//   - success → succeeded (terminal);
//   - permanent failure → deleted (terminal, no retry, no backoff);
//   - retryable failure with budget left → failed, retry count bumped,
//     due again after backoffBase^attempt seconds (strictly in the future);
//   - retryable failure with the budget spent → completely_failed
//     (terminal), last error retained for operator review.
func (c *Classifier) Classify(item store.WorkItem, outcome Outcome, now time.Time) store.Resolution {
	var token uuid.UUID
	if item.LockToken != nil {
		token = *item.LockToken
	}

	if outcome.Success {
		return store.Resolution{ItemID: item.ID, LockToken: token, Status: store.StatusSucceeded, RetryCount: item.RetryCount}
	}

	lastError := store.MarshalErrorRecord(outcome.ErrorCode, outcome.ErrorDetail, now)

	if !outcome.Retryable {
		return store.Resolution{
			ItemID:     item.ID,
			LockToken:  token,
			Status:     store.StatusDeleted,
			RetryCount: item.RetryCount,
			LastError:  lastError,
		}
	}

	if outcome.ErrorCode == CodeInternal {
		c.log.Error("internal failure while handling work item, will retry",
			"item_id", item.ID, "kind", item.Kind, "detail", outcome.ErrorDetail)
	} else if _, known := transientCodes[outcome.ErrorCode]; !known {
		c.log.Error("unclassified outcome code, treating as transient",
			"item_id", item.ID, "kind", item.Kind, "code", outcome.ErrorCode)
	}

	attempt := item.RetryCount + 1
	if item.RetryCount < item.MaxRetries {
		return store.Resolution{
			ItemID:     item.ID,
			LockToken:  token,
			Status:     store.StatusFailed,
			RetryCount: attempt,
			DueAt:      now.Add(backoff(item.BackoffBaseSeconds, attempt)),
			LastError:  lastError,
		}
	}

	return store.Resolution{
		ItemID:     item.ID,
		LockToken:  token,
		Status:     store.StatusCompletelyFailed,
		RetryCount: attempt,
		LastError:  lastError,
	}
}

// backoff returns base^attempt seconds, capped at 24h so a large retry
// budget cannot schedule rows into the far future.
func backoff(baseSeconds, attempt int) time.Duration {
	d := time.Duration(math.Pow(float64(baseSeconds), float64(attempt))) * time.Second
	if d <= 0 || d > 24*time.Hour {
		return 24 * time.Hour
	}
	return d
}
