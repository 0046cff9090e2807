// ABOUTME: Ops API operations: work-item list/detail, replay of exhausted
// ABOUTME: rows, and per-status queue counts.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/scarson/conveyor/internal/store"
)

// itemEntry is the list item shape; payload omitted to keep lists small.
type itemEntry struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Status     string  `json:"status"`
	RetryCount int     `json:"retry_count"`
	MaxRetries int     `json:"max_retries"`
	DueAt      string  `json:"due_at"`
	LockedAt   *string `json:"locked_at,omitempty"`
	LastError  *string `json:"last_error,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// itemDetail extends itemEntry with the full payload.
type itemDetail struct {
	itemEntry
	Payload json.RawMessage `json:"payload"`
}

func toEntry(it store.WorkItem) itemEntry {
	e := itemEntry{
		ID:         it.ID.String(),
		Kind:       it.Kind,
		Status:     string(it.Status),
		RetryCount: it.RetryCount,
		MaxRetries: it.MaxRetries,
		DueAt:      it.DueAt.UTC().Format(time.RFC3339Nano),
		CreatedAt:  it.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  it.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if it.LockedAt != nil {
		s := it.LockedAt.UTC().Format(time.RFC3339Nano)
		e.LockedAt = &s
	}
	if len(it.LastError) > 0 {
		s := string(it.LastError)
		e.LastError = &s
	}
	return e
}

// encodeCursor encodes (time, uuid) as <RFC3339Nano>/<uuid>.
func encodeCursor(t time.Time, id uuid.UUID) string {
	return t.UTC().Format(time.RFC3339Nano) + "/" + id.String()
}

func decodeCursor(s string) (time.Time, uuid.UUID, error) {
	ts, ids, ok := strings.Cut(s, "/")
	if !ok {
		return time.Time{}, uuid.Nil, errors.New("malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	id, err := uuid.Parse(ids)
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	return t, id, nil
}

// ── Operations ────────────────────────────────────────────────────────────────

type listItemsInput struct {
	Kind   string `query:"kind"   doc:"Filter by work-item kind"`
	Status string `query:"status" doc:"Filter by status"`
	Cursor string `query:"cursor" doc:"Keyset cursor from a previous page"`
	Limit  int    `query:"limit"  minimum:"1" maximum:"200" doc:"Page size (default 50)"`
}

type listItemsOutput struct {
	Body struct {
		Items      []itemEntry `json:"items"`
		NextCursor *string     `json:"next_cursor,omitempty"`
	}
}

func (srv *Server) listItemsHandler(ctx context.Context, input *listItemsInput) (*listItemsOutput, error) {
	filter := store.ListFilter{
		Kind:   input.Kind,
		Status: store.Status(input.Status),
		Limit:  input.Limit,
	}
	if input.Cursor != "" {
		t, id, err := decodeCursor(input.Cursor)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid cursor")
		}
		filter.CursorTime, filter.CursorID = t, id
	}

	items, err := srv.store.List(ctx, filter)
	if err != nil {
		slog.ErrorContext(ctx, "list work items", "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}

	out := &listItemsOutput{}
	out.Body.Items = make([]itemEntry, len(items))
	for i, it := range items {
		out.Body.Items[i] = toEntry(it)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(items) == limit {
		last := items[len(items)-1]
		cursor := encodeCursor(last.CreatedAt, last.ID)
		out.Body.NextCursor = &cursor
	}
	return out, nil
}

type getItemInput struct {
	ID string `path:"id" format:"uuid" doc:"Work item id"`
}

type getItemOutput struct {
	Body itemDetail
}

func (srv *Server) getItemHandler(ctx context.Context, input *getItemInput) (*getItemOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid id")
	}
	it, err := srv.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, huma.Error404NotFound("work item not found")
	}
	if err != nil {
		slog.ErrorContext(ctx, "get work item", "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	return &getItemOutput{Body: itemDetail{itemEntry: toEntry(*it), Payload: it.Payload}}, nil
}

type replayItemInput struct {
	ID string `path:"id" format:"uuid" doc:"Work item id"`
}

type replayItemOutput struct {
	Status int
	Body   struct {
		Replayed bool `json:"replayed"`
	}
}

// replayItemHandler resets a completely-failed row to queued with a fresh
// retry budget.
func (srv *Server) replayItemHandler(ctx context.Context, input *replayItemInput) (*replayItemOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid id")
	}
	switch err := srv.store.Replay(ctx, id); {
	case errors.Is(err, store.ErrNotFound):
		return nil, huma.Error404NotFound("work item not found")
	case errors.Is(err, store.ErrNotReplayable):
		return nil, huma.Error409Conflict("only completely failed items can be replayed")
	case err != nil:
		slog.ErrorContext(ctx, "replay work item", "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	out := &replayItemOutput{Status: 202}
	out.Body.Replayed = true
	return out, nil
}

type statsOutput struct {
	Body struct {
		Counts map[string]int `json:"counts"`
	}
}

func (srv *Server) statsHandler(ctx context.Context, _ *struct{}) (*statsOutput, error) {
	stats, err := srv.store.Stats(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "queue stats", "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	out := &statsOutput{}
	out.Body.Counts = make(map[string]int, len(stats))
	for st, n := range stats {
		out.Body.Counts[string(st)] = n
	}
	return out, nil
}

func registerItemRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      "GET",
		Path:        "/api/v1/items",
		Summary:     "List work items",
	}, srv.listItemsHandler)
	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      "GET",
		Path:        "/api/v1/items/{id}",
		Summary:     "Get one work item",
	}, srv.getItemHandler)
	huma.Register(api, huma.Operation{
		OperationID: "replay-item",
		Method:      "POST",
		Path:        "/api/v1/items/{id}/replay",
		Summary:     "Replay a completely failed work item",
	}, srv.replayItemHandler)
	huma.Register(api, huma.Operation{
		OperationID: "queue-stats",
		Method:      "GET",
		Path:        "/api/v1/stats",
		Summary:     "Per-status queue counts",
	}, srv.statsHandler)
}
