package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrEventNotFound = errors.New("audit event not found")

const (
	timeLayout   = "2006-01-02T15:04:05.000000000Z07:00"
	defaultLimit = 50
	maxLimit     = 500
	eventColumns = `id, actor_id, actor_type, action, tool_name, execution_id, details, outcome, created_at`
)

// Service provides audit logging.
// All operations are append-only; no updates or deletes are supported
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Log appends event. ID and CreatedAt are filled in when empty.
func (s *Service) Log(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = generateID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	details := normalizeJSON(event.Details, []byte("{}"))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_event (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.ActorID,
		string(event.ActorType),
		event.Action,
		event.ToolName,
		event.ExecutionID,
		string(details),
		string(event.Outcome),
		event.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// LogWithDetails is a helper for the common case with structured details
func (s *Service) LogWithDetails(
	ctx context.Context,
	actorID string,
	actorType ActorType,
	action string,
	toolName string,
	executionID string,
	details any,
	outcome Outcome,
) error {
	var detailsJSON json.RawMessage
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return err
		}
	}
	return s.Log(ctx, &Event{
		ActorID:     actorID,
		ActorType:   actorType,
		Action:      action,
		ToolName:    optional(toolName),
		ExecutionID: optional(executionID),
		Details:     detailsJSON,
		Outcome:     outcome,
	})
}

// GetByID retrieves a single audit event by ID
func (s *Service) GetByID(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_event WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

// ListRecent returns events newest first and the total count.
func (s *Service) ListRecent(ctx context.Context, limit, offset int) ([]*Event, int, error) {
	events, err := s.list(ctx, `SELECT `+eventColumns+` FROM audit_event
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_event`).Scan(&count); err != nil {
		return nil, 0, err
	}
	return events, count, nil
}

// ListByTool retrieves audit events for one tool, newest first.
func (s *Service) ListByTool(ctx context.Context, toolName string, limit int) ([]*Event, error) {
	return s.list(ctx, `SELECT `+eventColumns+` FROM audit_event WHERE tool_name = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, toolName, clampLimit(limit))
}

// ListByExecution retrieves every event of one execution, oldest first.
func (s *Service) ListByExecution(ctx context.Context, executionID string) ([]*Event, error) {
	return s.list(ctx, `SELECT `+eventColumns+` FROM audit_event WHERE execution_id = ?
		ORDER BY created_at ASC, id ASC`, executionID)
}

// ListByOutcome retrieves audit events filtered by outcome
func (s *Service) ListByOutcome(ctx context.Context, outcome Outcome, limit int) ([]*Event, error) {
	return s.list(ctx, `SELECT `+eventColumns+` FROM audit_event WHERE outcome = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, string(outcome), clampLimit(limit))
}

func (s *Service) list(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		ev        Event
		actorType string
		outcome   string
		details   string
		createdAt string
	)
	if err := row.Scan(&ev.ID, &ev.ActorID, &actorType, &ev.Action, &ev.ToolName,
		&ev.ExecutionID, &details, &outcome, &createdAt); err != nil {
		return nil, err
	}
	ev.ActorType = ActorType(actorType)
	ev.Outcome = Outcome(outcome)
	ev.Details = json.RawMessage(details)
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	ev.CreatedAt = t
	return &ev, nil
}

// generateID returns a UUIDv7 so ids sort by creation time.
func generateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func normalizeJSON(raw json.RawMessage, fallback []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	}
	return n
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
