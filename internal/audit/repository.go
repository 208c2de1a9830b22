// Package audit records maintenance history in the till's own database:
// backups, restores, integrity checks and schema migrations, with who
// triggered them.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/store"
)

// Actions.
const (
	ActionBackup    = "backup"
	ActionRestore   = "restore"
	ActionIntegrity = "integrity"
	ActionMigrate   = "migrate"
)

// Sources.
const (
	SourceDaemon = "daemon"
	SourceCLI    = "tillctl"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	// timeLayout is fixed width so created_at sorts as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// AuditLog represents a single audit trail entry.
type AuditLog struct { //nolint:revive // audit.AuditLog is clearer than audit.Log in calling code
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Source     string         `json:"source"`
	Success    bool           `json:"success"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which audit logs to return.
type Filter struct {
	Action string // optional: filter by action (backup, restore, integrity, migrate)
	Source string // optional: filter by source (daemon, tillctl)
	Limit  int    // default 50, max 200
	Offset int    // pagination offset
}

// ListResult contains the paginated audit log results.
type ListResult struct {
	Logs   []AuditLog `json:"logs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Queue is the part of store.Manager the Repository needs.
type Queue interface {
	Enqueue(ctx context.Context, op store.Operation) (any, error)
}

// Repository reads and writes audit logs through the store queue.
type Repository struct {
	queue Queue
}

// NewRepository creates a new audit log repository.
func NewRepository(queue Queue) *Repository {
	return &Repository{queue: queue}
}

// Create inserts a new audit log entry as its own queued operation.
func (r *Repository) Create(ctx context.Context, log *AuditLog) error {
	_, err := r.queue.Enqueue(ctx, func(ctx context.Context, ex database.Execer) (any, error) {
		return nil, Insert(ctx, ex, log)
	})
	return err
}

// List returns audit logs matching the filter, most recent first.
func (r *Repository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	v, err := r.queue.Enqueue(ctx, func(ctx context.Context, ex database.Execer) (any, error) {
		return Query(ctx, ex, filter)
	})
	if err != nil {
		return nil, err
	}
	res, _ := v.(*ListResult)
	return res, nil
}

// Insert writes log using ex. The ID and CreatedAt are generated if empty.
func Insert(ctx context.Context, ex database.Execer, log *AuditLog) error {
	if log.ID == "" {
		log.ID = "aud-" + uuid.NewString()[:8]
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var detailsJSON any
	if log.Details != nil {
		b, err := json.Marshal(log.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		detailsJSON = string(b)
	}

	if _, err := ex.Execute(ctx, createTable); err != nil {
		return fmt.Errorf("creating audit table: %w", err)
	}

	_, err := ex.Execute(ctx,
		`INSERT INTO audit_logs (id, action, entity_type, entity_id, source, success, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.Action, log.EntityType,
		nullableString(log.EntityID),
		log.Source, log.Success, detailsJSON,
		log.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Query returns audit logs matching the filter using ex.
func Query(ctx context.Context, ex database.Execer, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	exists, err := database.TableExists(ctx, ex, "audit_logs")
	if err != nil {
		return nil, fmt.Errorf("checking audit table: %w", err)
	}
	if !exists {
		return &ListResult{Logs: []AuditLog{}, Limit: filter.Limit, Offset: filter.Offset}, nil
	}

	var conditions []string
	var args []any

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) AS total FROM audit_logs %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	countRows, err := ex.Query(ctx, countQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("counting audit logs: %w", err)
	}
	total := 0
	if len(countRows) > 0 {
		total = int(database.AsInt64(countRows[0]["total"]))
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, action, entity_type, entity_id, source, success, details, created_at FROM audit_logs %s ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := ex.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}

	logs := make([]AuditLog, 0, len(rows))
	for _, row := range rows {
		log := AuditLog{
			ID:         database.AsString(row["id"]),
			Action:     database.AsString(row["action"]),
			EntityType: database.AsString(row["entity_type"]),
			EntityID:   database.AsString(row["entity_id"]),
			Source:     database.AsString(row["source"]),
			Success:    database.AsInt64(row["success"]) != 0,
		}

		if details := database.AsString(row["details"]); details != "" {
			var parsed map[string]any
			if json.Unmarshal([]byte(details), &parsed) == nil {
				log.Details = parsed
			}
		}

		createdAt := database.AsString(row["created_at"])
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit log timestamp %q: %w", createdAt, err)
		}
		log.CreatedAt = t

		logs = append(logs, log)
	}

	return &ListResult{
		Logs:   logs,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

const createTable = `CREATE TABLE IF NOT EXISTS audit_logs (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT,
    source TEXT NOT NULL,
    success INTEGER NOT NULL,
    details TEXT,
    created_at TEXT NOT NULL
)`
