package audit

import (
	"context"

	"github.com/nerrad567/till-core/internal/maintenance"
)

var _ maintenance.Journal = (*MaintenanceJournal)(nil)

// MaintenanceJournal records scheduler runs as audit entries.
type MaintenanceJournal struct {
	repo   *Repository
	source string
}

// NewMaintenanceJournal returns a journal that attributes every run to source.
func NewMaintenanceJournal(repo *Repository, source string) *MaintenanceJournal {
	return &MaintenanceJournal{repo: repo, source: source}
}

// RecordMaintenance implements maintenance.Journal.
func (j *MaintenanceJournal) RecordMaintenance(ctx context.Context, res maintenance.Result) error {
	return j.repo.Create(ctx, FromResult(res, j.source))
}

// FromResult converts a scheduler result into an audit entry.
func FromResult(res maintenance.Result, source string) *AuditLog {
	details := map[string]any{
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}
	if res.Size > 0 {
		details["size_bytes"] = res.Size
	}
	if len(res.Pruned) > 0 {
		details["pruned"] = res.Pruned
	}
	if res.Error != "" {
		details["error"] = res.Error
	}

	return &AuditLog{
		Action:     res.Kind,
		EntityType: "database",
		EntityID:   res.Path,
		Source:     source,
		Success:    res.OK,
		Details:    details,
	}
}
