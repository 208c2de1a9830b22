package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/till-core/internal/audit"
	"github.com/nerrad567/till-core/internal/store"
)

// IntegrityResult is the integrity command's output.
type IntegrityResult struct {
	OK       bool     `json:"ok"`
	Problems []string `json:"problems,omitempty"`
}

// NewIntegrityCommand creates the integrity command.
func NewIntegrityCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Run PRAGMA integrity_check",
		Long:  "Run SQLite's integrity check. Exits non-zero when problems are found.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithEnv(cmd, opts, func(ctx context.Context, e *env) error {
				err := e.manager.VerifyIntegrity(ctx)

				var integrityErr *store.IntegrityError
				if err != nil && !errors.As(err, &integrityErr) {
					return err
				}

				res := IntegrityResult{OK: err == nil}
				entry := &audit.AuditLog{Action: audit.ActionIntegrity, EntityType: "database", Success: res.OK}
				if integrityErr != nil {
					res.Problems = integrityErr.Problems
					entry.Details = map[string]any{"problems": res.Problems}
				}
				e.record(ctx, entry)
				if outErr := e.out.Result(res, "%s", integrityText(res)); outErr != nil {
					return outErr
				}
				return err
			})
		},
	}
}

func integrityText(res IntegrityResult) string {
	if res.OK {
		return "ok"
	}
	return "integrity check failed:\n  " + strings.Join(res.Problems, "\n  ")
}
