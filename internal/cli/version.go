package cli

import (
	"github.com/spf13/cobra"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
)

// VersionInfo is the version command's output.
type VersionInfo struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Date          string `json:"date"`
	SchemaVersion string `json:"schema_version"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build and schema versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := VersionInfo{
				Version:       opts.Version,
				Commit:        opts.Commit,
				Date:          opts.Date,
				SchemaVersion: database.TargetVersion,
			}
			out := &Output{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Result(info, "tillctl %s (commit %s, built %s), schema %s",
				info.Version, info.Commit, info.Date, info.SchemaVersion)
		},
	}
}
