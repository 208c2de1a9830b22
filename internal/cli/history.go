package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nerrad567/till-core/internal/audit"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var filter audit.Filter

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded maintenance runs",
		Long: `List backups, restores, integrity checks and migrations recorded by the
daemon and by tillctl, most recent first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithEnv(cmd, opts, func(ctx context.Context, e *env) error {
				res, err := audit.NewRepository(e.manager).List(ctx, filter)
				if err != nil {
					return err
				}
				if e.out.Format == "json" {
					return e.out.Result(res, "")
				}
				return writeHistory(e, res)
			})
		},
	}

	cmd.Flags().StringVar(&filter.Action, "action", "", "only this action (backup, restore, integrity, migrate)")
	cmd.Flags().StringVar(&filter.Source, "source", "", "only this source (daemon, tillctl)")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "maximum entries (up to 200)")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "entries to skip")
	return cmd
}

func writeHistory(e *env, res *audit.ListResult) error {
	if len(res.Logs) == 0 {
		return e.out.Result(res, "no history")
	}

	w := tabwriter.NewWriter(e.out.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tACTION\tSOURCE\tOK\tTARGET")
	for _, l := range res.Logs {
		ok := "yes"
		if !l.Success {
			ok = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", humanize.Time(l.CreatedAt), l.Action, l.Source, ok, l.EntityID)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if shown := res.Offset + len(res.Logs); shown < res.Total {
		return e.out.Result(res, "(%d of %d, use --offset %d for more)", len(res.Logs), res.Total, shown)
	}
	return nil
}
