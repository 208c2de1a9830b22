package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/ordernumber"
	"github.com/nerrad567/till-core/internal/transaction"
)

// NewOrderNumberCommand creates the order-number command group.
func NewOrderNumberCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "order-number",
		Aliases: []string{"on"},
		Short:   "Issue or decode unified order numbers",
	}
	cmd.AddCommand(newOrderNumberNextCommand(opts))
	cmd.AddCommand(newOrderNumberParseCommand(opts))
	return cmd
}

func newOrderNumberNextCommand(opts *RootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "next <S|R|H>",
		Short: "Issue the next order number",
		Long: `Issue the next order number of the given type: S (sale), R (return)
or H (hanging). The number is consumed; it will not be issued again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := ordernumber.Type(strings.ToUpper(args[0]))
			if !t.Valid() {
				return fmt.Errorf("%w: %q (want S, R or H)", ordernumber.ErrInvalidType, args[0])
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}

			return runWithEnv(cmd, opts, func(ctx context.Context, e *env) error {
				issued, err := issueOrderNumbers(ctx, e, t, count)
				if err != nil {
					return err
				}
				if e.out.Format == "json" {
					return e.out.Result(issued, "")
				}
				for _, n := range issued {
					suffix := ""
					if n.Degraded {
						suffix = " (degraded)"
					}
					if err := e.out.Result(n, "%s%s", n.Number, suffix); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "how many numbers to issue")
	return cmd
}

// issueOrderNumbers issues count numbers in one transaction, so either
// all are consumed or none are.
func issueOrderNumbers(ctx context.Context, e *env, t ordernumber.Type, count int) ([]ordernumber.Issued, error) {
	loc, err := terminalLocation(e.cfg.Terminal.Timezone)
	if err != nil {
		return nil, err
	}

	coordOpts := []transaction.CoordinatorOption{
		transaction.WithDefaults(transaction.Options{
			RetryCount:  e.cfg.Transaction.RetryCount,
			Timeout:     e.cfg.GetTransactionTimeout(),
			BackoffStep: e.cfg.GetBackoffStep(),
		}),
		transaction.WithLogger(e.logger),
	}
	svcOpts := []ordernumber.Option{
		ordernumber.WithClock(func() time.Time { return time.Now().In(loc) }),
		ordernumber.WithLogger(e.logger),
	}
	if metrics := e.connectInfluxDB(); metrics != nil {
		defer metrics.Close() //nolint:errcheck // Close flushes; write errors go to the logger
		coordOpts = append(coordOpts, transaction.WithRecorder(metrics))
		svcOpts = append(svcOpts, ordernumber.WithRecorder(metrics))
	}

	coord := transaction.New(e.manager, coordOpts...)
	svc := ordernumber.New(e.manager, ordernumber.Config{AllowFallback: e.cfg.Sequence.AllowFallback}, svcOpts...)

	return transaction.Value(ctx, coord, func(ctx context.Context, tx database.Execer) ([]ordernumber.Issued, error) {
		issued := make([]ordernumber.Issued, 0, count)
		for range count {
			n, err := svc.GenerateTx(ctx, tx, t)
			if err != nil {
				return nil, err
			}
			issued = append(issued, n)
		}
		return issued, nil
	})
}

func newOrderNumberParseCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <order-number>",
		Short: "Decode an order number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := ordernumber.Parse(args[0])
			if err != nil {
				return err
			}
			out := &Output{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Result(parsed, "%s: %s on %s, sequence %d",
				parsed.OrderNumber, parsed.TypeName, parsed.Date, parsed.Sequence)
		},
	}
}

// terminalLocation resolves the configured timezone. "" and "Local" use
// the host's zone.
func terminalLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("terminal.timezone: %w", err)
	}
	return loc, nil
}
