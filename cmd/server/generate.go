package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/deliverables-engine/api"
	"github.com/warp/deliverables-engine/engine"
)

// generatePeriodsCmd runs period generation once, for cron-style triggers.
func generatePeriodsCmd(flags *globalFlags) *cobra.Command {
	var (
		contractID string
		all        bool
		asOf       string
	)

	cmd := &cobra.Command{
		Use:   "generate-periods",
		Short: "Generate missing delivery periods",
		Long: `Materializes the delivery periods of one contract (--contract) or of every
active contract (--all). Existing periods are never modified, so the command is
safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (contractID == "") == !all {
				return errors.New("exactly one of --contract or --all is required")
			}

			a, err := flags.open()
			if err != nil {
				return err
			}
			defer a.close()

			if asOf != "" {
				d, err := engine.ParseDate(asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of: %w", err)
				}
				a.service.Now = func() time.Time { return d.Time }
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if all {
				scheduler := api.NewPeriodScheduler(a.service, a.store, a.logger.Named("scheduler"))
				summary := scheduler.RunNow(ctx)
				fmt.Fprintf(out, "contracts=%d created=%d skipped=%d failed=%d\n",
					summary.Contracts, summary.Created, summary.Skipped, summary.Failed)
				if summary.Failed > 0 {
					return fmt.Errorf("%d contract(s) failed", summary.Failed)
				}
				return nil
			}

			result, err := a.service.GeneratePeriods(ctx, engine.ContractID(contractID), engine.DateOf(a.service.Now()))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "contract=%s planned=%d created=%d existing=%d\n",
				result.ContractID, result.Planned, len(result.Created), result.Existing)
			for _, d := range result.Created {
				fmt.Fprintf(out, "  #%d %s %s\n", d.PeriodNumber, d.Period, d.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contractID, "contract", "", "contract ID")
	cmd.Flags().BoolVar(&all, "all", false, "every contract that is not cancelled")
	cmd.Flags().StringVar(&asOf, "as-of", "", "reference date YYYY-MM-DD (default today)")
	return cmd
}
