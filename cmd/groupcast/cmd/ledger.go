package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var ledgerTier string

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect per-identity delivery ledgers",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <identity>",
	Short: "Print the active window, archived cycles and per-target stats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		l, err := a.Ledgers().Get(ctx, args[0])
		if err != nil {
			return err
		}
		snap := l.Snapshot()
		if outputJSON {
			return printJSON(snap)
		}
		w := snap.Window
		fmt.Printf("identity: %s\n", snap.Identity)
		fmt.Printf("window:   %s, %d attempts (%d ok, %d failed), %d runs\n", w.DayKey, w.Attempts, w.Successes, w.Fails, w.RunCount)
		fmt.Printf("targets:  %d recorded this cycle, %d known\n", len(w.RecordedTargets), len(snap.Targets))
		fmt.Printf("records:  %d retained\n", snap.Records)
		for _, h := range snap.History {
			fmt.Printf("  %s  %d attempts (%d ok, %d failed), %d targets, %d runs\n", h.DayKey, h.Attempts, h.Successes, h.Fails, h.Targets, h.RunCount)
		}
		return nil
	},
}

var ledgerQuotaCmd = &cobra.Command{
	Use:   "quota <identity>",
	Short: "Print used and remaining quota for a tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		l, err := a.Ledgers().Get(ctx, args[0])
		if err != nil {
			return err
		}
		q, err := l.Quota(ledgerTier)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(q)
		}
		fmt.Printf("%s tier %s: %d/%d used, %d remaining, resets %s\n",
			q.DayKey, q.Tier, q.Used, q.Limit, q.Remaining, q.ResetsAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	ledgerQuotaCmd.Flags().StringVar(&ledgerTier, "tier", "", "quota tier (default: the configured default tier)")
	ledgerCmd.AddCommand(ledgerShowCmd, ledgerQuotaCmd)
	rootCmd.AddCommand(ledgerCmd)
}
