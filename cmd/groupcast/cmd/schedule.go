package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"groupcast/internal/config"
	"groupcast/internal/jobs"
)

var (
	scheduleRequestPath string
	scheduleIdentity    string
	scheduleAt          string
	scheduleEvery       string
	scheduleAll         bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled runs",
	Long: `Add, list and cancel scheduled runs. Jobs are stored per identity and
fired by "groupcast serve".`,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Schedule a run at a time or on a recurrence",
	Example: `  groupcast schedule add -f post.yaml --at +2h
  groupcast schedule add -f post.yaml --at "2026-11-02 09:30"
  groupcast schedule add -f post.yaml --every "0 9 * * mon-fri"
  groupcast schedule add -f post.yaml --every 6h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := loadRequest(scheduleRequestPath)
		if err != nil {
			return err
		}
		if scheduleIdentity != "" {
			req.Identity = scheduleIdentity
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		loc, err := config.LoadLocation("scheduler.timezone", a.Config().Scheduler.Timezone)
		if err != nil {
			return err
		}
		due, err := parseAt(scheduleAt, time.Now(), loc)
		if err != nil {
			return err
		}
		j, err := a.Jobs().Add(ctx, jobs.AddRequest{
			Identity:   req.Identity,
			DueAt:      due,
			Mode:       req.Mode,
			Payload:    payloadOf(req),
			Recurrence: scheduleEvery,
		})
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(j)
		}
		fmt.Printf("scheduled %s for %s at %s\n", j.ID, j.Identity, j.DueAt.In(loc).Format(time.RFC3339))
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list [identity...]",
	Short: "List jobs of the given or all configured identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		identities := args
		if len(identities) == 0 {
			identities = a.Config().Identities
		}
		var out []jobs.Job
		for _, id := range identities {
			list, err := a.Jobs().List(ctx, id)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			for _, j := range list {
				if scheduleAll || !j.Status.Finished() {
					out = append(out, j)
				}
			}
		}
		if outputJSON {
			return printJSON(out)
		}
		if len(out) == 0 {
			fmt.Println("no jobs")
			return nil
		}
		fmt.Printf("%-36s  %-16s  %-9s  %-25s  %s\n", "ID", "IDENTITY", "STATUS", "DUE", "RECURRENCE")
		for _, j := range out {
			fmt.Printf("%-36s  %-16s  %-9s  %-25s  %s\n", j.ID, j.Identity, j.Status, j.DueAt.Format(time.RFC3339), j.Recurrence)
		}
		return nil
	},
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <identity> <job-id>",
	Short: "Cancel a pending job; for a recurring job this ends the series",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		j, err := a.Jobs().Cancel(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(j)
		}
		fmt.Printf("cancelled %s\n", j.ID)
		return nil
	},
}

func init() {
	scheduleAddCmd.Flags().StringVarP(&scheduleRequestPath, "request", "f", "", "run request file (yaml or json)")
	scheduleAddCmd.Flags().StringVar(&scheduleIdentity, "identity", "", "override the identity in the request file")
	scheduleAddCmd.Flags().StringVar(&scheduleAt, "at", "", "first due time: RFC 3339, \"YYYY-MM-DD HH:MM\" or +duration")
	scheduleAddCmd.Flags().StringVar(&scheduleEvery, "every", "", "recurrence: a duration (6h), a cron expression or a descriptor (@daily)")
	_ = scheduleAddCmd.MarkFlagRequired("request")

	scheduleListCmd.Flags().BoolVar(&scheduleAll, "all", false, "include finished jobs")

	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleCancelCmd)
	rootCmd.AddCommand(scheduleCmd)
}
