package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"groupcast/internal/app"
	"groupcast/internal/notifier"
	"groupcast/internal/orchestrator"
)

var (
	runRequestPath string
	runIdentity    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one run now and print its result",
	Long: `Execute one run from a request file and wait for it to finish.

The first interrupt asks the run to cancel: in-flight lanes finish and are
recorded in the ledger. A second interrupt exits immediately.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := loadRequest(runRequestPath)
		if err != nil {
			return err
		}
		if runIdentity != "" {
			req.Identity = runIdentity
		}
		req.Source = "cli"

		base := context.WithoutCancel(cmd.Context())
		a, err := openApp(base)
		if err != nil {
			return err
		}
		if err := a.Start(base, app.StartOptions{}); err != nil {
			_ = a.Stop(base, app.StopFatalError)
			return err
		}

		sig, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			select {
			case <-done:
			case <-sig.Done():
				stop()
				fmt.Fprintln(os.Stderr, "cancelling run, interrupt again to exit")
				cancel := func() error { return a.Orchestrator().Cancel(req.Identity) }
				if err := cancelWhenActive(done, cancel, 50*time.Millisecond); err != nil {
					fmt.Fprintf(os.Stderr, "cancel run: %v\n", err)
				}
			}
		}()

		res, runErr := a.Orchestrator().Run(base, req)
		close(done)
		stop()

		if res.RunID != "" {
			if outputJSON {
				_ = printJSON(res)
			} else {
				fmt.Println(notifier.RunReport(res))
			}
		}
		if err := a.Stop(base, app.StopCommand); err != nil && runErr == nil {
			runErr = err
		}
		if errors.Is(runErr, context.Canceled) {
			return nil
		}
		return runErr
	},
}

// cancelWhenActive retries cancel while the run is not registered yet (an
// interrupt during validation or preflight) and gives up once done closes.
func cancelWhenActive(done <-chan struct{}, cancel func() error, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		err := cancel()
		if !errors.Is(err, orchestrator.ErrNoActiveRun) {
			return err
		}
		select {
		case <-done:
			return nil
		case <-t.C:
		}
	}
}

func init() {
	runCmd.Flags().StringVarP(&runRequestPath, "request", "f", "", "run request file (yaml or json)")
	runCmd.Flags().StringVar(&runIdentity, "identity", "", "override the identity in the request file")
	_ = runCmd.MarkFlagRequired("request")
	rootCmd.AddCommand(runCmd)
}
