package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"groupcast/internal/app"
)

var (
	cfgFile    string
	logLevel   string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "groupcast",
	Short: "Post one subject to many groups through rate-limited browser sessions",
	Long: `groupcast drives browser sessions that post a subject to a list of
target groups, paced in batches and lanes, guarded by a daily quota ledger
and halted on risk signals.

Run "groupcast serve" for the long-running scheduler, or use the run,
schedule and ledger commands for one-shot work against the same store.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "engine config file (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// initConfig lets GROUPCAST_CONFIG, GROUPCAST_LOG_LEVEL and GROUPCAST_JSON
// stand in for flags that were not given.
func initConfig() {
	viper.SetEnvPrefix("GROUPCAST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cfgFile = viper.GetString("config")
	logLevel = viper.GetString("log-level")
	outputJSON = viper.GetBool("json")
}

func openApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, cfgFile, app.WithVersion(Version), app.WithLogLevel(logLevel))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cfgFile, err)
	}
	return a, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
