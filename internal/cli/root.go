package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/crafter-station/scrapi/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "scrapi",
	Short: "scrapi turns a web page into a typed scraping script",
	Long: `scrapi loads a page in a remote browser, records the JSON and text traffic it
produces, and asks a code-generation service for a TypeScript script that
fetches the data you describe. The script is tested locally and sent back for
fixes until it returns data or the retry budget runs out.

Credentials come from the environment (V0_API_KEY, BROWSERBASE_API_KEY,
BROWSERBASE_PROJECT_ID) or a .env file. Run history lives in ~/.scrapi/.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Cancelling ctx stops a run in progress.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads --config when given, otherwise the default locations.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (default ./scrapi.yaml or ~/.scrapi/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(prepareCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(templatesCmd)
}
