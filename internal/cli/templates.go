package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crafter-station/scrapi/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect and customize the built-in prompt and bundle templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List template names",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range prompt.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

var templatesExportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Write the built-in templates to dir for editing",
	Long: `Write every built-in template to dir, keeping files that already exist. Point
pipeline.templates_dir at dir to use the edited copies.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		written, err := prompt.Export(args[0])
		if err != nil {
			return err
		}
		for _, name := range written {
			cmd.Printf("  wrote %s\n", name)
		}
		cmd.Printf("%d template(s) exported to %s\n", len(written), args[0])
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesExportCmd)
}
