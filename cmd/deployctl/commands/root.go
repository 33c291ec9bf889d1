// Package commands implements the deployctl command tree.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/iac-studio/deployengine/internal/provisioner/terraform"
	"github.com/iac-studio/deployengine/pkg/config"
	"github.com/iac-studio/deployengine/pkg/logger"
)

var (
	// Global flags
	workingDir string
	logLevel   string
	jsonOutput bool

	cfg *config.Config

	// newRunner is replaced in tests.
	newRunner = func(bin string) terraform.Runner { return terraform.NewExecRunner(bin) }
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deployctl",
		Short: "Drive Terraform deployments from the command line",
		Long: `deployctl runs, inspects and stops deployments against the same working
directories the api and worker use. It needs no queue; the database is used
only when DATABASE_URL is set.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			if workingDir != "" {
				c.WorkingDir = workingDir
			}
			if _, err := logger.InitWithWriter(logLevel, "console", cmd.ErrOrStderr()); err != nil {
				return err
			}
			cfg = c
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&workingDir, "working-dir", "w", "", "deployment working directory root (default WORKING_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newInjectCommand())
	rootCmd.AddCommand(newResourcesCommand())
	rootCmd.AddCommand(newSidecarCommand())
	rootCmd.AddCommand(newDoctorCommand())

	return rootCmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readConfigFile(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}
