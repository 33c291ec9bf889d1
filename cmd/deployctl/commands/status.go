package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/iac-studio/deployengine/internal/services"
)

func newService(cmd *cobra.Command) (services.DeploymentService, error) {
	repo, err := openRepository(cmd.Context())
	if err != nil {
		return nil, err
	}
	return services.NewDeploymentService(services.DeploymentDeps{
		WorkingDir: cfg.WorkingDir,
		Repo:       repo,
	}), nil
}

func newStatusCommand() *cobra.Command {
	var tail bool

	cmd := &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show a deployment's status document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService(cmd)
			if err != nil {
				return err
			}
			v, err := svc.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), v)
			}
			printStatus(cmd.OutOrStdout(), v, tail)
			return nil
		},
	}

	cmd.Flags().BoolVar(&tail, "tail", false, "print the transcript tail")

	return cmd
}

func printStatus(out io.Writer, v *services.StatusView, tail bool) {
	fmt.Fprintf(out, "%s  %s  %d%%  %s\n", v.DeploymentID, v.Status, v.Progress, v.Message)
	if v.RetryCount > 0 {
		fmt.Fprintf(out, "retries: %d  auto-fixed: %t\n", v.RetryCount, v.AutoFixed)
	}
	for _, r := range v.Resources {
		fmt.Fprintf(out, "  %-10s %s\n", r.Status, r.FullName)
	}
	if v.Error != "" {
		fmt.Fprintf(out, "error: %s\n", v.Error)
	}
	if tail {
		for _, line := range v.LogTail {
			fmt.Fprintln(out, line)
		}
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <deployment-id>",
		Short: "Ask a running deployment to stop before its next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService(cmd)
			if err != nil {
				return err
			}
			res, err := svc.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}
