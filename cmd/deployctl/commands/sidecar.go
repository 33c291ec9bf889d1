package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iac-studio/deployengine/internal/autofix"
	"github.com/iac-studio/deployengine/internal/metrics"
	"github.com/iac-studio/deployengine/internal/sidecar"
)

var sidecarCommand string

func newSidecarClient() *sidecar.Client {
	c := *cfg
	if sidecarCommand != "" {
		c.MCPCommand = sidecarCommand
	}
	return autofix.NewSidecarClient(&c, metrics.New(false))
}

func newSidecarCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sidecar",
		Short: "Talk to the Terraform MCP sidecar",
	}

	cmd.PersistentFlags().StringVar(&sidecarCommand, "command", "", "sidecar command line (default MCP_COMMAND)")

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Ping the sidecar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := newSidecarClient().HealthCheck(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sidecar healthy")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "List the tools the sidecar advertises",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tools, err := newSidecarClient().ListTools(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), tools)
			}
			for _, t := range tools {
				fmt.Fprintf(cmd.OutOrStdout(), "%-32s %s\n", t.Name, firstLine(t.Description))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "resolve <provider> <resource-type>",
		Short:   "Find documentation for a resource type",
		Example: `  deployctl sidecar resolve aws aws_s3_bucket`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := sidecar.NewResolver(newSidecarClient()).Resolve(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), doc)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s (%s)\n%s\n", doc.Reference, doc.Source, doc.Content)
			return nil
		},
	})

	return cmd
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
