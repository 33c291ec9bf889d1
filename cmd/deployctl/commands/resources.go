package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iac-studio/deployengine/internal/provisioner/resources"
)

func newResourcesCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List the resources a configuration declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readConfigFile(file)
			if err != nil {
				return err
			}
			rs := resources.Parse(text)
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"summary":   resources.Summarize(rs),
					"resources": rs,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resources.Summarize(rs))
			for _, r := range rs {
				fmt.Fprintf(out, "  %s.%s\n", r.Type, r.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "main.tf", "configuration file, - for stdin")

	return cmd
}
