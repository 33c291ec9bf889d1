package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iac-studio/deployengine/internal/provisioner/credentials"
)

func newInjectCommand() *cobra.Command {
	var (
		f      submitFlags
		reveal bool
	)

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Print the configuration with credentials injected",
		Long: `Detect the cloud provider of a configuration and write the key pair into
its provider block, inserting one when missing. Secrets are masked unless
--reveal is given.`,
		Example: `  deployctl inject -f main.tf --cloud aws --access-key AKIA... --secret-key ...`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readConfigFile(f.file)
			if err != nil {
				return err
			}
			inj := credentials.NewInjector(nil)
			det, err := inj.Detect(text, f.cloud)
			if err != nil {
				return err
			}
			out, err := inj.Inject(text, f.keys, credentials.Target{Cloud: f.cloud, Region: f.region})
			if err != nil {
				return err
			}
			if !reveal {
				out = credentials.Mask(out, f.keys)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"provider": det.Provider.Name,
					"source":   string(det.Source),
					"config":   out,
				})
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "# provider %s (detected from %s)\n", det.Provider.Name, det.Source)
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	f.bind(cmd)
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print secrets unmasked")

	return cmd
}
