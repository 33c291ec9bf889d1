package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/autofix"
	"github.com/iac-studio/deployengine/internal/metrics"
	"github.com/iac-studio/deployengine/internal/models"
	"github.com/iac-studio/deployengine/internal/orchestrator"
	"github.com/iac-studio/deployengine/internal/provisioner/credentials"
	"github.com/iac-studio/deployengine/internal/registry"
	"github.com/iac-studio/deployengine/internal/repository"
	"github.com/iac-studio/deployengine/internal/services"
	"github.com/iac-studio/deployengine/internal/workspace"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/database"
	"github.com/iac-studio/deployengine/pkg/logger"
	"github.com/iac-studio/deployengine/pkg/utils"
)

type submitFlags struct {
	file    string
	origin  string
	project string
	cloud   string
	region  string
	keys    credentials.KeyPair
}

func (f *submitFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "main.tf", "configuration file, - for stdin")
	cmd.Flags().StringVar(&f.origin, "origin", string(utils.OriginProvision), "origin: query, provision, ai or template")
	cmd.Flags().StringVar(&f.project, "project", "", "project label stored on the row")
	cmd.Flags().StringVar(&f.cloud, "cloud", "", "cloud hint, e.g. aws, azure, gcp, digitalocean")
	cmd.Flags().StringVar(&f.region, "region", "", "region written into an inserted provider block")
	cmd.Flags().StringVar(&f.keys.AccessKey, "access-key", "", "access key or token")
	cmd.Flags().StringVar(&f.keys.SecretKey, "secret-key", "", "secret key")
	cmd.Flags().StringVar(&f.keys.ClientID, "client-id", "", "azure client id")
	cmd.Flags().StringVar(&f.keys.TenantID, "tenant-id", "", "azure tenant id")
	cmd.Flags().StringVar(&f.keys.SubscriptionID, "subscription-id", "", "azure subscription id")
}

func newRunCommand() *cobra.Command {
	var (
		f       submitFlags
		noFix   bool
		retries int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a deployment to completion in this process",
		Long: `Prepare a working directory for the configuration and drive it through
init, plan and apply, repairing and retrying failed attempts. The first
interrupt asks the run to stop before its next stage; a second one kills the
running terraform process.`,
		Example: `  # Deploy main.tf with keys from the file itself
  deployctl run -f main.tf

  # Inject keys and skip automatic repair
  deployctl run -f vpc.tf --cloud aws --region us-east-1 \
    --access-key AKIA... --secret-key ... --no-fix`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDeployment(cmd.Context(), cmd.OutOrStdout(), f, noFix, retries)
		},
	}

	f.bind(cmd)
	cmd.Flags().BoolVar(&noFix, "no-fix", false, "fail on the first stage error instead of repairing")
	cmd.Flags().IntVar(&retries, "max-retries", -1, "retry budget (default MAX_RETRIES)")

	return cmd
}

func runDeployment(ctx context.Context, out io.Writer, f submitFlags, noFix bool, retries int) error {
	text, err := readConfigFile(f.file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("create working dir: %w", err)
	}

	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	injector := credentials.NewInjector(nil)
	reg := registry.New()

	svc := services.NewDeploymentService(services.DeploymentDeps{
		WorkingDir: cfg.WorkingDir,
		Repo:       repo,
		Injector:   injector,
		Registry:   reg,
	})
	res, err := svc.Submit(ctx, &services.SubmitInput{
		Config:      text,
		Origin:      utils.Origin(f.origin),
		Username:    currentUser(),
		Project:     f.project,
		Cloud:       f.cloud,
		Region:      f.region,
		Credentials: f.keys,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "deployment %s: %s on %s\n", res.DeploymentID, res.Resources, res.Provider)

	ws, err := workspace.Open(cfg.WorkingDir, res.DeploymentID)
	if err != nil {
		return err
	}

	m := metrics.New(false)
	if retries < 0 {
		retries = cfg.MaxRetries
	}
	opts := []orchestrator.Option{
		orchestrator.WithInjector(injector),
		orchestrator.WithMetrics(m),
		orchestrator.WithMaxRetries(retries),
		orchestrator.WithTimeouts(cfg.StageTimeout, cfg.TeardownTimeout),
		orchestrator.WithInventory(cfg.InventoryEnabled),
	}
	if !noFix {
		opts = append(opts, orchestrator.WithFixer(autofix.NewFromConfig(ctx, cfg, injector, m)))
	}
	if repo != nil {
		opts = append(opts, orchestrator.WithRows(repo))
	}
	controller := orchestrator.New(newRunner(cfg.TerraformBin), reg, opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnInterrupt(runCtx, cancel, reg, res.DeploymentID)

	sum, err := controller.Run(runCtx, orchestrator.Job{
		DeploymentID: res.DeploymentID,
		Workspace:    ws,
		KeyPair:      f.keys,
		CloudHint:    f.cloud,
	})
	if sum != nil {
		if perr := printSummary(out, res.DeploymentID, sum); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if sum != nil && sum.Status == models.StatusFailed {
		return appErr.New(appErr.CodeStageFailed, sum.Error)
	}
	return nil
}

// stopOnInterrupt turns the first SIGINT into a cooperative stop and the
// second into context cancellation.
func stopOnInterrupt(ctx context.Context, cancel context.CancelFunc, reg *registry.Registry, id string) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
		}
		if _, err := reg.RequestStop(id); err != nil {
			logger.L().Warn("stop request failed", zap.Error(err))
		}
		logger.L().Warn("stop requested, waiting for the current stage; interrupt again to abort")
		select {
		case <-ctx.Done():
		case <-sigCh:
			cancel()
		}
	}()
}

func openRepository(ctx context.Context) (repository.DeploymentRepository, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	db, err := database.Open(ctx, database.Options{DSN: cfg.DatabaseURL, MaxRetries: 1})
	if err != nil {
		return nil, err
	}
	return repository.NewDeploymentRepository(db), nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "deployctl"
}

func printSummary(out io.Writer, id string, sum *orchestrator.Summary) error {
	if jsonOutput {
		return printJSON(out, struct {
			DeploymentID string `json:"deployment_id"`
			*orchestrator.Summary
		}{id, sum})
	}
	fmt.Fprintf(out, "status: %s (attempts %d, retries %d, auto-fixed %t)\n", sum.Status, sum.Attempts, sum.RetryCount, sum.AutoFixed)
	for _, fx := range sum.Fixes {
		fmt.Fprintf(out, "  fix after attempt %d (%s) via %s\n", fx.Attempt, fx.Stage, fx.Tier)
	}
	names := make([]string, 0, len(sum.Outputs))
	for name := range sum.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if slices.Contains(sum.SensitiveOutputs, name) {
			fmt.Fprintf(out, "  output %s = (sensitive)\n", name)
			continue
		}
		fmt.Fprintf(out, "  output %s = %v\n", name, sum.Outputs[name])
	}
	if sum.Error != "" {
		fmt.Fprintf(out, "error: %s\n", strings.TrimSpace(sum.Error))
	}
	return nil
}
