package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/iac-studio/deployengine/internal/autofix"
	"github.com/iac-studio/deployengine/internal/metrics"
	"github.com/iac-studio/deployengine/internal/provisioner/terraform"
	"github.com/iac-studio/deployengine/pkg/database"
)

type check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the terraform binary and configured services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			checks := runChecks(ctx)
			failed := 0
			for _, c := range checks {
				if !c.OK {
					failed++
				}
			}
			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), checks); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, c := range checks {
					mark := "ok"
					if !c.OK {
						mark = "FAIL"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, mark, c.Detail)
				}
				tw.Flush()
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func runChecks(ctx context.Context) []check {
	var out []check

	if info, err := terraform.Preflight(ctx, cfg.TerraformBin, os.TempDir()); err != nil {
		out = append(out, check{Name: "terraform", Detail: err.Error()})
	} else {
		out = append(out, check{Name: "terraform", OK: true, Detail: info.Version + " at " + info.Binary})
	}

	out = append(out, checkWorkingDir(cfg.WorkingDir))

	if cfg.DatabaseURL != "" {
		c := check{Name: "database"}
		if db, err := database.Open(ctx, database.Options{DSN: cfg.DatabaseURL, MaxRetries: 1}); err != nil {
			c.Detail = err.Error()
		} else {
			c.OK, c.Detail = true, "reachable"
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		out = append(out, c)
	}

	if cfg.RedisAddr != "" {
		c := check{Name: "redis"}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			c.Detail = err.Error()
		} else {
			c.OK, c.Detail = true, cfg.RedisAddr
		}
		_ = rdb.Close()
		out = append(out, c)
	}

	if cfg.MCPEnabled {
		c := check{Name: "sidecar"}
		if err := autofix.NewSidecarClient(cfg, metrics.New(false)).HealthCheck(ctx); err != nil {
			c.Detail = err.Error()
		} else {
			c.OK, c.Detail = true, "healthy"
		}
		out = append(out, c)
	}

	return out
}

func checkWorkingDir(dir string) check {
	c := check{Name: "working_dir", Detail: dir}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.Detail = err.Error()
		return c
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		c.Detail = "not writable: " + err.Error()
		return c
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	c.OK = true
	return c
}
