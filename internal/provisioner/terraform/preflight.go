package terraform

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/hashicorp/terraform-exec/tfexec"
)

// VersionInfo describes the Terraform binary and providers found in a directory.
type VersionInfo struct {
	Binary    string            `json:"binary"`
	Version   string            `json:"version"`
	Providers map[string]string `json:"providers,omitempty"`
}

// Preflight resolves bin on PATH and asks it for its version through
// terraform-exec. dir may be any existing directory; providers are only
// reported when it has been initialised.
func Preflight(ctx context.Context, bin, dir string) (*VersionInfo, error) {
	if bin == "" {
		bin = "terraform"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("terraform not found in PATH: %w", err)
	}
	tf, err := tfexec.NewTerraform(dir, path)
	if err != nil {
		return nil, fmt.Errorf("create terraform executor: %w", err)
	}
	v, providers, err := tf.Version(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("terraform version: %w", err)
	}
	info := &VersionInfo{Binary: path, Version: v.String()}
	if len(providers) > 0 {
		info.Providers = make(map[string]string, len(providers))
		for name, pv := range providers {
			info.Providers[name] = pv.String()
		}
	}
	return info, nil
}
