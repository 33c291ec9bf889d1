package autofix

import (
	"context"

	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/llm"
	"github.com/iac-studio/deployengine/internal/metrics"
	"github.com/iac-studio/deployengine/internal/provisioner/credentials"
	"github.com/iac-studio/deployengine/internal/sidecar"
	"github.com/iac-studio/deployengine/pkg/config"
	"github.com/iac-studio/deployengine/pkg/logger"
)

// NewSidecarClient builds the MCP client described by the MCP_* settings.
func NewSidecarClient(cfg *config.Config, m *metrics.Metrics) *sidecar.Client {
	return sidecar.NewClient(
		sidecar.NewExecBridge(cfg.MCPCommand),
		sidecar.WithHandshake(cfg.MCPHandshake),
		sidecar.WithTimeout(cfg.MCPTimeout),
		sidecar.WithObserver(m.SidecarObserver()),
	)
}

// NewFromConfig wires the sidecar tier when MCP_ENABLED is set and the model
// tier when AI_PROVIDER has a usable key. Either may be missing.
func NewFromConfig(ctx context.Context, cfg *config.Config, injector *credentials.Injector, m *metrics.Metrics) *Engine {
	opts := []Option{WithObserver(m.FixObserver())}

	if cfg.MCPEnabled {
		client := NewSidecarClient(cfg, m)
		if err := client.HealthCheck(ctx); err != nil {
			logger.L().Warn("sidecar not reachable at startup", zap.Error(err))
		}
		opts = append(opts, WithSidecar(client), WithResolver(sidecar.NewResolver(client)))
	}

	model, err := llm.NewFromConfig(ctx, cfg)
	if err != nil {
		logger.L().Warn("language model repair disabled", zap.String("provider", cfg.AIProvider), zap.Error(err))
	} else {
		opts = append(opts, WithModel(model))
	}

	return New(injector, opts...)
}
