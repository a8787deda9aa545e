package cmd

import (
	"context"

	"github.com/urfave/cli/v2"

	monitorUI "github.com/helvethink/deploy-orchestrator/pkg/monitor/ui"
)

// Monitor starts the internal monitoring UI.
func Monitor(ctx *cli.Context) (int, error) {
	cfg, err := parseGlobalFlags(ctx)
	if err != nil {
		return 1, err
	}

	if cfg.InternalMonitoringListenerAddress == nil {
		return 1, errMissingMonitoringAddress
	}

	monitorUI.Start(
		context.Background(),
		ctx.App.Version,
		cfg.InternalMonitoringListenerAddress,
	)

	return 0, nil
}
