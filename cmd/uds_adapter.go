// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"

	"flowguard/internal/command"
)

// udsClientAdapter satisfies ClientInterface over the JSON-RPC UDS channel,
// the same one task/stats/status/reload already use directly. It exists so
// "otus start" (without --foreground) can report on the daemon that
// ensureDaemonAndConnect already made sure was running.
type udsClientAdapter struct {
	client *command.UDSClient
}

func newUDSClientAdapter(socketPath string) *udsClientAdapter {
	return &udsClientAdapter{client: command.NewUDSClient(socketPath, 0)}
}

func (a *udsClientAdapter) Start(ctx context.Context) error {
	return a.client.Ping(ctx)
}

func (a *udsClientAdapter) Stop(ctx context.Context) error {
	resp, err := a.client.DaemonShutdown(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("daemon_shutdown failed: %s", resp.Error.Message)
	}
	return nil
}

func (a *udsClientAdapter) Reload(ctx context.Context) error {
	resp, err := a.client.ConfigReload(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("config.reload failed: %s", resp.Error.Message)
	}
	return nil
}

func (a *udsClientAdapter) Close() error {
	return nil
}
