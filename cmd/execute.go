package cmd

import (
	"fmt"
	"os"

	"flowguard/internal/daemon"
	"flowguard/internal/log"
	"github.com/spf13/cobra"
)

var (
	// 使用接口类型
	cli ClientInterface
)

var rootCmd = &cobra.Command{
	Use:   "otus",
	Short: "A CLI tool to manage otus daemon",
	Long: `otus is a command-line interface for controlling the otus background service.
It automatically manages the daemon lifecycle and provides various control commands.`,
	PersistentPreRunE: ensureDaemonAndConnect,
	PersistentPostRun: closeClient,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.GetLogger().WithError(err).Fatal("Application fatal error, exit with 1")
		os.Exit(1)
	}
}

func ensureDaemonAndConnect(cmd *cobra.Command, args []string) error {
	// "daemon" runs the daemon itself (not a client), "stop" manages its own
	// short-lived UDS connection, and "start --foreground" re-execs into
	// "daemon" below it: none of these should spawn a daemon or open the
	// shared client connection.
	if cmd.Name() == "daemon" || cmd.Name() == "stop" ||
		(cmd.Name() == "start" && cmd.Flag("foreground").Value.String() == "true") {
		return nil
	}

	if err := daemon.EnsureDaemonRunning(configFile, socketPath, pidFile); err != nil {
		return fmt.Errorf("failed to ensure daemon: %w", err)
	}

	cli = newUDSClientAdapter(socketPath)
	return nil
}

func closeClient(cmd *cobra.Command, args []string) {
	if cli != nil {
		cli.Close()
	}
}

// SetClient 用于测试时注入 mock 客户端
func SetClient(c ClientInterface) {
	cli = c
}

// GetClient 用于测试时获取当前客户端
func GetClient() ClientInterface {
	return cli
}
