// Command fcmctl is the operator CLI for the flow collection manager
// daemon: status, config reload, on-demand signature reload, and
// gatekeeper cache inspection, all driven over the same Unix-domain-socket
// JSON-RPC channel the rest of the daemon's control surface uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"flowguard/internal/command"

	"github.com/spf13/cobra"
)

var (
	socketPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "fcmctl",
	Short: "Control and inspect the flow collection manager daemon",
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/fcm.sock", "daemon control socket path")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "RPC timeout")

	rootCmd.AddCommand(statusCmd, reloadSignaturesCmd, gatekeeperStatsCmd, configReloadCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func client() *command.UDSClient {
	return command.NewUDSClient(socketPath, timeout)
}

// call issues an RPC and prints the result (or a formatted error) the same
// way across every subcommand.
func call(method string, params interface{}) {
	resp, err := client().Call(context.Background(), method, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fcmctl: %s: %v\n", method, err)
		os.Exit(1)
	}
	if resp.Error != nil {
		fmt.Fprintf(os.Stderr, "fcmctl: %s: %s\n", method, resp.Error.Message)
		os.Exit(1)
	}
	out, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fcmctl: format result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print collector/report/handle counts and the memory watchdog state",
	Run: func(cmd *cobra.Command, args []string) {
		call("fcm.status", nil)
	},
}

var configReloadCmd = &cobra.Command{
	Use:   "config-reload",
	Short: "Re-read and re-apply the static config file",
	Run: func(cmd *cobra.Command, args []string) {
		call("config.reload", nil)
	},
}

var reloadSignaturesCmd = &cobra.Command{
	Use:   "reload-signatures <bundle-path>",
	Short: "Hot-load a new RTS signature bundle from a file path the daemon can read",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		call("rts.reload_signatures", map[string]string{"path": args[0]})
	},
}

var gatekeeperStatsCmd = &cobra.Command{
	Use:   "gatekeeper-stats",
	Short: "Print gatekeeper cache size and the last restore's success/failure counts",
	Run: func(cmd *cobra.Command, args []string) {
		call("gatekeeper.cache_stats", nil)
	},
}
