// cmd/tidybot-gateway/main.go
// Binary entrypoint for the TidyBot hardware-control gateway.  It wires the
// lease coordinator, trajectory recorder, rewind engine, state aggregator,
// service supervisor and code executor behind a single HTTP+WebSocket
// surface.  Configuration merges flags, TIDYBOT_ environment variables and
// an optional config file; --dry-run swaps the real backend adapters for
// simulated twins.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
	"github.com/shaoyifei96/tidybot-agent-server/pkg/version"
)

var (
	flagConfig  string
	flagLogJSON bool

	rootCmd = &cobra.Command{
		Use:   "tidybot-gateway",
		Short: "TidyBot gateway – network front door for the robot",
		Long: `tidybot-gateway mediates between remote agents and the robot's backend
servers (arm, base, gripper, cameras): exclusive-access leases, a safety
envelope on every command, trajectory recording with reverse replay, backend
process supervision and sandboxed script execution.`,
		RunE: runGateway,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logging.Initialised() {
				return nil
			}
			return initLogger()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to configuration file (YAML/TOML/JSON)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Enable JSON log output (default is human-friendly console)")

	rootCmd.Flags().String("host", "", "Bind host (overrides config)")
	rootCmd.Flags().Int("port", 0, "Bind port (overrides config)")
	rootCmd.Flags().Bool("dry-run", false, "Use simulated backend adapters")
	rootCmd.Flags().Bool("auto-start-services", false, "Start all supervised services on boot")
	rootCmd.Flags().Bool("no-service-manager", false, "Disable the backend service supervisor")

	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
