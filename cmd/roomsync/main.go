// roomsync joins shared chess rooms from the terminal.
//
// Usage:
//
//	roomsync join --room abc1 --name Alice   - Join a room and read commands from stdin
//	roomsync history [--room] [--peer]       - List archived games
//	roomsync relay                           - Serve the relay transport
//
// Transport, archive and timing settings come from the environment
// (optionally overlaid by the YAML file in ROOMSYNC_CONFIG).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-roomsync/internal/config"
	"github.com/park285/cheese-roomsync/internal/obslog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "roomsync",
	Short: "Shared chess rooms over loopback, Redis or a relay",
	Long: `roomsync keeps a shared chess room consistent between peers.

Available commands:
  join     - Join a room and play from stdin
  history  - Show archived games
  relay    - Run the relay server

Examples:
  roomsync join --room abc1 --name Alice
  TRANSPORT=realtime REDIS_URL=redis://localhost:6379/0 roomsync join --room abc1 --name Bob
  roomsync history --peer a --limit 5`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return obslog.InitFromEnv()
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(relayCmd)
}

func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}
