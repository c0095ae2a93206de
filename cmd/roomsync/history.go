package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-roomsync/internal/adapter/roompresenter"
	"github.com/park285/cheese-roomsync/internal/domain"
	"github.com/park285/cheese-roomsync/internal/msgcat"
	"github.com/park285/cheese-roomsync/internal/roombuilder"
)

var (
	historyRoom  string
	historyPeer  string
	historyLimit int
	historyPGN   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show archived games",
	Long: `List finished games from the archive (DATABASE_URL, then SQLITE_PATH).

Examples:
  roomsync history --room abc1
  roomsync history --peer a --limit 5 --pgn`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := roombuilder.OpenStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		recs, err := store.Query(cmd.Context(), domain.RecordFilter{RoomID: historyRoom, PeerID: historyPeer, Limit: historyLimit})
		if err != nil {
			return fmt.Errorf("query archive: %w", err)
		}
		cat, err := msgcat.New(cfg.MsgOverrideDir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, roompresenter.NewFormatter(cat).History(recs))
		if historyPGN {
			for _, r := range recs {
				fmt.Fprintf(out, "\n%s\n", r.PGN)
			}
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyRoom, "room", "", "Only games from this room")
	historyCmd.Flags().StringVar(&historyPeer, "peer", "", "Only games this peer played")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of games")
	historyCmd.Flags().BoolVar(&historyPGN, "pgn", false, "Print the PGN of each game")
}
