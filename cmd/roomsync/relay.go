package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/park285/cheese-roomsync/internal/obslog"
	"github.com/park285/cheese-roomsync/internal/roombuilder"
	"github.com/park285/cheese-roomsync/internal/rules"
	"github.com/park285/cheese-roomsync/internal/transport/relay"
)

var relayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relay server",
	Long: `Serve ticket issuance and the websocket room channel for TRANSPORT=relay peers.
The server keeps every room in memory and acts as its host.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := cfg.RelayListenAddr
		if relayAddr != "" {
			addr = relayAddr
		}
		logger := obslog.Named("relay")

		hub := roombuilder.NewHub(cfg, rules.New(), logger)
		defer hub.Close()

		srv := &http.Server{
			Addr:              addr,
			Handler:           relay.NewServer(hub, relay.WithServerLogger(logger)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("relay_listening", zap.String("addr", addr))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		logger.Info("relay_shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", "", "Listen address (default RELAY_LISTEN_ADDR)")
}
