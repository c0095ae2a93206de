package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-roomsync/internal/adapter/roompresenter"
	"github.com/park285/cheese-roomsync/internal/obslog"
	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/roombuilder"
	"github.com/park285/cheese-roomsync/internal/session"
	"github.com/park285/cheese-roomsync/internal/transport"
)

var (
	joinRoom string
	joinName string
	joinPeer string
	joinMode string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and play from stdin",
	Long: `Join a shared room. Each stdin line is one command; type "help" for the list.

Examples:
  roomsync join --room abc1 --name Alice
  roomsync join --room abc1 --name Bob --mode 2v2`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinRoom, "room", "", "Room id (required)")
	joinCmd.Flags().StringVar(&joinName, "name", "", "Display name")
	joinCmd.Flags().StringVar(&joinPeer, "peer", "", "Peer id (random when empty)")
	joinCmd.Flags().StringVar(&joinMode, "mode", "1v1", "Room mode: 1v1 or 2v2")
	_ = joinCmd.MarkFlagRequired("room")
}

func runJoin(cmd *cobra.Command, _ []string) error {
	mode, err := room.ParseMode(joinMode)
	if err != nil {
		return err
	}
	peer := strings.TrimSpace(joinPeer)
	if peer == "" {
		peer = uuid.NewString()
	}
	name := strings.TrimSpace(joinName)
	if name == "" {
		name = peer
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := obslog.Named("roomsync")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := roombuilder.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = deps.Close() }()

	ctrl := deps.NewController()
	out := cmd.OutOrStdout()
	var outMu sync.Mutex
	printLine := func(s string) error {
		outMu.Lock()
		defer outMu.Unlock()
		_, err := fmt.Fprintln(out, s)
		return err
	}

	f := roompresenter.NewFormatter(deps.Catalog)
	p := roompresenter.NewPresenter(f, ctrl.PeerID, printLine)
	unsubscribe := ctrl.Subscribe(func(u session.Update) {
		if err := p.Update(u); err != nil {
			logger.Warn("present_failed", zap.Error(err))
		}
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Outbox.Run(gctx) })

	params := transport.JoinParams{RoomID: strings.TrimSpace(joinRoom), Mode: mode, DisplayName: name, PeerID: peer}
	if err := ctrl.Join(ctx, params); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("join %s: %w", params.RoomID, err)
	}
	_ = printLine(fmt.Sprintf("joined %s as %s (%s) via %s; type \"help\" for commands", params.RoomID, name, peer, deps.Transport))

	showState := func() {
		st, ok := ctrl.View()
		if !ok {
			_ = printLine("no room state yet")
			return
		}
		_ = printLine(f.State(st, peer))
	}

	g.Go(func() error {
		defer stop()
		return readCommands(gctx, cmd.InOrStdin(), func(line string) error {
			err := dispatch(gctx, ctrl, line, showState)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, errQuit):
				return errQuit
			case errors.Is(err, errHelp):
				return printLine(helpText)
			default:
				return printLine(f.Rejection(err))
			}
		})
	})

	werr := g.Wait()

	leaveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ctrl.Leave(leaveCtx); err != nil {
		logger.Warn("leave_failed", zap.String("room_id", params.RoomID), zap.Error(err))
	}
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if err := deps.Outbox.Flush(flushCtx); err != nil {
		logger.Warn("outbox_flush_failed", zap.Int("pending", deps.Outbox.Pending()), zap.Error(err))
	}

	if werr != nil && !errors.Is(werr, errQuit) && !errors.Is(werr, context.Canceled) {
		return werr
	}
	return nil
}

// readCommands feeds stdin lines to handle until EOF, ctx cancellation or an error.
func readCommands(ctx context.Context, in io.Reader, handle func(line string) error) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if err != nil {
				return err
			}
			return errQuit
		case line := <-lines:
			if err := handle(line); err != nil {
				return err
			}
		}
	}
}
