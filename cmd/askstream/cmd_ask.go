package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/askstream/internal/gateway"
	"github.com/user/askstream/internal/render"
	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
)

const cancelGrace = 5 * time.Second

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().String("thread", "cli:default", "thread key")
	askCmd.Flags().Bool("new", false, "start a new conversation on the thread")
	askCmd.Flags().Bool("json", false, "print the final snapshot as JSON")
}

var askCmd = &cobra.Command{
	Use:   "ask <question...>",
	Short: "Ask one question and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	thread, _ := cmd.Flags().GetString("thread")
	fresh, _ := cmd.Flags().GetBool("new")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	a.gw.Start(context.Background())
	defer a.gw.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key := types.ThreadKey(thread)
	if fresh {
		if err := a.gw.NewConversation(ctx, key); err != nil {
			return err
		}
	}

	printer := render.NewPrinter(os.Stdout, render.WithCounter(render.NewTiktokenCounter("")))
	var opts []gateway.RunOption
	if !asJSON {
		opts = append(opts, gateway.WithOnUpdate(printer.Update))
	}

	snap, err := askAndWait(ctx, a.gw, &types.InboundQuery{
		Source:    "cli",
		ThreadKey: key,
		UserID:    os.Getenv("USER"),
		Text:      strings.Join(args, " "),
	}, opts...)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
	} else {
		printer.Finish(snap)
	}
	if snap.Phase == turn.PhaseErrored {
		return fmt.Errorf("answer failed: %s", snap.ErrorMessage)
	}
	return nil
}

// askAndWait queues the question and waits for its final snapshot. When
// ctx ends first the turn is cancelled and the cancelled snapshot returned.
func askAndWait(ctx context.Context, gw *gateway.Gateway, q *types.InboundQuery, opts ...gateway.RunOption) (turn.Snapshot, error) {
	done := make(chan turn.Snapshot, 1)
	opts = append(opts, gateway.WithOnComplete(func(s turn.Snapshot) { done <- s }))
	if err := gw.HandleInbound(ctx, q, opts...); err != nil {
		return turn.Snapshot{}, err
	}
	select {
	case snap := <-done:
		return snap, nil
	case <-ctx.Done():
	}

	gw.Cancel(q.ThreadKey)
	select {
	case snap := <-done:
		return snap, nil
	case <-time.After(cancelGrace):
		return turn.Snapshot{Phase: turn.PhaseIdle, Query: q.Text}, nil
	}
}
