package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/askstream/internal/gateway"
	"github.com/user/askstream/internal/render"
	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("thread", "cli:chat", "thread key")
	chatCmd.Flags().Int("history", 2000, "token budget for /history")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive conversation; Ctrl-C cancels the answer in progress",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

const chatHelp = `Commands:
  /new      start a new conversation
  /retry    ask the last question again
  /history  show the recent turns of this thread
  /quit     leave`

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	thread, _ := cmd.Flags().GetString("thread")
	budget, _ := cmd.Flags().GetInt("history")
	key := types.ThreadKey(thread)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a.gw.Start(ctx)
	defer a.gw.Stop()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	counter := render.NewTiktokenCounter("")
	printer := render.NewPrinter(os.Stdout, render.WithCounter(counter))
	promptColor := color.New(color.FgGreen, color.Bold)

	fmt.Println("askstream chat on thread", key, "(/help for commands)")
	for {
		promptColor.Print("> ")
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			line = strings.TrimSpace(l)
		case <-interrupts:
			fmt.Println()
			return nil
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Println(chatHelp)
			continue
		case "/new":
			if err := a.gw.NewConversation(ctx, key); err != nil {
				return err
			}
			fmt.Println("Started a new conversation.")
			continue
		case "/history":
			if err := showHistory(ctx, a, printer, key, 0, budget, counter); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			continue
		}

		done := make(chan turn.Snapshot, 1)
		opts := []gateway.RunOption{
			gateway.WithOnUpdate(printer.Update),
			gateway.WithOnComplete(func(s turn.Snapshot) { done <- s }),
		}
		if line == "/retry" {
			err = a.gw.Retry(ctx, key, "cli", opts...)
		} else {
			err = a.gw.HandleInbound(ctx, &types.InboundQuery{
				Source:    "cli",
				ThreadKey: key,
				UserID:    os.Getenv("USER"),
				Text:      line,
			}, opts...)
		}
		if errors.Is(err, gateway.ErrNothingToRetry) {
			fmt.Println("Nothing to retry yet.")
			continue
		}
		if err != nil {
			return err
		}

		waitTurn(a.gw, key, printer, done, interrupts)
	}
}

// waitTurn renders the final snapshot, cancelling the turn on interrupt.
func waitTurn(gw *gateway.Gateway, key types.ThreadKey, printer *render.Printer, done <-chan turn.Snapshot, interrupts <-chan os.Signal) {
	for {
		select {
		case snap := <-done:
			printer.Finish(snap)
			return
		case <-interrupts:
			gw.Cancel(key)
		}
	}
}
