package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/askstream/internal/render"
	"github.com/user/askstream/internal/state"
	"github.com/user/askstream/internal/types"
)

func init() {
	rootCmd.AddCommand(threadCmd)
	threadCmd.AddCommand(threadListCmd, threadShowCmd, threadClearCmd)

	threadShowCmd.Flags().Int("limit", 20, "number of turns to show (0 for all)")
	threadShowCmd.Flags().Int("budget", 0, "only show the most recent turns fitting this many tokens")
}

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Manage conversation threads",
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		threads := state.NewThreadStore(cfg.DataDir)
		transcripts := state.NewTranscriptStore(cfg.DataDir)

		ctx := context.Background()
		list, err := threads.List(ctx)
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No threads found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSOURCE\tTURNS\tCONVERSATION\tUPDATED")
		for _, th := range list {
			count, err := transcripts.Count(ctx, th.ThreadID)
			if err != nil {
				count = 0
			}
			conv := th.ConversationID
			if conv == "" {
				conv = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				th.ThreadKey,
				th.Source,
				count,
				conv,
				th.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var threadShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show the transcript of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		limit, _ := cmd.Flags().GetInt("limit")
		budget, _ := cmd.Flags().GetInt("budget")

		a := &app{
			cfg:         cfg,
			threads:     state.NewThreadStore(cfg.DataDir),
			transcripts: state.NewTranscriptStore(cfg.DataDir),
		}
		printer := render.NewPrinter(os.Stdout)
		return showHistory(context.Background(), a, printer, types.ThreadKey(args[0]), limit, budget, render.NewTiktokenCounter(""))
	},
}

var threadClearCmd = &cobra.Command{
	Use:   "clear <key|all>",
	Short: "Delete a thread and its transcript, or all threads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		threads := state.NewThreadStore(cfg.DataDir)
		ctx := context.Background()

		if args[0] != "all" {
			if err := threads.Delete(ctx, types.ThreadKey(args[0])); err != nil {
				if errors.Is(err, state.ErrThreadNotFound) {
					return fmt.Errorf("thread not found: %s", args[0])
				}
				return fmt.Errorf("delete thread: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Thread %s cleared.\n", args[0])
			return nil
		}

		list, err := threads.List(ctx)
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}
		for _, th := range list {
			if err := threads.Delete(ctx, th.ThreadKey); err != nil {
				return fmt.Errorf("delete thread %s: %w", th.ThreadKey, err)
			}
		}
		fmt.Printf("%d thread(s) cleared.\n", len(list))
		return nil
	},
}

// showHistory prints the last turns of a thread, trimmed to budget tokens
// when budget is positive.
func showHistory(ctx context.Context, a *app, printer *render.Printer, key types.ThreadKey, limit, budget int, counter render.Counter) error {
	th, err := a.threads.Get(ctx, key)
	if errors.Is(err, state.ErrThreadNotFound) {
		fmt.Println("No turns yet.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	records, err := a.transcripts.Tail(ctx, th.ThreadID, limit)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	records = render.FitHistory(records, budget, counter)
	if len(records) == 0 {
		fmt.Println("No turns yet.")
		return nil
	}
	printer.WriteTranscript(os.Stdout, records)
	return nil
}
