package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/storage"
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted sessions",
}

// openStorage opens the configured provider for offline use.
func openStorage(ctx context.Context) (storage.Provider, error) {
	p, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("storage is not configured")
	}
	return p, nil
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions, most recently active first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer p.Close()

		list, err := p.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tEVENTS\tCREATED\tUPDATED")
		for _, m := range list {
			count := "?"
			if evs, err := p.GetSessionEvents(ctx, m.ID); err == nil {
				count = humanize.Comma(int64(len(evs)))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				m.ID,
				m.Name,
				count,
				m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				humanize.Time(m.UpdatedAt),
			)
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's metadata and event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer p.Close()

		meta, err := p.GetSessionMetadata(ctx, args[0])
		if err != nil {
			return fmt.Errorf("session %s: %w", args[0], err)
		}
		evs, err := p.GetSessionEvents(ctx, args[0])
		if err != nil {
			return fmt.Errorf("events for %s: %w", args[0], err)
		}

		fmt.Printf("ID:        %s\n", meta.ID)
		fmt.Printf("Name:      %s\n", meta.Name)
		fmt.Printf("Directory: %s\n", meta.WorkingDirectory)
		if len(meta.Tags) > 0 {
			fmt.Printf("Tags:      %s\n", strings.Join(meta.Tags, ", "))
		}
		fmt.Printf("Created:   %s (%s)\n", meta.CreatedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(meta.CreatedAt))
		fmt.Printf("Events:    %s\n\n", humanize.Comma(int64(len(evs))))

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tSUMMARY")
		for _, ev := range evs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.Seq, ev.Timestamp.Local().Format("15:04:05.000"), ev.Type, summarize(ev))
		}
		return w.Flush()
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a persisted session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer p.Close()
		if err := p.DeleteSession(ctx, args[0]); err != nil {
			return fmt.Errorf("delete %s: %w", args[0], err)
		}
		fmt.Printf("Session %s deleted.\n", args[0])
		return nil
	},
}

const summaryWidth = 60

// summarize is a one-line description of an event for terminal output.
func summarize(ev events.Event) string {
	p, err := ev.Decode()
	if err != nil {
		return "(undecodable)"
	}
	var s string
	switch p := p.(type) {
	case events.UserMessage:
		s = p.Text()
	case events.AssistantMessage:
		s = p.Content
	case events.StreamingMessage:
		s = p.Content
	case events.ThinkingMessage:
		s = p.Content
	case events.ToolCall:
		s = p.Name
	case events.ToolResult:
		s = p.Name
		if p.Error != "" {
			s += ": " + p.Error
		}
	case events.FinalAnswer:
		s = p.Content
	case events.EnvironmentInput:
		s = p.Description
	case events.SystemNote:
		s = p.Level + ": " + p.Message
	case events.RunStart:
		s = p.RunID
	case events.RunEnd:
		s = p.Status
		if p.Error != "" {
			s += ": " + p.Error
		}
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > summaryWidth {
		s = s[:summaryWidth-3] + "..."
	}
	return s
}
