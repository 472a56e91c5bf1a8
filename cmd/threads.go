package cmd

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/samsaffron/llmchat/internal/chat"
	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/session"
	"github.com/samsaffron/llmchat/internal/ui"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage chat threads",
	Long: `List, show, rename, archive and delete threads.

Examples:
  llmchat threads                       # List recent threads
  llmchat threads --archived
  llmchat threads show <id>
  llmchat threads rename <id> "Trip planning"
  llmchat threads retitle <id>`,
	RunE: runThreadsList,
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads",
	RunE:  runThreadsList,
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a thread's messages and token usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsShow,
}

var threadsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Set a thread's title",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runThreadsRename,
}

var threadsArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setArchived(cmd.Context(), args[0], true)
	},
}

var threadsUnarchiveCmd = &cobra.Command{
	Use:   "unarchive <id>",
	Short: "Restore an archived thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setArchived(cmd.Context(), args[0], false)
	},
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsDelete,
}

var threadsRetitleCmd = &cobra.Command{
	Use:   "retitle <id>",
	Short: "Generate a new title from the whole conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsRetitle,
}

var (
	threadsArchived bool
	threadsLimit    int
	threadsYes      bool
)

func init() {
	for _, c := range []*cobra.Command{threadsCmd, threadsListCmd} {
		c.Flags().BoolVar(&threadsArchived, "archived", false, "List archived threads")
		c.Flags().IntVar(&threadsLimit, "limit", 20, "Maximum number of threads to list")
	}
	threadsDeleteCmd.Flags().BoolVarP(&threadsYes, "yes", "y", false, "Delete without asking")

	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsShowCmd)
	threadsCmd.AddCommand(threadsRenameCmd)
	threadsCmd.AddCommand(threadsArchiveCmd)
	threadsCmd.AddCommand(threadsUnarchiveCmd)
	threadsCmd.AddCommand(threadsDeleteCmd)
	threadsCmd.AddCommand(threadsRetitleCmd)
	rootCmd.AddCommand(threadsCmd)
}

func runThreadsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	threads, err := store.ListThreads(cmd.Context(), session.ListOptions{Archived: threadsArchived, Limit: threadsLimit})
	if err != nil {
		return fmt.Errorf("failed to list threads: %w", err)
	}
	if len(threads) == 0 {
		fmt.Println("No threads found.")
		return nil
	}

	styles := ui.NewStyles(os.Stdout)
	fmt.Println(
		styles.TableHeader.Width(38).Render("ID") +
			styles.TableHeader.Width(42).Render("TITLE") +
			styles.TableHeader.Width(28).Render("MODEL") +
			styles.TableHeader.Render("UPDATED"))
	for _, t := range threads {
		fmt.Println(
			styles.TableCell.Width(38).Render(t.ID) +
				styles.TableCell.Width(42).Render(ansi.Truncate(t.Title, 40, "…")) +
				styles.TableCell.Width(28).Render(ansi.Truncate(t.Provider+":"+t.Model, 26, "…")) +
				styles.Muted.Render(formatAge(time.Since(t.UpdatedAt))))
	}
	return nil
}

func runThreadsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	thread, err := getThread(ctx, store, args[0])
	if err != nil {
		return err
	}
	msgs, err := store.ListMessages(ctx, thread.ID)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	styles := ui.NewStyles(os.Stdout)
	width := terminalWidth()
	fmt.Println(styles.Title.Render(thread.Title))
	fmt.Println(styles.Muted.Render(fmt.Sprintf("%s · %s:%s · %s tokens",
		thread.ID, thread.Provider, thread.Model, ui.FormatUsage(chat.ThreadUsageTotal(msgs)))))
	if thread.Archived {
		fmt.Println(styles.Warning.Render("archived"))
	}

	for _, m := range msgs {
		fmt.Println()
		fmt.Println(styles.Bold.Render(messageHeading(m)))
		if text := m.Text(); text != "" {
			fmt.Println(ui.RenderMarkdown(text, width))
		}
		for _, tc := range m.Metadata.ToolCalls {
			fmt.Println(styles.Muted.Render(fmt.Sprintf("%s tool %s(%s) %s", ui.InfoIcon, tc.Name, string(tc.Arguments), tc.State)))
		}
		if m.Metadata.Error != "" {
			fmt.Println(styles.Error.Render(ui.FailIcon + " " + m.Metadata.Error))
		}
	}
	return nil
}

// messageHeading labels a message with its author and status.
func messageHeading(m session.Message) string {
	var b strings.Builder
	switch m.Role {
	case llm.RoleUser:
		b.WriteString("You")
	case llm.RoleAssistant:
		b.WriteString(cmp.Or(m.Metadata.Assistant, "Assistant"))
		if m.Metadata.ModelID != "" {
			fmt.Fprintf(&b, " (%s)", m.Metadata.ModelID)
		}
	default:
		b.WriteString(string(m.Role))
	}
	if m.Status == session.StatusStopped {
		b.WriteString(" [stopped, id " + m.ID + "]")
	}
	return b.String()
}

func runThreadsRename(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	title := strings.TrimSpace(strings.Join(args[1:], " "))
	if title == "" {
		return fmt.Errorf("title must not be empty")
	}
	if _, err := getThread(cmd.Context(), store, args[0]); err != nil {
		return err
	}
	if err := store.RenameThread(cmd.Context(), args[0], title); err != nil {
		return fmt.Errorf("failed to rename thread: %w", err)
	}
	fmt.Printf("Renamed thread to %q.\n", title)
	return nil
}

func setArchived(ctx context.Context, id string, archived bool) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := getThread(ctx, store, id); err != nil {
		return err
	}
	if err := store.ArchiveThread(ctx, id, archived); err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	if archived {
		fmt.Println("Thread archived.")
	} else {
		fmt.Println("Thread restored.")
	}
	return nil
}

func runThreadsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	thread, err := getThread(ctx, store, args[0])
	if err != nil {
		return err
	}
	if !threadsYes {
		if !isTerminal(os.Stdin) {
			return fmt.Errorf("refusing to delete without confirmation; pass --yes")
		}
		ok, err := ui.ConfirmDelete(ctx, thread.Title)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Cancelled.")
			return nil
		}
	}
	if err := store.DeleteThread(ctx, thread.ID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	fmt.Println("Thread deleted.")
	return nil
}

func runThreadsRetitle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, loadedConfig, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	title, err := a.orch.RetitleThread(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Title: %s\n", title)
	return nil
}

func getThread(ctx context.Context, store session.Store, id string) (*session.Thread, error) {
	t, err := store.GetThread(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("thread %q not found", id)
	}
	return t, nil
}

// formatAge renders a duration as a short relative age.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
	return fmt.Sprintf("%dmo ago", int(d.Hours()/(24*30)))
}
