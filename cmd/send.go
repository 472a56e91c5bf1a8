package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/samsaffron/llmchat/internal/attachment"
	"github.com/samsaffron/llmchat/internal/chat"
	"github.com/samsaffron/llmchat/internal/ui"
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message to a thread",
	Long: `Send a message and stream the answer. Without --thread a new thread is
started and titled after the first answer. The message is read from stdin
when no argument is given.

Examples:
  llmchat send "summarize this" -f notes.md
  llmchat send -m local:qwen "hello"
  llmchat send --thread <id> --continue <message-id>
  git diff | llmchat send "review this diff"`,
	RunE: runSend,
}

var (
	sendThread   string
	sendModel    string
	sendFiles    []string
	sendContinue string
	sendYes      bool
	sendStats    bool
)

func init() {
	sendCmd.Flags().StringVarP(&sendThread, "thread", "t", "", "Thread to send to (default: new thread)")
	sendCmd.Flags().StringVarP(&sendModel, "model", "m", "", "Model as provider:model")
	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "Attach files (globs and path:start-end ranges allowed)")
	sendCmd.Flags().StringVar(&sendContinue, "continue", "", "Continue a stopped answer by message id")
	sendCmd.Flags().BoolVarP(&sendYes, "yes", "y", false, "Approve every tool call")
	sendCmd.Flags().BoolVar(&sendStats, "stats", false, "Show time and token statistics")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req, err := buildSendRequest(args, os.Stdin, isTerminal(os.Stdin))
	if err != nil {
		return err
	}

	a, err := newApp(ctx, loadedConfig, appOptions{
		allowAllTools: sendYes,
		interactive:   isTerminal(os.Stdin),
		withTools:     true,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runTurn(ctx, req, turnOptions{tty: isTerminal(os.Stdout), stats: sendStats})
	if res != nil && res.Thread != nil {
		fmt.Fprintf(os.Stderr, "thread: %s\n", res.Thread.ID)
	}
	return err
}

// buildSendRequest assembles a request from flags, arguments and stdin.
func buildSendRequest(args []string, stdin io.Reader, stdinTTY bool) (chat.SendRequest, error) {
	req := chat.SendRequest{
		ThreadID:       sendThread,
		ContinueFromID: sendContinue,
		Text:           strings.Join(args, " "),
	}
	if sendModel != "" {
		p, m, ok := strings.Cut(sendModel, ":")
		if !ok || p == "" || m == "" {
			return req, fmt.Errorf("invalid --model %q: want provider:model", sendModel)
		}
		req.Provider, req.Model = p, m
	}
	if req.ContinueFromID != "" {
		if req.ThreadID == "" {
			return req, errors.New("--continue requires --thread")
		}
		return req, nil
	}

	if !stdinTTY {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return req, fmt.Errorf("read stdin: %w", err)
		}
		if piped := strings.TrimSpace(string(data)); piped != "" {
			if req.Text == "" {
				req.Text = piped
			} else {
				req.Text += "\n\n" + piped
			}
		}
	}

	if len(sendFiles) > 0 {
		files, err := attachment.Load(sendFiles)
		if err != nil {
			return req, err
		}
		req.Attachments = files
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return req, errors.New("nothing to send: pass a message or pipe one on stdin")
	}
	return req, nil
}

type turnOptions struct {
	tty   bool
	stats bool
}

// runTurn sends req with a live view on terminals and plain output
// otherwise, then prints the final answer.
func (a *app) runTurn(ctx context.Context, req chat.SendRequest, opts turnOptions) (*chat.Result, error) {
	if opts.tty {
		return a.runStreamView(ctx, req, opts)
	}
	return a.runPlain(ctx, req)
}

func (a *app) runPlain(ctx context.Context, req chat.SendRequest) (*chat.Result, error) {
	var remedy ui.RemedyFunc
	if isTerminal(os.Stdin) {
		remedy = ui.ChooseRemedy
	}
	n := ui.NewPlainNotifier(os.Stdout, os.Stderr, remedy)
	a.relay.set(n)
	defer a.relay.set(nil)

	res, err := a.orch.Send(ctx, req)
	final := ""
	if res != nil && res.Message != nil {
		final = res.Message.Text()
	}
	n.Finish(final)
	return res, err
}

func (a *app) runStreamView(ctx context.Context, req chat.SendRequest, opts turnOptions) (*chat.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	styles := ui.NewStyles(os.Stdout)
	width := terminalWidth()
	stats := ui.NewSendStats()
	p := tea.NewProgram(ui.NewStreamModel(styles, width, cancel), tea.WithoutSignalHandler())
	a.relay.set(ui.NewProgramNotifier(p, ui.ChooseRemedy))
	defer a.relay.set(nil)

	var (
		res     *chat.Result
		sendErr error
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		res, sendErr = a.orch.Send(ctx, req)
		p.Send(ui.DoneMsg{})
	}()

	final, runErr := p.Run()
	cancel()
	<-done
	if runErr != nil && sendErr == nil {
		sendErr = runErr
	}

	if res != nil && res.Message != nil {
		fmt.Println(ui.RenderMarkdown(res.Message.Text(), width))
	}
	if res != nil && res.Title != "" {
		fmt.Fprintln(os.Stderr, styles.Muted.Render("title: "+res.Title))
	}
	if opts.stats && res != nil {
		if m, ok := final.(ui.StreamModel); ok {
			stats.Observe(m.Stats())
		}
		stats.Turns = res.Turns
		stats.Stopped = res.Stopped
		fmt.Fprintln(os.Stderr, styles.Muted.Render(stats.Render()))
	}
	return res, sendErr
}
