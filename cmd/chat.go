package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/samsaffron/llmchat/internal/chat"
	"github.com/samsaffron/llmchat/internal/ui"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Chat in a loop. Local models stay loaded between messages and config
file edits apply immediately.

Commands inside the session:
  /retitle   regenerate the thread title
  /active    list loaded models
  /stop      unload the current model
  /new       start a new thread
  /exit      leave (ctrl+c at the prompt also works)`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

var (
	chatThread string
	chatModel  string
	chatYes    bool
)

func init() {
	chatCmd.Flags().StringVarP(&chatThread, "thread", "t", "", "Resume a thread")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model as provider:model")
	chatCmd.Flags().BoolVarP(&chatYes, "yes", "y", false, "Approve every tool call")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
		return errors.New("chat needs a terminal; use send for pipes")
	}

	a, err := newApp(ctx, loadedConfig, appOptions{allowAllTools: chatYes, interactive: true, withTools: true})
	if err != nil {
		return err
	}
	defer a.Close()
	a.watchConfig()

	s := &chatSession{app: a, threadID: chatThread}
	if chatModel != "" {
		p, m, ok := strings.Cut(chatModel, ":")
		if !ok || p == "" || m == "" {
			return fmt.Errorf("invalid --model %q: want provider:model", chatModel)
		}
		s.provider, s.model = p, m
	}
	return s.loop(ctx)
}

type chatSession struct {
	app      *app
	threadID string
	provider string
	model    string
	lastRef  string // provider:model of the last answer
}

func (s *chatSession) loop(ctx context.Context) error {
	styles := ui.NewStyles(os.Stdout)
	for {
		var input string
		err := huh.NewForm(huh.NewGroup(
			huh.NewText().Title("You").Value(&input),
		)).WithShowHelp(false).RunWithContext(ctx)
		if errors.Is(err, huh.ErrUserAborted) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := s.command(ctx, input)
			if err != nil {
				fmt.Fprintln(os.Stderr, styles.Error.Render(ui.FailIcon+" "+err.Error()))
			}
			if quit {
				return nil
			}
			continue
		}

		res, err := s.app.runTurn(ctx, chat.SendRequest{
			ThreadID: s.threadID,
			Provider: s.provider,
			Model:    s.model,
			Text:     input,
		}, turnOptions{tty: true})
		if res != nil && res.Thread != nil {
			s.threadID = res.Thread.ID
			s.lastRef = res.Thread.Provider + ":" + res.Thread.Model
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, styles.Error.Render(ui.FailIcon+" "+err.Error()))
		}
	}
}

// command runs a slash command and reports whether the session should end.
func (s *chatSession) command(ctx context.Context, input string) (bool, error) {
	switch input {
	case "/exit", "/quit":
		return true, nil
	case "/new":
		s.threadID = ""
		fmt.Println("Started a new thread.")
	case "/retitle":
		if s.threadID == "" {
			return false, errors.New("no thread yet")
		}
		title, err := s.app.orch.RetitleThread(ctx, s.threadID)
		if err != nil {
			return false, err
		}
		fmt.Printf("Title: %s\n", title)
	case "/active":
		active, err := s.app.models.ActiveModels(ctx)
		if err != nil {
			return false, err
		}
		if len(active) == 0 {
			fmt.Println("No models loaded.")
		}
		for _, id := range active {
			fmt.Println(id)
		}
	case "/stop":
		if s.lastRef == "" {
			return false, errors.New("no model has been used yet")
		}
		providerName, modelID, _ := strings.Cut(s.lastRef, ":")
		if err := s.app.models.StopModel(ctx, modelID, providerName); err != nil {
			return false, err
		}
		fmt.Printf("Stopped %s.\n", s.lastRef)
	default:
		return false, fmt.Errorf("unknown command %s", input)
	}
	return false, nil
}
