package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/samsaffron/llmchat/internal/provider"
	"github.com/samsaffron/llmchat/internal/ui"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List, find and run models",
	Long: `List the models of configured providers and run local models.

Examples:
  llmchat models                        # List selectable models
  llmchat models find qwen
  llmchat models start local:qwen       # Serve until interrupted`,
	RunE: runModelsList,
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List selectable models",
	RunE:  runModelsList,
}

var modelsFindCmd = &cobra.Command{
	Use:   "find <query>",
	Short: "Fuzzy-find a model by provider:model name",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runModelsFind,
}

var modelsStartCmd = &cobra.Command{
	Use:   "start <provider:model>",
	Short: "Start a model and keep it loaded until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsStart,
}

func init() {
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsFindCmd)
	modelsCmd.AddCommand(modelsStartCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runModelsList(cmd *cobra.Command, args []string) error {
	reg := provider.NewRegistry(loadedConfig)
	options := reg.SelectableModels()
	if len(options) == 0 {
		fmt.Println("No models available. Add providers to the config file.")
		return nil
	}
	printModelOptions(options, loadedConfig.Provider+":"+loadedConfig.Model)
	return nil
}

func runModelsFind(cmd *cobra.Command, args []string) error {
	reg := provider.NewRegistry(loadedConfig)
	matches := reg.FindModel(strings.Join(args, " "))
	if len(matches) == 0 {
		return fmt.Errorf("no model matches %q", strings.Join(args, " "))
	}
	printModelOptions(matches, loadedConfig.Provider+":"+loadedConfig.Model)
	return nil
}

func printModelOptions(options []provider.ModelOption, current string) {
	styles := ui.NewStyles(os.Stdout)
	for _, o := range options {
		marker := "  "
		if o.String() == current {
			marker = styles.Success.Render(ui.SuccessIcon) + " "
		}
		line := marker + o.String()
		var details []string
		if o.Model.Name != "" && o.Model.Name != o.Model.ID {
			details = append(details, o.Model.Name)
		}
		if n := provider.ContextLength(o.Model); n > 0 {
			details = append(details, ui.FormatTokenCount(n)+" ctx")
		}
		if len(o.Model.Capabilities) > 0 {
			details = append(details, strings.Join(o.Model.Capabilities, ","))
		}
		if len(details) > 0 {
			line += "  " + styles.Muted.Render(strings.Join(details, " · "))
		}
		fmt.Println(line)
	}
}

func runModelsStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	providerName, modelID, ok := strings.Cut(args[0], ":")
	if !ok {
		return fmt.Errorf("invalid model %q: want provider:model", args[0])
	}
	reg := provider.NewRegistry(loadedConfig)
	p, ok := reg.Provider(providerName)
	if !ok {
		return fmt.Errorf("provider %q not found", providerName)
	}
	if _, ok := p.Model(modelID); !ok {
		return fmt.Errorf("model %q not found in provider %s", modelID, providerName)
	}

	manager := provider.NewManager(provider.NewLlamaServer())
	started := time.Now()
	if err := manager.StartModel(ctx, p, modelID); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.StopModel(stopCtx, modelID, providerName); err != nil {
			fmt.Fprintf(os.Stderr, "stop %s: %v\n", args[0], err)
		}
	}()

	active, err := manager.ActiveModels(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Started %s in %s (active: %s).\n", args[0], ui.FormatElapsed(time.Since(started)), strings.Join(active, ", "))
	if p.Type == provider.LlamaCpp {
		fmt.Printf("Serving at %s. Press ctrl+c to stop.\n", provider.ServerURL(p.Server))
	} else {
		fmt.Println("Hosted model; nothing runs locally. Press ctrl+c to exit.")
	}
	<-ctx.Done()
	return nil
}
