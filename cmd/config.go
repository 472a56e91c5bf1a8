package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samsaffron/llmchat/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
	RunE:  runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML (API keys masked)",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.GetConfigPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out, err := config.Render(loadedConfig)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if !config.Exists() {
		fmt.Println("# no config file found, showing defaults")
	}
	fmt.Print(out)
	return nil
}
