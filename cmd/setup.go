package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/altermind/altermind/internal/config"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runSetup(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
}

func runSetup() error {
	path := cfgFile
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	host := cfg.Gateway.Host
	port := strconv.Itoa(cfg.Gateway.Port)
	model := "anthropic:claude-sonnet-4-5"
	idle := strconv.Itoa(cfg.Browser.IdleTimeoutSec)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway host").
				Value(&host),
			huh.NewInput().
				Title("Gateway port").
				Value(&port).
				Validate(func(s string) error {
					_, err := strconv.Atoi(s)
					return err
				}),
			huh.NewSelect[string]().
				Title("Default model").
				Options(
					huh.NewOption("Claude Sonnet 4.5", "anthropic:claude-sonnet-4-5"),
					huh.NewOption("Claude Opus 4.1", "anthropic:claude-opus-4-1"),
					huh.NewOption("GPT-4o", "openai:gpt-4o"),
					huh.NewOption("GPT-4.1", "openai:gpt-4.1"),
				).
				Value(&model),
			huh.NewInput().
				Title("Browser idle timeout (seconds, 0 disables)").
				Value(&idle).
				Validate(func(s string) error {
					_, err := strconv.Atoi(s)
					return err
				}),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Gateway.Host = host
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Browser.IdleTimeoutSec, _ = strconv.Atoi(idle)

	if err := config.Save(path, cfg); err != nil {
		return err
	}

	fmt.Printf("Config written to %s\n\n", path)
	fmt.Println("Set the default model once the server is running:")
	fmt.Printf("  settings.set default_model=%s (via any client)\n\n", model)
	fmt.Println("Provider API keys are read from the environment:")
	fmt.Println("  export ANTHROPIC_API_KEY=...   # for anthropic:* models")
	fmt.Println("  export OPENAI_API_KEY=...      # for openai:* models")
	fmt.Println("  export ALTERMIND_DB_DSN=postgres://...   # optional, SQLite otherwise")
	return nil
}
