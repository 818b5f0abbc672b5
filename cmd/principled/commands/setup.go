package commands

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/ryabin/principled/pkg/principled/config"
)

// newSetupCmd creates the `principled setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for the Telegram bot token, LLM endpoint and model, and the data
directory. The API key goes into the OS keyring, never into the file.

Examples:
  principled setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()

	var (
		token     string
		apiKey    string
		baseURL   = cfg.API.BaseURL
		model     = cfg.API.Model
		dataDir   = cfg.Data.Dir
		logFmt    = cfg.Logging.Format
		confirmed bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("Get one from @BotFather.").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("the token is required")
					}
					return nil
				}).
				Value(&token),
			huh.NewInput().
				Title("API base URL").
				Description("OpenAI-compatible endpoint for conversation analysis.").
				Value(&baseURL),
			huh.NewInput().
				Title("API key").
				Description("Stored in the OS keyring. Leave empty to set later via PRINCIPLED_API_KEY.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Default model").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Per-user principle and reminder files live here.").
				Value(&dataDir),
			huh.NewSelect[string]().
				Title("Log format").
				Options(
					huh.NewOption("text", "text"),
					huh.NewOption("json", "json"),
				).
				Value(&logFmt),
			huh.NewConfirm().
				Title("Write config.yaml?").
				Value(&confirmed),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}
	if !confirmed {
		fmt.Println("Setup aborted, nothing written.")
		return nil
	}

	cfg.Telegram.Token = strings.TrimSpace(token)
	cfg.API.BaseURL = strings.TrimSpace(baseURL)
	cfg.API.Model = strings.TrimSpace(model)
	cfg.Data.Dir = strings.TrimSpace(dataDir)
	cfg.Logging.Format = logFmt

	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		if err := config.StoreAPIKey(apiKey); err != nil {
			fmt.Printf("Could not store the API key in the OS keyring: %v\n", err)
			fmt.Println("Set PRINCIPLED_API_KEY in your environment or .env instead.")
		} else {
			fmt.Println("API key stored in the OS keyring.")
		}
	}
	// The file never carries the real key or token.
	cfg.API.APIKey = "${PRINCIPLED_API_KEY}"

	if err := config.Save(cfg, "config.yaml"); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("config.yaml written (owner-only permissions).")
	fmt.Println("Start the bot with: principled serve")
	return nil
}
