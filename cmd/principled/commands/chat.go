package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ryabin/principled/pkg/principled/config"
	"github.com/ryabin/principled/pkg/principled/empathy"
)

// newChatCmd creates the `principled chat` command: a local REPL for
// running the empathy analysis without Telegram.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Analyze a conversation from the terminal",
		Long: `Interactive mode for the conversation analysis. Type messages as
"Sender: text" lines, then run /process to analyze them.

Commands inside the session:
  /process   analyze the collected messages
  /clear     discard the collected messages
  /model M   switch the model
  /exit      quit

Examples:
  principled chat
  principled chat --model gpt-4o`,
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "model to use for the analysis")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)
	config.ResolveAPIKey(cfg, logger)

	client := empathy.NewClient(cfg.API, logger)
	model := cfg.API.Model
	if flagModel, _ := cmd.Flags().GetString("model"); flagModel != "" {
		model = flagModel
	}

	rl, err := readline.New("principled> ")
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Type messages as 'Sender: text'. Run /process when ready, /exit to quit.")

	var messages []empathy.Message
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/clear":
			messages = nil
			fmt.Println("Cleared.")
		case strings.HasPrefix(line, "/model"):
			if arg := strings.TrimSpace(strings.TrimPrefix(line, "/model")); arg != "" {
				model = arg
			}
			fmt.Printf("Model: %s\n", model)
		case line == "/process":
			if len(messages) == 0 {
				fmt.Println("Nothing collected yet. Type some 'Sender: text' lines first.")
				continue
			}
			fmt.Printf("Analyzing %d messages with %s...\n", len(messages), model)
			analysis, err := client.Process(context.Background(), messages, model)
			if err != nil {
				fmt.Printf("Analysis failed: %v\n", err)
				continue
			}
			fmt.Println()
			fmt.Println(analysis)
			fmt.Println()
			messages = nil
		default:
			sender, text, ok := strings.Cut(line, ":")
			if !ok || strings.TrimSpace(text) == "" {
				fmt.Println("Use the form 'Sender: text'.")
				continue
			}
			messages = append(messages, empathy.Message{
				Sender: strings.TrimSpace(sender),
				Text:   strings.TrimSpace(text),
			})
			fmt.Printf("Collected (%d total).\n", len(messages))
		}
	}
}
