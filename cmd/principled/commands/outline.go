package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ryabin/principled/pkg/principled/outline"
)

// newOutlineCmd creates the `principled outline` command: parse a
// Markdown outline file and show the leaf items the bot would extract.
func newOutlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outline <file>",
		Short: "Preview how a Markdown outline splits into principles",
		Long: `Parses a Markdown outline the same way /update_principles does and
prints the leaf items. Useful for checking a principles file before
sending it to the bot.

Examples:
  principled outline my-principles.md`,
		Args: cobra.ExactArgs(1),
		RunE: runOutline,
	}
}

func runOutline(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading outline file: %w", err)
	}

	items := outline.Parse(string(data))
	if len(items) == 0 {
		fmt.Println("No leaf items found. Each principle needs a heading line (#, ##, ###, ...) with text below it.")
		return nil
	}

	fmt.Printf("%d leaf item(s):\n\n", len(items))
	for i, item := range items {
		fmt.Printf("%d. %s\n", i+1, item.Breadcrumb())
		for _, line := range splitFirstLines(item.Text, 2) {
			fmt.Printf("   %s\n", line)
		}
		fmt.Println()
	}
	return nil
}

// splitFirstLines returns up to n leading lines, marking truncation.
func splitFirstLines(text string, n int) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = append(lines[:n:n], "…")
	}
	return lines
}
