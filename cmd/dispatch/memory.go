package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/dispatch/internal/memory"
)

var (
	memAddTier       string
	memAddTitle      string
	memAddCategory   string
	memAddSession    string
	memAddRole       string
	memAddConfidence float64
	memAddTags       []string

	memSearchTier    string
	memSearchSession string
	memSearchLimit   int

	memDeleteSoft bool
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage the memory store behind context assembly",
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Save a memory to a tier",
	Long: `Save a memory. The tier decides its lifecycle: short_term turns expire
with the session, working notes are user-curated and pinnable, long_term
knowledge persists across sessions with a confidence score.

Examples:
  # A long-term convention (confidence defaults to 0.5)
  dispatch memory add --tier long_term --title "Testing" "Always use table tests"

  # A pinned working note
  dispatch memory add --tier working --title "Release" "Ship v2 behind a flag"

  # A short-term user turn
  dispatch memory add --tier short_term --session s42 --role user "deploy it"`,
	Args: cobra.ExactArgs(1),
	RunE: runMemoryAdd,
}

var memoryPinCmd = &cobra.Command{
	Use:   "pin <id>",
	Short: "Pin a working memory so it is always included in context",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryPin,
}

var memoryUnpinCmd = &cobra.Command{
	Use:   "unpin <id>",
	Short: "Unpin a working memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryUnpin,
}

var memoryReorderCmd = &cobra.Command{
	Use:   "reorder <id>...",
	Short: "Set the order of all pinned memories",
	Long: `Reorder pinned memories. The full pinned set must be listed; partial
reorders are rejected so the order stays a strict total order.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMemoryReorder,
}

var memoryPinnedCmd = &cobra.Command{
	Use:   "pinned",
	Short: "List pinned memories in pin order",
	RunE:  runMemoryPinned,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories across tiers",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemorySearch,
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryDelete,
}

func init() {
	memoryAddCmd.Flags().StringVar(&memAddTier, "tier", "long_term", "memory tier: short_term, working or long_term")
	memoryAddCmd.Flags().StringVar(&memAddTitle, "title", "", "title (working and long_term)")
	memoryAddCmd.Flags().StringVar(&memAddCategory, "category", "", "category label")
	memoryAddCmd.Flags().StringVar(&memAddSession, "session", "", "session ID (short_term)")
	memoryAddCmd.Flags().StringVar(&memAddRole, "role", "user", "turn role (short_term): user, assistant or system")
	memoryAddCmd.Flags().Float64Var(&memAddConfidence, "confidence", 0, "initial confidence in (0,1] (long_term)")
	memoryAddCmd.Flags().StringSliceVar(&memAddTags, "tag", nil, "tags (long_term, repeatable)")

	memorySearchCmd.Flags().StringVar(&memSearchTier, "tier", "", "restrict to one tier")
	memorySearchCmd.Flags().StringVar(&memSearchSession, "session", "", "restrict to a session")
	memorySearchCmd.Flags().IntVar(&memSearchLimit, "limit", 20, "maximum results")

	memoryDeleteCmd.Flags().BoolVar(&memDeleteSoft, "soft", false, "soft-delete instead of purging")

	memoryCmd.AddCommand(memoryAddCmd)
	memoryCmd.AddCommand(memoryPinCmd)
	memoryCmd.AddCommand(memoryUnpinCmd)
	memoryCmd.AddCommand(memoryReorderCmd)
	memoryCmd.AddCommand(memoryPinnedCmd)
	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryDeleteCmd)
}

func runMemoryAdd(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	ctx := cmd.Context()
	content := args[0]

	var id string
	switch memory.Tier(memAddTier) {
	case memory.TierShortTerm:
		id, err = app.memory.AddShortTerm(ctx, &memory.ShortTermMemory{
			SessionID: memAddSession,
			Role:      memory.Role(memAddRole),
			Content:   content,
		})
	case memory.TierWorking:
		id, err = app.memory.AddWorking(ctx, &memory.WorkingMemory{
			Title:    memAddTitle,
			Content:  content,
			Category: memAddCategory,
		})
	case memory.TierLongTerm:
		id, err = app.memory.AddLongTerm(ctx, &memory.LongTermMemory{
			Title:      memAddTitle,
			Content:    content,
			Category:   memAddCategory,
			Tags:       memAddTags,
			Confidence: memAddConfidence,
		})
	default:
		return fmt.Errorf("unknown tier %q", memAddTier)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s memory %s\n", memAddTier, id)
	return nil
}

func runMemoryPin(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.memory.Pin(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Pinned %s\n", args[0])
	return nil
}

func runMemoryUnpin(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.memory.Unpin(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Unpinned %s\n", args[0])
	return nil
}

func runMemoryReorder(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.memory.ReorderPinned(cmd.Context(), args); err != nil {
		return err
	}
	fmt.Printf("Reordered %d pinned memories\n", len(args))
	return nil
}

func runMemoryPinned(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	pinned, err := app.memory.GetPinned(cmd.Context())
	if err != nil {
		return err
	}
	if len(pinned) == 0 {
		fmt.Println("No pinned memories.")
		return nil
	}
	for _, m := range pinned {
		fmt.Printf("%2d. [%s] %s: %s\n", m.PinOrder, m.ID, m.Title, firstLine(m.Content))
	}
	return nil
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	results, err := app.memory.Search(cmd.Context(), memory.SearchRequest{
		Query:     args[0],
		Tier:      memory.Tier(memSearchTier),
		SessionID: memSearchSession,
		Limit:     memSearchLimit,
	})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%.2f [%s] %s %s: %s\n", r.RelevanceScore, r.MemoryType, r.ID, r.Title, firstLine(r.Content))
	}
	return nil
}

func runMemoryDelete(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.memory.Delete(cmd.Context(), args[0], memDeleteSoft); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

// firstLine truncates content to its first line for list output.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
