package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"atomforge/internal/review"
	"atomforge/internal/store"
)

// The review command works against persisted state: listing pending items
// and recording human decisions. Applying a decision to a live plan
// happens through the controller API; the CLI only records the verdict in
// the store, and no command reads recorded verdicts back into a plan.
func newReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect and resolve the human review queue",
	}
	cmd.AddCommand(newReviewListCmd())
	cmd.AddCommand(newReviewResolveCmd("approve", review.ItemApproved))
	cmd.AddCommand(newReviewResolveCmd("reject", review.ItemRejected))
	cmd.AddCommand(newReviewResolveCmd("regenerate", review.ItemRegenerated))
	return cmd
}

func openReviewStore() (*store.Store, error) {
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("persistence is disabled; the review CLI needs store.enabled: true")
	}
	return store.Open(cfg.Store.Path)
}

func newReviewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending review items, lowest confidence first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openReviewStore()
			if err != nil {
				return err
			}
			defer s.Close()

			items, err := s.PendingReviewItems()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("review queue is empty")
				return nil
			}
			for _, item := range items {
				fmt.Printf("%s  confidence=%.2f  reason=%s\n", item.AtomID, item.Confidence, item.Reason)
				if item.Hint != "" {
					fmt.Println(indentLines(item.Hint))
				}
			}
			return nil
		},
	}
}

func newReviewResolveCmd(verb string, status review.ItemStatus) *cobra.Command {
	var flagNote string
	cmd := &cobra.Command{
		Use:   verb + " <atom-id>",
		Short: verb + " a pending review item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openReviewStore()
			if err != nil {
				return err
			}
			defer s.Close()

			items, err := s.PendingReviewItems()
			if err != nil {
				return err
			}
			for _, item := range items {
				if item.AtomID != args[0] {
					continue
				}
				item.Status = status
				item.Decision = flagNote
				if err := s.UpsertReviewItem(item); err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", args[0], status)
				return nil
			}
			return fmt.Errorf("atom %s is not pending review", args[0])
		},
	}
	cmd.Flags().StringVar(&flagNote, "note", "", "decision note (regenerate: hint for the oracle)")
	return cmd
}

func indentLines(s string) string {
	out := ""
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				out += "    " + s[start:i] + "\n"
			}
			start = i + 1
		}
	}
	return out
}
