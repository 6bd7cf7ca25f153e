package ai

import (
	tiktoken "github.com/pkoukk/tiktoken-go"
)

const windowEncoding = "cl100k_base"

// narrationWindow trims the recent-narration history to fit budgetTokens,
// keeping the most recent entries. Entries are never split; the newest entry
// is always kept even if it alone exceeds the budget.
func narrationWindow(history []string, budgetTokens int) []string {
	if len(history) == 0 || budgetTokens <= 0 {
		return nil
	}

	enc, err := tiktoken.GetEncoding(windowEncoding)
	count := func(s string) int {
		if err != nil {
			// Rough fallback when the encoding tables are unavailable.
			return len(s) / 4
		}
		return len(enc.Encode(s, nil, nil))
	}

	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		tokens := count(history[i])
		if used+tokens > budgetTokens && start < len(history) {
			break
		}
		used += tokens
		start = i
	}
	return history[start:]
}
