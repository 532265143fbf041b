// Package transcript normalises conversation history before a model call.
// Oversized tool results are trimmed to a bounded head+tail form, and
// tool-call/tool-result pairing is restored so every call id has exactly
// one result and no result is an orphan.
package transcript

import (
	"fmt"

	"github.com/famulus-dev/famulus/internal/providers"
)

// DefaultMaxResultChars bounds tool result payloads kept in history.
const DefaultMaxResultChars = 3000

const syntheticResult = "[Tool execution interrupted - no result was recorded]"

// Report counts the repairs applied in one pass.
type Report struct {
	Inserted  int // synthetic results added for unanswered tool calls
	Dropped   int // orphan or duplicate tool results removed
	Truncated int // oversized tool results trimmed
}

// Changed reports whether the pass modified the conversation.
func (r Report) Changed() bool {
	return r.Inserted > 0 || r.Dropped > 0 || r.Truncated > 0
}

// Repairer applies both transforms in a single pass.
type Repairer struct {
	maxChars int
}

func NewRepairer(maxChars int) *Repairer {
	if maxChars <= 0 {
		maxChars = DefaultMaxResultChars
	}
	return &Repairer{maxChars: maxChars}
}

// Repair returns a normalised copy of msgs along with what changed. The
// input slice is not modified.
//
// Each assistant turn's results are emitted directly after it in call
// order, pulled forward from anywhere before the next assistant turn.
// Calls still unanswered at that point get a synthetic result; results
// no open call claims are dropped.
func (r *Repairer) Repair(msgs []providers.Message) ([]providers.Message, Report) {
	var report Report
	out := make([]providers.Message, 0, len(msgs)+4)
	consumed := make(map[int]bool)

	for i := 0; i < len(msgs); i++ {
		if consumed[i] {
			continue
		}
		m := msgs[i]

		if m.Role == "tool" {
			// Unclaimed by any preceding call.
			report.Dropped++
			continue
		}

		out = append(out, m)
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}

		// The turn's window runs to the next assistant message.
		end := len(msgs)
		for k := i + 1; k < len(msgs); k++ {
			if msgs[k].Role == "assistant" {
				end = k
				break
			}
		}

		for _, tc := range m.ToolCalls {
			found := -1
			for k := i + 1; k < end; k++ {
				if !consumed[k] && msgs[k].Role == "tool" && msgs[k].ToolCallID == tc.ID {
					found = k
					break
				}
			}
			if found >= 0 {
				out = append(out, r.truncateResult(msgs[found], &report))
				consumed[found] = true
			} else {
				out = append(out, providers.Message{
					Role:       "tool",
					ToolCallID: tc.ID,
					Content:    syntheticResult,
				})
				report.Inserted++
			}
		}
	}

	return out, report
}

func (r *Repairer) truncateResult(m providers.Message, report *Report) providers.Message {
	if len(m.Content) <= r.maxChars {
		return m
	}
	half := r.maxChars / 2
	removed := len(m.Content) - 2*half
	m.Content = m.Content[:half] +
		fmt.Sprintf("[...truncated %d chars...]", removed) +
		m.Content[len(m.Content)-half:]
	report.Truncated++
	return m
}

// Repair runs a single pass with the default payload bound.
func Repair(msgs []providers.Message) ([]providers.Message, Report) {
	return NewRepairer(DefaultMaxResultChars).Repair(msgs)
}
