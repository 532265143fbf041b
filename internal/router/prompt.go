package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/famulus-dev/famulus/internal/memory"
)

// corePromptMaxChars caps the core working memory block at roughly 1000
// tokens (~4 chars per token).
const corePromptMaxChars = memory.CoreMemoryMaxChars

// Auto-RAG limits: top K per category, global top N injected.
const (
	ragPerCategoryK = 2
	ragGlobalTopN   = 3
)

// PromptBuilder assembles the system prompt from its segments. It is a
// plain value so each segment can be asserted independently.
type PromptBuilder struct {
	Persona    string
	CoreMemory string
	Manifest   string
	Tier       string
	Categories []string  // tier2: long-term memory categories in use
	Now        time.Time // tier2: time context
}

// Build renders the prompt: persona, core working memory, capability
// manifest, then the per-tier tail.
func (b PromptBuilder) Build() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(b.Persona))

	if core := strings.TrimSpace(b.CoreMemory); core != "" {
		if len(core) > corePromptMaxChars {
			core = core[:corePromptMaxChars]
		}
		sb.WriteString("\n\n## Core Working Memory\n")
		sb.WriteString(core)
	}

	if b.Manifest != "" {
		sb.WriteString("\n\n## Capabilities\nYou can call these tools:\n")
		sb.WriteString(b.Manifest)
	}

	switch b.Tier {
	case TierLocal:
		sb.WriteString("\n\n## Style\n")
		sb.WriteString("You are the fast local tier. Answer in a few short sentences. ")
		sb.WriteString("Do not write code. If the request needs code or deep analysis, ")
		sb.WriteString("say it should be routed to the cloud tier instead.")
	case TierCloud:
		sb.WriteString("\n\n## Long-Term Memory\n")
		if len(b.Categories) > 0 {
			sb.WriteString("Your archival memory currently holds these categories:\n")
			for _, c := range b.Categories {
				sb.WriteString("- " + c + "\n")
			}
			sb.WriteString("Use the memory tools to search or extend them.")
		} else {
			sb.WriteString("Your archival memory is empty. Use the memory tools to start filling it.")
		}
		if !b.Now.IsZero() {
			fmt.Fprintf(&sb, "\n\nThe current time is %s.", b.Now.Format(time.RFC1123))
		}
	}

	return sb.String()
}

// InjectContext runs Auto-RAG over every known memory category and
// prepends the global top matches to the user content as a labelled
// block. Retrieval must never fail a turn: any error falls through to
// the original content.
func InjectContext(ctx context.Context, store memory.Store, content string, logger *slog.Logger) string {
	if store == nil {
		return content
	}

	cmap, err := store.GetCognitiveMap(ctx)
	if err != nil || len(cmap) == 0 {
		return content
	}
	categories := make([]string, 0, len(cmap))
	for c := range cmap {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var all []memory.Entry
	for _, category := range categories {
		entries, err := store.SearchMemory(ctx, content, category, ragPerCategoryK)
		if err != nil {
			logger.Debug("router.rag_skip", "category", category, "error", err)
			continue
		}
		all = append(all, entries...)
	}
	if len(all) == 0 {
		return content
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > ragGlobalTopN {
		all = all[:ragGlobalTopN]
	}

	var sb strings.Builder
	sb.WriteString("[Relevant context from memory:\n")
	for _, e := range all {
		fmt.Fprintf(&sb, "- (%s) %s\n", e.Category, e.Content)
	}
	sb.WriteString("]\n\n")
	sb.WriteString(content)
	return sb.String()
}
