package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/famulus-dev/famulus/internal/memory"
)

const defaultSearchLimit = 5

// MemorySearchTool queries the archival memory store.
type MemorySearchTool struct {
	store memory.Store
}

func NewMemorySearchTool(store memory.Store) *MemorySearchTool {
	return &MemorySearchTool{store: store}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for entries similar to a query"
}

func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Text to search for",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"description": "Optional category to restrict the search to",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum number of results (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	category, _ := args["category"].(string)

	limit := defaultSearchLimit
	if l, ok := args["limit"].(float64); ok && int(l) > 0 {
		limit = int(l)
	}

	entries, err := t.store.SearchMemory(ctx, query, category, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err)).WithError(err)
	}
	if len(entries) == 0 {
		return NewResult("no matching memories found")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d matching memories:\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] (%s) %s\n", e.ID, e.Category, e.Content)
	}
	return NewResult(strings.TrimRight(b.String(), "\n"))
}

// MemoryStoreTool writes a new entry into archival memory.
type MemoryStoreTool struct {
	store memory.Store
}

func NewMemoryStoreTool(store memory.Store) *MemoryStoreTool {
	return &MemoryStoreTool{store: store}
}

func (t *MemoryStoreTool) Name() string { return "memory_store" }

func (t *MemoryStoreTool) Description() string {
	return "Store a fact or note in long-term memory"
}

func (t *MemoryStoreTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The text to remember",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"description": "Optional category label (default: general)",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemoryStoreTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if content == "" {
		return ErrorResult("content is required")
	}
	category, _ := args["category"].(string)
	if category == "" {
		category = "general"
	}

	id, err := t.store.Memorize(ctx, content, category)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory store failed: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("memorized as %s in category %s", id, category))
}

// MemoryForgetTool removes archival memories whose content contains a
// phrase, optionally restricted to one category.
type MemoryForgetTool struct {
	store memory.Store
}

func NewMemoryForgetTool(store memory.Store) *MemoryForgetTool {
	return &MemoryForgetTool{store: store}
}

func (t *MemoryForgetTool) Name() string { return "memory_forget" }

func (t *MemoryForgetTool) Description() string {
	return "Delete long-term memories whose content contains a phrase"
}

func (t *MemoryForgetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content_match": map[string]interface{}{
				"type":        "string",
				"description": "Phrase the entries to delete must contain",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"description": "Optional category to restrict the deletion to",
			},
		},
		"required": []string{"content_match"},
	}
}

func (t *MemoryForgetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	match, _ := args["content_match"].(string)
	if match == "" {
		return ErrorResult("content_match is required")
	}
	category, _ := args["category"].(string)

	n, err := t.store.ForgetMemory(ctx, category, match)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory forget failed: %v", err)).WithError(err)
	}
	if n == 0 {
		return NewResult("no matching memories found")
	}
	return NewResult(fmt.Sprintf("forgot %d memories matching %q", n, match))
}
