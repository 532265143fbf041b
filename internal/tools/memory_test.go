package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/famulus-dev/famulus/internal/memory"
)

type fakeMemoryStore struct {
	entries    []memory.Entry
	lastQuery  string
	lastCat    string
	lastTopK   int
	memorized  []string
	memorizeID string
	forgotten  []string
	forgetN    int
	forgetErr  error
}

func (f *fakeMemoryStore) SearchMemory(ctx context.Context, query, category string, topK int) ([]memory.Entry, error) {
	f.lastQuery, f.lastCat, f.lastTopK = query, category, topK
	return f.entries, nil
}

func (f *fakeMemoryStore) Memorize(ctx context.Context, content, category string) (string, error) {
	f.memorized = append(f.memorized, category+": "+content)
	if f.memorizeID == "" {
		return "mem-1", nil
	}
	return f.memorizeID, nil
}

func (f *fakeMemoryStore) ForgetMemory(ctx context.Context, category, contentMatch string) (int, error) {
	if f.forgetErr != nil {
		return 0, f.forgetErr
	}
	f.forgotten = append(f.forgotten, category+": "+contentMatch)
	return f.forgetN, nil
}

func (f *fakeMemoryStore) GetCognitiveMap(ctx context.Context) (map[string]int, error) {
	return nil, nil
}

func (f *fakeMemoryStore) Close() error { return nil }

var _ memory.Store = (*fakeMemoryStore)(nil)

func TestMemorySearchFormatsEntries(t *testing.T) {
	store := &fakeMemoryStore{entries: []memory.Entry{
		{ID: "m1", Content: "likes green tea", Category: "preferences"},
		{ID: "m2", Content: "deploys on Fridays", Category: "habits"},
	}}
	tool := NewMemorySearchTool(store)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"query": "tea",
		"limit": float64(2),
	})
	if res.IsError {
		t.Fatalf("unexpected error: %q", res.ForLLM)
	}
	if store.lastQuery != "tea" || store.lastTopK != 2 {
		t.Errorf("store called with query=%q topK=%d", store.lastQuery, store.lastTopK)
	}
	if !strings.Contains(res.ForLLM, "2 matching memories") {
		t.Errorf("header missing: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "[m1] (preferences) likes green tea") {
		t.Errorf("entry missing: %q", res.ForLLM)
	}
}

func TestMemorySearchEmpty(t *testing.T) {
	tool := NewMemorySearchTool(&fakeMemoryStore{})
	res := tool.Execute(context.Background(), map[string]interface{}{"query": "anything"})
	if res.IsError || res.ForLLM != "no matching memories found" {
		t.Errorf("result = %+v", res)
	}
}

func TestMemorySearchRequiresQuery(t *testing.T) {
	tool := NewMemorySearchTool(&fakeMemoryStore{})
	res := tool.Execute(context.Background(), map[string]interface{}{})
	if !res.IsError || res.ForLLM != "query is required" {
		t.Errorf("result = %+v", res)
	}
}

func TestMemoryStoreDefaultsCategory(t *testing.T) {
	store := &fakeMemoryStore{}
	tool := NewMemoryStoreTool(store)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"content": "the staging box is 10.0.0.7",
	})
	if res.IsError {
		t.Fatalf("unexpected error: %q", res.ForLLM)
	}
	if len(store.memorized) != 1 || store.memorized[0] != "general: the staging box is 10.0.0.7" {
		t.Errorf("memorized = %v", store.memorized)
	}
	if !strings.Contains(res.ForLLM, "mem-1") {
		t.Errorf("result should carry the new id: %q", res.ForLLM)
	}
}

func TestMemoryForget(t *testing.T) {
	store := &fakeMemoryStore{forgetN: 2}
	tool := NewMemoryForgetTool(store)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"content_match": "staging box",
		"category":      "infra",
	})
	if res.IsError {
		t.Fatalf("unexpected error: %q", res.ForLLM)
	}
	if len(store.forgotten) != 1 || store.forgotten[0] != "infra: staging box" {
		t.Errorf("forgotten = %v", store.forgotten)
	}
	if !strings.Contains(res.ForLLM, "forgot 2 memories") {
		t.Errorf("ForLLM = %q", res.ForLLM)
	}
}

func TestMemoryForgetRequiresMatch(t *testing.T) {
	tool := NewMemoryForgetTool(&fakeMemoryStore{})
	res := tool.Execute(context.Background(), map[string]interface{}{})
	if !res.IsError || res.ForLLM != "content_match is required" {
		t.Errorf("result = %+v", res)
	}
}

func TestMemoryForgetNoMatches(t *testing.T) {
	tool := NewMemoryForgetTool(&fakeMemoryStore{})
	res := tool.Execute(context.Background(), map[string]interface{}{"content_match": "ghost"})
	if res.IsError || res.ForLLM != "no matching memories found" {
		t.Errorf("result = %+v", res)
	}
}
