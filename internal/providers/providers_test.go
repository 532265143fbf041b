package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicChatParsesToolUse(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q, want %q", got, "test-key")
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q, want %q", got, anthropicAPIVersion)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "tu_1", "name": "shell", "input": {"command": "ls"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 34}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "list files"},
		},
		Tools: []ToolDefinition{{
			Type: "function",
			Function: ToolFunctionSchema{
				Name:        "shell",
				Description: "run a command",
				Parameters: map[string]interface{}{
					"$schema": "http://json-schema.org/draft-07/schema#",
					"type":    "object",
					"properties": map[string]interface{}{
						"command": map[string]interface{}{"type": "string"},
					},
				},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Content != "checking" {
		t.Errorf("Content = %q, want %q", resp.Content, "checking")
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "shell" {
		t.Fatalf("ToolCalls = %+v, want one shell call", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["command"] != "ls" {
		t.Errorf("Arguments = %v, want command=ls", resp.ToolCalls[0].Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 46 {
		t.Errorf("Usage = %+v, want total 46", resp.Usage)
	}

	system, ok := captured["system"].([]interface{})
	if !ok || len(system) != 1 {
		t.Fatalf("system = %v, want one block", captured["system"])
	}
	block := system[0].(map[string]interface{})
	if block["text"] != "be terse" {
		t.Errorf("system text = %v", block["text"])
	}
	if _, ok := block["cache_control"]; !ok {
		t.Error("last system block should carry cache_control")
	}

	tools := captured["tools"].([]interface{})
	schema := tools[0].(map[string]interface{})["input_schema"].(map[string]interface{})
	if _, ok := schema["$schema"]; ok {
		t.Error("$schema should be stripped from the tool schema")
	}
}

func TestAnthropicChatStreamAccumulates(t *testing.T) {
	stream := "event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":9}}}` + "\n\n" +
		"event: content_block_start\n" +
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}` + "\n\n" +
		"event: content_block_start\n" +
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_9","name":"fs_read"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"go.mod\"}"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, stream)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))

	var chunks []StreamChunk
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c StreamChunk) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	if resp.Content != "Hello world" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello world")
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "fs_read" {
		t.Fatalf("ToolCalls = %+v, want one fs_read call", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["path"] != "go.mod" {
		t.Errorf("Arguments = %v, want path=go.mod", resp.ToolCalls[0].Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 16 {
		t.Errorf("Usage = %+v, want total 16", resp.Usage)
	}

	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want at least text deltas plus done", len(chunks))
	}
	if chunks[0].Content != "Hello " || chunks[1].Content != "world" {
		t.Errorf("content chunks = %+v", chunks[:2])
	}
	if !chunks[len(chunks)-1].Done {
		t.Error("final chunk should carry Done")
	}
}

func TestOpenAIChatStreamAccumulatesToolCall(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"content":"Sure."},"finish_reason":""}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"shell","arguments":"{\"comm"}}]},"finish_reason":""}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"and\":\"ls\"}"}}]},"finish_reason":"tool_calls"}]}` + "\n\n" +
		`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}` + "\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, stream)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("local", "", srv.URL, "test-model")

	var chunks []StreamChunk
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "list files"}},
	}, func(c StreamChunk) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	if resp.Content != "Sure." {
		t.Errorf("Content = %q, want %q", resp.Content, "Sure.")
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "shell" {
		t.Fatalf("ToolCalls = %+v, want one shell call", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["command"] != "ls" {
		t.Errorf("Arguments = %v, want command=ls from reassembled fragments", resp.ToolCalls[0].Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 8 {
		t.Errorf("Usage = %+v, want total 8 from the trailing usage chunk", resp.Usage)
	}
	if !chunks[len(chunks)-1].Done {
		t.Error("final chunk should carry Done")
	}
}

func TestOpenAIChatErrorCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("local", "", srv.URL, "test-model").
		WithRetry(RetryConfig{Attempts: 1, MinDelayMs: 1, MaxDelayMs: 2})

	_, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", httpErr.Status)
	}
	if httpErr.RetryAfter.Seconds() != 3 {
		t.Errorf("RetryAfter = %v, want 3s", httpErr.RetryAfter)
	}
}

func TestOpenAIOmitsAuthHeaderWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want empty for keyless local endpoint", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("local", "", srv.URL, "test-model")
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("Content = %q, want %q", resp.Content, "hi")
	}
}

func TestAnthropicBuildRequestBodyMergesToolResults(t *testing.T) {
	p := NewAnthropicProvider("k")
	body := p.buildRequestBody("m", ChatRequest{Messages: []Message{
		{Role: "user", Content: "go"},
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "a", Name: "shell", Arguments: map[string]interface{}{"command": "ls"}},
			{ID: "b", Name: "fs_read", Arguments: map[string]interface{}{"path": "x"}},
		}},
		{Role: "tool", ToolCallID: "a", Content: "one"},
		{Role: "tool", ToolCallID: "b", Content: "two"},
		{Role: "user", Content: "thanks"},
	}}, false)

	msgs := body["messages"].([]map[string]interface{})
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (tool results folded into one)", len(msgs))
	}

	blocks := msgs[2]["content"].([]map[string]interface{})
	if len(blocks) != 2 {
		t.Fatalf("tool result blocks = %d, want 2", len(blocks))
	}
	if blocks[0]["tool_use_id"] != "a" || blocks[1]["tool_use_id"] != "b" {
		t.Errorf("tool_use_ids = %v, %v", blocks[0]["tool_use_id"], blocks[1]["tool_use_id"])
	}
	if msgs[2]["role"] != "user" {
		t.Errorf("merged tool message role = %v, want user", msgs[2]["role"])
	}
}

func TestCleanSchemaForProvider(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
		check  func(t *testing.T, got map[string]interface{})
	}{
		{
			name:   "nil becomes empty object schema",
			params: nil,
			check: func(t *testing.T, got map[string]interface{}) {
				if got["type"] != "object" {
					t.Errorf("type = %v, want object", got["type"])
				}
				if _, ok := got["properties"]; !ok {
					t.Error("properties should be present")
				}
			},
		},
		{
			name: "drops draft markers",
			params: map[string]interface{}{
				"$schema": "http://json-schema.org/draft-07/schema#",
				"$id":     "urn:x",
				"type":    "object",
			},
			check: func(t *testing.T, got map[string]interface{}) {
				if _, ok := got["$schema"]; ok {
					t.Error("$schema should be dropped")
				}
				if _, ok := got["$id"]; ok {
					t.Error("$id should be dropped")
				}
			},
		},
		{
			name: "preserves declared fields",
			params: map[string]interface{}{
				"type":     "object",
				"required": []string{"path"},
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
				},
			},
			check: func(t *testing.T, got map[string]interface{}) {
				if len(got) != 3 {
					t.Errorf("fields = %d, want 3", len(got))
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, CleanSchemaForProvider("anthropic", tt.params))
		})
	}
}
