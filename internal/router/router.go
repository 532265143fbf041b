// Package router selects a backend tier for each chat turn, assembles
// the system prompt, streams model output, and bridges tool calls
// through the approval gate. Long cloud answers are distilled back into
// archival memory so the local tier can echo past reasoning.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/famulus-dev/famulus/internal/approval"
	"github.com/famulus-dev/famulus/internal/memory"
	"github.com/famulus-dev/famulus/internal/providers"
	"github.com/famulus-dev/famulus/internal/tools"
	"github.com/famulus-dev/famulus/internal/transcript"
)

// DefaultMaxToolSteps bounds multi-turn tool invocations per request.
const DefaultMaxToolSteps = 5

// distillMinChars is the response length that triggers wisdom
// distillation even when no tool was used.
const distillMinChars = 800

const distillTimeout = 30 * time.Second

// Callbacks receive stream events in the order the backend produced
// them. All funcs are optional; they are invoked from the request's own
// goroutine, never concurrently.
type Callbacks struct {
	OnChunk      func(delta string)
	OnDone       func(fullText, tier, model string)
	OnToolCall   func(toolName string, args map[string]interface{})
	OnToolResult func(toolName string, success bool, result string)
	OnError      func(err error)
}

func (c Callbacks) chunk(delta string) {
	if c.OnChunk != nil {
		c.OnChunk(delta)
	}
}

func (c Callbacks) done(fullText, tier, model string) {
	if c.OnDone != nil {
		c.OnDone(fullText, tier, model)
	}
}

func (c Callbacks) toolCall(name string, args map[string]interface{}) {
	if c.OnToolCall != nil {
		c.OnToolCall(name, args)
	}
}

func (c Callbacks) toolResult(name string, success bool, result string) {
	if c.OnToolResult != nil {
		c.OnToolResult(name, success, result)
	}
}

func (c Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Gate blocks a flagged tool call until a client decides or the request
// expires.
type Gate interface {
	RequestApproval(ctx context.Context, req approval.Request) (bool, error)
}

var _ Gate = (*approval.Manager)(nil)

// CoreText supplies the live contents of the core working memory file.
type CoreText interface {
	Content() string
}

var _ CoreText = (*memory.CoreMemory)(nil)

// Config wires a Router.
type Config struct {
	// Tiers maps tier name to an ordered fallback candidate list.
	Tiers    map[string][]providers.Candidate
	Tools    *tools.Registry
	Flags    *approval.FlagRegistry
	Gate     Gate
	Memory   memory.Store
	Core     CoreText
	Persona  *Persona
	MaxSteps int
	Logger   *slog.Logger
}

// Router runs chat turns against the configured tiers.
type Router struct {
	tiers    map[string][]providers.Candidate
	fallback *providers.FallbackRunner
	tools    *tools.Registry
	flags    *approval.FlagRegistry
	gate     Gate
	memory   memory.Store
	core     CoreText
	persona  *Persona
	repairer *transcript.Repairer
	maxSteps int
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Router {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxToolSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Persona == nil {
		cfg.Persona = parsePersona(defaultPersona)
	}
	return &Router{
		tiers:    cfg.Tiers,
		fallback: providers.NewFallbackRunner(cfg.Logger),
		tools:    cfg.Tools,
		flags:    cfg.Flags,
		gate:     cfg.Gate,
		memory:   cfg.Memory,
		core:     cfg.Core,
		persona:  cfg.Persona,
		repairer: transcript.NewRepairer(transcript.DefaultMaxResultChars),
		maxSteps: cfg.MaxSteps,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Request is one chat turn. An empty or unknown Tier selects via the
// heuristic. Content may carry a leading @<ref> role mention.
type Request struct {
	RequestID string
	SessionID string
	Content   string
	Tier      string
	History   []providers.Message
}

// Result summarises a completed turn.
type Result struct {
	FullText  string
	Tier      string
	Provider  string
	Model     string
	Steps     int
	ToolsUsed int
	Usage     providers.Usage
}

// Stream runs the turn to completion, forwarding events to cb as they
// happen. It serves the interactive tiers; worker traffic goes through
// the heavy-task queue instead. OnDone or OnError fires exactly once.
func (r *Router) Stream(ctx context.Context, req Request, cb Callbacks) (*Result, error) {
	tier := req.Tier
	if tier != TierLocal && tier != TierCloud {
		tier = SelectTier(req.Content, req.History)
	}
	candidates := r.tiers[tier]
	if len(candidates) == 0 {
		err := fmt.Errorf("no backend configured for %s", tier)
		cb.fail(err)
		return nil, err
	}

	ref, content := ExtractRoleRef(req.Content)
	system := r.systemPrompt(ctx, tier, r.persona.Text(ref))

	history, report := r.repairer.Repair(req.History)
	if report.Changed() {
		r.logger.Warn("router.transcript_repaired",
			"request", req.RequestID,
			"truncated", report.Truncated,
			"inserted", report.Inserted,
			"dropped", report.Dropped)
	}

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, providers.Message{
		Role:    "user",
		Content: InjectContext(ctx, r.memory, content, r.logger),
	})

	var toolDefs []providers.ToolDefinition
	if tier == TierCloud && r.tools != nil {
		toolDefs = r.tools.ProviderDefs()
	}

	res := &Result{Tier: tier}
	var full strings.Builder

	for res.Steps < r.maxSteps {
		res.Steps++
		r.logger.Debug("router.step",
			"request", req.RequestID, "tier", tier,
			"step", res.Steps, "messages", len(messages))

		resp, err := r.callBackend(ctx, candidates, providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Options:  tierOptions(tier),
		}, cb, res)
		if err != nil {
			cb.fail(err)
			return nil, err
		}

		if resp.Usage != nil {
			res.Usage.PromptTokens += resp.Usage.PromptTokens
			res.Usage.CompletionTokens += resp.Usage.CompletionTokens
			res.Usage.TotalTokens += resp.Usage.TotalTokens
		}
		if resp.Content != "" {
			if full.Len() > 0 {
				full.WriteString("\n\n")
			}
			full.WriteString(resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			out, err := r.invokeTool(ctx, req.SessionID, tc, cb)
			if err != nil {
				cb.fail(err)
				return nil, err
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    out,
				ToolCallID: tc.ID,
			})
			res.ToolsUsed++
		}
	}

	res.FullText = full.String()
	if res.FullText == "" {
		res.FullText = "..."
	}

	if r.memory != nil && tier == TierCloud &&
		(len(res.FullText) >= distillMinChars || res.ToolsUsed > 0) {
		go r.distill(content, res.FullText)
	}

	r.logger.Info("router.done",
		"request", req.RequestID, "tier", tier, "model", res.Model,
		"steps", res.Steps, "tools", res.ToolsUsed, "chars", len(res.FullText))
	cb.done(res.FullText, res.Tier, res.Model)
	return res, nil
}

// callBackend runs one model step through fallback, streaming chunks to
// cb. The winning provider/model lands in res. Providers retry the
// connection phase themselves; a failure after streaming began ends the
// attempt, so already-delivered deltas are never replayed.
func (r *Router) callBackend(ctx context.Context, candidates []providers.Candidate, chatReq providers.ChatRequest, cb Callbacks, res *Result) (*providers.ChatResponse, error) {
	return providers.RunWithModelFallback(ctx, r.fallback, candidates,
		func(ctx context.Context, c providers.Candidate) (*providers.ChatResponse, error) {
			model := c.Model
			if model == "" {
				model = c.Provider.DefaultModel()
			}
			creq := chatReq
			creq.Model = model

			resp, err := c.Provider.ChatStream(ctx, creq, func(chunk providers.StreamChunk) {
				if chunk.Content != "" {
					cb.chunk(chunk.Content)
				}
			})
			if err != nil {
				return nil, err
			}
			res.Provider = c.Provider.Name()
			res.Model = model
			return resp, nil
		})
}

// invokeTool executes one tool call, holding it at the approval gate
// when flagged. A denial becomes a structured refusal the model sees as
// the tool result, so the turn continues instead of aborting.
func (r *Router) invokeTool(ctx context.Context, sessionID string, tc providers.ToolCall, cb Callbacks) (string, error) {
	cb.toolCall(tc.Name, tc.Arguments)

	if r.tools == nil {
		out := fmt.Sprintf("unknown tool: %s", tc.Name)
		cb.toolResult(tc.Name, false, out)
		return out, nil
	}

	if r.flags != nil && r.gate != nil {
		if reason, flagged := r.flags.RequiresApproval(tc.Name); flagged {
			desc := tc.Name
			if t, ok := r.tools.Get(tc.Name); ok {
				desc = t.Description()
			}
			allowed, err := r.gate.RequestApproval(ctx, approval.Request{
				ID:          uuid.NewString(),
				SessionID:   sessionID,
				ToolName:    tc.Name,
				Description: desc,
				Reason:      reason,
				Args:        tc.Arguments,
			})
			if err != nil {
				return "", err
			}
			if !allowed {
				r.logger.Info("router.tool_denied", "tool", tc.Name)
				refusal := fmt.Sprintf(
					"The user denied the %s call. Do not retry it; explain what you could not do and continue.",
					tc.Name)
				cb.toolResult(tc.Name, false, refusal)
				return refusal, nil
			}
		}
	}

	result := r.tools.Execute(ctx, tc.Name, tc.Arguments)
	if result.IsError {
		msg := result.ForLLM
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		r.logger.Warn("router.tool_error", "tool", tc.Name, "error", msg)
	}
	cb.toolResult(tc.Name, !result.IsError, result.ForLLM)
	return result.ForLLM, nil
}

func (r *Router) systemPrompt(ctx context.Context, tier, personaText string) string {
	b := PromptBuilder{
		Persona: personaText,
		Tier:    tier,
		Now:     r.now(),
	}
	if r.core != nil {
		b.CoreMemory = r.core.Content()
	}
	if r.tools != nil {
		b.Manifest = r.tools.Manifest()
	}
	if tier == TierCloud && r.memory != nil {
		if cmap, err := r.memory.GetCognitiveMap(ctx); err == nil {
			for c := range cmap {
				b.Categories = append(b.Categories, c)
			}
			sort.Strings(b.Categories)
		}
	}
	return b.Build()
}

// distill records the turn under cloud_wisdom so the local tier can
// mimic past cloud reasoning. Fire and forget.
func (r *Router) distill(prompt, fullText string) {
	ctx, cancel := context.WithTimeout(context.Background(), distillTimeout)
	defer cancel()

	record := fmt.Sprintf("When asked to: \"%s\", the optimal approach is:\n%s", prompt, fullText)
	if _, err := r.memory.Memorize(ctx, record, memory.CategoryWisdom); err != nil {
		r.logger.Warn("router.distill_failed", "error", err)
	}
}

func tierOptions(tier string) map[string]interface{} {
	if tier == TierLocal {
		return map[string]interface{}{
			providers.OptMaxTokens:   1024,
			providers.OptTemperature: 0.7,
		}
	}
	return map[string]interface{}{
		providers.OptMaxTokens:   8192,
		providers.OptTemperature: 0.7,
	}
}
