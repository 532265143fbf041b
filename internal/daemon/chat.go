package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/famulus-dev/famulus/internal/providers"
	"github.com/famulus-dev/famulus/internal/queue"
	"github.com/famulus-dev/famulus/internal/router"
	"github.com/famulus-dev/famulus/internal/sessions"
	"github.com/famulus-dev/famulus/internal/telemetry"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

// HandleClientMessage dispatches one decoded gateway frame. Ping never
// reaches here; the gateway answers it directly.
func (d *Daemon) HandleClientMessage(ctx context.Context, clientID string, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeChatRequest:
		d.handleChat(clientID, msg.ChatRequest)
	case protocol.TypeSystemCommand:
		d.handleCommand(msg.SystemCommand)
	case protocol.TypeApprovalResponse:
		d.handleApproval(msg.ApprovalResponse)
	default:
		d.logger.Warn("daemon.unhandled_frame", "type", msg.Type, "client", clientID)
	}
}

// chatTurn is one unit of routed work, interactive or scheduled.
type chatTurn struct {
	requestID  string
	sessionKey string
	content    string
	tier       string
	history    []providers.Message
	persist    bool
}

// handleChat schedules the turn on its session lane. The turn runs
// under the queue's context, not the connection's: a disconnect cancels
// queued turns only, never one that already started.
func (d *Daemon) handleChat(clientID string, req *protocol.ChatRequestPayload) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		d.chatError(requestID, "empty message")
		return
	}

	tier := d.resolveTier(req.Tier)
	if tier == router.TierWorker {
		d.divertToWorker(requestID, content)
		return
	}

	key := sessions.MainKey
	if !d.cfg.SingleSession {
		key = sessions.ClientKey(clientID)
	}

	turn := chatTurn{
		requestID:  requestID,
		sessionKey: key,
		content:    content,
		tier:       tier,
		persist:    !req.IsOnboarding,
	}
	if len(req.Messages) > 0 {
		turn.history = inlineHistory(req.Messages)
	} else {
		turn.history = d.transcripts.GetHistory(key)
	}

	d.logger.Debug("daemon.chat_received",
		"request", requestID, "client", clientID, "session", key, "tier", tierLabel(tier))

	pending, err := d.queue.Enqueue(sessions.LaneForKey(key), func(ctx context.Context) (interface{}, error) {
		return d.runTurn(ctx, turn)
	}, queue.Options{OnWait: d.queueWaitNotice(requestID)})
	if err != nil {
		d.chatError(requestID, "daemon is shutting down")
		return
	}
	go d.awaitTurn(requestID, pending)
}

// resolveTier applies precedence: an explicit request tier wins, then
// the runtime default, then the heuristic (empty).
func (d *Daemon) resolveTier(requested string) string {
	if router.ValidTier(requested) {
		return requested
	}
	if requested != "" {
		d.logger.Debug("daemon.unknown_tier", "tier", requested)
	}
	return d.DefaultTier()
}

// runTurn is the lane task body: it flips the thinking state, streams
// the turn, and persists the exchange.
func (d *Daemon) runTurn(ctx context.Context, turn chatTurn) (*router.Result, error) {
	d.hb.SetThinking(true)
	defer d.hb.SetThinking(false)

	ctx, span := d.tracer.StartStream(ctx, turn.requestID, tierLabel(turn.tier))
	res, err := d.router.Stream(ctx, router.Request{
		RequestID: turn.requestID,
		SessionID: turn.sessionKey,
		Content:   turn.content,
		Tier:      turn.tier,
		History:   turn.history,
	}, d.turnCallbacks(turn.requestID))
	telemetry.End(span, err)
	if err != nil {
		return nil, err
	}

	if turn.persist {
		d.persistTurn(turn, res)
	}
	return res, nil
}

// awaitTurn reports entries that never ran. A turn that started
// surfaces its own outcome through the stream callbacks.
func (d *Daemon) awaitTurn(requestID string, pending *queue.Pending) {
	_, err := pending.Wait(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrLaneCleared):
		d.chatError(requestID, "request cancelled before it started")
	default:
		d.logger.Debug("daemon.turn_failed", "request", requestID, "error", err)
	}
}

func (d *Daemon) turnCallbacks(requestID string) router.Callbacks {
	return router.Callbacks{
		OnChunk: func(delta string) {
			d.pub.Broadcast(protocol.New(protocol.TypeChatStreamChunk, protocol.ChatStreamChunkPayload{
				RequestID: requestID,
				Delta:     delta,
			}))
		},
		OnDone: func(fullText, tier, model string) {
			d.pub.Broadcast(protocol.New(protocol.TypeChatStreamDone, protocol.ChatStreamDonePayload{
				RequestID: requestID,
				FullText:  fullText,
				Tier:      tier,
				Model:     model,
			}))
		},
		OnToolCall: func(toolName string, args map[string]interface{}) {
			d.pub.Broadcast(protocol.New(protocol.TypeChatToolCall, protocol.ChatToolCallPayload{
				RequestID: requestID,
				ToolName:  toolName,
				Args:      args,
			}))
		},
		OnToolResult: func(toolName string, success bool, result string) {
			d.pub.Broadcast(protocol.New(protocol.TypeChatToolResult, protocol.ChatToolResultPayload{
				RequestID: requestID,
				ToolName:  toolName,
				Success:   success,
				Result:    result,
			}))
		},
		OnError: func(err error) {
			d.chatError(requestID, errorMessage(err))
		},
	}
}

// persistTurn records the completed exchange. The write is best-effort;
// a failed save is logged, never surfaced to the client.
func (d *Daemon) persistTurn(turn chatTurn, res *router.Result) {
	key := turn.sessionKey
	d.transcripts.AppendExchange(key, turn.content, res.FullText)
	d.transcripts.UpdateMetadata(key, res.Tier, res.Model, res.Provider)
	d.transcripts.AccumulateTokens(key, int64(res.Usage.PromptTokens), int64(res.Usage.CompletionTokens))
	if res.Usage.PromptTokens > 0 {
		d.transcripts.SetLastPromptTokens(key, res.Usage.PromptTokens, len(turn.history)+2)
	}
	if err := d.transcripts.Save(key); err != nil {
		d.logger.Error("daemon.transcript_save_failed", "session", key, "error", err)
	}
}

func (d *Daemon) queueWaitNotice(requestID string) func(int64, int) {
	return func(waitedMs int64, queuedAhead int) {
		d.logger.Warn("daemon.queue_wait",
			"request", requestID, "waited_ms", waitedMs, "queued_ahead", queuedAhead)
		d.broadcastLog("warn", fmt.Sprintf("Request %s waited %dms behind %d task(s)", requestID, waitedMs, queuedAhead))
	}
}

func (d *Daemon) chatError(requestID, message string) {
	d.pub.Broadcast(protocol.New(protocol.TypeChatError, protocol.ChatErrorPayload{
		RequestID: requestID,
		Error:     message,
	}))
}

func errorMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return err.Error()
}

// inlineHistory converts bridge-replayed turns. They stand in for the
// stored history on this turn only; persistence still appends to the
// store.
func inlineHistory(msgs []protocol.ChatMessage) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
