package tools

import (
	"context"
	"fmt"

	"github.com/famulus-dev/famulus/internal/worker"
)

// TaskQueue is the slice of the worker queue the enqueue tool feeds.
type TaskQueue interface {
	Enqueue(req worker.EnqueueRequest) string
}

// EnqueueHeavyTaskTool hands slow work to the background worker tier so
// the conversational turn can finish immediately.
type EnqueueHeavyTaskTool struct {
	queue TaskQueue
}

func NewEnqueueHeavyTaskTool(queue TaskQueue) *EnqueueHeavyTaskTool {
	return &EnqueueHeavyTaskTool{queue: queue}
}

func (t *EnqueueHeavyTaskTool) Name() string { return "enqueue_heavy_task" }

func (t *EnqueueHeavyTaskTool) Description() string {
	return "Queue a long-running task for the background worker and return immediately"
}

func (t *EnqueueHeavyTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"description": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label for the task",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Full prompt the worker model should process",
			},
			"task_type": map[string]interface{}{
				"type":        "string",
				"description": "Task category (default: general)",
				"enum": []string{
					worker.TypeDistillMemory,
					worker.TypeDeepAnalysis,
					worker.TypeCodeReview,
					worker.TypeGeneral,
				},
			},
		},
		"required": []string{"description", "prompt"},
	}
}

func (t *EnqueueHeavyTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	description, _ := args["description"].(string)
	if description == "" {
		return ErrorResult("description is required")
	}
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return ErrorResult("prompt is required")
	}
	taskType, _ := args["task_type"].(string)

	id := t.queue.Enqueue(worker.EnqueueRequest{
		Description: description,
		Prompt:      prompt,
		Type:        taskType,
	})
	return UserResult(fmt.Sprintf("Queued background task %s: %s", id, description))
}

var _ TaskQueue = (*worker.Queue)(nil)
