package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/famulus-dev/famulus/internal/cron"
)

// Scheduler is the slice of the cron service the schedule tool drives.
type Scheduler interface {
	ScheduleTask(cronExpr, prompt, alias, existingID string) (string, error)
	ListScheduledTasks() []cron.Entry
	DeleteTask(idOrAlias string) bool
}

// ScheduleTaskTool lets the model create, list, and delete its own
// recurring jobs.
type ScheduleTaskTool struct {
	scheduler Scheduler
}

func NewScheduleTaskTool(scheduler Scheduler) *ScheduleTaskTool {
	return &ScheduleTaskTool{scheduler: scheduler}
}

func (t *ScheduleTaskTool) Name() string { return "schedule_task" }

func (t *ScheduleTaskTool) Description() string {
	return "Schedule a recurring task with a cron expression, list scheduled tasks, or delete one"
}

func (t *ScheduleTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": `"schedule" (default), "list", or "delete"`,
				"enum":        []string{"schedule", "list", "delete"},
			},
			"cron_expr": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression, e.g. \"0 9 * * *\" (required for schedule)",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Prompt to run on each firing (required for schedule)",
			},
			"alias": map[string]interface{}{
				"type":        "string",
				"description": "Optional short name; derived from the prompt when omitted",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Task id or alias (required for delete)",
			},
		},
	}
}

func (t *ScheduleTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	if action == "" {
		action = "schedule"
	}

	switch action {
	case "schedule":
		cronExpr, _ := args["cron_expr"].(string)
		prompt, _ := args["prompt"].(string)
		alias, _ := args["alias"].(string)
		if cronExpr == "" {
			return ErrorResult("cron_expr is required")
		}
		if prompt == "" {
			return ErrorResult("prompt is required")
		}

		id, err := t.scheduler.ScheduleTask(cronExpr, prompt, alias, "")
		if err != nil {
			return ErrorResult(err.Error()).WithError(err)
		}
		return UserResult(fmt.Sprintf("Scheduled task %s (%s)", id, cronExpr))

	case "list":
		entries := t.scheduler.ListScheduledTasks()
		if len(entries) == 0 {
			return NewResult("no scheduled tasks")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d scheduled tasks:\n", len(entries))
		for _, e := range entries {
			next := "never"
			if !e.NextRun.IsZero() {
				next = e.NextRun.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "- %s [%s] %q next: %s\n", e.ID, e.Alias, e.CronExpr, next)
		}
		return NewResult(strings.TrimRight(b.String(), "\n"))

	case "delete":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("id is required")
		}
		if !t.scheduler.DeleteTask(id) {
			return ErrorResult(fmt.Sprintf("no scheduled task matching %s", id))
		}
		return UserResult(fmt.Sprintf("Deleted scheduled task %s", id))

	default:
		return ErrorResult(fmt.Sprintf("unknown action: %s", action))
	}
}

var _ Scheduler = (*cron.Service)(nil)
