package protocol

// Server -> client frame types. Names are contractual: bridges and the TUI
// switch on them verbatim.
const (
	TypeHeartbeat    = "heartbeat"     // periodic state telemetry
	TypeLog          = "log"           // daemon log line surfaced to clients
	TypeSystemStatus = "system:status" // lifecycle: starting / ready / shutting_down

	TypeChatStreamChunk = "chat:stream:chunk"
	TypeChatStreamDone  = "chat:stream:done"
	TypeChatError       = "chat:error"
	TypeChatToolCall    = "chat:tool:call"
	TypeChatToolResult  = "chat:tool:result"

	TypeApprovalRequest  = "approval:request"
	TypeApprovalResolved = "approval:resolved"

	TypeWorkerTaskCompleted = "worker_task_completed"
	TypeWorkerTaskFailed    = "worker_task_failed"
)

// Daemon lifecycle statuses carried by TypeSystemStatus.
const (
	StatusStarting     = "starting"
	StatusReady        = "ready"
	StatusShuttingDown = "shutting_down"
)

// WorkerStatus summarises the heavy-task queue inside a heartbeat.
type WorkerStatus struct {
	Enabled   bool   `json:"enabled"`
	Model     string `json:"model,omitempty"`
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// HeartbeatPayload is the periodic telemetry frame.
type HeartbeatPayload struct {
	UptimeMs         int64         `json:"uptimeMs"`
	PID              int           `json:"pid"`
	Port             int           `json:"port"`
	State            string        `json:"state"`
	ActiveTasks      int           `json:"activeTasks"`
	PendingTasks     int           `json:"pendingTasks"`
	AwaitingApproval bool          `json:"awaitingApproval"`
	ConnectedClients int           `json:"connectedClients"`
	Tick             uint64        `json:"tick"`
	WorkerStatus     *WorkerStatus `json:"workerStatus,omitempty"`
}

// LogPayload carries a daemon log line to clients.
type LogPayload struct {
	Level   string `json:"level"` // info | warn | error | debug
	Source  string `json:"source"`
	Message string `json:"message"`
}

// SystemStatusPayload announces a lifecycle transition.
type SystemStatusPayload struct {
	Status string `json:"status"`
}

// ChatStreamChunkPayload is one streamed text delta.
type ChatStreamChunkPayload struct {
	RequestID string `json:"requestId"`
	Delta     string `json:"delta"`
}

// ChatStreamDonePayload closes a streamed turn.
type ChatStreamDonePayload struct {
	RequestID string `json:"requestId"`
	FullText  string `json:"fullText"`
	Tier      string `json:"tier"` // tier1 | tier2 | worker
	Model     string `json:"model"`
}

// ChatErrorPayload ends a turn that failed mid-stream.
type ChatErrorPayload struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// ChatToolCallPayload announces a tool invocation within a turn.
type ChatToolCallPayload struct {
	RequestID string                 `json:"requestId"`
	ToolName  string                 `json:"toolName"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// ChatToolResultPayload reports a finished tool invocation.
type ChatToolResultPayload struct {
	RequestID string `json:"requestId"`
	ToolName  string `json:"toolName"`
	Success   bool   `json:"success"`
	Result    string `json:"result"`
}

// ApprovalRequestPayload asks the user to allow or deny a flagged tool call.
type ApprovalRequestPayload struct {
	ApprovalID  string                 `json:"approvalId"`
	ToolName    string                 `json:"toolName"`
	Description string                 `json:"description"`
	Reason      string                 `json:"reason"` // destructive | intrusive
	Args        map[string]interface{} `json:"args,omitempty"`
	ExpiresAtMs int64                  `json:"expiresAtMs"`
}

// ApprovalResolvedPayload announces the outcome of an approval request.
type ApprovalResolvedPayload struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"` // allow-once | allow-always | deny | expired
}

// WorkerTaskCompletedPayload reports a finished heavy task.
type WorkerTaskCompletedPayload struct {
	TaskID       string `json:"taskId"`
	Description  string `json:"description"`
	TaskType     string `json:"taskType"`
	ResultLength int    `json:"resultLength"`
}

// WorkerTaskFailedPayload reports a failed heavy task.
type WorkerTaskFailedPayload struct {
	TaskID      string `json:"taskId"`
	Description string `json:"description"`
	Error       string `json:"error"`
}
