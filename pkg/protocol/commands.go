package protocol

// Client -> server frame types.
const (
	TypePing             = "ping"
	TypeChatRequest      = "chat:request"
	TypeSystemCommand    = "system:command"
	TypeApprovalResponse = "approval:response"
)

// System commands carried by TypeSystemCommand.
const (
	CommandForceLocal     = "force-local"
	CommandAutoRoute      = "auto-route"
	CommandSwitchCloud    = "switch-cloud"
	CommandStatus         = "status"
	CommandSetDefaultTier = "set-default-tier"
	CommandForceWorker    = "force-worker"
)

// Approval decisions a client may send. The daemon additionally emits
// "expired" for requests that timed out.
const (
	DecisionAllowOnce   = "allow-once"
	DecisionAllowAlways = "allow-always"
	DecisionDeny        = "deny"
	DecisionExpired     = "expired"
)

// ChatMessage is a prior conversation turn supplied inline with a request,
// used by bridges that replay history the daemon has not seen.
type ChatMessage struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// ChatRequestPayload submits a user turn.
type ChatRequestPayload struct {
	RequestID    string        `json:"requestId"`
	Content      string        `json:"content"`
	Tier         string        `json:"tier,omitempty"` // force tier1 | tier2 | worker
	IsOnboarding bool          `json:"isOnboarding,omitempty"`
	Messages     []ChatMessage `json:"messages,omitempty"`
}

// SystemCommandPayload adjusts daemon behaviour at runtime.
type SystemCommandPayload struct {
	Command string                 `json:"command"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// ApprovalResponsePayload answers a pending approval request.
type ApprovalResponsePayload struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"` // allow-once | allow-always | deny
}

// ClientMessage is the decoded form of a client -> server frame: exactly one
// payload field is non-nil, matching Type.
type ClientMessage struct {
	Type             string
	ChatRequest      *ChatRequestPayload
	SystemCommand    *SystemCommandPayload
	ApprovalResponse *ApprovalResponsePayload
}

// ParseClientMessage decodes and validates a client -> server frame.
// A syntactically valid envelope with a type outside the client set yields
// *UnknownTypeError so the caller can answer with a structured error.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	env, err := Decode(data)
	if err != nil {
		return nil, err
	}

	msg := &ClientMessage{Type: env.Type}
	switch env.Type {
	case TypePing:
		return msg, nil
	case TypeChatRequest:
		var p ChatRequestPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		msg.ChatRequest = &p
	case TypeSystemCommand:
		var p SystemCommandPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		msg.SystemCommand = &p
	case TypeApprovalResponse:
		var p ApprovalResponsePayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		msg.ApprovalResponse = &p
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
	return msg, nil
}
