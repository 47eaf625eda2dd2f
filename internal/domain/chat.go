package domain

import "time"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one request or response in a session's conversation history.
// Immutable once appended.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Inbound message types.
const (
	MessageTypeUser = "user_message"
)

// InboundMessage is a client-to-gateway message.
type InboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// Outbound event types.
const (
	EventStatus      = "status"
	EventContext     = "context"
	EventToken       = "token"
	EventComplete    = "complete"
	EventError       = "error"
	EventRateLimited = "rate_limited"
)

// Event is a gateway-to-client event. Seq increases monotonically within
// a session; clients use it to detect gaps after a reconnect.
type Event struct {
	Type       string    `json:"type"`
	Seq        uint64    `json:"seq"`
	Message    string    `json:"message,omitempty"`
	Value      string    `json:"value,omitempty"`
	Passages   []Passage `json:"passages,omitempty"`
	ErrorID    string    `json:"error_id,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
	RetryAfter float64   `json:"retry_after_seconds,omitempty"`
}
