// Package events provides the in-process event bus and real-time delivery
// to WebSocket subscribers.
//
// Every meaningful pipeline transition publishes a typed event. The bus
// fans events out synchronously to subscribers, keeps a bounded ring of
// history for catchup, and supports replay from a since-cursor. The
// ConnectionManager bridges the bus to WebSocket clients.
package events

// Event types (closed set; wire-visible).
const (
	EventTaskStart    = "task_start"
	EventTaskProgress = "task_progress"
	EventTaskComplete = "task_complete"
	EventTaskError    = "task_error"

	EventAgentThinking    = "agent_thinking"
	EventAgentAction      = "agent_action"
	EventAgentObservation = "agent_observation"

	EventCodeAnalyzing  = "code_analyzing"
	EventCodePlanning   = "code_planning"
	EventCodeGenerating = "code_generating"
	EventCodeValidating = "code_validating"

	EventValidationCheckStart    = "validation_check_start"
	EventValidationCheckComplete = "validation_check_complete"
	EventValidationSummary       = "validation_summary"

	EventToolStart    = "tool_start"
	EventToolProgress = "tool_progress"
	EventToolComplete = "tool_complete"
	EventToolError    = "tool_error"

	EventBudgetWarning  = "budget_warning"
	EventBudgetExceeded = "budget_exceeded"

	EventApprovalRequired = "approval_required"
	EventApprovalReceived = "approval_received"
	EventPlanModified     = "plan_modified"

	EventLog     = "log"
	EventWarning = "warning"
	EventError   = "error"
)

// Event is one published bus event. Seq is the process-monotonic counter
// the ID is derived from; it doubles as the since-cursor.
type Event struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"-"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	TaskID    string         `json:"taskId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// WireEvent is the envelope delivered to WebSocket clients.
type WireEvent struct {
	Type  string `json:"type"` // always "event"
	Event Event  `json:"event"`
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "catchup", "ping"
	TaskID  string `json:"taskId,omitempty"`  // empty = all tasks
	SinceID string `json:"sinceId,omitempty"` // for catchup
}
