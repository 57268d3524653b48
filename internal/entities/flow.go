package entities

import "time"

type FlowStepType string

const (
	StepSendMessage FlowStepType = "SEND_MESSAGE"
	StepDelay       FlowStepType = "DELAY"
	StepCondition   FlowStepType = "CONDITION"
	StepAction      FlowStepType = "ACTION"
)

type FlowTriggerType string

const (
	TriggerEvent    FlowTriggerType = "EVENT"
	TriggerSchedule FlowTriggerType = "SCHEDULE"
)

type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "PENDING"
	ExecRunning   ExecutionStatus = "RUNNING"
	ExecPaused    ExecutionStatus = "PAUSED"
	ExecCompleted ExecutionStatus = "COMPLETED"
	ExecStopped   ExecutionStatus = "STOPPED"
	ExecError     ExecutionStatus = "ERROR"
)

// IsTerminal reports whether the status can never change again.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecCompleted || s == ExecStopped || s == ExecError
}

// FlowStep is one step of a flow definition. Which fields are meaningful
// depends on Type.
type FlowStep struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Type FlowStepType `json:"type" validate:"required,oneof=SEND_MESSAGE DELAY CONDITION ACTION"`

	// SEND_MESSAGE: message template, {var} placeholders substituted
	// from conversation/lead fields.
	Content string `json:"content,omitempty"`

	// DELAY
	DelayMinutes int `json:"delay_minutes,omitempty" validate:"min=0"`

	// CONDITION: "field op value" expression. When it holds the execution
	// jumps to the step named BranchTo (next step if empty); when it does
	// not, ElseBranchTo, or a graceful exit if that is empty too.
	Condition    string `json:"condition,omitempty"`
	BranchTo     string `json:"branch_to,omitempty"`
	ElseBranchTo string `json:"else_branch_to,omitempty"`

	// ACTION
	Action       string            `json:"action,omitempty"`
	ActionParams map[string]string `json:"action_params,omitempty"`
}

// FlowTrigger starts executions of its flow, either from inbound events
// (keyword match) or on a cron schedule.
type FlowTrigger struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	Type           FlowTriggerType `json:"type" validate:"required,oneof=EVENT SCHEDULE"`
	Keyword        string          `json:"keyword,omitempty"`         // EVENT: matched against inbound text, empty matches all
	Cron           string          `json:"cron,omitempty"`            // SCHEDULE: standard cron expression
	ConversationID string          `json:"conversation_id,omitempty"` // SCHEDULE: conversation the execution binds to
	IsActive       bool            `json:"is_active"`
}

// FlowDefinition is a reusable multi-step automation owned by an account.
type FlowDefinition struct {
	ID        string        `json:"id"`
	AccountID string        `json:"account_id"`
	Name      string        `json:"name" validate:"required,min=3"`
	Steps     []FlowStep    `json:"steps" validate:"required,min=1,dive"`
	Triggers  []FlowTrigger `json:"triggers" validate:"dive"`
	IsActive  bool          `json:"is_active"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StepIndex returns the index of the step with the given name, or -1.
func (f *FlowDefinition) StepIndex(name string) int {
	for i, s := range f.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// FlowExecution is one running instance of a flow bound to a conversation.
// CurrentStep and ResumeAt form the durable cursor: together with Status they
// are enough to rebuild the in-memory state machine after a restart.
type FlowExecution struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	AccountID      string          `json:"account_id"`
	ConversationID string          `json:"conversation_id"`
	CurrentStep    int             `json:"current_step"`
	Status         ExecutionStatus `json:"status"`
	ResumeAt       *time.Time      `json:"resume_at,omitempty"` // set while suspended in a DELAY
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}
