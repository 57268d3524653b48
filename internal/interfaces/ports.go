package interfaces

import (
	"context"
	"time"

	"waflow/internal/entities"
)

// GatewaySession is one live connection for one account. The underlying wire
// protocol is a black box; implementations only need to report pairing state,
// deliver sends and tear down cleanly.
type GatewaySession interface {
	// Send delivers one message and returns the gateway-assigned message id.
	// Implementations must honor ctx cancellation; they do not retry.
	Send(ctx context.Context, to, content string, msgType entities.MessageType) (string, error)
	// SendTyping broadcasts a composing indicator to the recipient.
	SendTyping(ctx context.Context, to string) error
	IsConnected() bool
	// PairingCode returns the current pairing artifact, empty once paired.
	PairingCode() string
	ListChats(ctx context.Context) ([]entities.ChatInfo, error)
	ProfilePicture(ctx context.Context, phone string) (string, error)
	Disconnect()
	Logout(ctx context.Context) error
}

// GatewayDialer establishes sessions. Lifecycle and inbound traffic are
// reported through the handler registered with SetEventHandler.
type GatewayDialer interface {
	Dial(ctx context.Context, accountID string) (GatewaySession, error)
	SetEventHandler(fn func(accountID string, evt GatewayEvent))
}

type GatewayEventType string

const (
	EventMessageReceived GatewayEventType = "message_received"
	EventMessageSent     GatewayEventType = "message_sent" // echo of an outbound message
	EventDelivered       GatewayEventType = "delivered"
	EventRead            GatewayEventType = "read"
	EventConnected       GatewayEventType = "connected"
	EventDisconnected    GatewayEventType = "disconnected"
	EventLoggedOut       GatewayEventType = "logged_out"
)

// GatewayEvent is one entry from the inbound event feed.
type GatewayEvent struct {
	Type       GatewayEventType
	From       string   // sender phone for inbound messages
	Content    string   // text for inbound messages
	GatewayIDs []string // message ids a receipt refers to
	Timestamp  time.Time
}

// Sender routes outbound messages through the account's active session.
// Implemented by the session manager, which owns timeout and retry policy.
type Sender interface {
	Send(ctx context.Context, accountID, to, content string, msgType entities.MessageType) (string, error)
}

// ActionHandler performs ACTION step side effects (tag changes, lead status
// updates) against the CRM side of the system.
type ActionHandler interface {
	Execute(ctx context.Context, action string, params map[string]string, conversationID string) error
}

// AccountStore persists account rows. Status transitions are written as they
// occur so the session registry can be rebuilt from rows alone.
type AccountStore interface {
	Get(ctx context.Context, id string) (*entities.Account, error)
	UpdateStatus(ctx context.Context, id string, status entities.ConnectionStatus, reason string) error
	SavePairing(ctx context.Context, id, code string) error
	// ClearSession wipes transient secrets (pairing artifact, session blob).
	ClearSession(ctx context.Context, id string) error
	SaveHeartbeat(ctx context.Context, id string, at time.Time) error
	ListByStatus(ctx context.Context, status entities.ConnectionStatus) ([]entities.Account, error)
}

// FlowStore reads flow definitions with their steps and triggers.
type FlowStore interface {
	GetFlow(ctx context.Context, id string) (*entities.FlowDefinition, error)
	GetTrigger(ctx context.Context, id string) (*entities.FlowTrigger, error)
	// ListActiveScheduleTriggers returns SCHEDULE triggers whose trigger and
	// flow are both active. This is the whole scheduler bootstrap state.
	ListActiveScheduleTriggers(ctx context.Context) ([]entities.FlowTrigger, error)
	ListActiveEventTriggers(ctx context.Context, accountID string) ([]entities.FlowTrigger, error)
}

// ExecutionStore persists flow executions. SetStatus never overwrites a
// terminal status; stop always wins over a concurrent completion.
type ExecutionStore interface {
	Create(ctx context.Context, exec *entities.FlowExecution) error
	Get(ctx context.Context, id string) (*entities.FlowExecution, error)
	SetStatus(ctx context.Context, id string, status entities.ExecutionStatus, reason string) error
	// UpdateCursor moves the durable cursor (step pointer + resume timestamp).
	UpdateCursor(ctx context.Context, id string, step int, resumeAt *time.Time) error
	// ClearResumeIfRunning drops the resume timestamp, but only while the
	// execution is still RUNNING; the check and the clear are one guarded
	// write. Reports whether the clear happened.
	ClearResumeIfRunning(ctx context.Context, id string) (bool, error)
	HasActive(ctx context.Context, flowID, conversationID string) (bool, error)
	ListRunning(ctx context.Context) ([]entities.FlowExecution, error)
}

// CampaignStore persists campaigns and their targets. Counter updates are
// atomic per target: each target transition increments its aggregate exactly
// once, also under concurrent receipt processing.
type CampaignStore interface {
	Create(ctx context.Context, c *entities.Campaign, targets []entities.CampaignTarget) error
	Get(ctx context.Context, id string) (*entities.Campaign, error)
	SetStatus(ctx context.Context, id string, status entities.CampaignStatus, reason string) error
	// NextPendingTarget returns the oldest PENDING target, nil when exhausted.
	NextPendingTarget(ctx context.Context, campaignID string) (*entities.CampaignTarget, error)
	MarkTargetSent(ctx context.Context, targetID, gatewayID string) error
	MarkTargetFailed(ctx context.Context, targetID, reason string) error
	// MarkDelivered / MarkRead resolve the target by gateway message id and
	// apply monotonic transitions (SENT->DELIVERED->READ); a read receipt on a
	// SENT target bumps both counters so read <= delivered always holds.
	MarkDelivered(ctx context.Context, gatewayID string) error
	MarkRead(ctx context.Context, gatewayID string) error
	CancelPendingTargets(ctx context.Context, campaignID string) (int, error)
	ListByStatus(ctx context.Context, status entities.CampaignStatus) ([]entities.Campaign, error)
}

// ConversationStore persists recipient threads.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*entities.Conversation, error)
	// UpsertInbound bumps unread count and last activity for the thread,
	// creating it on first contact.
	UpsertInbound(ctx context.Context, accountID, phone string, at time.Time) (*entities.Conversation, error)
	SetLeadStatus(ctx context.Context, id, status string) error
	AddTag(ctx context.Context, id, tag string) error
	MarkRead(ctx context.Context, id string) error
}

// MessageStore persists message units.
type MessageStore interface {
	Create(ctx context.Context, m *entities.Message) error
	MarkSent(ctx context.Context, id, gatewayID string) error
	MarkFailed(ctx context.Context, id, reason string) error
	UpdateStatusByGatewayID(ctx context.Context, accountID, gatewayID string, status entities.MessageStatus) error
}
