package entities

import "time"

type MessageStatus string

const (
	MessagePending   MessageStatus = "PENDING"
	MessageSent      MessageStatus = "SENT"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageRead      MessageStatus = "READ"
	MessageFailed    MessageStatus = "FAILED"
)

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message is a single inbound or outbound unit. Outbound rows are created
// PENDING before the gateway call and updated from its result, so the store
// never claims a send that was not attempted.
type Message struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"account_id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	GatewayID      string        `json:"gateway_id,omitempty"` // id assigned by the gateway on send
	Direction      string        `json:"direction"`
	From           string        `json:"from,omitempty"`
	To             string        `json:"to,omitempty"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	Status         MessageStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}
