package entities

import "time"

type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "CONNECTING"
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusError        ConnectionStatus = "ERROR"
)

// Account is one gateway identity managed by the system.
// At most one live session exists per account at a time.
type Account struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Phone         string           `json:"phone"`
	Status        ConnectionStatus `json:"status"`
	PairingCode   string           `json:"pairing_code,omitempty"` // transient QR payload, cleared once paired
	SessionBlob   string           `json:"-"`                      // transient gateway session reference
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	LastError     string           `json:"last_error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ChatInfo is chat metadata returned by the gateway.
type ChatInfo struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}
