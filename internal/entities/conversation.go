package entities

import "time"

// Conversation is a recipient thread scoped to one account. Lead fields are
// kept on the thread so templates and conditions can use them without a join.
type Conversation struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Phone        string    `json:"phone"`
	LeadName     string    `json:"lead_name"`
	LeadStatus   string    `json:"lead_status"`
	Tags         []string  `json:"tags"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}
