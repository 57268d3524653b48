package entities

import "time"

type CampaignStatus string

const (
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignSending   CampaignStatus = "SENDING"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignFailed    CampaignStatus = "FAILED"
)

func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

type TargetStatus string

const (
	TargetPending   TargetStatus = "PENDING"
	TargetSent      TargetStatus = "SENT"
	TargetDelivered TargetStatus = "DELIVERED"
	TargetRead      TargetStatus = "READ"
	TargetFailed    TargetStatus = "FAILED"
	TargetCancelled TargetStatus = "CANCELLED"
)

// CampaignSpec is the operator request to create a campaign.
type CampaignSpec struct {
	Name               string       `json:"name" validate:"required,min=3"`
	Message            string       `json:"message" validate:"required"`
	Targets            []TargetSpec `json:"targets" validate:"required,min=1,dive"`
	RateLimitPerMinute int          `json:"rate_limit_per_minute" validate:"required,min=1"`
	TypingSimulation   bool         `json:"typing_simulation"`
	ScheduledAt        *time.Time   `json:"scheduled_at,omitempty"`
}

type TargetSpec struct {
	Phone     string            `json:"phone" validate:"required"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Campaign is a bulk-send job. Counters are aggregates over its targets and
// satisfy sent+failed <= target, delivered <= sent, read <= delivered at
// every observation point.
type Campaign struct {
	ID                 string         `json:"id"`
	AccountID          string         `json:"account_id"`
	Name               string         `json:"name"`
	Message            string         `json:"message"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute"`
	TypingSimulation   bool           `json:"typing_simulation"`
	Status             CampaignStatus `json:"status"`
	ScheduledAt        *time.Time     `json:"scheduled_at,omitempty"`
	TargetCount        int            `json:"target_count"`
	SentCount          int            `json:"sent_count"`
	DeliveredCount     int            `json:"delivered_count"`
	ReadCount          int            `json:"read_count"`
	FailedCount        int            `json:"failed_count"`
	Error              string         `json:"error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// CampaignTarget is per-recipient delivery state, tracked independently of
// Message records.
type CampaignTarget struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	Phone      string            `json:"phone"`
	Variables  map[string]string `json:"variables,omitempty"`
	Status     TargetStatus      `json:"status"`
	GatewayID  string            `json:"gateway_id,omitempty"` // message id assigned by the gateway
	Error      string            `json:"error,omitempty"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
}
