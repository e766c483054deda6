package database

import "time"

// Agent is a telesales operator row.
type Agent struct {
	ID        int64     `db:"id"`
	Extension string    `db:"extension"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// Campaign is a named batch of leads assigned to an agent and a segment.
type Campaign struct {
	ID           int64  `db:"id"`
	CampaignID   string `db:"campaign_id"`
	CampaignName string `db:"campaign_name"`
	Segment      string `db:"segment"`
	AgentID      *int64 `db:"agent_id"` // null for acquisition campaigns
	Active       bool   `db:"active"`
}

// Lead statuses. The dialer core owns the pending -> in_queue transition at
// refill time and the in_queue -> terminal transitions at sync time.
const (
	LeadStatusPending     = "pending"
	LeadStatusInQueue     = "in_queue"
	LeadStatusCompleted   = "completed"
	LeadStatusNotAnswered = "not_answered"
	LeadStatusInvalid     = "invalid"
	LeadStatusFailed      = "failed"
)

// Lead is a durable prospective-customer row.
type Lead struct {
	ID              int64      `db:"id"`
	ExternalLeadID  string     `db:"udhaar_lead_id"`
	PhoneNumber     string     `db:"phone_number"`
	CustomerName    string     `db:"customer_name"`
	City            string     `db:"city"`
	CustomerSegment string     `db:"customer_segment"`
	CampaignID      int64      `db:"campaign_id"`
	MonthGMV        *float64   `db:"month_gmv"`
	OverallGMV      *float64   `db:"overall_gmv"`
	LastCallDate    *time.Time `db:"last_call_date"`
	Status          string     `db:"status"`
	AttemptCount    int        `db:"attempt_count"`
	MaxAttempts     int        `db:"max_attempts"`
}

// CallLog is one terminal call fact, written by the persistence sink.
type CallLog struct {
	CallID           string
	AgentID          *int64
	LeadID           int64
	ToNumber         string
	Status           *string // null when the hangup cause mapped to nothing
	DisconnectReason string
	InitiatedAt      *time.Time
	AnsweredAt       *time.Time
	EndedAt          *time.Time
	DurationSeconds  int
	Direction        string
}
