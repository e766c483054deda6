package calls

// Lead is the immutable snapshot of a lead enqueued for dialing. It lives
// only inside queues and active-call records; the durable row stays in the
// lead store.
type Lead struct {
	CampaignID      string  `json:"campaign_id"`
	CampaignName    string  `json:"campaign_name,omitempty"`
	CampaignSegment string  `json:"campaign_segment"`
	LeadID          int64   `json:"lead_id"`
	ExternalLeadID  string  `json:"external_lead_id,omitempty"`
	PhoneNumber     string  `json:"phone_number"`
	CustomerName    string  `json:"customer_name"`
	City            string  `json:"city,omitempty"`
	CustomerSegment string  `json:"customer_segment,omitempty"`
	MonthGMV        float64 `json:"month_gmv,omitempty"`
	OverallGMV      float64 `json:"overall_gmv,omitempty"`
	LastCallDate    string  `json:"last_call_date,omitempty"`
	EnqueuedAt      string  `json:"enqueued_at"`

	// Wide fields, stripped before the snapshot is encoded into SIP
	// headers at originate time.
	LastOrderDetails map[string]any `json:"last_order_details,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Stripped returns a copy without the wide fields. The switch rejects
// oversized header blocks, so these never ride on the wire.
func (l Lead) Stripped() Lead {
	l.LastOrderDetails = nil
	l.Metadata = nil
	return l
}

// Direction of a call leg as the switch reports it.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// ActiveCall is the in-flight call record keyed by call uuid.
type ActiveCall struct {
	CallUUID    string  `json:"call_uuid"`
	AgentID     *string `json:"agent_id"` // nil until an agent is bridged
	PhoneNumber string  `json:"phone_number"`
	Payload     *Lead   `json:"payload,omitempty"`
	InitiatedAt int64   `json:"initiated_at"` // epoch seconds
	ConnectedAt *int64  `json:"connected_at,omitempty"`
	Direction   string  `json:"direction,omitempty"`
	AutoBridge  bool    `json:"auto_bridge,omitempty"`
}

// CompletedCall is an active call plus its terminal facts, buffered for
// batch persistence.
type CompletedCall struct {
	ActiveCall
	EndedAt          int64  `json:"ended_at,omitempty"` // epoch seconds
	DisconnectReason string `json:"disconnect_reason"`
	DurationSeconds  int    `json:"duration_seconds"`
}
