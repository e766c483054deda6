package agentstate

import (
	"encoding/json"
	"fmt"

	"voicedialer/internal/store"
)

// Team partitions agents into idle queues.
type Team string

const (
	TeamSales          Team = "sales"
	TeamSecondarySales Team = "secondary_sales"
	TeamSupport        Team = "support"
)

// teams enumerates every idle queue.
var teams = []Team{TeamSales, TeamSecondarySales, TeamSupport}

// Valid reports whether t is a known team.
func (t Team) Valid() bool {
	switch t {
	case TeamSales, TeamSecondarySales, TeamSupport:
		return true
	}
	return false
}

// QueueKey returns the team's idle-queue sorted-set key.
func (t Team) QueueKey() string {
	switch t {
	case TeamSupport:
		return store.SupportAgentQueueKey
	case TeamSecondarySales:
		return store.SecondarySalesAgentQueueKey
	default:
		return store.SalesAgentQueueKey
	}
}

// State is an agent's lifecycle state. A logged-out agent has no record.
type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
)

// Agent is the closed record stored per agent in the state map.
type Agent struct {
	ID              string  `json:"agent_id"`
	Team            Team    `json:"team"`
	State           State   `json:"state"`
	CurrentCallID   *string `json:"current_call_id"`
	CallInitiatedAt *int64  `json:"call_initiated_at,omitempty"` // epoch seconds, set when busy without a call
}

// Idle is the single idle-for-dialing predicate: state idle and no call
// attached. Every call site uses this; the two checks are never split.
func (a *Agent) Idle() bool {
	return a.State == StateIdle && a.CurrentCallID == nil
}

func marshalAgent(a *Agent) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encoding agent %s: %w", a.ID, err)
	}
	return string(data), nil
}

func unmarshalAgent(id, raw string) (*Agent, error) {
	var a Agent
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decoding agent %s: %w", id, err)
	}
	if a.ID == "" {
		a.ID = id
	}
	return &a, nil
}
