package store

// Authoritative state-store keyspace. Shapes are documented in the
// deployment runbook; in short: hashes for state maps, sorted sets for
// idle queues, lists for FIFO buffers.
const (
	AgentStatesKey = "AGENT_STATES" // hash agent-id -> JSON agent record

	SalesAgentQueueKey          = "SALES_AGENT_QUEUE"           // sorted set, score = last-idle time
	SupportAgentQueueKey        = "SUPPORT_AGENT_QUEUE"         // sorted set
	SecondarySalesAgentQueueKey = "SECONDARY_SALES_AGENT_QUEUE" // sorted set

	AgentPriorityLeadMappingKey = "AGENT_PRIORITY_LEAD_MAPPING" // string, JSON map agent-id -> []lead
	AgentLeadMappingKey         = "AGENT_LEAD_MAPPING"          // hash agent-id -> JSON []lead; agent "0" = acquisition

	ActiveCallsKey    = "ACTIVE_CALLS"    // hash call-uuid -> JSON call record
	CompletedCallsKey = "COMPLETED_CALLS" // list of JSON completed-call records

	AcquisitionAgentsKey = "AQUISITION_AGENTS" // string, JSON list of agent ids, TTL 8h

	AgentExtensionMappingKey = "AGENT_EXTENSION_MAPPING" // string, JSON map agent-id -> extension

	SupportWaitingQueueKey        = "SUPPORT_CUSTOMERS_WAITING_QUEUE"         // list of parked call uuids
	SecondarySalesWaitingQueueKey = "SECONDARY_SALES_CUSTOMERS_WAITING_QUEUE" // list of parked call uuids

	AgentStateLockPrefix = "AGENT_STATE_LOCK:" // + agent-id
	ActiveCallLockPrefix = "ACTIVE_CALL_LOCK:" // + call-uuid

	DialerExecutionLockKey = "dialer:execution_lock"
	SyncToDBLockKey        = "SYNC_TO_DB_LOCK"
)

// QueueLockKey returns the dedicated lock key guarding a queue structure.
func QueueLockKey(queueKey string) string {
	return queueKey + ":lock"
}
