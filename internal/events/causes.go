package events

// Hangup causes the core itself issues via uuid_kill.
const (
	CauseNoAvailableAgent = "NO_AVAILABLE_AGENT"
	CauseAgentBusy        = "AGENT_BUSY"
	CauseLoseRace         = "LOSE_RACE"
	CauseNormalClearing   = "NORMAL_CLEARING"
)

// reEnqueueCauses are the clearing causes after which the lead never got an
// agent and goes back to the front of the line.
var reEnqueueCauses = map[string]bool{
	CauseNoAvailableAgent: true,
	CauseAgentBusy:        true,
	CauseLoseRace:         true,
}

// Terminal call statuses recorded in the call log.
const (
	StatusAnswered  = "answered"
	StatusBusy      = "busy"
	StatusNoAnswer  = "no_answer"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusInvalid   = "invalid"
)

// causeToStatus maps switch clearing causes to call-log statuses. Causes
// absent from the map yield a null status and are logged.
var causeToStatus = map[string]string{
	"NORMAL_CLEARING":       StatusAnswered,
	"USER_BUSY":             StatusBusy,
	"CALL_REJECTED":         StatusBusy,
	"NO_ANSWER":             StatusNoAnswer,
	"NO_USER_RESPONSE":      StatusNoAnswer,
	"PROGRESS_TIMEOUT":      StatusNoAnswer,
	"RECOVERY_ON_TIMER":     StatusFailed,
	"LOSE_RACE":             StatusFailed,
	"ORIGINATOR_CANCEL":     StatusCancelled,
	"UNALLOCATED_NUMBER":    StatusInvalid,
	"INVALID_NUMBER_FORMAT": StatusInvalid,
	"NO_ROUTE_DESTINATION":  StatusInvalid,
}

// MapCauseToStatus resolves a clearing cause to a call-log status, or nil
// when the cause carries no terminal outcome.
func MapCauseToStatus(cause string) *string {
	status, ok := causeToStatus[cause]
	if !ok {
		return nil
	}
	return &status
}
