package dialer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"voicedialer/internal/agentstate"
	"voicedialer/internal/calls"
)

// Reaper returns agents stuck busy to the idle pool: either their call
// record vanished, or they were waiting on parked rings that never
// answered within the ring window.
type Reaper struct {
	machine    *agentstate.Machine
	tracker    *calls.Tracker
	ringWindow time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

func NewReaper(machine *agentstate.Machine, tracker *calls.Tracker, ringWindow time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		machine:    machine,
		tracker:    tracker,
		ringWindow: ringWindow,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Sweep scans every agent once and returns how many it freed. Individual
// failures are logged and skipped; a sweep never aborts the dial tick.
func (r *Reaper) Sweep(ctx context.Context) int {
	agents, err := r.machine.All(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reaper scan failed")
		return 0
	}

	active, err := r.tracker.All(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reaper could not list active calls")
		return 0
	}

	freed := 0
	for agentID, agent := range agents {
		if agent.State != agentstate.StateBusy {
			continue
		}

		switch {
		case agent.CurrentCallID != nil:
			if _, ok := active[*agent.CurrentCallID]; ok {
				continue
			}
			r.logger.Warn().
				Str("agent_id", agentID).
				Str("call_uuid", *agent.CurrentCallID).
				Msg("agent bound to vanished call, freeing")
		case agent.CallInitiatedAt != nil:
			age := r.now().Unix() - *agent.CallInitiatedAt
			if age < int64(r.ringWindow.Seconds()) {
				continue
			}
			r.logger.Warn().
				Str("agent_id", agentID).
				Int64("waiting_seconds", age).
				Msg("agent waiting past ring window, freeing")
		default:
			// Busy with neither a call id nor a wait timestamp: a
			// half-written state. Free it.
			r.logger.Warn().Str("agent_id", agentID).Msg("agent busy with no call context, freeing")
		}

		if err := r.machine.MarkIdle(ctx, agentID); err != nil {
			r.logger.Error().Err(err).Str("agent_id", agentID).Msg("reaper failed to free agent")
			continue
		}
		freed++
	}
	return freed
}
