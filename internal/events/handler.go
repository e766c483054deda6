package events

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"voicedialer/internal/agentstate"
	"voicedialer/internal/calls"
	"voicedialer/internal/dialer"
	"voicedialer/internal/esl"
	"voicedialer/internal/store"
)

// Switch is the slice of the ESL client the event side drives.
type Switch interface {
	Bridge(callUUID, extension string) error
	Transfer(callUUID, extension string) error
	Kill(callUUID, cause string) error
}

// Publisher receives call lifecycle notifications for live monitoring.
// A nil publisher disables the feed.
type Publisher interface {
	Publish(kind string, fields map[string]any)
}

// Handler demultiplexes the switch event stream into state transitions.
type Handler struct {
	machine      *agentstate.Machine
	registry     *agentstate.Registry
	tracker      *calls.Tracker
	queues       *dialer.Queues
	store        *store.Store
	sw           Switch
	sink         *Sink
	feed         Publisher
	waitingRoom  string
	logger       zerolog.Logger
	now          func() time.Time
}

func NewHandler(
	machine *agentstate.Machine,
	registry *agentstate.Registry,
	tracker *calls.Tracker,
	queues *dialer.Queues,
	s *store.Store,
	sw Switch,
	sink *Sink,
	feed Publisher,
	waitingRoomExtension string,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		machine:     machine,
		registry:    registry,
		tracker:     tracker,
		queues:      queues,
		store:       s,
		sw:          sw,
		sink:        sink,
		feed:        feed,
		waitingRoom: waitingRoomExtension,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

func (h *Handler) publish(kind string, fields map[string]any) {
	if h.feed == nil {
		return
	}
	h.feed.Publish(kind, fields)
}

// Handle routes one switch event. Errors are absorbed here; a bad event
// must never stall the stream.
func (h *Handler) Handle(ctx context.Context, ev *esl.Event) {
	switch ev.Name {
	case "CHANNEL_ANSWER":
		h.handleAnswer(ctx, ev)
	case "CHANNEL_EXECUTE":
		h.handleExecute(ctx, ev)
	case "CHANNEL_PARK":
		h.handlePark(ctx, ev)
	case "CHANNEL_HANGUP_COMPLETE":
		h.handleHangup(ctx, ev)
	default:
		h.logger.Debug().Str("event", ev.Name).Msg("ignoring event")
	}
}

// handleAnswer covers both legs. The first answer on an outbound call is
// the lead picking up; an answer carrying an other-leg uuid is the agent
// leg joining a bridged call.
func (h *Handler) handleAnswer(ctx context.Context, ev *esl.Event) {
	uuid := ev.UUID()
	if uuid == "" {
		h.logger.Warn().Msg("answer event without uuid")
		return
	}

	if otherLeg := ev.OtherLegUUID(); otherLeg != "" {
		h.recordConnected(ctx, ev, otherLeg)
		return
	}

	if ev.Direction() != calls.DirectionOutbound {
		return
	}

	if ev.SIPHeader("auto_bridge") == "true" {
		// The switch is already ringing the agent leg; connected_at is
		// recorded when that leg answers.
		h.logger.Debug().Str("call_uuid", uuid).Msg("auto-bridged call answered")
		return
	}

	agentID := ev.SIPHeader("agent_id")
	if agentID == "" {
		h.assignAcquisitionAgent(ctx, uuid)
		return
	}
	h.bridgeOwnedCall(ctx, uuid, agentID)
}

// bridgeOwnedCall joins a parked secondary call to its preassigned agent,
// or kills it when the agent got taken in the meantime.
func (h *Handler) bridgeOwnedCall(ctx context.Context, callUUID, agentID string) {
	idle, err := h.machine.IsIdle(ctx, agentID)
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("idle check failed on answer")
		return
	}
	if !idle {
		h.kill(callUUID, CauseAgentBusy)
		return
	}

	extension, err := h.registry.Extension(ctx, agentID)
	if err != nil || extension == "" {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("no extension for answering call")
		h.kill(callUUID, CauseNoAvailableAgent)
		return
	}

	if err := h.sw.Bridge(callUUID, extension); err != nil {
		h.logger.Error().Err(err).Str("call_uuid", callUUID).Msg("bridge failed")
		h.kill(callUUID, CauseLoseRace)
		return
	}
	if err := h.machine.MarkBusy(ctx, agentID, &callUUID); err != nil {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("mark-busy failed after bridge")
		h.kill(callUUID, CauseLoseRace)
		return
	}

	h.publish("call_bridged", map[string]any{"call_uuid": callUUID, "agent_id": agentID})
	h.logger.Info().Str("call_uuid", callUUID).Str("agent_id", agentID).Msg("call bridged to agent")
}

// assignAcquisitionAgent hands an unowned answered call to the next
// available sales agent, falling back to secondary sales.
func (h *Handler) assignAcquisitionAgent(ctx context.Context, callUUID string) {
	agentID, err := h.machine.NextAvailable(ctx, agentstate.TeamSales)
	if err != nil {
		h.logger.Error().Err(err).Msg("sales queue pop failed")
	}
	if agentID == "" {
		agentID, err = h.machine.NextAvailable(ctx, agentstate.TeamSecondarySales)
		if err != nil {
			h.logger.Error().Err(err).Msg("secondary sales queue pop failed")
		}
	}
	if agentID == "" {
		h.kill(callUUID, CauseNoAvailableAgent)
		return
	}

	extension, err := h.registry.Extension(ctx, agentID)
	if err != nil || extension == "" {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("no extension for acquisition agent")
		if rqErr := h.machine.Requeue(ctx, agentID); rqErr != nil {
			h.logger.Error().Err(rqErr).Str("agent_id", agentID).Msg("requeue failed")
		}
		h.kill(callUUID, CauseNoAvailableAgent)
		return
	}

	if err := h.sw.Bridge(callUUID, extension); err != nil {
		h.logger.Error().Err(err).Str("call_uuid", callUUID).Msg("acquisition bridge failed")
		if rqErr := h.machine.Requeue(ctx, agentID); rqErr != nil {
			h.logger.Error().Err(rqErr).Str("agent_id", agentID).Msg("requeue failed")
		}
		h.kill(callUUID, CauseLoseRace)
		return
	}
	if err := h.machine.MarkBusy(ctx, agentID, &callUUID); err != nil {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("mark-busy failed after acquisition bridge")
		if rqErr := h.machine.Requeue(ctx, agentID); rqErr != nil {
			h.logger.Error().Err(rqErr).Str("agent_id", agentID).Msg("requeue failed")
		}
		h.kill(callUUID, CauseLoseRace)
		return
	}

	// The call was originated unowned; it belongs to this agent now.
	updated, err := h.tracker.Update(ctx, callUUID, func(c *calls.ActiveCall) {
		c.AgentID = &agentID
	})
	if err != nil || !updated {
		h.logger.Warn().Err(err).Str("call_uuid", callUUID).Msg("could not assign agent on call record")
	}

	h.publish("call_bridged", map[string]any{"call_uuid": callUUID, "agent_id": agentID})
	h.logger.Info().Str("call_uuid", callUUID).Str("agent_id", agentID).Msg("acquisition call assigned")
}

// recordConnected stamps connected_at when the agent leg answers.
func (h *Handler) recordConnected(ctx context.Context, ev *esl.Event, otherLeg string) {
	callID := ev.SIPHeader("call_id")
	if callID == "" {
		callID = otherLeg
	}
	connectedAt := h.now().Unix()
	updated, err := h.tracker.Update(ctx, callID, func(c *calls.ActiveCall) {
		if c.ConnectedAt == nil {
			c.ConnectedAt = &connectedAt
		}
	})
	if err != nil {
		h.logger.Error().Err(err).Str("call_uuid", callID).Msg("failed to record connected time")
		return
	}
	if updated {
		h.publish("call_connected", map[string]any{"call_uuid": callID})
	}
}

// handleExecute reacts to warm transfers: the agent who sent the call goes
// idle, the agent who received it goes busy.
func (h *Handler) handleExecute(ctx context.Context, ev *esl.Event) {
	if ev.Get("Application") != "transfer" {
		return
	}
	callUUID := ev.UUID()
	fromExt := ev.Get("variable_last_sent_callee_id_number")
	toExt := firstField(ev.Get("Application-Data"))
	if fromExt == "" || toExt == "" {
		h.logger.Warn().Str("call_uuid", callUUID).Msg("transfer event missing extensions")
		return
	}

	if fromAgent, err := h.registry.AgentByExtension(ctx, fromExt); err == nil && fromAgent != "" {
		if err := h.machine.MarkIdle(ctx, fromAgent); err != nil {
			h.logger.Error().Err(err).Str("agent_id", fromAgent).Msg("failed to idle transferor")
		}
	} else {
		h.logger.Warn().Str("extension", fromExt).Msg("unknown transferor extension")
	}

	toAgent, err := h.registry.AgentByExtension(ctx, toExt)
	if err != nil || toAgent == "" {
		h.logger.Warn().Str("extension", toExt).Msg("unknown transfer destination extension")
		return
	}
	if err := h.machine.MarkBusy(ctx, toAgent, &callUUID); err != nil {
		h.logger.Error().Err(err).Str("agent_id", toAgent).Msg("failed to busy transfer destination")
		return
	}
	if _, err := h.tracker.Update(ctx, callUUID, func(c *calls.ActiveCall) {
		c.AgentID = &toAgent
	}); err != nil {
		h.logger.Warn().Err(err).Str("call_uuid", callUUID).Msg("could not reassign call record on transfer")
	}

	h.publish("call_transferred", map[string]any{"call_uuid": callUUID, "agent_id": toAgent})
	h.logger.Info().Str("call_uuid", callUUID).Str("from", fromExt).Str("to", toExt).Msg("warm transfer")
}

// ivrTeams maps IVR digits to teams.
var ivrTeams = map[string]agentstate.Team{
	"1": agentstate.TeamSupport,
	"2": agentstate.TeamSecondarySales,
}

// handlePark routes an inbound caller who finished the IVR: straight to an
// idle agent of the chosen team, or into the team's waiting queue.
func (h *Handler) handlePark(ctx context.Context, ev *esl.Event) {
	if ev.Direction() != calls.DirectionInbound {
		return
	}
	callUUID := ev.UUID()
	choice := ev.Get("variable_ivr_choice")
	team, ok := ivrTeams[choice]
	if !ok {
		h.logger.Warn().Str("call_uuid", callUUID).Str("ivr_choice", choice).Msg("unknown ivr choice, dropping")
		return
	}

	agentID, err := h.machine.NextAvailable(ctx, team)
	if err != nil {
		h.logger.Error().Err(err).Str("team", string(team)).Msg("idle queue pop failed")
	}
	if agentID != "" {
		extension, err := h.registry.Extension(ctx, agentID)
		if err == nil && extension != "" {
			if err := h.machine.MarkBusy(ctx, agentID, &callUUID); err == nil {
				if err := h.sw.Transfer(callUUID, extension); err != nil {
					h.logger.Error().Err(err).Str("call_uuid", callUUID).Msg("inbound transfer failed")
					if idleErr := h.machine.MarkIdle(ctx, agentID); idleErr != nil {
						h.logger.Error().Err(idleErr).Str("agent_id", agentID).Msg("failed to re-idle agent")
					}
					return
				}
				h.publish("inbound_routed", map[string]any{"call_uuid": callUUID, "agent_id": agentID, "team": string(team)})
				h.logger.Info().Str("call_uuid", callUUID).Str("agent_id", agentID).Msg("inbound call routed")
				return
			}
		}
		if rqErr := h.machine.Requeue(ctx, agentID); rqErr != nil {
			h.logger.Error().Err(rqErr).Str("agent_id", agentID).Msg("requeue failed")
		}
	}

	queueKey := waitingQueueKey(team)
	if err := h.store.Client().RPush(ctx, queueKey, callUUID).Err(); err != nil {
		h.logger.Error().Err(err).Str("call_uuid", callUUID).Msg("failed to enqueue waiting caller")
		return
	}
	if err := h.sw.Transfer(callUUID, h.waitingRoom); err != nil {
		h.logger.Error().Err(err).Str("call_uuid", callUUID).Msg("transfer to waiting room failed")
	}
	h.publish("inbound_waiting", map[string]any{"call_uuid": callUUID, "team": string(team)})
	h.logger.Info().Str("call_uuid", callUUID).Str("team", string(team)).Msg("inbound caller queued")
}

// handleHangup finalizes a call: pop the record, re-enqueue race-lost
// leads, free the agent, buffer the terminal record for persistence.
func (h *Handler) handleHangup(ctx context.Context, ev *esl.Event) {
	callUUID := ev.UUID()
	call, err := h.tracker.Remove(ctx, callUUID)
	if err != nil {
		h.logger.Error().Err(err).Str("call_uuid", callUUID).Msg("failed to pop active call")
		return
	}

	cause := ev.Get("Hangup-Cause")
	if cause == "" {
		cause = ev.Get("variable_hangup_cause")
	}

	agentID := ev.SIPHeader("agent_id")
	if agentID == "" && call != nil && call.AgentID != nil {
		agentID = *call.AgentID
	}

	if call == nil {
		// Second leg of a bridge, or a channel this core never tracked.
		h.logger.Debug().Str("call_uuid", callUUID).Str("cause", cause).Msg("hangup for untracked channel")
		return
	}

	if reEnqueueCauses[cause] && call.Payload != nil {
		h.reEnqueueLead(ctx, agentID, *call.Payload, cause)
	}

	if cause == CauseNormalClearing && agentID != "" {
		if err := h.machine.MarkIdle(ctx, agentID); err != nil {
			h.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to free agent on hangup")
		}
	}

	completed := &calls.CompletedCall{
		ActiveCall:       *call,
		EndedAt:          hangupTime(ev, h.now),
		DisconnectReason: cause,
		DurationSeconds:  atoiSafe(ev.Get("variable_duration")),
	}
	if err := h.tracker.PushCompleted(ctx, completed); err != nil {
		h.logger.Error().Err(err).Str("call_uuid", callUUID).Msg("failed to buffer completed call")
		return
	}
	h.sink.Schedule(ctx)

	h.publish("call_ended", map[string]any{
		"call_uuid": callUUID,
		"agent_id":  agentID,
		"cause":     cause,
		"duration":  completed.DurationSeconds,
	})
	h.logger.Info().Str("call_uuid", callUUID).Str("cause", cause).Msg("call completed")
}

// reEnqueueLead puts a race-lost lead at the front of the line: the
// owning agent's priority bucket, or the shared acquisition list when the
// call never had an owner.
func (h *Handler) reEnqueueLead(ctx context.Context, agentID string, lead calls.Lead, cause string) {
	var err error
	if agentID != "" {
		err = h.queues.PushPriority(ctx, agentID, lead)
	} else {
		err = h.queues.WithSecondaryLocked(ctx, func(mapping map[string][]calls.Lead) error {
			mapping[dialer.AcquisitionBucket] = append([]calls.Lead{lead}, mapping[dialer.AcquisitionBucket]...)
			return nil
		})
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("lead_id", lead.LeadID).Str("cause", cause).Msg("failed to re-enqueue lead")
		return
	}
	h.logger.Info().Int64("lead_id", lead.LeadID).Str("agent_id", agentID).Str("cause", cause).Msg("lead re-enqueued")
}

func (h *Handler) kill(callUUID, cause string) {
	if err := h.sw.Kill(callUUID, cause); err != nil {
		h.logger.Error().Err(err).Str("call_uuid", callUUID).Str("cause", cause).Msg("kill failed")
	}
}

func waitingQueueKey(team agentstate.Team) string {
	if team == agentstate.TeamSecondarySales {
		return store.SecondarySalesWaitingQueueKey
	}
	return store.SupportWaitingQueueKey
}

// hangupTime reads Caller-Channel-Hangup-Time (epoch microseconds) and
// falls back to now.
func hangupTime(ev *esl.Event, now func() time.Time) int64 {
	raw := ev.Get("Caller-Channel-Hangup-Time")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return now().Unix()
	}
	if n > 1_000_000_000_000 {
		return n / 1_000_000
	}
	return n
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
