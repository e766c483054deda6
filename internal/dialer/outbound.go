package dialer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"voicedialer/internal/calls"
	"voicedialer/internal/esl"
)

// Switch is the slice of the ESL client the dialer drives.
type Switch interface {
	Originate(req esl.OriginateRequest) (bool, error)
}

// leadVars flattens the scalar snapshot fields into origination variables.
// The event side recovers what it needs from these without a store lookup.
func leadVars(lead calls.Lead) map[string]string {
	vars := map[string]string{
		"lead_id":          fmt.Sprint(lead.LeadID),
		"phone_number":     lead.PhoneNumber,
		"customer_name":    lead.CustomerName,
		"campaign_id":      lead.CampaignID,
		"campaign_segment": lead.CampaignSegment,
	}
	if lead.CustomerSegment != "" {
		vars["customer_segment"] = lead.CustomerSegment
	}
	if lead.MonthGMV > 0 {
		vars["month_gmv"] = fmt.Sprintf("%.2f", lead.MonthGMV)
	}
	if lead.OverallGMV > 0 {
		vars["overall_gmv"] = fmt.Sprintf("%.2f", lead.OverallGMV)
	}
	return vars
}

// dialLeads originates up to callsToMake calls for one agent from the head
// of its bucket and returns the remaining leads. The agent is marked busy
// exactly once, on the first accepted originate: with the call id when the
// agent leg rings simultaneously, without one when the leads park and wait.
func (c *Cycle) dialLeads(ctx context.Context, agentID string, leads []calls.Lead, callsToMake int, autoBridge bool) []calls.Lead {
	extension := ""
	if autoBridge {
		ext, err := c.registry.Extension(ctx, agentID)
		if err != nil || ext == "" {
			c.logger.Error().Err(err).Str("agent_id", agentID).Msg("no extension for agent, skipping")
			return leads
		}
		extension = ext
	}

	marked := false
	dialed := 0
	for dialed < callsToMake && len(leads) > 0 {
		lead := leads[0]
		if lead.PhoneNumber == "" {
			c.logger.Warn().Int64("lead_id", lead.LeadID).Msg("dropping lead without phone number")
			leads = leads[1:]
			continue
		}

		callID := uuid.NewString()
		accepted, err := c.sw.Originate(esl.OriginateRequest{
			CallID:           callID,
			PhoneNumber:      lead.PhoneNumber,
			AgentID:          agentID,
			AgentExtension:   extension,
			AutoBridge:       autoBridge,
			Park:             !autoBridge,
			OriginateTimeout: c.originateTimeout,
			Prod:             c.prod,
			Vars:             leadVars(lead.Stripped()),
		})
		if err != nil || !accepted {
			// Leave the lead at the head for the next tick.
			c.logger.Error().Err(err).Str("agent_id", agentID).Str("phone", lead.PhoneNumber).Msg("originate failed")
			break
		}

		if !marked {
			var busyCallID *string
			if autoBridge {
				busyCallID = &callID
			}
			if err := c.machine.MarkBusy(ctx, agentID, busyCallID); err != nil {
				c.logger.Error().Err(err).Str("agent_id", agentID).Msg("mark-busy failed after originate, requeueing agent")
				if rqErr := c.machine.Requeue(ctx, agentID); rqErr != nil {
					c.logger.Error().Err(rqErr).Str("agent_id", agentID).Msg("requeue failed")
				}
				// The originated call lands on the answer and hangup
				// handlers; no further dials for this agent this tick.
				return leads
			}
			marked = true
		}

		c.trackCall(ctx, callID, agentID, lead, autoBridge)
		leads = leads[1:]
		dialed++
	}
	return leads
}

// dialAcquisition originates parked calls from the shared list for one
// acquisition-enabled agent. The calls carry no agent id; ownership is
// decided on answer.
func (c *Cycle) dialAcquisition(ctx context.Context, agentID string, leads []calls.Lead, callsToMake int) []calls.Lead {
	marked := false
	dialed := 0
	for dialed < callsToMake && len(leads) > 0 {
		lead := leads[0]
		if lead.PhoneNumber == "" {
			c.logger.Warn().Int64("lead_id", lead.LeadID).Msg("dropping lead without phone number")
			leads = leads[1:]
			continue
		}

		callID := uuid.NewString()
		accepted, err := c.sw.Originate(esl.OriginateRequest{
			CallID:           callID,
			PhoneNumber:      lead.PhoneNumber,
			Park:             true,
			OriginateTimeout: c.originateTimeout,
			Prod:             c.prod,
			Vars:             leadVars(lead.Stripped()),
		})
		if err != nil || !accepted {
			c.logger.Error().Err(err).Str("phone", lead.PhoneNumber).Msg("acquisition originate failed")
			break
		}

		if !marked {
			if err := c.machine.MarkBusy(ctx, agentID, nil); err != nil {
				c.logger.Error().Err(err).Str("agent_id", agentID).Msg("mark-busy failed after originate, requeueing agent")
				if rqErr := c.machine.Requeue(ctx, agentID); rqErr != nil {
					c.logger.Error().Err(rqErr).Str("agent_id", agentID).Msg("requeue failed")
				}
				return leads
			}
			marked = true
		}

		c.trackCall(ctx, callID, "", lead, false)
		leads = leads[1:]
		dialed++
	}
	return leads
}

// trackCall records the in-flight call. Acquisition calls start unowned.
func (c *Cycle) trackCall(ctx context.Context, callID, agentID string, lead calls.Lead, autoBridge bool) {
	payload := lead.Stripped()
	call := &calls.ActiveCall{
		CallUUID:    callID,
		PhoneNumber: lead.PhoneNumber,
		Payload:     &payload,
		InitiatedAt: c.now().Unix(),
		Direction:   calls.DirectionOutbound,
		AutoBridge:  autoBridge,
	}
	if agentID != "" {
		call.AgentID = &agentID
	}
	if err := c.tracker.Add(ctx, call); err != nil {
		c.logger.Error().Err(err).Str("call_uuid", callID).Msg("failed to record active call")
	}
	c.logger.Info().
		Str("call_uuid", callID).
		Str("agent_id", agentID).
		Str("phone", lead.PhoneNumber).
		Bool("auto_bridge", autoBridge).
		Msg("call originated")
}
