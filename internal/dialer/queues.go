package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"voicedialer/internal/calls"
	"voicedialer/internal/database"
	"voicedialer/internal/store"
)

// AcquisitionBucket is the sentinel agent id owning the shared acquisition
// lead list inside the secondary mapping.
const AcquisitionBucket = "0"

const acquisitionAgentsTTL = 8 * time.Hour

// LeadStore is the slice of the repository the queue manager needs.
type LeadStore interface {
	ActiveCampaignsWithPending(ctx context.Context) ([]database.Campaign, error)
	PendingLeads(ctx context.Context, campaignID int64) ([]database.Lead, error)
	MarkLeadsInQueue(ctx context.Context, leadIDs []int64) (int64, error)
}

// Queues maintains the three lead collections and refills them from the
// lead store when depleted.
type Queues struct {
	store     *store.Store
	leads     LeadStore
	logger    zerolog.Logger
	threshold int
	now       func() time.Time
}

func NewQueues(s *store.Store, leads LeadStore, threshold int, logger zerolog.Logger) *Queues {
	if threshold <= 0 {
		threshold = 100
	}
	return &Queues{store: s, leads: leads, logger: logger, threshold: threshold, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (q *Queues) SetClock(now func() time.Time) {
	q.now = now
}

// withLock runs fn holding the named queue lock.
func (q *Queues) withLock(ctx context.Context, key string, fn func() error) error {
	lock := q.store.NewLock(store.QueueLockKey(key), uuid.NewString())
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			q.logger.Error().Str("queue", key).Msg("could not acquire queue lock, system busy")
		}
		return err
	}
	defer lock.Release(ctx)
	return fn()
}

// PriorityMapping reads the agent-id -> leads priority buckets.
func (q *Queues) PriorityMapping(ctx context.Context) (map[string][]calls.Lead, error) {
	raw, err := q.store.Client().Get(ctx, store.AgentPriorityLeadMappingKey).Result()
	if err == redis.Nil {
		return map[string][]calls.Lead{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading priority mapping: %w", err)
	}
	var mapping map[string][]calls.Lead
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		q.logger.Error().Err(err).Msg("priority mapping undecodable, resetting")
		return map[string][]calls.Lead{}, nil
	}
	return mapping, nil
}

func (q *Queues) writePriorityMapping(ctx context.Context, mapping map[string][]calls.Lead) error {
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encoding priority mapping: %w", err)
	}
	if err := q.store.Client().Set(ctx, store.AgentPriorityLeadMappingKey, data, 0).Err(); err != nil {
		return fmt.Errorf("writing priority mapping: %w", err)
	}
	return nil
}

// PushPriority re-enqueues a lead at the head of an agent's priority
// bucket, under the priority-queue lock. Head placement keeps race-lost
// leads first in line for the next tick.
func (q *Queues) PushPriority(ctx context.Context, agentID string, lead calls.Lead) error {
	if lead.PhoneNumber == "" && lead.LeadID == 0 {
		return fmt.Errorf("dialer: refusing to enqueue empty lead payload")
	}
	return q.withLock(ctx, store.AgentPriorityLeadMappingKey, func() error {
		mapping, err := q.PriorityMapping(ctx)
		if err != nil {
			return err
		}
		mapping[agentID] = append([]calls.Lead{lead}, mapping[agentID]...)
		return q.writePriorityMapping(ctx, mapping)
	})
}

// WithPriorityLocked exposes read-modify-write over the whole priority
// mapping to the dialer cycle.
func (q *Queues) WithPriorityLocked(ctx context.Context, fn func(mapping map[string][]calls.Lead) error) error {
	return q.withLock(ctx, store.AgentPriorityLeadMappingKey, func() error {
		mapping, err := q.PriorityMapping(ctx)
		if err != nil {
			return err
		}
		if err := fn(mapping); err != nil {
			return err
		}
		return q.writePriorityMapping(ctx, mapping)
	})
}

// SecondaryMapping reads the full secondary hash, acquisition bucket
// included.
func (q *Queues) SecondaryMapping(ctx context.Context) (map[string][]calls.Lead, error) {
	raw, err := q.store.Client().HGetAll(ctx, store.AgentLeadMappingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading secondary mapping: %w", err)
	}
	mapping := make(map[string][]calls.Lead, len(raw))
	for agentID, data := range raw {
		var leads []calls.Lead
		if err := json.Unmarshal([]byte(data), &leads); err != nil {
			q.logger.Error().Err(err).Str("agent_id", agentID).Msg("skipping undecodable secondary bucket")
			continue
		}
		mapping[agentID] = leads
	}
	return mapping, nil
}

func (q *Queues) writeSecondaryMapping(ctx context.Context, mapping map[string][]calls.Lead) error {
	if len(mapping) == 0 {
		return nil
	}
	fields := make(map[string]string, len(mapping))
	for agentID, leads := range mapping {
		data, err := json.Marshal(leads)
		if err != nil {
			return fmt.Errorf("encoding bucket for agent %s: %w", agentID, err)
		}
		fields[agentID] = string(data)
	}
	if err := q.store.Client().HSet(ctx, store.AgentLeadMappingKey, fields).Err(); err != nil {
		return fmt.Errorf("writing secondary mapping: %w", err)
	}
	return nil
}

// WithSecondaryLocked exposes read-modify-write over the secondary hash.
func (q *Queues) WithSecondaryLocked(ctx context.Context, fn func(mapping map[string][]calls.Lead) error) error {
	return q.withLock(ctx, store.AgentLeadMappingKey, func() error {
		mapping, err := q.SecondaryMapping(ctx)
		if err != nil {
			return err
		}
		if err := fn(mapping); err != nil {
			return err
		}
		return q.writeSecondaryMapping(ctx, mapping)
	})
}

// AcquisitionAgents returns the set of agents eligible for the shared
// acquisition list.
func (q *Queues) AcquisitionAgents(ctx context.Context) ([]string, error) {
	raw, err := q.store.Client().Get(ctx, store.AcquisitionAgentsKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading acquisition agents: %w", err)
	}
	var agents []string
	if err := json.Unmarshal([]byte(raw), &agents); err != nil {
		q.logger.Error().Msg("acquisition agent set undecodable, resetting")
		return nil, nil
	}
	return agents, nil
}

// AddAcquisitionAgent marks an agent acquisition-enabled. The key carries a
// shift-length TTL so stale eligibility expires on its own.
func (q *Queues) AddAcquisitionAgent(ctx context.Context, agentID string) error {
	return q.withLock(ctx, store.AcquisitionAgentsKey, func() error {
		agents, err := q.AcquisitionAgents(ctx)
		if err != nil {
			return err
		}
		for _, id := range agents {
			if id == agentID {
				return q.store.Client().Expire(ctx, store.AcquisitionAgentsKey, acquisitionAgentsTTL).Err()
			}
		}
		agents = append(agents, agentID)
		data, err := json.Marshal(agents)
		if err != nil {
			return fmt.Errorf("encoding acquisition agents: %w", err)
		}
		return q.store.Client().Set(ctx, store.AcquisitionAgentsKey, data, acquisitionAgentsTTL).Err()
	})
}

// NeedsRefill reports whether any secondary bucket fell under the
// threshold, or the mapping is empty altogether.
func (q *Queues) NeedsRefill(ctx context.Context) (bool, error) {
	mapping, err := q.SecondaryMapping(ctx)
	if err != nil {
		return false, err
	}
	if len(mapping) == 0 {
		return true, nil
	}
	for _, leads := range mapping {
		if len(leads) < q.threshold {
			return true, nil
		}
	}
	return false, nil
}

// Refill drains pending leads from the store into the in-memory buckets,
// routing acquisition campaigns to the shared list and everything else to
// the campaign's assigned agent. Idempotent: leads already claimed by a
// racing refill update zero rows and the merge is skipped.
func (q *Queues) Refill(ctx context.Context) error {
	campaigns, err := q.leads.ActiveCampaignsWithPending(ctx)
	if err != nil {
		return fmt.Errorf("selecting refill campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return nil
	}

	newBuckets := make(map[string][]calls.Lead)
	var leadIDs []int64
	var acquisitionAgents []string

	for _, campaign := range campaigns {
		agentID := AcquisitionBucket
		if campaign.AgentID != nil {
			agentID = fmt.Sprint(*campaign.AgentID)
		}

		leads, err := q.leads.PendingLeads(ctx, campaign.ID)
		if err != nil {
			q.logger.Error().Err(err).Str("campaign", campaign.CampaignID).Msg("skipping campaign on lead query failure")
			continue
		}

		for _, lead := range leads {
			leadIDs = append(leadIDs, lead.ID)
			snapshot := q.buildSnapshot(campaign, lead)
			if campaign.Segment == "acquisition" {
				newBuckets[AcquisitionBucket] = append(newBuckets[AcquisitionBucket], snapshot)
			} else {
				newBuckets[agentID] = append(newBuckets[agentID], snapshot)
			}
		}
		if campaign.Segment == "acquisition" && agentID != AcquisitionBucket && len(leads) > 0 {
			acquisitionAgents = append(acquisitionAgents, agentID)
		}
	}

	updated, err := q.leads.MarkLeadsInQueue(ctx, leadIDs)
	if err != nil {
		return fmt.Errorf("claiming refill leads: %w", err)
	}
	if updated == 0 {
		// A concurrent refill already claimed these leads.
		return nil
	}

	for _, agentID := range acquisitionAgents {
		if err := q.AddAcquisitionAgent(ctx, agentID); err != nil {
			q.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to mark acquisition agent")
		}
	}

	err = q.WithSecondaryLocked(ctx, func(mapping map[string][]calls.Lead) error {
		for agentID, leads := range newBuckets {
			mapping[agentID] = append(mapping[agentID], leads...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.logger.Info().Int("leads", len(leadIDs)).Int64("claimed", updated).Msg("queues refilled")
	return nil
}

// buildSnapshot freezes a durable lead row into its queue form.
func (q *Queues) buildSnapshot(campaign database.Campaign, lead database.Lead) calls.Lead {
	snapshot := calls.Lead{
		CampaignID:      campaign.CampaignID,
		CampaignName:    campaign.CampaignName,
		CampaignSegment: campaign.Segment,
		LeadID:          lead.ID,
		ExternalLeadID:  lead.ExternalLeadID,
		PhoneNumber:     lead.PhoneNumber,
		CustomerName:    lead.CustomerName,
		City:            lead.City,
		CustomerSegment: lead.CustomerSegment,
		EnqueuedAt:      q.now().UTC().Format(time.RFC3339),
	}
	if lead.MonthGMV != nil {
		snapshot.MonthGMV = *lead.MonthGMV
	}
	if lead.OverallGMV != nil {
		snapshot.OverallGMV = *lead.OverallGMV
	}
	if lead.LastCallDate != nil {
		snapshot.LastCallDate = lead.LastCallDate.UTC().Format(time.RFC3339)
	}
	return snapshot
}
