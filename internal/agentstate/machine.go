package agentstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"voicedialer/internal/store"
)

// ErrAgentAbsent is returned when a transition targets an agent with no
// state record (logged out or never logged in).
var ErrAgentAbsent = errors.New("agentstate: agent absent")

// Machine implements the per-agent state machine over the state store.
// Every read-modify-write of an agent record happens under that agent's
// advisory lock; the state update and the idle-queue membership change go
// out in a single pipeline.
type Machine struct {
	store  *store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewMachine builds the state machine. now is replaceable in tests.
func NewMachine(s *store.Store, logger zerolog.Logger) *Machine {
	return &Machine{store: s, logger: logger, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Machine) agentLock(agentID string) *store.Lock {
	return m.store.NewLock(store.AgentStateLockPrefix+agentID, uuid.NewString())
}

// withAgentLock runs fn while holding the agent's lock. The lock is
// released on all exit paths.
func (m *Machine) withAgentLock(ctx context.Context, agentID string, fn func() error) error {
	lock := m.agentLock(agentID)
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			m.logger.Error().Str("agent_id", agentID).Msg("could not acquire agent lock, system busy")
		}
		return err
	}
	defer lock.Release(ctx)
	return fn()
}

func (m *Machine) getAgent(ctx context.Context, agentID string) (*Agent, error) {
	raw, err := m.store.Client().HGet(ctx, store.AgentStatesKey, agentID).Result()
	if err == redis.Nil {
		return nil, ErrAgentAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent %s: %w", agentID, err)
	}
	return unmarshalAgent(agentID, raw)
}

// Get returns the agent record without taking the lock. Read-only callers
// (reaper scan, capacity count) tolerate slightly stale data.
func (m *Machine) Get(ctx context.Context, agentID string) (*Agent, error) {
	return m.getAgent(ctx, agentID)
}

// Login creates or resets the agent record to idle and enqueues it in its
// team's idle queue, scored by the current timestamp.
func (m *Machine) Login(ctx context.Context, agentID string, team Team) (*Agent, error) {
	if !team.Valid() {
		return nil, fmt.Errorf("agentstate: unknown team %q", team)
	}
	var agent *Agent
	err := m.withAgentLock(ctx, agentID, func() error {
		if existing, err := m.getAgent(ctx, agentID); err == nil && existing.Team != team {
			// Team change on re-login: drop the stale queue entry.
			if err := m.store.Client().ZRem(ctx, existing.Team.QueueKey(), agentID).Err(); err != nil {
				return fmt.Errorf("clearing stale queue entry for %s: %w", agentID, err)
			}
		}
		agent = &Agent{ID: agentID, Team: team, State: StateIdle}
		return m.writeIdle(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("agent_id", agentID).Str("team", string(team)).Msg("agent logged in")
	return agent, nil
}

// Logout deletes the agent record and removes it from every idle queue.
func (m *Machine) Logout(ctx context.Context, agentID string) error {
	return m.withAgentLock(ctx, agentID, func() error {
		agent, err := m.getAgent(ctx, agentID)
		if err != nil {
			return err
		}
		pipe := m.store.Client().Pipeline()
		pipe.HDel(ctx, store.AgentStatesKey, agentID)
		pipe.ZRem(ctx, agent.Team.QueueKey(), agentID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("removing agent %s: %w", agentID, err)
		}
		m.logger.Info().Str("agent_id", agentID).Msg("agent logged out")
		return nil
	})
}

// MarkBusy transitions the agent to busy and removes it from its idle
// queue. A nil callID records call_initiated_at so the reaper can time the
// unassigned ring window out.
func (m *Machine) MarkBusy(ctx context.Context, agentID string, callID *string) error {
	return m.withAgentLock(ctx, agentID, func() error {
		agent, err := m.getAgent(ctx, agentID)
		if err != nil {
			return err
		}
		agent.State = StateBusy
		agent.CurrentCallID = callID
		agent.CallInitiatedAt = nil
		if callID == nil {
			now := m.now().Unix()
			agent.CallInitiatedAt = &now
		}
		raw, err := marshalAgent(agent)
		if err != nil {
			return err
		}
		pipe := m.store.Client().Pipeline()
		pipe.HSet(ctx, store.AgentStatesKey, agentID, raw)
		pipe.ZRem(ctx, agent.Team.QueueKey(), agentID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("marking agent %s busy: %w", agentID, err)
		}
		return nil
	})
}

// MarkIdle transitions the agent back to idle and re-inserts it at the back
// of its team's idle queue.
func (m *Machine) MarkIdle(ctx context.Context, agentID string) error {
	return m.withAgentLock(ctx, agentID, func() error {
		agent, err := m.getAgent(ctx, agentID)
		if err != nil {
			return err
		}
		return m.writeIdle(ctx, agent)
	})
}

// writeIdle persists the idle state and queue membership in one round-trip.
// The sorted set deduplicates; re-adding moves the agent to the back.
func (m *Machine) writeIdle(ctx context.Context, agent *Agent) error {
	agent.State = StateIdle
	agent.CurrentCallID = nil
	agent.CallInitiatedAt = nil
	raw, err := marshalAgent(agent)
	if err != nil {
		return err
	}
	pipe := m.store.Client().Pipeline()
	pipe.HSet(ctx, store.AgentStatesKey, agent.ID, raw)
	pipe.ZAdd(ctx, agent.Team.QueueKey(), redis.Z{
		Score:  float64(m.now().UnixNano()) / float64(time.Second),
		Member: agent.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("marking agent %s idle: %w", agent.ID, err)
	}
	return nil
}

// IsIdle reports, under the agent's lock, whether the agent is idle for
// dialing purposes. An absent record is never idle.
func (m *Machine) IsIdle(ctx context.Context, agentID string) (bool, error) {
	var idle bool
	err := m.withAgentLock(ctx, agentID, func() error {
		agent, err := m.getAgent(ctx, agentID)
		if errors.Is(err, ErrAgentAbsent) {
			return nil
		}
		if err != nil {
			return err
		}
		idle = agent.Idle()
		return nil
	})
	return idle, err
}

// AllIdle scans the whole state map and returns the ids of agents idle for
// dialing. Lockless: the dialer treats the result as a capacity hint and
// re-checks each agent under lock before originating.
func (m *Machine) AllIdle(ctx context.Context) ([]string, error) {
	all, err := m.store.Client().HGetAll(ctx, store.AgentStatesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading agent states: %w", err)
	}
	var idle []string
	for id, raw := range all {
		agent, err := unmarshalAgent(id, raw)
		if err != nil {
			m.logger.Error().Err(err).Str("agent_id", id).Msg("skipping undecodable agent record")
			continue
		}
		if agent.Idle() {
			idle = append(idle, id)
		}
	}
	return idle, nil
}

// IdleByScore lists queued agents across every team ordered by idle-queue
// score, least-recently-busy first. The dial passes consume agents in this
// order.
func (m *Machine) IdleByScore(ctx context.Context) ([]string, error) {
	type scored struct {
		id    string
		score float64
	}
	var all []scored
	for _, team := range teams {
		res, err := m.store.Client().ZRangeWithScores(ctx, team.QueueKey(), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s queue: %w", team, err)
		}
		for _, z := range res {
			all = append(all, scored{id: fmt.Sprint(z.Member), score: z.Score})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score < all[j].score })
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	return ids, nil
}

// All returns every agent record. Used by the reaper.
func (m *Machine) All(ctx context.Context) (map[string]*Agent, error) {
	raw, err := m.store.Client().HGetAll(ctx, store.AgentStatesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading agent states: %w", err)
	}
	agents := make(map[string]*Agent, len(raw))
	for id, data := range raw {
		agent, err := unmarshalAgent(id, data)
		if err != nil {
			m.logger.Error().Err(err).Str("agent_id", id).Msg("skipping undecodable agent record")
			continue
		}
		agents[id] = agent
	}
	return agents, nil
}

// NextAvailable pops the least-recently-idle agent from the team queue.
// Returns "" when the queue is empty.
func (m *Machine) NextAvailable(ctx context.Context, team Team) (string, error) {
	res, err := m.store.Client().ZPopMin(ctx, team.QueueKey(), 1).Result()
	if err != nil {
		return "", fmt.Errorf("popping %s queue: %w", team, err)
	}
	if len(res) == 0 {
		return "", nil
	}
	return fmt.Sprint(res[0].Member), nil
}

// PeekNextAvailable returns the head of the team queue without popping.
func (m *Machine) PeekNextAvailable(ctx context.Context, team Team) (string, error) {
	res, err := m.store.Client().ZRange(ctx, team.QueueKey(), 0, 0).Result()
	if err != nil {
		return "", fmt.Errorf("peeking %s queue: %w", team, err)
	}
	if len(res) == 0 {
		return "", nil
	}
	return res[0], nil
}

// Requeue puts an agent back into its team idle queue without touching the
// state record. Used when a post-originate MarkBusy fails and the dialer
// must undo the queue removal.
func (m *Machine) Requeue(ctx context.Context, agentID string) error {
	agent, err := m.getAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return m.store.Client().ZAdd(ctx, agent.Team.QueueKey(), redis.Z{
		Score:  float64(m.now().UnixNano()) / float64(time.Second),
		Member: agentID,
	}).Err()
}
