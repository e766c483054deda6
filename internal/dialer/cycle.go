package dialer

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"voicedialer/internal/agentstate"
	"voicedialer/internal/calls"
	"voicedialer/internal/config"
	"voicedialer/internal/store"
)

// Cycle is the periodic dial pass. One instance per process; the
// execution lock keeps concurrent deployments from double-dialing.
type Cycle struct {
	store    *store.Store
	machine  *agentstate.Machine
	registry *agentstate.Registry
	tracker  *calls.Tracker
	queues   *Queues
	reaper   *Reaper
	sw       Switch
	logger   zerolog.Logger

	tick             time.Duration
	execLockTTL      time.Duration
	originateTimeout int
	multiplier       int
	prod             bool
	now              func() time.Time

	refilling chan struct{}
}

func NewCycle(
	s *store.Store,
	machine *agentstate.Machine,
	registry *agentstate.Registry,
	tracker *calls.Tracker,
	queues *Queues,
	reaper *Reaper,
	sw Switch,
	cfg *config.Config,
	logger zerolog.Logger,
) *Cycle {
	return &Cycle{
		store:            s,
		machine:          machine,
		registry:         registry,
		tracker:          tracker,
		queues:           queues,
		reaper:           reaper,
		sw:               sw,
		logger:           logger,
		tick:             cfg.Dialer.TickInterval(),
		execLockTTL:      time.Duration(cfg.Dialer.ExecutionLockSeconds) * time.Second,
		originateTimeout: cfg.Dialer.OriginateTimeoutSecs,
		multiplier:       cfg.Dialer.DialMultiplier(),
		prod:             cfg.IsProd(),
		now:              time.Now,
		refilling:        make(chan struct{}, 1),
	}
}

// SetClock overrides the time source. Test hook.
func (c *Cycle) SetClock(now func() time.Time) {
	c.now = now
}

// Run drives ticks until the context ends.
func (c *Cycle) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	c.logger.Info().Dur("interval", c.tick).Msg("dialer cycle started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("dialer cycle stopped")
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.logger.Error().Err(err).Msg("dial tick failed")
			}
		}
	}
}

// Tick runs one dial pass. A contended execution lock means another
// instance is mid-pass; this tick is simply skipped.
func (c *Cycle) Tick(ctx context.Context) error {
	ok, err := c.store.TryLockTTL(ctx, store.DialerExecutionLockKey, c.execLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Debug().Msg("execution lock held elsewhere, skipping tick")
		return nil
	}
	defer c.store.Unlock(ctx, store.DialerExecutionLockKey)

	if n := c.reaper.Sweep(ctx); n > 0 {
		c.logger.Info().Int("reclaimed", n).Msg("reaper freed stuck agents")
	}

	idle, err := c.machine.AllIdle(ctx)
	if err != nil {
		return err
	}
	if len(idle) == 0 {
		return nil
	}

	// Least-recently-busy agents dial first.
	ranked, err := c.machine.IdleByScore(ctx)
	if err != nil {
		return err
	}

	c.runPriorityPass(ctx, ranked)
	c.runSecondaryPass(ctx, ranked)
	c.runAcquisitionPass(ctx, ranked)
	c.scheduleRefill(ctx)
	return nil
}

// runPriorityPass dials the 1:1 buckets: one auto-bridged call per idle
// agent that has leads waiting.
func (c *Cycle) runPriorityPass(ctx context.Context, ranked []string) {
	err := c.queues.WithPriorityLocked(ctx, func(mapping map[string][]calls.Lead) error {
		for _, agentID := range agentOrder(mapping, ranked) {
			leads := mapping[agentID]
			if len(leads) == 0 {
				continue
			}
			idle, err := c.machine.IsIdle(ctx, agentID)
			if err != nil {
				c.logger.Error().Err(err).Str("agent_id", agentID).Msg("idle check failed")
				continue
			}
			if !idle {
				continue
			}
			mapping[agentID] = c.dialLeads(ctx, agentID, leads, 1, true)
		}
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("priority pass failed")
	}
}

// runSecondaryPass overdials the per-agent buckets: multiplier parked
// calls per idle agent, first answer wins.
func (c *Cycle) runSecondaryPass(ctx context.Context, ranked []string) {
	err := c.queues.WithSecondaryLocked(ctx, func(mapping map[string][]calls.Lead) error {
		for _, agentID := range agentOrder(mapping, ranked) {
			if agentID == AcquisitionBucket {
				continue
			}
			leads := mapping[agentID]
			if len(leads) == 0 {
				continue
			}
			idle, err := c.machine.IsIdle(ctx, agentID)
			if err != nil {
				c.logger.Error().Err(err).Str("agent_id", agentID).Msg("idle check failed")
				continue
			}
			if !idle {
				continue
			}
			mapping[agentID] = c.dialLeads(ctx, agentID, leads, c.multiplier, false)
		}
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("secondary pass failed")
	}
}

// runAcquisitionPass dials the shared list on behalf of each idle
// acquisition-enabled agent. Ownership is assigned on answer, not here.
func (c *Cycle) runAcquisitionPass(ctx context.Context, ranked []string) {
	agents, err := c.queues.AcquisitionAgents(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("acquisition pass failed")
		return
	}
	if len(agents) == 0 {
		return
	}
	agents = rankAgents(agents, ranked)

	err = c.queues.WithSecondaryLocked(ctx, func(mapping map[string][]calls.Lead) error {
		leads := mapping[AcquisitionBucket]
		for _, agentID := range agents {
			if len(leads) == 0 {
				break
			}
			idle, err := c.machine.IsIdle(ctx, agentID)
			if err != nil {
				c.logger.Error().Err(err).Str("agent_id", agentID).Msg("idle check failed")
				continue
			}
			if !idle {
				continue
			}
			leads = c.dialAcquisition(ctx, agentID, leads, c.multiplier)
		}
		mapping[AcquisitionBucket] = leads
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("acquisition pass failed")
	}
}

// scheduleRefill kicks an asynchronous refill when buckets run low. At
// most one refill runs at a time; overlap is additionally harmless
// because claiming leads is idempotent.
func (c *Cycle) scheduleRefill(ctx context.Context) {
	needs, err := c.queues.NeedsRefill(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("refill check failed")
		return
	}
	if !needs {
		return
	}
	select {
	case c.refilling <- struct{}{}:
	default:
		return
	}
	go func() {
		defer func() { <-c.refilling }()
		if err := c.queues.Refill(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error().Err(err).Msg("refill failed")
		}
	}()
}

// agentOrder returns the mapping's agent ids in idle-queue score order.
// Agents holding leads but absent from every queue (mid-flight state
// changes) follow in id order so the pass still visits them.
func agentOrder(mapping map[string][]calls.Lead, ranked []string) []string {
	out := make([]string, 0, len(mapping))
	seen := make(map[string]bool, len(mapping))
	for _, id := range ranked {
		if _, ok := mapping[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	var rest []string
	for id := range mapping {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// rankAgents orders ids by their idle-queue position, unranked ids last.
func rankAgents(ids []string, ranked []string) []string {
	pos := make(map[string]int, len(ranked))
	for i, id := range ranked {
		pos[id] = i + 1
	}
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := pos[out[i]], pos[out[j]]
		if pi == 0 {
			pi = len(ranked) + 1
		}
		if pj == 0 {
			pj = len(ranked) + 1
		}
		return pi < pj
	})
	return out
}
