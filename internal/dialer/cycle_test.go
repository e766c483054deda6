package dialer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"voicedialer/internal/agentstate"
	"voicedialer/internal/calls"
	"voicedialer/internal/config"
	"voicedialer/internal/database"
	"voicedialer/internal/esl"
	"voicedialer/internal/store"
)

type fakeSwitch struct {
	mu         sync.Mutex
	originates []esl.OriginateRequest
	reject     bool
}

func (f *fakeSwitch) Originate(req esl.OriginateRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false, nil
	}
	f.originates = append(f.originates, req)
	return true, nil
}

func (f *fakeSwitch) calls() []esl.OriginateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]esl.OriginateRequest(nil), f.originates...)
}

type fakeLeadStore struct {
	campaigns []database.Campaign
	leads     map[int64][]database.Lead
	markCalls int
	claimed   int64
}

func (f *fakeLeadStore) ActiveCampaignsWithPending(ctx context.Context) ([]database.Campaign, error) {
	return f.campaigns, nil
}

func (f *fakeLeadStore) PendingLeads(ctx context.Context, campaignID int64) ([]database.Lead, error) {
	return f.leads[campaignID], nil
}

func (f *fakeLeadStore) MarkLeadsInQueue(ctx context.Context, leadIDs []int64) (int64, error) {
	f.markCalls++
	if f.markCalls > 1 {
		return 0, nil
	}
	f.claimed = int64(len(leadIDs))
	return f.claimed, nil
}

type fakeExtensions map[string]string

func (f fakeExtensions) AgentExtensions(ctx context.Context) (map[string]string, error) {
	return f, nil
}

type fixture struct {
	mr      *miniredis.Miniredis
	store   *store.Store
	machine *agentstate.Machine
	tracker *calls.Tracker
	queues  *Queues
	sw      *fakeSwitch
	cycle   *Cycle
	leads   *fakeLeadStore
}

func newFixture(t *testing.T, pickupRatio float64) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(client, zerolog.Nop())

	cfg := config.Default()
	cfg.Dialer.PickupRatio = pickupRatio

	machine := agentstate.NewMachine(s, zerolog.Nop())
	registry := agentstate.NewRegistry(s, fakeExtensions{"1": "1001", "2": "1002"}, zerolog.Nop())
	tracker := calls.NewTracker(s, zerolog.Nop())
	leads := &fakeLeadStore{leads: map[int64][]database.Lead{}}
	queues := NewQueues(s, leads, cfg.Dialer.RefillThreshold, zerolog.Nop())
	reaper := NewReaper(machine, tracker, cfg.Dialer.RingWindow(), zerolog.Nop())
	sw := &fakeSwitch{}
	cycle := NewCycle(s, machine, registry, tracker, queues, reaper, sw, cfg, zerolog.Nop())

	return &fixture{mr: mr, store: s, machine: machine, tracker: tracker, queues: queues, sw: sw, cycle: cycle, leads: leads}
}

func lead(id int64, phone string) calls.Lead {
	return calls.Lead{LeadID: id, PhoneNumber: phone, CampaignID: "CAMP-1", CustomerName: "c", EnqueuedAt: "2026-01-01T00:00:00Z"}
}

func TestSecondaryPassOriginatesParkedCall(t *testing.T) {
	f := newFixture(t, 1.0) // m = 1
	ctx := context.Background()

	_, err := f.machine.Login(ctx, "1", agentstate.TeamSales)
	require.NoError(t, err)
	require.NoError(t, f.queues.WithSecondaryLocked(ctx, func(m map[string][]calls.Lead) error {
		m["1"] = []calls.Lead{lead(10, "923000000010")}
		return nil
	}))

	require.NoError(t, f.cycle.Tick(ctx))

	originates := f.sw.calls()
	require.Len(t, originates, 1)
	req := originates[0]
	require.True(t, req.Park)
	require.False(t, req.AutoBridge)
	require.Equal(t, "1", req.AgentID)
	require.Equal(t, "923000000010", req.PhoneNumber)
	require.Equal(t, "10", req.Vars["lead_id"])

	agent, err := f.machine.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, agentstate.StateBusy, agent.State)
	require.Nil(t, agent.CurrentCallID)
	require.NotNil(t, agent.CallInitiatedAt)

	active, err := f.tracker.Get(ctx, req.CallID)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, "1", *active.AgentID)

	mapping, err := f.queues.SecondaryMapping(ctx)
	require.NoError(t, err)
	require.Empty(t, mapping["1"])
}

func TestOverdialRespectsMultiplier(t *testing.T) {
	f := newFixture(t, 0.3) // m = 3
	ctx := context.Background()

	_, err := f.machine.Login(ctx, "1", agentstate.TeamSales)
	require.NoError(t, err)
	require.NoError(t, f.queues.WithSecondaryLocked(ctx, func(m map[string][]calls.Lead) error {
		m["1"] = []calls.Lead{lead(1, "p1"), lead(2, "p2"), lead(3, "p3"), lead(4, "p4")}
		return nil
	}))

	require.NoError(t, f.cycle.Tick(ctx))

	require.Len(t, f.sw.calls(), 3)
	mapping, err := f.queues.SecondaryMapping(ctx)
	require.NoError(t, err)
	require.Len(t, mapping["1"], 1)
	require.Equal(t, int64(4), mapping["1"][0].LeadID)
}

func TestBusyAgentSkipped(t *testing.T) {
	f := newFixture(t, 1.0)
	ctx := context.Background()

	_, err := f.machine.Login(ctx, "1", agentstate.TeamSales)
	require.NoError(t, err)
	callID := "in-flight"
	require.NoError(t, f.machine.MarkBusy(ctx, "1", &callID))
	require.NoError(t, f.tracker.Add(ctx, &calls.ActiveCall{CallUUID: callID, PhoneNumber: "x", InitiatedAt: time.Now().Unix()}))

	require.NoError(t, f.queues.PushPriority(ctx, "1", lead(20, "923000000020")))
	require.NoError(t, f.cycle.Tick(ctx))

	require.Empty(t, f.sw.calls())
	mapping, err := f.queues.PriorityMapping(ctx)
	require.NoError(t, err)
	require.Len(t, mapping["1"], 1)
}

func TestPriorityPassDialsOneAutoBridgedCall(t *testing.T) {
	f := newFixture(t, 0.3)
	ctx := context.Background()

	_, err := f.machine.Login(ctx, "1", agentstate.TeamSales)
	require.NoError(t, err)
	require.NoError(t, f.queues.WithPriorityLocked(ctx, func(m map[string][]calls.Lead) error {
		m["1"] = []calls.Lead{lead(30, "923000000030"), lead(31, "923000000031")}
		return nil
	}))

	require.NoError(t, f.cycle.Tick(ctx))

	originates := f.sw.calls()
	require.Len(t, originates, 1)
	req := originates[0]
	require.True(t, req.AutoBridge)
	require.False(t, req.Park)
	require.Equal(t, "1001", req.AgentExtension)

	agent, err := f.machine.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, agentstate.StateBusy, agent.State)
	require.NotNil(t, agent.CurrentCallID)
	require.Equal(t, req.CallID, *agent.CurrentCallID)

	mapping, err := f.queues.PriorityMapping(ctx)
	require.NoError(t, err)
	require.Len(t, mapping["1"], 1)
	require.Equal(t, int64(31), mapping["1"][0].LeadID)
}

func TestAcquisitionPassDialsUnownedCalls(t *testing.T) {
	f := newFixture(t, 1.0)
	ctx := context.Background()

	_, err := f.machine.Login(ctx, "1", agentstate.TeamSales)
	require.NoError(t, err)
	require.NoError(t, f.queues.AddAcquisitionAgent(ctx, "1"))
	require.NoError(t, f.queues.WithSecondaryLocked(ctx, func(m map[string][]calls.Lead) error {
		m[AcquisitionBucket] = []calls.Lead{lead(40, "923000000040")}
		return nil
	}))

	require.NoError(t, f.cycle.Tick(ctx))

	originates := f.sw.calls()
	require.Len(t, originates, 1)
	req := originates[0]
	require.Empty(t, req.AgentID)
	require.True(t, req.Park)

	active, err := f.tracker.Get(ctx, req.CallID)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Nil(t, active.AgentID)

	agent, err := f.machine.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, agentstate.StateBusy, agent.State)
}

func TestTickSkippedWhenExecutionLockHeld(t *testing.T) {
	f := newFixture(t, 1.0)
	ctx := context.Background()

	ok, err := f.store.TryLockTTL(ctx, store.DialerExecutionLockKey, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.machine.Login(ctx, "1", agentstate.TeamSales)
	require.NoError(t, err)
	require.NoError(t, f.queues.PushPriority(ctx, "1", lead(50, "923000000050")))

	require.NoError(t, f.cycle.Tick(ctx))
	require.Empty(t, f.sw.calls())
}

func TestDialOrderFollowsIdleQueueScores(t *testing.T) {
	f := newFixture(t, 1.0)
	ctx := context.Background()

	// Agent 2 went idle a minute before agent 1.
	base := time.Unix(1_700_000_000, 0)
	f.machine.SetClock(func() time.Time { return base })
	_, err := f.machine.Login(ctx, "2", agentstate.TeamSales)
	require.NoError(t, err)
	f.machine.SetClock(func() time.Time { return base.Add(time.Minute) })
	_, err = f.machine.Login(ctx, "1", agentstate.TeamSales)
	require.NoError(t, err)

	require.NoError(t, f.queues.WithSecondaryLocked(ctx, func(m map[string][]calls.Lead) error {
		m["1"] = []calls.Lead{lead(70, "923000000070")}
		m["2"] = []calls.Lead{lead(71, "923000000071")}
		return nil
	}))

	require.NoError(t, f.cycle.Tick(ctx))

	originates := f.sw.calls()
	require.Len(t, originates, 2)
	require.Equal(t, "2", originates[0].AgentID)
	require.Equal(t, "1", originates[1].AgentID)
}

func TestConcurrentTicksDialAgentAtMostOnce(t *testing.T) {
	f := newFixture(t, 1.0)
	ctx := context.Background()

	_, err := f.machine.Login(ctx, "1", agentstate.TeamSales)
	require.NoError(t, err)
	require.NoError(t, f.queues.WithPriorityLocked(ctx, func(m map[string][]calls.Lead) error {
		m["1"] = []calls.Lead{lead(80, "923000000080")}
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.cycle.Tick(ctx)
		}()
	}
	wg.Wait()

	originates := f.sw.calls()
	require.Len(t, originates, 1)
	require.True(t, originates[0].AutoBridge)
	require.Equal(t, "1", originates[0].AgentID)
}

func TestLeadWithoutPhoneNumberIsDropped(t *testing.T) {
	f := newFixture(t, 1.0)
	ctx := context.Background()

	_, err := f.machine.Login(ctx, "1", agentstate.TeamSales)
	require.NoError(t, err)
	require.NoError(t, f.queues.WithSecondaryLocked(ctx, func(m map[string][]calls.Lead) error {
		m["1"] = []calls.Lead{{LeadID: 60}, lead(61, "923000000061")}
		return nil
	}))

	require.NoError(t, f.cycle.Tick(ctx))

	originates := f.sw.calls()
	require.Len(t, originates, 1)
	require.Equal(t, "923000000061", originates[0].PhoneNumber)

	mapping, err := f.queues.SecondaryMapping(ctx)
	require.NoError(t, err)
	require.Empty(t, mapping["1"])
}
