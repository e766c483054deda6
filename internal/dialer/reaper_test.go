package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"voicedialer/internal/agentstate"
	"voicedialer/internal/calls"
	"voicedialer/internal/store"
)

func newTestReaper(t *testing.T) (*agentstate.Machine, *calls.Tracker, *Reaper) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(client, zerolog.Nop())
	machine := agentstate.NewMachine(s, zerolog.Nop())
	tracker := calls.NewTracker(s, zerolog.Nop())
	return machine, tracker, NewReaper(machine, tracker, 90*time.Second, zerolog.Nop())
}

func TestReaperFreesAgentPastRingWindow(t *testing.T) {
	machine, _, reaper := newTestReaper(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	machine.SetClock(func() time.Time { return now.Add(-95 * time.Second) })
	_, err := machine.Login(ctx, "2", agentstate.TeamSales)
	require.NoError(t, err)
	require.NoError(t, machine.MarkBusy(ctx, "2", nil))

	machine.SetClock(func() time.Time { return now })
	reaper.SetClock(func() time.Time { return now })
	require.Equal(t, 1, reaper.Sweep(ctx))

	idle, err := machine.IsIdle(ctx, "2")
	require.NoError(t, err)
	require.True(t, idle)

	agentID, err := machine.PeekNextAvailable(ctx, agentstate.TeamSales)
	require.NoError(t, err)
	require.Equal(t, "2", agentID)
}

func TestReaperKeepsAgentWithinRingWindow(t *testing.T) {
	machine, _, reaper := newTestReaper(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	machine.SetClock(func() time.Time { return now.Add(-30 * time.Second) })
	_, err := machine.Login(ctx, "2", agentstate.TeamSales)
	require.NoError(t, err)
	require.NoError(t, machine.MarkBusy(ctx, "2", nil))

	reaper.SetClock(func() time.Time { return now })
	require.Equal(t, 0, reaper.Sweep(ctx))

	agent, err := machine.Get(ctx, "2")
	require.NoError(t, err)
	require.Equal(t, agentstate.StateBusy, agent.State)
}

func TestReaperFreesAgentBoundToVanishedCall(t *testing.T) {
	machine, tracker, reaper := newTestReaper(t)
	ctx := context.Background()

	_, err := machine.Login(ctx, "3", agentstate.TeamSupport)
	require.NoError(t, err)
	gone := "vanished-call"
	require.NoError(t, machine.MarkBusy(ctx, "3", &gone))

	require.Equal(t, 1, reaper.Sweep(ctx))

	idle, err := machine.IsIdle(ctx, "3")
	require.NoError(t, err)
	require.True(t, idle)

	// A live call keeps its agent busy.
	_, err = machine.Login(ctx, "4", agentstate.TeamSupport)
	require.NoError(t, err)
	live := "live-call"
	require.NoError(t, machine.MarkBusy(ctx, "4", &live))
	require.NoError(t, tracker.Add(ctx, &calls.ActiveCall{CallUUID: live, PhoneNumber: "p"}))

	require.Equal(t, 0, reaper.Sweep(ctx))
	agent, err := machine.Get(ctx, "4")
	require.NoError(t, err)
	require.Equal(t, agentstate.StateBusy, agent.State)
}
