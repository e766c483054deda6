package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"voicedialer/internal/calls"
	"voicedialer/internal/database"
	"voicedialer/internal/store"
)

func newSinkFixture(t *testing.T) (*calls.Tracker, *fakeCallLogStore, *Sink) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(client, zerolog.Nop())
	tracker := calls.NewTracker(s, zerolog.Nop())
	db := &fakeCallLogStore{}
	return tracker, db, NewSink(s, tracker, db, zerolog.Nop())
}

func completedCall(uuid, agentID, cause string, leadID int64) *calls.CompletedCall {
	connectedAt := int64(1_700_000_060)
	return &calls.CompletedCall{
		ActiveCall: calls.ActiveCall{
			CallUUID:    uuid,
			AgentID:     &agentID,
			PhoneNumber: "923000000001",
			Payload:     &calls.Lead{LeadID: leadID, PhoneNumber: "923000000001"},
			InitiatedAt: 1_700_000_000,
			ConnectedAt: &connectedAt,
			Direction:   calls.DirectionOutbound,
		},
		EndedAt:          1_700_000_090,
		DisconnectReason: cause,
		DurationSeconds:  30,
	}
}

func TestDrainWritesCallLogsAndPartitionsLeads(t *testing.T) {
	tracker, db, sink := newSinkFixture(t)
	ctx := context.Background()

	require.NoError(t, tracker.PushCompleted(ctx, completedCall("c1", "1", "NORMAL_CLEARING", 100)))
	require.NoError(t, tracker.PushCompleted(ctx, completedCall("c2", "1", "NO_ANSWER", 101)))
	require.NoError(t, tracker.PushCompleted(ctx, completedCall("c3", "1", "USER_BUSY", 102)))
	require.NoError(t, tracker.PushCompleted(ctx, completedCall("c4", "1", "UNALLOCATED_NUMBER", 103)))

	require.NoError(t, sink.Drain(ctx))

	require.Len(t, db.logs, 4)
	first := db.logs[0]
	require.Equal(t, "c1", first.CallID)
	require.NotNil(t, first.Status)
	require.Equal(t, StatusAnswered, *first.Status)
	require.Equal(t, int64(100), first.LeadID)
	require.NotNil(t, first.AgentID)
	require.Equal(t, int64(1), *first.AgentID)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), *first.InitiatedAt)
	require.Equal(t, time.Unix(1_700_000_060, 0).UTC(), *first.AnsweredAt)
	require.Equal(t, time.Unix(1_700_000_090, 0).UTC(), *first.EndedAt)

	require.Equal(t, []int64{100}, db.updates[database.LeadStatusCompleted])
	require.ElementsMatch(t, []int64{101, 102}, db.updates[database.LeadStatusNotAnswered])
	require.Equal(t, []int64{103}, db.updates[database.LeadStatusInvalid])
}

func TestDrainLeavesRaceLostLeadsInQueue(t *testing.T) {
	tracker, db, sink := newSinkFixture(t)
	ctx := context.Background()

	require.NoError(t, tracker.PushCompleted(ctx, completedCall("c5", "1", CauseAgentBusy, 104)))
	require.NoError(t, sink.Drain(ctx))

	// AGENT_BUSY maps to no status: the row is written with a null status
	// and the lead keeps its in_queue state for redial.
	require.Len(t, db.logs, 1)
	require.Nil(t, db.logs[0].Status)
	require.Empty(t, db.updates)
}

func TestMapCauseToStatus(t *testing.T) {
	cases := map[string]string{
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
	for cause, want := range cases {
		got := MapCauseToStatus(cause)
		require.NotNil(t, got, cause)
		require.Equal(t, want, *got, cause)
	}
	require.Nil(t, MapCauseToStatus("AGENT_BUSY"))
	require.Nil(t, MapCauseToStatus("SOMETHING_ELSE"))
}

func TestScheduleIsDebounced(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(client, zerolog.Nop())
	tracker := calls.NewTracker(s, zerolog.Nop())
	db := &fakeCallLogStore{}
	sink := NewSink(s, tracker, db, zerolog.Nop())
	sink.SetDelay(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tracker.PushCompleted(ctx, completedCall("c6", "1", "NORMAL_CLEARING", 105)))
	sink.Schedule(ctx)
	sink.Schedule(ctx) // second schedule is absorbed by the held lock

	require.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.logs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
