package calls

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"voicedialer/internal/store"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTracker(store.NewWithClient(client, zerolog.Nop()), zerolog.Nop())
}

func sampleCall(uuid string) *ActiveCall {
	agentID := "17"
	return &ActiveCall{
		CallUUID:    uuid,
		AgentID:     &agentID,
		PhoneNumber: "923001234567",
		Payload:     &Lead{LeadID: 99, PhoneNumber: "923001234567", CampaignID: "CAMP-1"},
		InitiatedAt: 1_700_000_000,
		Direction:   DirectionOutbound,
	}
}

func TestAddGetRoundTrip(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Add(ctx, sampleCall("c1")))

	call, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, call)
	require.Equal(t, "923001234567", call.PhoneNumber)
	require.Equal(t, int64(99), call.Payload.LeadID)

	missing, err := tr.Get(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRemoveReturnsPriorValueExactlyOnce(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Add(ctx, sampleCall("c2")))

	first, err := tr.Remove(ctx, "c2")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "c2", first.CallUUID)

	second, err := tr.Remove(ctx, "c2")
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestUpdateSetsConnectedTime(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Add(ctx, sampleCall("c3")))

	connectedAt := int64(1_700_000_042)
	updated, err := tr.Update(ctx, "c3", func(c *ActiveCall) {
		c.ConnectedAt = &connectedAt
	})
	require.NoError(t, err)
	require.True(t, updated)

	call, err := tr.Get(ctx, "c3")
	require.NoError(t, err)
	require.NotNil(t, call.ConnectedAt)
	require.Equal(t, connectedAt, *call.ConnectedAt)

	updated, err = tr.Update(ctx, "ghost", func(c *ActiveCall) {})
	require.NoError(t, err)
	require.False(t, updated)
}

func TestDrainCompletedEmptiesBuffer(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	for _, uuid := range []string{"c4", "c5"} {
		completed := &CompletedCall{
			ActiveCall:       *sampleCall(uuid),
			EndedAt:          1_700_000_100,
			DisconnectReason: "NORMAL_CLEARING",
			DurationSeconds:  40,
		}
		require.NoError(t, tr.PushCompleted(ctx, completed))
	}

	drained, err := tr.DrainCompleted(ctx)
	require.NoError(t, err)
	require.Len(t, drained, 2)
	require.Equal(t, "c4", drained[0].CallUUID)
	require.Equal(t, "NORMAL_CLEARING", drained[0].DisconnectReason)

	again, err := tr.DrainCompleted(ctx)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestStrippedDropsWideFields(t *testing.T) {
	lead := Lead{
		LeadID:           5,
		PhoneNumber:      "923009998877",
		LastOrderDetails: map[string]any{"sku": "x"},
		Metadata:         map[string]any{"source": "import"},
	}
	stripped := lead.Stripped()
	require.Nil(t, stripped.LastOrderDetails)
	require.Nil(t, stripped.Metadata)
	require.Equal(t, lead.PhoneNumber, stripped.PhoneNumber)
	require.NotNil(t, lead.LastOrderDetails)
}
