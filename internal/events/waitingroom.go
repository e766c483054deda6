package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"voicedialer/internal/agentstate"
	"voicedialer/internal/store"
)

const (
	waitingRoomInterval      = 2 * time.Second
	waitingRoomErrorInterval = 3 * time.Second
)

// WaitingRoom drains the inbound waiting queues: whenever a team agent
// goes idle, the longest-waiting parked caller is bridged to them.
type WaitingRoom struct {
	store    *store.Store
	machine  *agentstate.Machine
	registry *agentstate.Registry
	sw       Switch
	feed     Publisher
	logger   zerolog.Logger
}

func NewWaitingRoom(s *store.Store, machine *agentstate.Machine, registry *agentstate.Registry, sw Switch, feed Publisher, logger zerolog.Logger) *WaitingRoom {
	return &WaitingRoom{store: s, machine: machine, registry: registry, sw: sw, feed: feed, logger: logger}
}

// Run loops until the context ends, backing off slightly on errors.
func (w *WaitingRoom) Run(ctx context.Context) {
	w.logger.Info().Msg("waiting room loop started")
	for {
		interval := waitingRoomInterval
		if err := w.iterate(ctx); err != nil {
			w.logger.Error().Err(err).Msg("waiting room iteration failed")
			interval = waitingRoomErrorInterval
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("waiting room loop stopped")
			return
		case <-time.After(interval):
		}
	}
}

var waitingTeams = []agentstate.Team{agentstate.TeamSupport, agentstate.TeamSecondarySales}

func (w *WaitingRoom) iterate(ctx context.Context) error {
	for _, team := range waitingTeams {
		if err := w.serveTeam(ctx, team); err != nil {
			return err
		}
	}
	return nil
}

// serveTeam bridges at most one waiting caller per iteration per team.
// The caller is dequeued only after a successful bridge; a failed bridge
// leaves them first in line.
func (w *WaitingRoom) serveTeam(ctx context.Context, team agentstate.Team) error {
	queueKey := waitingQueueKey(team)
	callUUID, err := w.store.Client().LIndex(ctx, queueKey, 0).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	agentID, err := w.machine.PeekNextAvailable(ctx, team)
	if err != nil {
		return err
	}
	if agentID == "" {
		return nil
	}

	extension, err := w.registry.Extension(ctx, agentID)
	if err != nil || extension == "" {
		w.logger.Error().Err(err).Str("agent_id", agentID).Msg("no extension for waiting-room agent")
		return nil
	}

	if err := w.machine.MarkBusy(ctx, agentID, &callUUID); err != nil {
		return err
	}
	if err := w.sw.Bridge(callUUID, extension); err != nil {
		w.logger.Error().Err(err).Str("call_uuid", callUUID).Msg("waiting-room bridge failed")
		if idleErr := w.machine.MarkIdle(ctx, agentID); idleErr != nil {
			w.logger.Error().Err(idleErr).Str("agent_id", agentID).Msg("failed to re-idle agent")
		}
		// The caller likely hung up; drop them from the queue.
		w.store.Client().LPop(ctx, queueKey)
		return nil
	}
	if err := w.store.Client().LPop(ctx, queueKey).Err(); err != nil {
		w.logger.Error().Err(err).Str("call_uuid", callUUID).Msg("failed to dequeue bridged caller")
	}

	if w.feed != nil {
		w.feed.Publish("waiting_bridged", map[string]any{"call_uuid": callUUID, "agent_id": agentID, "team": string(team)})
	}
	w.logger.Info().Str("call_uuid", callUUID).Str("agent_id", agentID).Str("team", string(team)).Msg("waiting caller bridged")
	return nil
}
