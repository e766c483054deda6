package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"voicedialer/internal/store"
)

// Tracker maintains the active-call map and the completed-call buffer in
// the state store. An active record exists iff the switch is known to hold
// that channel.
type Tracker struct {
	store  *store.Store
	logger zerolog.Logger
}

func NewTracker(s *store.Store, logger zerolog.Logger) *Tracker {
	return &Tracker{store: s, logger: logger}
}

// Add registers a newly originated call.
func (t *Tracker) Add(ctx context.Context, call *ActiveCall) error {
	raw, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("encoding call %s: %w", call.CallUUID, err)
	}
	if err := t.store.Client().HSet(ctx, store.ActiveCallsKey, call.CallUUID, raw).Err(); err != nil {
		return fmt.Errorf("storing call %s: %w", call.CallUUID, err)
	}
	return nil
}

// Get reads an active call without removing it.
func (t *Tracker) Get(ctx context.Context, callUUID string) (*ActiveCall, error) {
	raw, err := t.store.Client().HGet(ctx, store.ActiveCallsKey, callUUID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading call %s: %w", callUUID, err)
	}
	var call ActiveCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return nil, fmt.Errorf("decoding call %s: %w", callUUID, err)
	}
	return &call, nil
}

// All returns the full active-call map. Used by the orphan reaper.
func (t *Tracker) All(ctx context.Context) (map[string]*ActiveCall, error) {
	raw, err := t.store.Client().HGetAll(ctx, store.ActiveCallsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading active calls: %w", err)
	}
	out := make(map[string]*ActiveCall, len(raw))
	for id, data := range raw {
		var call ActiveCall
		if err := json.Unmarshal([]byte(data), &call); err != nil {
			t.logger.Error().Err(err).Str("call_uuid", id).Msg("skipping undecodable active call")
			continue
		}
		out[id] = &call
	}
	return out, nil
}

// Update applies a mutation to an active call under the per-call lock.
// Returns false when the call no longer exists.
func (t *Tracker) Update(ctx context.Context, callUUID string, mutate func(*ActiveCall)) (bool, error) {
	lock := t.store.NewLock(store.ActiveCallLockPrefix+callUUID, uuid.NewString())
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			t.logger.Error().Str("call_uuid", callUUID).Msg("could not acquire call lock, system busy")
		}
		return false, err
	}
	defer lock.Release(ctx)

	call, err := t.Get(ctx, callUUID)
	if err != nil {
		return false, err
	}
	if call == nil {
		return false, nil
	}
	mutate(call)
	raw, err := json.Marshal(call)
	if err != nil {
		return false, fmt.Errorf("encoding call %s: %w", callUUID, err)
	}
	if err := t.store.Client().HSet(ctx, store.ActiveCallsKey, callUUID, raw).Err(); err != nil {
		return false, fmt.Errorf("updating call %s: %w", callUUID, err)
	}
	return true, nil
}

// Remove atomically pops the active call record, returning the prior value
// or nil. The HGET and HDEL travel in one pipeline so hangup processing
// observes each record exactly once.
func (t *Tracker) Remove(ctx context.Context, callUUID string) (*ActiveCall, error) {
	pipe := t.store.Client().Pipeline()
	getCmd := pipe.HGet(ctx, store.ActiveCallsKey, callUUID)
	pipe.HDel(ctx, store.ActiveCallsKey, callUUID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("removing call %s: %w", callUUID, err)
	}
	raw, err := getCmd.Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("removing call %s: %w", callUUID, err)
	}
	var call ActiveCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return nil, fmt.Errorf("decoding call %s: %w", callUUID, err)
	}
	return &call, nil
}

// PushCompleted appends a terminal call record to the persistence buffer.
func (t *Tracker) PushCompleted(ctx context.Context, call *CompletedCall) error {
	raw, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("encoding completed call %s: %w", call.CallUUID, err)
	}
	if err := t.store.Client().RPush(ctx, store.CompletedCallsKey, raw).Err(); err != nil {
		return fmt.Errorf("buffering completed call %s: %w", call.CallUUID, err)
	}
	return nil
}

// DrainCompleted atomically reads and clears the completed-call buffer
// under its dedicated lock.
func (t *Tracker) DrainCompleted(ctx context.Context) ([]*CompletedCall, error) {
	lock := t.store.NewLock(store.QueueLockKey(store.CompletedCallsKey), uuid.NewString())
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			t.logger.Error().Msg("could not acquire completed-calls lock, system busy")
		}
		return nil, err
	}
	defer lock.Release(ctx)

	pipe := t.store.Client().Pipeline()
	rangeCmd := pipe.LRange(ctx, store.CompletedCallsKey, 0, -1)
	pipe.Del(ctx, store.CompletedCallsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("draining completed calls: %w", err)
	}

	rawCalls := rangeCmd.Val()
	out := make([]*CompletedCall, 0, len(rawCalls))
	for _, raw := range rawCalls {
		var call CompletedCall
		if err := json.Unmarshal([]byte(raw), &call); err != nil {
			t.logger.Error().Err(err).Msg("skipping undecodable completed call")
			continue
		}
		out = append(out, &call)
	}
	return out, nil
}

// Count returns the number of active calls.
func (t *Tracker) Count(ctx context.Context) (int64, error) {
	return t.store.Client().HLen(ctx, store.ActiveCallsKey).Result()
}
