package events

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"voicedialer/internal/calls"
	"voicedialer/internal/database"
	"voicedialer/internal/store"
)

const (
	syncLockTTL = 5 * time.Second
	drainDelay  = 5 * time.Second
)

// CallLogStore is the slice of the repository the sink writes through.
type CallLogStore interface {
	InsertCallLog(ctx context.Context, log database.CallLog) error
	BulkUpdateLeadStatus(ctx context.Context, leadIDs []int64, status string) (int64, error)
}

// Sink drains the completed-call buffer into the lead store. Drains are
// debounced behind a short-TTL lock so a burst of hangups produces one
// batch write, not one write per call.
type Sink struct {
	store   *store.Store
	tracker *calls.Tracker
	db      CallLogStore
	logger  zerolog.Logger
	delay   time.Duration
}

func NewSink(s *store.Store, tracker *calls.Tracker, db CallLogStore, logger zerolog.Logger) *Sink {
	return &Sink{store: s, tracker: tracker, db: db, logger: logger, delay: drainDelay}
}

// SetDelay overrides the drain debounce. Test hook.
func (s *Sink) SetDelay(d time.Duration) {
	s.delay = d
}

// Schedule arranges a drain after the debounce delay. When the sync lock
// is already held another worker has one scheduled; skip.
func (s *Sink) Schedule(ctx context.Context) {
	ok, err := s.store.TryLockTTL(ctx, store.SyncToDBLockKey, syncLockTTL)
	if err != nil {
		s.logger.Error().Err(err).Msg("sync lock check failed")
		return
	}
	if !ok {
		return
	}
	go func() {
		bg := context.WithoutCancel(ctx)
		time.Sleep(s.delay)
		defer s.store.Unlock(bg, store.SyncToDBLockKey)
		if err := s.Drain(bg); err != nil {
			s.logger.Error().Err(err).Msg("drain failed")
		}
	}()
}

// Drain atomically empties the completed-call buffer, writes one call-log
// row per record, and applies the three bulk lead-status updates.
func (s *Sink) Drain(ctx context.Context) error {
	records, err := s.tracker.DrainCompleted(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	var completedLeads, notAnsweredLeads, invalidLeads []int64
	written := 0

	for _, record := range records {
		status := MapCauseToStatus(record.DisconnectReason)
		if status == nil {
			s.logger.Warn().
				Str("call_uuid", record.CallUUID).
				Str("cause", record.DisconnectReason).
				Msg("unmapped hangup cause, call-log status left null")
		}

		if err := s.db.InsertCallLog(ctx, s.buildCallLog(record, status)); err != nil {
			s.logger.Error().Err(err).Str("call_uuid", record.CallUUID).Msg("call-log insert failed")
			continue
		}
		written++

		if record.Payload == nil || record.Payload.LeadID == 0 || status == nil {
			continue
		}
		switch *status {
		case StatusAnswered:
			completedLeads = append(completedLeads, record.Payload.LeadID)
		case StatusNoAnswer, StatusBusy:
			notAnsweredLeads = append(notAnsweredLeads, record.Payload.LeadID)
		case StatusInvalid:
			invalidLeads = append(invalidLeads, record.Payload.LeadID)
		}
	}

	s.updateLeads(ctx, completedLeads, database.LeadStatusCompleted)
	s.updateLeads(ctx, notAnsweredLeads, database.LeadStatusNotAnswered)
	s.updateLeads(ctx, invalidLeads, database.LeadStatusInvalid)

	s.logger.Info().Int("drained", len(records)).Int("written", written).Msg("completed calls synced")
	return nil
}

func (s *Sink) updateLeads(ctx context.Context, leadIDs []int64, status string) {
	if len(leadIDs) == 0 {
		return
	}
	updated, err := s.db.BulkUpdateLeadStatus(ctx, leadIDs, status)
	if err != nil {
		s.logger.Error().Err(err).Str("status", status).Int("leads", len(leadIDs)).Msg("bulk lead update failed")
		return
	}
	if updated != int64(len(leadIDs)) {
		s.logger.Warn().Str("status", status).Int("leads", len(leadIDs)).Int64("updated", updated).Msg("bulk lead update row count mismatch")
	}
}

func (s *Sink) buildCallLog(record *calls.CompletedCall, status *string) database.CallLog {
	log := database.CallLog{
		CallID:           record.CallUUID,
		ToNumber:         record.PhoneNumber,
		Status:           status,
		DisconnectReason: record.DisconnectReason,
		DurationSeconds:  record.DurationSeconds,
		Direction:        record.Direction,
	}
	if record.AgentID != nil {
		if id, err := strconv.ParseInt(*record.AgentID, 10, 64); err == nil {
			log.AgentID = &id
		}
	}
	if record.Payload != nil {
		log.LeadID = record.Payload.LeadID
	}
	if record.InitiatedAt > 0 {
		t := time.Unix(record.InitiatedAt, 0).UTC()
		log.InitiatedAt = &t
	}
	if record.ConnectedAt != nil {
		t := time.Unix(*record.ConnectedAt, 0).UTC()
		log.AnsweredAt = &t
	}
	if record.EndedAt > 0 {
		t := time.Unix(record.EndedAt, 0).UTC()
		log.EndedAt = &t
	}
	return log
}
