package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Repository is the narrow data-access layer the dialer core uses: pending
// leads in, terminal call facts out. Campaign and lead CRUD lives in the
// administrative service, not here.
type Repository struct {
	db *sql.DB
}

func NewRepository(conn *Connection) *Repository {
	return &Repository{db: conn.DB}
}

// DB exposes the raw handle for maintenance queries.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// segmentOrder ranks campaign segments for refill priority. Lower dials first.
const segmentOrder = `CASE c.segment
	WHEN 'follow_up' THEN 0
	WHEN 'active' THEN 1
	WHEN 'growth' THEN 2
	WHEN 'active_churn' THEN 3
	WHEN 'growth_churn' THEN 4
	WHEN 'acquisition' THEN 5
	ELSE 6 END`

// AgentExtensions returns the id -> extension map for all active agents.
func (r *Repository) AgentExtensions(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, extension FROM dialer_agent WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("querying agent extensions: %w", err)
	}
	defer rows.Close()

	mapping := make(map[string]string)
	for rows.Next() {
		var id int64
		var extension string
		if err := rows.Scan(&id, &extension); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		mapping[fmt.Sprint(id)] = extension
	}
	return mapping, rows.Err()
}

// ActiveCampaignsWithPending returns distinct active campaigns that still
// have pending leads, ordered by segment priority.
func (r *Repository) ActiveCampaignsWithPending(ctx context.Context) ([]Campaign, error) {
	query := `SELECT DISTINCT c.id, c.campaign_id, c.campaign_name, c.segment, c.agent_id, c.active
		FROM dialer_campaign c
		INNER JOIN dialer_lead l ON l.campaign_id = c.id AND l.status = 'pending'
		WHERE c.active = 1
		ORDER BY ` + segmentOrder
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying active campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.CampaignName, &c.Segment, &c.AgentID, &c.Active); err != nil {
			return nil, fmt.Errorf("scanning campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// PendingLeads streams a campaign's pending leads.
func (r *Repository) PendingLeads(ctx context.Context, campaignID int64) ([]Lead, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, udhaar_lead_id, phone_number, customer_name, city, customer_segment,
			campaign_id, month_gmv, overall_gmv, last_call_date, status, attempt_count, max_attempts
		FROM dialer_lead
		WHERE campaign_id = ? AND status = 'pending'`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("querying pending leads for campaign %d: %w", campaignID, err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		var l Lead
		var city, segment sql.NullString
		if err := rows.Scan(&l.ID, &l.ExternalLeadID, &l.PhoneNumber, &l.CustomerName,
			&city, &segment, &l.CampaignID, &l.MonthGMV, &l.OverallGMV,
			&l.LastCallDate, &l.Status, &l.AttemptCount, &l.MaxAttempts); err != nil {
			return nil, fmt.Errorf("scanning lead row: %w", err)
		}
		l.City = city.String
		l.CustomerSegment = segment.String
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// MarkLeadsInQueue transitions the given leads from pending to in_queue and
// reports how many rows actually moved. Zero means a racing refill already
// claimed them and the caller must abort its in-memory build.
func (r *Repository) MarkLeadsInQueue(ctx context.Context, leadIDs []int64) (int64, error) {
	if len(leadIDs) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(
		`UPDATE dialer_lead SET status = 'in_queue', updated_at = NOW()
		WHERE id IN (%s) AND status = 'pending'`, placeholders(len(leadIDs)))
	res, err := r.db.ExecContext(ctx, query, int64Args(leadIDs)...)
	if err != nil {
		return 0, fmt.Errorf("marking leads in_queue: %w", err)
	}
	return res.RowsAffected()
}

// BulkUpdateLeadStatus applies a terminal status and stamps last_call_date.
func (r *Repository) BulkUpdateLeadStatus(ctx context.Context, leadIDs []int64, status string) (int64, error) {
	if len(leadIDs) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(
		`UPDATE dialer_lead SET status = ?, last_call_date = NOW(), updated_at = NOW()
		WHERE id IN (%s)`, placeholders(len(leadIDs)))
	args := append([]any{status}, int64Args(leadIDs)...)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("updating leads to %s: %w", status, err)
	}
	return res.RowsAffected()
}

// InsertCallLog writes one terminal call fact.
func (r *Repository) InsertCallLog(ctx context.Context, log CallLog) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dialer_calllog
			(call_id, agent_id, lead_id, to_number, status, disconnect_reason,
			initiated_at, answered_at, ended_at, duration_seconds, call_direction, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW())`,
		log.CallID, log.AgentID, log.LeadID, log.ToNumber, log.Status, log.DisconnectReason,
		log.InitiatedAt, log.AnsweredAt, log.EndedAt, log.DurationSeconds, log.Direction)
	if err != nil {
		return fmt.Errorf("inserting call log %s: %w", log.CallID, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
