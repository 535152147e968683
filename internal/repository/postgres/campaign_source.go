package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

// CampaignSource reads campaign definitions, leads and agent rosters from
// Postgres for campaigns started without inline data.
type CampaignSource struct {
	db *sqlx.DB
}

// NewCampaignSource constructs the source.
func NewCampaignSource(db *sqlx.DB) *CampaignSource {
	return &CampaignSource{db: db}
}

type campaignRow struct {
	ID                 string  `db:"id"`
	Name               string  `db:"name"`
	DialMode           string  `db:"dial_mode"`
	DialRatio          float64 `db:"dial_ratio"`
	MaxConcurrentCalls int     `db:"max_concurrent_calls"`
	CallerID           string  `db:"caller_id"`
	CallerIDName       string  `db:"caller_id_name"`
	WrapUpTimeSec      int     `db:"wrap_up_time_sec"`
	AnswerTimeoutSec   int     `db:"answer_timeout_sec"`
	DropRate           float64 `db:"drop_rate"`
}

// Campaign loads one campaign definition.
func (s *CampaignSource) Campaign(ctx context.Context, id string) (*domain.Campaign, error) {
	var row campaignRow
	err := s.db.GetContext(ctx, &row, `SELECT
			id, name, dial_mode, dial_ratio, max_concurrent_calls,
			caller_id, caller_id_name, wrap_up_time_sec, answer_timeout_sec, drop_rate
		FROM campaigns WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign source: campaign %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign source: select campaign: %w", err)
	}

	return &domain.Campaign{
		ID:                 row.ID,
		Name:               row.Name,
		Status:             domain.CampaignStatusDraft,
		DialMode:           domain.DialMode(row.DialMode),
		DialRatio:          row.DialRatio,
		MaxConcurrentCalls: row.MaxConcurrentCalls,
		CallerID:           row.CallerID,
		CallerIDName:       row.CallerIDName,
		WrapUpTime:         time.Duration(row.WrapUpTimeSec) * time.Second,
		AnswerTimeout:      time.Duration(row.AnswerTimeoutSec) * time.Second,
		DropRate:           row.DropRate,
	}, nil
}

// Leads loads the campaign's dialable lead list, oldest first.
func (s *CampaignSource) Leads(ctx context.Context, campaignID string) ([]*domain.Lead, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, phone_number, call_attempts, status
		FROM leads
		WHERE campaign_id = $1
		ORDER BY created_at ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign source: select leads: %w", err)
	}
	defer rows.Close()

	var leads []*domain.Lead
	for rows.Next() {
		var (
			lead   domain.Lead
			status string
		)
		if err := rows.Scan(&lead.ID, &lead.PhoneNumber, &lead.CallAttempts, &status); err != nil {
			return nil, fmt.Errorf("campaign source: scan lead: %w", err)
		}
		lead.Status = domain.LeadStatus(status)
		leads = append(leads, &lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign source: iterate leads: %w", err)
	}
	return leads, nil
}

// Agents loads the campaign's agent roster.
func (s *CampaignSource) Agents(ctx context.Context, campaignID string) ([]*domain.Agent, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT a.id, a.status
		FROM agents a
		JOIN campaign_agents ca ON ca.agent_id = a.id
		WHERE ca.campaign_id = $1
		ORDER BY a.id ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign source: select agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		var (
			agent  domain.Agent
			status string
		)
		if err := rows.Scan(&agent.ID, &status); err != nil {
			return nil, fmt.Errorf("campaign source: scan agent: %w", err)
		}
		agent.Status = domain.AgentStatus(status)
		agents = append(agents, &agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign source: iterate agents: %w", err)
	}
	return agents, nil
}
