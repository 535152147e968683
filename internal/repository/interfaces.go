package repository

import (
	"context"

	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

// ErrNotFound indicates the entity was not located.
var ErrNotFound = apperrors.ErrNotFound

// CampaignSource supplies campaign definitions, lead lists and agent rosters
// at campaign start. The engine only reads from it; lead and agent state
// during a run lives in memory and outcomes are emitted as events for other
// systems to persist.
type CampaignSource interface {
	Campaign(ctx context.Context, id string) (*domain.Campaign, error)
	Leads(ctx context.Context, campaignID string) ([]*domain.Lead, error)
	Agents(ctx context.Context, campaignID string) ([]*domain.Agent, error)
}
