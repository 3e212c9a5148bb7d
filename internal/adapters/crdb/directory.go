package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expert-bookings/internal/domain"
)

func (r *Repository) ExpertProfile(ctx context.Context, expertID string) (*domain.ExpertProfile, error) {
	var p domain.ExpertProfile
	err := r.db.QueryRow(ctx, `
		SELECT expert_id, org_id, tier, email, display_name, calendar_id
		FROM expert_profiles WHERE expert_id = $1
	`, expertID).Scan(&p.ExpertID, &p.OrgID, &p.Tier, &p.Email, &p.DisplayName, &p.CalendarID)
	if isNoRows(err) {
		return nil, errors.Wrapf(domain.ErrNotFound, "expert %s", expertID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "expert %s", expertID)
	}
	return &p, nil
}

// ExpertTier returns the expert's commission tier. Unknown tiers fall back
// to community.
func (r *Repository) ExpertTier(ctx context.Context, expertID string) (domain.Tier, error) {
	p, err := r.ExpertProfile(ctx, expertID)
	if err != nil {
		return "", err
	}
	if p.Tier != domain.TierTop {
		return domain.TierCommunity, nil
	}
	return p.Tier, nil
}

// OrganizationForUser returns the organization the expert belongs to, or ""
// for independent experts.
func (r *Repository) OrganizationForUser(ctx context.Context, userID string) (string, error) {
	p, err := r.ExpertProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.OrgID, nil
}

func (r *Repository) UpsertExpertProfile(ctx context.Context, p domain.ExpertProfile) error {
	_, err := r.db.Exec(ctx, `
		UPSERT INTO expert_profiles (expert_id, org_id, tier, email, display_name, calendar_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ExpertID, p.OrgID, string(p.Tier), p.Email, p.DisplayName, p.CalendarID)
	return errors.Wrapf(err, "upsert expert %s", p.ExpertID)
}
