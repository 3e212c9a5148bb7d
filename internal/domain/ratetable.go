package domain

import "github.com/cockroachdb/errors"

type Tier string

const (
	TierCommunity Tier = "community"
	TierTop       Tier = "top"
	// TierTeam is only ever an organization subscription tier; experts are
	// community or top.
	TierTeam Tier = "team"
)

func (t Tier) Valid() bool {
	return t == TierCommunity || t == TierTop || t == TierTeam
}

type PlanType string

const (
	PlanCommission PlanType = "commission"
	PlanMonthly    PlanType = "monthly"
	PlanAnnual     PlanType = "annual"
	PlanTeam       PlanType = "team"
)

func (p PlanType) Valid() bool {
	return p == PlanCommission || p == PlanMonthly || p == PlanAnnual || p == PlanTeam
}

// Paid reports whether p is backed by a subscription.
func (p PlanType) Paid() bool {
	return p == PlanMonthly || p == PlanAnnual || p == PlanTeam
}

// rateTable holds commission basis points per expert tier and plan type.
// Rates are set by the business and do not follow a formula.
var rateTable = map[Tier]map[PlanType]int64{
	TierCommunity: {
		PlanCommission: 2000,
		PlanMonthly:    1200,
		PlanAnnual:     1200,
		PlanTeam:       1000,
	},
	TierTop: {
		PlanCommission: 1500,
		PlanMonthly:    800,
		PlanAnnual:     800,
		PlanTeam:       600,
	},
}

// RateFor returns the commission rate in basis points.
func RateFor(tier Tier, plan PlanType) (int64, error) {
	if byPlan, ok := rateTable[tier]; ok {
		if bps, ok := byPlan[plan]; ok {
			return bps, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownRate, "tier %q plan %q", tier, plan)
}
