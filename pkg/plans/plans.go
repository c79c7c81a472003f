package plans

import "time"

// Tier identifies a plan family. Tiers have a strict ordering used to
// classify plan changes as upgrades or downgrades.
type Tier string

const (
	TierTrial        Tier = "trial"
	TierEssential    Tier = "essential"
	TierProfessional Tier = "professional"
)

// tierRank orders tiers from least to most capable.
var tierRank = map[Tier]int{
	TierTrial:        0,
	TierEssential:    1,
	TierProfessional: 2,
}

// Rank returns the ordering position of the tier. Unknown tiers rank below
// trial so a corrupt plan reference can never classify as an upgrade.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// QuotaTier is one published price point of a plan: up to Quota riders for
// Price per month.
type QuotaTier struct {
	Quota int     `json:"quota"`
	Price float64 `json:"price"`
}

// Plan represents a subscription plan offered to drivers.
type Plan struct {
	ID         string      `json:"id"`
	Slug       string      `json:"slug"`
	Name       string      `json:"name"`
	Tier       Tier        `json:"tier"`
	ListPrice  float64     `json:"list_price"`
	PromoPrice float64     `json:"promo_price,omitempty"`
	PromoUntil *time.Time  `json:"promo_until,omitempty"`
	RiderQuota int         `json:"rider_quota"`
	QuotaTiers []QuotaTier `json:"quota_tiers,omitempty"`

	// OverageRate is the per-rider monthly price above the largest quota tier.
	OverageRate float64 `json:"overage_rate,omitempty"`

	// Billable reports whether the renewal job generates charges for
	// subscriptions on this plan. Trial plans are not billable.
	Billable bool `json:"billable"`

	// Parent links a custom-quota variant back to the published plan it was
	// derived from. Nil for base plans.
	Parent *Plan `json:"-"`
}

// PromoActive reports whether the promotional price applies at the given time.
func (p *Plan) PromoActive(at time.Time) bool {
	if p.PromoPrice <= 0 {
		return false
	}
	return p.PromoUntil == nil || at.Before(*p.PromoUntil)
}

// EffectiveSlug resolves the base-plan identity of a plan, following Parent
// links. Custom-quota variants report the slug of the published plan they
// derive from.
func EffectiveSlug(p *Plan) string {
	for p != nil {
		if p.Parent == nil {
			return p.Slug
		}
		p = p.Parent
	}
	return ""
}

// Change classifies a plan change.
type Change int

const (
	ChangeNone Change = iota
	ChangeUpgrade
	ChangeDowngrade
)

func (c Change) String() string {
	switch c {
	case ChangeUpgrade:
		return "upgrade"
	case ChangeDowngrade:
		return "downgrade"
	default:
		return "none"
	}
}

// Classify determines whether moving from the current plan/quota to the new
// plan/quota is an upgrade or a downgrade. A change is an upgrade iff the new
// plan's tier ranks strictly higher, or the price is equal and the quota is
// strictly higher. Everything else that changes anything is a downgrade.
func Classify(cur, next *Plan, curQuota, nextQuota int) Change {
	if cur == nil {
		return ChangeUpgrade
	}
	if next.Tier.Rank() > cur.Tier.Rank() {
		return ChangeUpgrade
	}
	if next.Tier.Rank() == cur.Tier.Rank() && next.ListPrice == cur.ListPrice && nextQuota > curQuota {
		return ChangeUpgrade
	}
	if next.ID == cur.ID && nextQuota == curQuota {
		return ChangeNone
	}
	return ChangeDowngrade
}

// Default plan catalog. Prices in BRL per month.
var (
	PlanTrial = Plan{
		ID:         "trial",
		Slug:       "trial",
		Name:       "Trial",
		Tier:       TierTrial,
		ListPrice:  0,
		RiderQuota: 5,
		Billable:   false,
	}

	PlanEssential = Plan{
		ID:         "essential",
		Slug:       "essential",
		Name:       "Essencial",
		Tier:       TierEssential,
		ListPrice:  49.90,
		RiderQuota: 15,
		QuotaTiers: []QuotaTier{
			{Quota: 10, Price: 39.90},
			{Quota: 15, Price: 49.90},
		},
		OverageRate: 3.50,
		Billable:    true,
	}

	PlanProfessional = Plan{
		ID:         "professional",
		Slug:       "professional",
		Name:       "Profissional",
		Tier:       TierProfessional,
		ListPrice:  89.90,
		RiderQuota: 30,
		QuotaTiers: []QuotaTier{
			{Quota: 20, Price: 69.90},
			{Quota: 30, Price: 89.90},
		},
		OverageRate: 2.90,
		Billable:    true,
	}

	// Catalog is the ordered list of published plans.
	Catalog = []Plan{PlanTrial, PlanEssential, PlanProfessional}
)

// ByID looks up a published plan by identifier. Returns nil if not found.
func ByID(id string) *Plan {
	for i := range Catalog {
		if Catalog[i].ID == id {
			p := Catalog[i]
			return &p
		}
	}
	return nil
}
