// Package pricing computes list, promotional and pro-rata prices for
// subscription charges. All amounts are BRL values rounded to cents.
package pricing

import (
	"math"
	"time"

	"github.com/kombina-app/kombina/pkg/plans"
)

// Options controls pro-rata computation.
type Options struct {
	// MinCharge is the smallest amount worth charging. Pro-rated values that
	// round below it are floored to it so a positive delta is never billed
	// as zero.
	MinCharge float64

	// CycleLengthDays is the nominal billing cycle length. Defaults to 30.
	CycleLengthDays int
}

func (o Options) cycleLength() int {
	if o.CycleLengthDays <= 0 {
		return 30
	}
	return o.CycleLengthDays
}

// StandardPrice returns the price a new subscription on the plan pays: the
// promotional price while a promotion is active, the list price otherwise.
func StandardPrice(p *plans.Plan, at time.Time) float64 {
	if p.PromoActive(at) {
		return p.PromoPrice
	}
	return p.ListPrice
}

// ProRata bills a monthly price delta for the remainder of the current cycle.
//
// The remaining day count is the number of whole days from now until
// cycleEnd, rounding the fractional day up so the current day is always
// billable, clamped to [0, cycleLength]. Without a known cycle boundary
// (cycleEnd nil) or with a non-positive delta the delta is returned
// unmodified: there is nothing to pro-rate.
func ProRata(monthlyDelta float64, cycleEnd *time.Time, now time.Time, opts Options) float64 {
	if cycleEnd == nil || monthlyDelta <= 0 {
		return Round2(monthlyDelta)
	}

	cycleLen := opts.cycleLength()
	days := remainingDays(now, *cycleEnd, cycleLen)

	amount := Round2(monthlyDelta / float64(cycleLen) * float64(days))
	if amount < opts.MinCharge {
		return opts.MinCharge
	}
	return amount
}

// remainingDays counts whole days from now to end, rounding up and clamping
// to [0, max].
func remainingDays(now, end time.Time, max int) int {
	if !end.After(now) {
		return 0
	}
	days := int(math.Ceil(end.Sub(now).Hours() / 24))
	if days > max {
		return max
	}
	return days
}

// CustomQuotaPrice prices a custom rider quota against a plan's published
// quota tiers. Below the largest tier, the smallest tier covering the quota
// sets the per-rider rate. Above all tiers, the largest tier's price plus a
// per-rider overage applies.
func CustomQuotaPrice(quota int, p *plans.Plan) float64 {
	if quota <= 0 || len(p.QuotaTiers) == 0 {
		return 0
	}
	for _, tier := range p.QuotaTiers {
		if tier.Quota >= quota {
			return Round2(float64(quota) * tier.Price / float64(tier.Quota))
		}
	}
	top := p.QuotaTiers[len(p.QuotaTiers)-1]
	return Round2(top.Price + float64(quota-top.Quota)*p.OverageRate)
}

// Round2 rounds to two decimal places (cents).
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
