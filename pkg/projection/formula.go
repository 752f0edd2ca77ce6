package projection

import "math"

const (
	year2Growth = 1.15
	year3Growth = 1.10
)

// Result is a computed projection. Per-unit prices are in the MSRP currency.
type Result struct {
	WholesalePrice float64 `json:"wholesalePrice"` // What the retailer pays
	NetPrice       float64 `json:"netPrice"`       // What the producer receives
	Year1Volume    float64 `json:"year1Volume"`
	Year2Volume    float64 `json:"year2Volume,omitempty"`
	Year3Volume    float64 `json:"year3Volume,omitempty"`
	Year1Revenue   float64 `json:"year1Revenue"`
	Year2Revenue   float64 `json:"year2Revenue,omitempty"`
	Year3Revenue   float64 `json:"year3Revenue,omitempty"`
	TotalRevenue   float64 `json:"totalRevenue"`
	ROI            float64 `json:"roi"`
	BreakEvenUnits float64 `json:"breakEvenUnits"`
	PaybackMonths  float64 `json:"paybackMonths"`
	Estimated      bool    `json:"estimated"`
}

// Compute is the full three-year projection.
func Compute(p Parameters) Result {
	r := yearOne(p)

	r.Year2Volume = r.Year1Volume * year2Growth
	r.Year3Volume = r.Year2Volume * year3Growth
	r.Year2Revenue = r.Year2Volume * r.NetPrice
	r.Year3Revenue = r.Year3Volume * r.NetPrice
	r.TotalRevenue = r.Year1Revenue + r.Year2Revenue + r.Year3Revenue
	return r
}

// QuickEstimate is the year-one subset of Compute, flagged Estimated.
func QuickEstimate(p Parameters) Result {
	r := yearOne(p)
	r.TotalRevenue = r.Year1Revenue
	r.Estimated = true
	return r
}

func yearOne(p Parameters) Result {
	wholesale := p.MSRP * (1 - p.RetailerMargin/100)
	net := wholesale * (1 - p.DistributorMargin/100)
	volume := p.VolumeCommitment * p.SeasonalAdjustment
	revenue := volume * net

	r := Result{
		WholesalePrice: wholesale,
		NetPrice:       net,
		Year1Volume:    volume,
		Year1Revenue:   revenue,
	}
	if p.MarketingSpend > 0 {
		r.ROI = (revenue - p.MarketingSpend) / p.MarketingSpend
	}
	if net > 0 {
		r.BreakEvenUnits = math.Ceil(p.MarketingSpend / net)
	}
	if revenue > 0 {
		r.PaybackMonths = p.MarketingSpend / (revenue / 12)
	}
	return r
}
