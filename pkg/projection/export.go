package projection

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
)

// Format is an export document format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatPDF   Format = "pdf"
	FormatExcel Format = "excel"
)

// Renderer turns a distribution into a document.
type Renderer interface {
	ContentType() string
	Render(ctx context.Context, d Distribution) ([]byte, error)
}

// CSVRenderer writes one metric per row.
type CSVRenderer struct{}

func (CSVRenderer) ContentType() string { return "text/csv" }

func (CSVRenderer) Render(_ context.Context, d Distribution) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	p, r := d.Parameters, d.Projection
	rows := [][]string{
		{"metric", "value"},
		{"scope_id", d.ScopeID},
		{"scenario_id", d.ScenarioID},
		{"msrp", f(p.MSRP)},
		{"distributor_margin_pct", f(p.DistributorMargin)},
		{"retailer_margin_pct", f(p.RetailerMargin)},
		{"volume_commitment", f(p.VolumeCommitment)},
		{"marketing_spend", f(p.MarketingSpend)},
		{"seasonal_adjustment", f(p.SeasonalAdjustment)},
		{"wholesale_price", f(r.WholesalePrice)},
		{"net_price", f(r.NetPrice)},
		{"year1_volume", f(r.Year1Volume)},
		{"year2_volume", f(r.Year2Volume)},
		{"year3_volume", f(r.Year3Volume)},
		{"year1_revenue", f(r.Year1Revenue)},
		{"year2_revenue", f(r.Year2Revenue)},
		{"year3_revenue", f(r.Year3Revenue)},
		{"total_revenue", f(r.TotalRevenue)},
		{"roi", strconv.FormatFloat(r.ROI, 'f', 4, 64)},
		{"break_even_units", f(r.BreakEvenUnits)},
		{"payback_months", f(r.PaybackMonths)},
		{"estimated", strconv.FormatBool(r.Estimated)},
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}
