package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportRef identifies one disclosed report on the portal. UploadInfoID is the
// portal's opaque handle and the only field required to fetch the artifact.
type ReportRef struct {
	UploadInfoID     string    `json:"upload_info_id"`
	FundCode         string    `json:"fund_code"`
	FundShortName    string    `json:"fund_short_name"`
	OrganizationName string    `json:"organization_name"`
	ReportSendDate   time.Time `json:"report_send_date"`
	ReportDesc       string    `json:"report_desc"`
}

// ArtifactRecord describes a downloaded report file for audit purposes.
type ArtifactRecord struct {
	URL       string    `json:"url"`
	FilePath  string    `json:"file_path"`
	Bytes     int64     `json:"bytes"`
	SHA256    string    `json:"sha256"`
	FetchedAt time.Time `json:"fetched_at"`
}

// AssetAllocation is one row of a fund's asset-class breakdown.
type AssetAllocation struct {
	AssetType     string          `json:"asset_type"`
	AssetSubtype  string          `json:"asset_subtype,omitempty"`
	MarketValue   decimal.Decimal `json:"market_value"`
	NetValueRatio decimal.Decimal `json:"net_value_ratio"`
}

// Holding is one row of a fund's top-holdings table.
type Holding struct {
	Rank          int             `json:"rank"`
	SecurityCode  string          `json:"security_code"`
	SecurityName  string          `json:"security_name"`
	Shares        *int64          `json:"shares,omitempty"`
	MarketValue   decimal.Decimal `json:"market_value"`
	NetValueRatio decimal.Decimal `json:"net_value_ratio"`
}

// IndustryAllocation is one row of a fund's industry breakdown.
type IndustryAllocation struct {
	IndustryName  string          `json:"industry_name"`
	MarketValue   decimal.Decimal `json:"market_value"`
	NetValueRatio decimal.Decimal `json:"net_value_ratio"`
}

// ParsedFundReport is the aggregate produced by the parser engine and consumed
// by the persistence layer. Monetary and ratio fields are arbitrary-precision
// decimals; unset optionals stay nil and are never guessed.
type ParsedFundReport struct {
	FundCode          string     `json:"fund_code"`
	FundName          string     `json:"fund_name"`
	FundManager       string     `json:"fund_manager,omitempty"`
	ReportType        ReportType `json:"report_type"`
	ReportPeriodStart *time.Time `json:"report_period_start,omitempty"`
	ReportPeriodEnd   time.Time  `json:"report_period_end"`

	NetAssetValue  *decimal.Decimal `json:"net_asset_value,omitempty"`
	TotalNetAssets *decimal.Decimal `json:"total_net_assets,omitempty"`
	PeriodProfit   *decimal.Decimal `json:"period_profit,omitempty"`

	AssetAllocations    []AssetAllocation    `json:"asset_allocations,omitempty"`
	TopHoldings         []Holding            `json:"top_holdings,omitempty"`
	IndustryAllocations []IndustryAllocation `json:"industry_allocations,omitempty"`

	ParserKind      ParserKind `json:"parser_kind"`
	TaxonomyVersion string     `json:"taxonomy_version,omitempty"`
	Confidence      float64    `json:"confidence"`
	Warnings        []string   `json:"warnings,omitempty"`
}

// AddWarning appends a warning message to the report.
func (r *ParsedFundReport) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
