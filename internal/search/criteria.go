// Package search models the portal's search parameters: report and fund type
// enumerations, user criteria validation, and the DataTables aoData payload.
package search

import (
	"regexp"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sinodata/fundreports/internal/model"
)

// Page size bounds accepted by validation. The portal itself caps pages at 20
// rows regardless of what is requested.
const (
	MinPageSize = 1
	MaxPageSize = 100
)

var fundCodeRe = regexp.MustCompile(`^\d{6}$`)

// Criteria is the validated search request against the disclosure portal.
// Year is required for every report type except FUND_PROFILE.
type Criteria struct {
	Year                 int             `json:"year,omitempty"`
	ReportType           model.ReportType `json:"report_type"`
	FundType             model.FundType   `json:"fund_type,omitempty"`
	FundCompanyShortName string          `json:"fund_company_short_name,omitempty"`
	FundCode             string          `json:"fund_code,omitempty"`
	FundShortName        string          `json:"fund_short_name,omitempty"`
	StartUploadDate      *time.Time      `json:"start_upload_date,omitempty"`
	EndUploadDate        *time.Time      `json:"end_upload_date,omitempty"`
	Page                 int             `json:"page"`
	PageSize             int             `json:"page_size"`
}

// Validate checks the criteria against the portal's parameter contract.
func (c *Criteria) Validate() error {
	if c.Page < 1 {
		return model.WrapKind(model.ErrKindValidation, eris.New("search: page must be >= 1"))
	}
	if c.PageSize < MinPageSize || c.PageSize > MaxPageSize {
		return model.WrapKind(model.ErrKindValidation,
			eris.Errorf("search: page_size must be in [%d,%d]", MinPageSize, MaxPageSize))
	}
	if !c.ReportType.Valid() {
		return model.WrapKind(model.ErrKindValidation, eris.Errorf("search: unknown report type %q", c.ReportType))
	}
	if c.ReportType != model.ReportTypeFundProfile && c.Year == 0 {
		return model.WrapKind(model.ErrKindValidation,
			eris.New("search: year is required unless report_type is FUND_PROFILE"))
	}
	if c.FundType != "" && !c.FundType.Valid() {
		return model.WrapKind(model.ErrKindValidation, eris.Errorf("search: unknown fund type %q", c.FundType))
	}
	if c.FundCode != "" && !fundCodeRe.MatchString(c.FundCode) {
		return model.WrapKind(model.ErrKindValidation, eris.Errorf("search: fund_code %q must be six digits", c.FundCode))
	}
	if c.StartUploadDate != nil && c.EndUploadDate != nil && c.StartUploadDate.After(*c.EndUploadDate) {
		return model.WrapKind(model.ErrKindValidation, eris.New("search: upload date range start is after end"))
	}
	return nil
}
