package search

import (
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sinodata/fundreports/internal/model"
)

// aoField is one name/value entry in the DataTables aoData array. The portal
// expects numbers for the paging fields and strings elsewhere; absent
// optionals are sent as empty strings, never omitted.
type aoField struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

const uploadDateLayout = "2006-01-02"

// AoData composes the portal's aoData array for the criteria. The field set
// and ordering are a contract with the portal and must not change.
func (c *Criteria) AoData() []byte {
	reportYear := ""
	if c.ReportType != model.ReportTypeFundProfile {
		reportYear = strconv.Itoa(c.Year)
	}

	startDate := ""
	if c.StartUploadDate != nil {
		startDate = c.StartUploadDate.Format(uploadDateLayout)
	}
	endDate := ""
	if c.EndUploadDate != nil {
		endDate = c.EndUploadDate.Format(uploadDateLayout)
	}

	fields := []aoField{
		{"sEcho", c.Page},
		{"iColumns", 6},
		{"sColumns", ",,,,,"},
		{"iDisplayStart", (c.Page - 1) * c.PageSize},
		{"iDisplayLength", c.PageSize},
		{"mDataProp_0", "fundCode"},
		{"mDataProp_1", "fundId"},
		{"mDataProp_2", "organName"},
		{"mDataProp_3", "reportSendDate"},
		{"mDataProp_4", "reportDesp"},
		{"mDataProp_5", "uploadInfoId"},
		{"fundType", c.FundType.PortalCode()},
		{"reportTypeCode", c.ReportType.PortalCode()},
		{"reportYear", reportYear},
		{"fundCompanyShortName", c.FundCompanyShortName},
		{"fundCode", c.FundCode},
		{"fundShortName", c.FundShortName},
		{"startUploadDate", startDate},
		{"endUploadDate", endDate},
	}

	// Marshaling a slice of flat fields cannot fail.
	data, err := json.Marshal(fields)
	if err != nil {
		panic(eris.Wrap(err, "search: marshal aoData"))
	}
	return data
}
