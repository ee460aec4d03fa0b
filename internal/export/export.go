// Package export renders persisted fund reports as an xlsx workbook with one
// sheet per table: report summary, holdings, industry and asset breakdowns.
package export

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/tealeg/xlsx/v2"

	"github.com/sinodata/fundreports/internal/store"
)

const dateLayout = "2006-01-02"

// Write renders records into w as an xlsx workbook.
func Write(records []store.FundReportRecord, w io.Writer) error {
	file := xlsx.NewFile()

	if err := writeReports(file, records); err != nil {
		return err
	}
	if err := writeHoldings(file, records); err != nil {
		return err
	}
	if err := writeIndustries(file, records); err != nil {
		return err
	}
	if err := writeAssets(file, records); err != nil {
		return err
	}

	if err := file.Write(w); err != nil {
		return eris.Wrap(err, "export: write workbook")
	}
	return nil
}

// WriteFile renders records into an xlsx workbook at path.
func WriteFile(records []store.FundReportRecord, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := Write(records, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "export: close %s", path)
	}
	return nil
}

func addHeader(sheet *xlsx.Sheet, names ...string) {
	row := sheet.AddRow()
	for _, name := range names {
		row.AddCell().Value = name
	}
}

func addCells(row *xlsx.Row, values ...string) {
	for _, v := range values {
		row.AddCell().Value = v
	}
}

func decOrEmpty(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func optDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}

func writeReports(file *xlsx.File, records []store.FundReportRecord) error {
	sheet, err := file.AddSheet("reports")
	if err != nil {
		return eris.Wrap(err, "export: add reports sheet")
	}
	addHeader(sheet,
		"id", "fund_code", "fund_name", "fund_manager", "report_type",
		"period_start", "period_end", "net_asset_value", "total_net_assets",
		"period_profit", "parser", "taxonomy_version", "confidence", "sha256",
	)
	for _, rec := range records {
		r := rec.Report
		addCells(sheet.AddRow(),
			rec.ID, r.FundCode, r.FundName, r.FundManager, string(r.ReportType),
			optDate(r.ReportPeriodStart), r.ReportPeriodEnd.Format(dateLayout),
			decOrEmpty(r.NetAssetValue), decOrEmpty(r.TotalNetAssets),
			decOrEmpty(r.PeriodProfit), string(r.ParserKind), r.TaxonomyVersion,
			strconv.FormatFloat(r.Confidence, 'f', 2, 64), rec.Artifact.SHA256,
		)
	}
	return nil
}

func writeHoldings(file *xlsx.File, records []store.FundReportRecord) error {
	sheet, err := file.AddSheet("holdings")
	if err != nil {
		return eris.Wrap(err, "export: add holdings sheet")
	}
	addHeader(sheet, "report_id", "fund_code", "period_end", "rank", "security_code", "security_name", "shares", "market_value", "net_value_ratio")
	for _, rec := range records {
		for _, h := range rec.Report.TopHoldings {
			shares := ""
			if h.Shares != nil {
				shares = strconv.FormatInt(*h.Shares, 10)
			}
			addCells(sheet.AddRow(),
				rec.ID, rec.Report.FundCode, rec.Report.ReportPeriodEnd.Format(dateLayout),
				strconv.Itoa(h.Rank), h.SecurityCode, h.SecurityName, shares,
				h.MarketValue.String(), h.NetValueRatio.String(),
			)
		}
	}
	return nil
}

func writeIndustries(file *xlsx.File, records []store.FundReportRecord) error {
	sheet, err := file.AddSheet("industries")
	if err != nil {
		return eris.Wrap(err, "export: add industries sheet")
	}
	addHeader(sheet, "report_id", "fund_code", "period_end", "industry", "market_value", "net_value_ratio")
	for _, rec := range records {
		for _, ind := range rec.Report.IndustryAllocations {
			addCells(sheet.AddRow(),
				rec.ID, rec.Report.FundCode, rec.Report.ReportPeriodEnd.Format(dateLayout),
				ind.IndustryName, ind.MarketValue.String(), ind.NetValueRatio.String(),
			)
		}
	}
	return nil
}

func writeAssets(file *xlsx.File, records []store.FundReportRecord) error {
	sheet, err := file.AddSheet("assets")
	if err != nil {
		return eris.Wrap(err, "export: add assets sheet")
	}
	addHeader(sheet, "report_id", "fund_code", "period_end", "asset_type", "asset_subtype", "market_value", "net_value_ratio")
	for _, rec := range records {
		for _, a := range rec.Report.AssetAllocations {
			addCells(sheet.AddRow(),
				rec.ID, rec.Report.FundCode, rec.Report.ReportPeriodEnd.Format(dateLayout),
				a.AssetType, a.AssetSubtype, a.MarketValue.String(), a.NetValueRatio.String(),
			)
		}
	}
	return nil
}
