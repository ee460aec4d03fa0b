package parser

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/parser/xbrl"
)

// htmlBaseConfidence is the starting confidence for heuristic extraction;
// each successfully extracted section raises it, capped below certainty.
const (
	htmlBaseConfidence = 0.7
	htmlMaxConfidence  = 0.95
)

// scalarLabels maps report field names to the label texts that precede their
// values in disclosure tables. Aliases are ordered by specificity.
var scalarLabels = map[string][]string{
	"fund_code":        {"基金代码", "基金主代码"},
	"fund_name":        {"基金名称", "基金全称"},
	"fund_manager":     {"基金管理人", "基金管理人名称"},
	"net_asset_value":  {"基金份额净值", "份额净值"},
	"total_net_assets": {"基金资产净值", "期末基金资产净值", "资产净值"},
}

// Column header aliases. Extraction always matches headers by text, never by
// fixed column position.
var (
	holdingRankHeaders   = []string{"序号"}
	holdingCodeHeaders   = []string{"股票代码", "证券代码", "债券代码"}
	holdingNameHeaders   = []string{"股票名称", "证券名称", "债券名称"}
	holdingSharesHeaders = []string{"数量", "持仓数量", "数量（股）", "数量(股)"}
	holdingValueHeaders  = []string{"公允价值", "市值", "金额"}
	ratioHeaders         = []string{"占基金资产净值比例", "占净值比例", "比例"}
	industryHeaders      = []string{"行业类别", "行业", "行业分类"}
	assetItemHeaders     = []string{"项目", "资产", "资产类别"}
	assetValueHeaders    = []string{"金额", "公允价值", "市值"}
)

var chineseDateRe = regexp.MustCompile(`(\d{4})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日`)

// ParseHTML extracts a fund report from a plain HTML disclosure page by
// matching table headers and scalar labels.
func ParseHTML(content []byte, ref model.ReportRef) (*model.ParsedFundReport, error) {
	utf8Content, err := DecodeToUTF8(content)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(utf8Content))
	if err != nil {
		return nil, model.WrapKind(model.ErrKindParse, eris.Wrap(err, "parser: parse html"))
	}

	report := &model.ParsedFundReport{
		ParserKind: model.ParserKindHTML,
		Confidence: htmlBaseConfidence,
	}

	sections := 0
	if extractScalars(doc, report) {
		sections++
	}
	if holdings := extractHoldings(doc, report); len(holdings) > 0 {
		report.TopHoldings = holdings
		sections++
	}
	if industries := extractIndustries(doc, report); len(industries) > 0 {
		report.IndustryAllocations = industries
		sections++
	}
	if allocs := extractAssetAllocations(doc, report); len(allocs) > 0 {
		report.AssetAllocations = allocs
		sections++
	}

	if report.FundCode == "" {
		if ref.FundCode == "" {
			return nil, model.WrapKind(model.ErrKindParse, eris.New("parser: html page carries no fund code"))
		}
		report.FundCode = ref.FundCode
		report.AddWarning("fund code taken from search result, not page")
	}
	if report.FundName == "" {
		report.FundName = ref.FundShortName
	}
	if report.FundManager == "" {
		report.FundManager = ref.OrganizationName
	}

	if rt, ok := model.ReportTypeFromDesc(ref.ReportDesc); ok {
		report.ReportType = rt
	}

	report.ReportPeriodEnd = latestChineseDate(doc.Text())
	if report.ReportPeriodEnd.IsZero() {
		return nil, model.WrapKind(model.ErrKindParse, eris.New("parser: report period end not found in page"))
	}

	if sections == 0 {
		return nil, model.WrapKind(model.ErrKindParse, eris.New("parser: no recognizable report sections in page"))
	}

	report.Confidence = htmlBaseConfidence + 0.05*float64(sections)
	if report.Confidence > htmlMaxConfidence {
		report.Confidence = htmlMaxConfidence
	}
	return report, nil
}

func cellText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), "")
}

func matchesAny(text string, aliases []string) bool {
	for _, a := range aliases {
		if strings.Contains(text, a) {
			return true
		}
	}
	return false
}

// extractScalars walks label cells and takes the next cell in the row as the
// value. Reports whether anything was found.
func extractScalars(doc *goquery.Document, report *model.ParsedFundReport) bool {
	values := make(map[string]string)

	doc.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
		label := cellText(cell)
		if label == "" {
			return
		}
		for field, aliases := range scalarLabels {
			if _, done := values[field]; done {
				continue
			}
			if !matchesAny(label, aliases) {
				continue
			}
			value := cellText(cell.NextFiltered("td"))
			if value == "" {
				value = cellText(cell.Next())
			}
			if value != "" && value != label {
				values[field] = value
			}
		}
	})

	report.FundCode = firstSixDigits(values["fund_code"])
	report.FundName = values["fund_name"]
	report.FundManager = values["fund_manager"]

	if v, ok := values["net_asset_value"]; ok {
		if d, err := parseDecimalFact(xbrl.Fact{Value: v}); err == nil {
			report.NetAssetValue = &d
		}
	}
	if v, ok := values["total_net_assets"]; ok {
		if d, err := parseDecimalFact(xbrl.Fact{Value: v}); err == nil {
			report.TotalNetAssets = &d
		}
	}

	return len(values) > 0
}

var sixDigitsRe = regexp.MustCompile(`\d{6}`)

func firstSixDigits(s string) string {
	return sixDigitsRe.FindString(s)
}

// headerIndex locates the column index whose header matches any alias.
func headerIndex(headers []string, aliases []string) int {
	for i, h := range headers {
		if matchesAny(h, aliases) {
			return i
		}
	}
	return -1
}

// tableRows returns the header texts and body cell texts of a table. The
// header is the first row containing th cells, or the first row.
func tableRowsOf(table *goquery.Selection) (headers []string, rows [][]string) {
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("td, th").Each(func(_ int, c *goquery.Selection) {
			cells = append(cells, cellText(c))
		})
		if len(cells) == 0 {
			return
		}
		if headers == nil {
			headers = cells
			return
		}
		rows = append(rows, cells)
	})
	return headers, rows
}

func cellAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func extractHoldings(doc *goquery.Document, report *model.ParsedFundReport) []model.Holding {
	var holdings []model.Holding

	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		headers, rows := tableRowsOf(table)
		codeIdx := headerIndex(headers, holdingCodeHeaders)
		valueIdx := headerIndex(headers, holdingValueHeaders)
		if codeIdx < 0 || valueIdx < 0 {
			return true
		}
		rankIdx := headerIndex(headers, holdingRankHeaders)
		nameIdx := headerIndex(headers, holdingNameHeaders)
		sharesIdx := headerIndex(headers, holdingSharesHeaders)
		ratioIdx := headerIndex(headers, ratioHeaders)

		for i, row := range rows {
			h := model.Holding{
				Rank:         i + 1,
				SecurityCode: cellAt(row, codeIdx),
				SecurityName: cellAt(row, nameIdx),
			}
			if r := cellAt(row, rankIdx); r != "" {
				if n, err := strconv.Atoi(r); err == nil {
					h.Rank = n
				}
			}
			if v := cellAt(row, sharesIdx); v != "" {
				if d, err := parseDecimalFact(xbrl.Fact{Value: v}); err == nil {
					n := d.IntPart()
					h.Shares = &n
				}
			}
			if v := cellAt(row, valueIdx); v != "" {
				d, err := parseDecimalFact(xbrl.Fact{Value: v})
				if err != nil {
					continue
				}
				h.MarketValue = d
			}
			if v := cellAt(row, ratioIdx); v != "" {
				h.NetValueRatio = normalizeRatio(xbrl.Fact{Value: v}, report)
			}
			if h.SecurityCode == "" {
				continue
			}
			holdings = append(holdings, h)
		}
		return len(holdings) == 0
	})

	return holdings
}

func extractIndustries(doc *goquery.Document, report *model.ParsedFundReport) []model.IndustryAllocation {
	var out []model.IndustryAllocation

	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		headers, rows := tableRowsOf(table)
		indIdx := headerIndex(headers, industryHeaders)
		valueIdx := headerIndex(headers, holdingValueHeaders)
		if indIdx < 0 || valueIdx < 0 {
			return true
		}
		// Skip holdings tables whose code column also matched.
		if headerIndex(headers, holdingCodeHeaders) >= 0 {
			return true
		}
		ratioIdx := headerIndex(headers, ratioHeaders)

		for _, row := range rows {
			name := cellAt(row, indIdx)
			if name == "" || matchesAny(name, []string{"合计", "总计"}) {
				continue
			}
			ia := model.IndustryAllocation{IndustryName: name}
			if v := cellAt(row, valueIdx); v != "" {
				if d, err := parseDecimalFact(xbrl.Fact{Value: v}); err == nil {
					ia.MarketValue = d
				} else {
					continue
				}
			}
			if v := cellAt(row, ratioIdx); v != "" {
				ia.NetValueRatio = normalizeRatio(xbrl.Fact{Value: v}, report)
			}
			out = append(out, ia)
		}
		return len(out) == 0
	})

	return out
}

func extractAssetAllocations(doc *goquery.Document, report *model.ParsedFundReport) []model.AssetAllocation {
	var out []model.AssetAllocation

	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		headers, rows := tableRowsOf(table)
		itemIdx := headerIndex(headers, assetItemHeaders)
		valueIdx := headerIndex(headers, assetValueHeaders)
		ratioIdx := headerIndex(headers, ratioHeaders)
		if itemIdx < 0 || valueIdx < 0 || ratioIdx < 0 {
			return true
		}
		// Holdings and industry tables are handled elsewhere.
		if headerIndex(headers, holdingCodeHeaders) >= 0 || headerIndex(headers, industryHeaders) >= 0 {
			return true
		}

		for _, row := range rows {
			name := cellAt(row, itemIdx)
			if name == "" || matchesAny(name, []string{"合计", "总计"}) {
				continue
			}
			a := model.AssetAllocation{AssetType: name}
			v := cellAt(row, valueIdx)
			d, err := parseDecimalFact(xbrl.Fact{Value: v})
			if err != nil {
				continue
			}
			a.MarketValue = d
			if r := cellAt(row, ratioIdx); r != "" {
				a.NetValueRatio = normalizeRatio(xbrl.Fact{Value: r}, report)
			}
			out = append(out, a)
		}
		return len(out) == 0
	})

	return out
}

// latestChineseDate finds the latest YYYY年MM月DD日 date in the page text,
// which in periodic reports is the period end.
func latestChineseDate(text string) time.Time {
	var latest time.Time
	for _, m := range chineseDateRe.FindAllStringSubmatch(text, -1) {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			continue
		}
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}
