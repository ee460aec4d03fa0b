package parser

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/parser/xbrl"
	"github.com/sinodata/fundreports/internal/taxonomy"
)

// Scalar field names recognized in mapping configs.
const (
	fieldFundCode        = "fund_code"
	fieldFundName        = "fund_name"
	fieldFundManager     = "fund_manager"
	fieldReportType      = "report_type"
	fieldNetAssetValue   = "net_asset_value"
	fieldTotalNetAssets  = "total_net_assets"
	fieldPeriodProfit    = "period_profit"
	fieldReportPeriodEnd = "report_period_end"
)

// ratioSumTolerance bounds how far asset-allocation ratios may drift from
// summing to one before the report is flagged.
const ratioSumTolerance = 0.02

var one = decimal.NewFromInt(1)
var percentThreshold = decimal.NewFromFloat(1.5)
var hundred = decimal.NewFromInt(100)

// Mapper turns extracted XBRL facts into a ParsedFundReport using a
// taxonomy-version-specific concept mapping.
type Mapper struct {
	mapping *taxonomy.MappingConfig
	tax     *taxonomy.Taxonomy
}

// NewMapper creates a Mapper. tax may be nil; it is only needed to resolve
// dimension member labels.
func NewMapper(mapping *taxonomy.MappingConfig, tax *taxonomy.Taxonomy) *Mapper {
	return &Mapper{mapping: mapping, tax: tax}
}

// localName strips an optional namespace prefix from a concept qname.
func localName(qname string) string {
	if i := strings.IndexByte(qname, ':'); i >= 0 {
		return qname[i+1:]
	}
	return qname
}

// factIndex groups facts by concept local name for candidate lookups.
type factIndex map[string][]xbrl.Fact

func indexFacts(doc *xbrl.Document) factIndex {
	idx := make(factIndex, len(doc.Facts))
	for _, f := range doc.Facts {
		idx[f.Concept] = append(idx[f.Concept], f)
	}
	return idx
}

// firstFact returns the first non-empty fact matching any candidate concept,
// in candidate order.
func (idx factIndex) firstFact(candidates []string) (xbrl.Fact, bool) {
	for _, cand := range candidates {
		for _, f := range idx[localName(cand)] {
			if strings.TrimSpace(f.Value) != "" {
				return f, true
			}
		}
	}
	return xbrl.Fact{}, false
}

// Map builds the report aggregate. ref supplies fallbacks for identification
// fields missing from the facts.
func (m *Mapper) Map(doc *xbrl.Document, ref model.ReportRef, kind model.ParserKind) (*model.ParsedFundReport, error) {
	if len(doc.Facts) == 0 {
		return nil, model.WrapKind(model.ErrKindParse, eris.New("parser: instance has no facts"))
	}

	idx := indexFacts(doc)
	report := &model.ParsedFundReport{
		ParserKind: kind,
		Confidence: 1.0,
	}
	if m.tax != nil {
		report.TaxonomyVersion = m.tax.Version
	}

	m.mapScalars(idx, doc, ref, report)
	m.mapTables(idx, doc, report)
	m.mapAssetGroups(idx, report)
	m.validateRatios(report)

	if report.FundCode == "" {
		return nil, model.WrapKind(model.ErrKindParse, eris.New("parser: fund code missing from facts and search result"))
	}
	if report.ReportPeriodEnd.IsZero() {
		return nil, model.WrapKind(model.ErrKindParse, eris.New("parser: report period end could not be determined"))
	}

	if report.Confidence < 0 {
		report.Confidence = 0
	}
	return report, nil
}

func (m *Mapper) mapScalars(idx factIndex, doc *xbrl.Document, ref model.ReportRef, report *model.ParsedFundReport) {
	scalarString := func(field string) (string, bool) {
		f, ok := idx.firstFact(m.mapping.Scalars[field])
		if !ok {
			return "", false
		}
		return strings.TrimSpace(f.Value), true
	}

	if v, ok := scalarString(fieldFundCode); ok {
		report.FundCode = v
	} else if ref.FundCode != "" {
		report.FundCode = ref.FundCode
		report.AddWarning("fund code taken from search result, not facts")
	}

	if v, ok := scalarString(fieldFundName); ok {
		report.FundName = v
	} else if ref.FundShortName != "" {
		report.FundName = ref.FundShortName
		report.AddWarning("fund name taken from search result, not facts")
	}

	if v, ok := scalarString(fieldFundManager); ok {
		report.FundManager = v
	} else {
		report.FundManager = ref.OrganizationName
	}

	report.ReportType = m.resolveReportType(idx, ref, report)

	for field, dst := range map[string]**decimal.Decimal{
		fieldNetAssetValue:  &report.NetAssetValue,
		fieldTotalNetAssets: &report.TotalNetAssets,
		fieldPeriodProfit:   &report.PeriodProfit,
	} {
		f, ok := idx.firstFact(m.mapping.Scalars[field])
		if !ok {
			continue
		}
		d, err := parseDecimalFact(f)
		if err != nil {
			report.AddWarning("unparseable value for " + field + ": " + f.Value)
			continue
		}
		*dst = &d
	}

	m.resolvePeriod(idx, doc, report)
}

func (m *Mapper) resolveReportType(idx factIndex, ref model.ReportRef, report *model.ParsedFundReport) model.ReportType {
	if f, ok := idx.firstFact(m.mapping.Scalars[fieldReportType]); ok {
		v := strings.TrimSpace(f.Value)
		if rt, ok := model.ReportTypeFromPortalCode(v); ok {
			return rt
		}
		if rt, ok := model.ReportTypeFromDesc(v); ok {
			return rt
		}
	}
	if rt, ok := model.ReportTypeFromDesc(ref.ReportDesc); ok {
		return rt
	}
	report.AddWarning("report type could not be determined")
	report.Confidence -= 0.1
	return ""
}

// resolvePeriod prefers the context of an explicit period-end concept, then
// falls back to the latest period end seen across fact contexts.
func (m *Mapper) resolvePeriod(idx factIndex, doc *xbrl.Document, report *model.ParsedFundReport) {
	if f, ok := idx.firstFact(m.mapping.Scalars[fieldReportPeriodEnd]); ok {
		if t, err := time.Parse("2006-01-02", strings.TrimSpace(f.Value)); err == nil {
			report.ReportPeriodEnd = t
		}
	}

	var latestEnd, latestStart time.Time
	for _, f := range doc.Facts {
		ctx, ok := doc.Context(f)
		if !ok {
			continue
		}
		if end := ctx.PeriodEndDate(); end.After(latestEnd) {
			latestEnd = end
			latestStart = ctx.PeriodStart
		}
	}

	if report.ReportPeriodEnd.IsZero() {
		report.ReportPeriodEnd = latestEnd
	}
	if !latestStart.IsZero() {
		report.ReportPeriodStart = &latestStart
	}
}

func (m *Mapper) mapTables(idx factIndex, doc *xbrl.Document, report *model.ParsedFundReport) {
	for _, tbl := range m.mapping.Tables {
		var rows []tableRow
		switch tbl.GroupBy {
		case taxonomy.GroupByContext:
			rows = groupByContext(idx, tbl)
		case taxonomy.GroupByDimension:
			rows = m.groupByDimension(idx, doc, tbl)
		}
		if len(rows) == 0 {
			continue
		}

		switch tbl.Target {
		case taxonomy.TableTopHoldings:
			report.TopHoldings = buildHoldings(rows, report)
		case taxonomy.TableIndustryAllocations:
			report.IndustryAllocations = buildIndustries(rows, report)
		}
	}
}

func sortedFields(tbl taxonomy.TableMapping) []string {
	fields := make([]string, 0, len(tbl.Fields))
	for f := range tbl.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// tableRow is one assembled row before conversion to a typed table entry.
type tableRow struct {
	key    string
	label  string
	values map[string]xbrl.Fact
}

func groupByContext(idx factIndex, tbl taxonomy.TableMapping) []tableRow {
	byCtx := make(map[string]*tableRow)
	var order []string

	for _, field := range sortedFields(tbl) {
		for _, cand := range tbl.Fields[field] {
			for _, f := range idx[localName(cand)] {
				row, ok := byCtx[f.ContextRef]
				if !ok {
					row = &tableRow{key: f.ContextRef, values: make(map[string]xbrl.Fact)}
					byCtx[f.ContextRef] = row
					order = append(order, f.ContextRef)
				}
				if _, exists := row.values[field]; !exists {
					row.values[field] = f
				}
			}
		}
	}

	rows := make([]tableRow, 0, len(order))
	for _, key := range order {
		rows = append(rows, *byCtx[key])
	}
	return rows
}

func (m *Mapper) groupByDimension(idx factIndex, doc *xbrl.Document, tbl taxonomy.TableMapping) []tableRow {
	byMember := make(map[string]*tableRow)
	var order []string

	for _, field := range sortedFields(tbl) {
		for _, cand := range tbl.Fields[field] {
			for _, f := range idx[localName(cand)] {
				ctx, ok := doc.Context(f)
				if !ok {
					continue
				}
				member := ctx.Dimensions[tbl.Axis]
				if member == "" {
					continue
				}
				row, ok := byMember[member]
				if !ok {
					row = &tableRow{key: member, label: m.memberLabel(member), values: make(map[string]xbrl.Fact)}
					byMember[member] = row
					order = append(order, member)
				}
				if _, exists := row.values[field]; !exists {
					row.values[field] = f
				}
			}
		}
	}

	rows := make([]tableRow, 0, len(order))
	for _, key := range order {
		rows = append(rows, *byMember[key])
	}
	return rows
}

// memberLabel resolves a dimension member qname to its Chinese label, falling
// back to the bare local name.
func (m *Mapper) memberLabel(member string) string {
	if m.tax != nil {
		if c, ok := m.tax.Get(member); ok && c.Label != "" {
			return c.Label
		}
	}
	return strings.TrimSuffix(localName(member), "Member")
}

func buildHoldings(rows []tableRow, report *model.ParsedFundReport) []model.Holding {
	holdings := make([]model.Holding, 0, len(rows))
	for _, row := range rows {
		h := model.Holding{}
		if f, ok := row.values["rank"]; ok {
			if n, err := strconv.Atoi(strings.TrimSpace(f.Value)); err == nil {
				h.Rank = n
			}
		}
		if f, ok := row.values["security_code"]; ok {
			h.SecurityCode = strings.TrimSpace(f.Value)
		}
		if f, ok := row.values["security_name"]; ok {
			h.SecurityName = strings.TrimSpace(f.Value)
		}
		if f, ok := row.values["shares"]; ok {
			if d, err := parseDecimalFact(f); err == nil {
				n := d.IntPart()
				h.Shares = &n
			}
		}
		if f, ok := row.values["market_value"]; ok {
			if d, err := parseDecimalFact(f); err == nil {
				h.MarketValue = d
			} else {
				report.AddWarning("unparseable holding market value: " + f.Value)
			}
		}
		if f, ok := row.values["net_value_ratio"]; ok {
			h.NetValueRatio = normalizeRatio(f, report)
		}
		if h.SecurityCode == "" && h.SecurityName == "" && h.MarketValue.IsZero() {
			continue
		}
		holdings = append(holdings, h)
	}

	ranked := false
	for _, h := range holdings {
		if h.Rank > 0 {
			ranked = true
			break
		}
	}
	if ranked {
		sort.SliceStable(holdings, func(i, j int) bool { return holdings[i].Rank < holdings[j].Rank })
	} else {
		sort.SliceStable(holdings, func(i, j int) bool {
			return holdings[i].MarketValue.GreaterThan(holdings[j].MarketValue)
		})
		for i := range holdings {
			holdings[i].Rank = i + 1
		}
	}
	return holdings
}

func buildIndustries(rows []tableRow, report *model.ParsedFundReport) []model.IndustryAllocation {
	out := make([]model.IndustryAllocation, 0, len(rows))
	for _, row := range rows {
		ia := model.IndustryAllocation{IndustryName: row.label}
		if f, ok := row.values["industry_name"]; ok {
			ia.IndustryName = strings.TrimSpace(f.Value)
		}
		if f, ok := row.values["market_value"]; ok {
			if d, err := parseDecimalFact(f); err == nil {
				ia.MarketValue = d
			}
		}
		if f, ok := row.values["net_value_ratio"]; ok {
			ia.NetValueRatio = normalizeRatio(f, report)
		}
		if ia.IndustryName == "" {
			continue
		}
		out = append(out, ia)
	}
	return out
}

func (m *Mapper) mapAssetGroups(idx factIndex, report *model.ParsedFundReport) {
	for _, grp := range m.mapping.AssetGroups {
		alloc := model.AssetAllocation{AssetType: grp.AssetType}
		found := false

		if f, ok := idx.firstFact(grp.MarketValue); ok {
			if d, err := parseDecimalFact(f); err == nil {
				alloc.MarketValue = d
				found = true
			}
		}
		if f, ok := idx.firstFact(grp.Ratio); ok {
			alloc.NetValueRatio = normalizeRatio(f, report)
			found = true
		}

		if found {
			report.AssetAllocations = append(report.AssetAllocations, alloc)
		}
	}
}

// validateRatios checks that asset-allocation ratios sum close to one. A
// drifting sum lowers confidence rather than failing the parse.
func (m *Mapper) validateRatios(report *model.ParsedFundReport) {
	if len(report.AssetAllocations) == 0 {
		return
	}
	sum := decimal.Zero
	for _, a := range report.AssetAllocations {
		sum = sum.Add(a.NetValueRatio)
	}
	drift := sum.Sub(one).Abs()
	if drift.GreaterThan(decimal.NewFromFloat(ratioSumTolerance)) {
		report.AddWarning("asset allocation ratios sum to " + sum.String())
		report.Confidence -= 0.1
		zap.L().Debug("asset allocation ratio drift",
			zap.String("fund_code", report.FundCode),
			zap.String("sum", sum.String()),
		)
	}
}

// parseDecimalFact parses a numeric fact value, stripping grouping and
// percent characters, then rounds to the precision the decimals attribute
// declares.
func parseDecimalFact(f xbrl.Fact) (decimal.Decimal, error) {
	d, err := parseDecimalString(f.Value)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if f.Decimals != "" && f.Decimals != "INF" {
		if places, err := strconv.ParseInt(f.Decimals, 10, 32); err == nil {
			d = d.Round(int32(places))
		}
	}
	return d, nil
}

// parseDecimalString parses a number, stripping grouping and percent
// characters. A trailing percent sign scales the value down by 100.
func parseDecimalString(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.NewReplacer(",", "", "，", "", " ", "").Replace(s)
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, eris.Wrapf(err, "parser: parse number %q", raw)
	}
	if percent {
		d = d.Div(hundred)
	}
	return d, nil
}

// normalizeRatio parses a ratio fact into the [0,1] range. Values above 1.5
// are treated as percentages; anything still out of range is clamped with a
// warning.
func normalizeRatio(f xbrl.Fact, report *model.ParsedFundReport) decimal.Decimal {
	d, err := parseDecimalFact(f)
	if err != nil {
		report.AddWarning("unparseable ratio: " + f.Value)
		return decimal.Zero
	}
	if d.GreaterThan(percentThreshold) {
		d = d.Div(hundred)
	}
	if d.LessThan(decimal.Zero) {
		report.AddWarning("negative ratio clamped: " + f.Value)
		return decimal.Zero
	}
	if d.GreaterThan(one) {
		report.AddWarning("ratio above one clamped: " + f.Value)
		return one
	}
	return d
}
