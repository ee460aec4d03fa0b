package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/parser/xbrl"
	"github.com/sinodata/fundreports/internal/taxonomy"
)

func testMapping() *taxonomy.MappingConfig {
	return &taxonomy.MappingConfig{
		Version: "csrc_v2.1",
		Scalars: map[string][]string{
			"fund_code":        {"cn:FundCode"},
			"fund_name":        {"cn:FundName"},
			"fund_manager":     {"cn:FundManagerName"},
			"report_type":      {"cn:ReportTypeCode"},
			"net_asset_value":  {"cn:NetAssetValuePerShare"},
			"total_net_assets": {"cn:TotalNetAssets"},
			"period_profit":    {"cn:ProfitForPeriod"},
		},
		Tables: []taxonomy.TableMapping{
			{
				Target:  taxonomy.TableTopHoldings,
				GroupBy: taxonomy.GroupByContext,
				Fields: map[string][]string{
					"security_code":   {"cn:SecuritiesCode"},
					"security_name":   {"cn:SecuritiesName"},
					"market_value":    {"cn:HoldingMarketValue"},
					"net_value_ratio": {"cn:HoldingRatio"},
				},
			},
			{
				Target:  taxonomy.TableIndustryAllocations,
				GroupBy: taxonomy.GroupByDimension,
				Axis:    "cn:IndustryAxis",
				Fields: map[string][]string{
					"market_value":    {"cn:IndustryMarketValue"},
					"net_value_ratio": {"cn:IndustryRatio"},
				},
			},
		},
		AssetGroups: []taxonomy.AssetGroup{
			{AssetType: "股票", MarketValue: []string{"cn:EquityValue"}, Ratio: []string{"cn:EquityRatio"}},
			{AssetType: "债券", MarketValue: []string{"cn:BondValue"}, Ratio: []string{"cn:BondRatio"}},
		},
	}
}

const mapperInstance = `<?xml version="1.0" encoding="UTF-8"?>
<xbrli:xbrl xmlns:xbrli="http://www.xbrl.org/2003/instance"
            xmlns:link="http://www.xbrl.org/2003/linkbase"
            xmlns:xlink="http://www.w3.org/1999/xlink"
            xmlns:xbrldi="http://xbrl.org/2006/xbrldi"
            xmlns:cn="http://www.csrc.gov.cn/taxonomy/csrc-mf">
  <link:schemaRef xlink:type="simple" xlink:href="http://www.csrc.gov.cn/csrc-mf-general-2021.xsd"/>
  <xbrli:context id="AsOf">
    <xbrli:entity><xbrli:identifier scheme="s">017837</xbrli:identifier></xbrli:entity>
    <xbrli:period><xbrli:instant>2024-12-31</xbrli:instant></xbrli:period>
  </xbrli:context>
  <xbrli:context id="Period">
    <xbrli:entity><xbrli:identifier scheme="s">017837</xbrli:identifier></xbrli:entity>
    <xbrli:period><xbrli:startDate>2024-01-01</xbrli:startDate><xbrli:endDate>2024-12-31</xbrli:endDate></xbrli:period>
  </xbrli:context>
  <xbrli:context id="H1">
    <xbrli:entity><xbrli:identifier scheme="s">017837</xbrli:identifier></xbrli:entity>
    <xbrli:period><xbrli:instant>2024-12-31</xbrli:instant></xbrli:period>
  </xbrli:context>
  <xbrli:context id="H2">
    <xbrli:entity><xbrli:identifier scheme="s">017837</xbrli:identifier></xbrli:entity>
    <xbrli:period><xbrli:instant>2024-12-31</xbrli:instant></xbrli:period>
  </xbrli:context>
  <xbrli:context id="IndMfg">
    <xbrli:entity><xbrli:identifier scheme="s">017837</xbrli:identifier></xbrli:entity>
    <xbrli:period><xbrli:instant>2024-12-31</xbrli:instant></xbrli:period>
    <xbrli:scenario>
      <xbrldi:explicitMember dimension="cn:IndustryAxis">cn:ManufacturingMember</xbrldi:explicitMember>
    </xbrli:scenario>
  </xbrli:context>
  <xbrli:unit id="CNY"><xbrli:measure>iso4217:CNY</xbrli:measure></xbrli:unit>

  <cn:FundCode contextRef="AsOf">017837</cn:FundCode>
  <cn:FundName contextRef="AsOf">工银瑞信全球配置混合型证券投资基金</cn:FundName>
  <cn:FundManagerName contextRef="AsOf">工银瑞信基金管理有限公司</cn:FundManagerName>
  <cn:ReportTypeCode contextRef="AsOf">FB010010</cn:ReportTypeCode>
  <cn:NetAssetValuePerShare contextRef="AsOf" unitRef="CNY" decimals="4">1.0523</cn:NetAssetValuePerShare>
  <cn:TotalNetAssets contextRef="AsOf" unitRef="CNY" decimals="2">1,234,567,890.12</cn:TotalNetAssets>
  <cn:ProfitForPeriod contextRef="Period" unitRef="CNY" decimals="2">45678901.23</cn:ProfitForPeriod>

  <cn:SecuritiesCode contextRef="H1">600519</cn:SecuritiesCode>
  <cn:SecuritiesName contextRef="H1">贵州茅台</cn:SecuritiesName>
  <cn:HoldingMarketValue contextRef="H1" unitRef="CNY" decimals="2">50000000.00</cn:HoldingMarketValue>
  <cn:HoldingRatio contextRef="H1">4.05%</cn:HoldingRatio>

  <cn:SecuritiesCode contextRef="H2">000858</cn:SecuritiesCode>
  <cn:SecuritiesName contextRef="H2">五粮液</cn:SecuritiesName>
  <cn:HoldingMarketValue contextRef="H2" unitRef="CNY" decimals="2">80000000.00</cn:HoldingMarketValue>
  <cn:HoldingRatio contextRef="H2">6.48</cn:HoldingRatio>

  <cn:IndustryMarketValue contextRef="IndMfg" unitRef="CNY" decimals="2">300000000.00</cn:IndustryMarketValue>
  <cn:IndustryRatio contextRef="IndMfg">24.3</cn:IndustryRatio>

  <cn:EquityValue contextRef="AsOf" unitRef="CNY" decimals="2">900000000.00</cn:EquityValue>
  <cn:EquityRatio contextRef="AsOf">0.729</cn:EquityRatio>
  <cn:BondValue contextRef="AsOf" unitRef="CNY" decimals="2">334567890.12</cn:BondValue>
  <cn:BondRatio contextRef="AsOf">0.271</cn:BondRatio>
</xbrli:xbrl>`

func mapperRef() model.ReportRef {
	return model.ReportRef{
		UploadInfoID:     "19052421",
		FundCode:         "017837",
		FundShortName:    "工银瑞信全球配置",
		OrganizationName: "工银瑞信基金管理有限公司",
		ReportDesc:       "2024年年度报告",
	}
}

func parseInstance(t *testing.T, src string) *xbrl.Document {
	t.Helper()
	doc, err := xbrl.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return doc
}

func TestMap(t *testing.T) {
	doc := parseInstance(t, mapperInstance)
	m := NewMapper(testMapping(), nil)

	report, err := m.Map(doc, mapperRef(), model.ParserKindXBRL)
	require.NoError(t, err)

	assert.Equal(t, "017837", report.FundCode)
	assert.Equal(t, "工银瑞信全球配置混合型证券投资基金", report.FundName)
	assert.Equal(t, "工银瑞信基金管理有限公司", report.FundManager)
	assert.Equal(t, model.ReportTypeAnnual, report.ReportType)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), report.ReportPeriodEnd)
	require.NotNil(t, report.ReportPeriodStart)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *report.ReportPeriodStart)

	require.NotNil(t, report.NetAssetValue)
	assert.True(t, report.NetAssetValue.Equal(decimal.RequireFromString("1.0523")))
	require.NotNil(t, report.TotalNetAssets)
	assert.True(t, report.TotalNetAssets.Equal(decimal.RequireFromString("1234567890.12")))
	require.NotNil(t, report.PeriodProfit)
	assert.True(t, report.PeriodProfit.Equal(decimal.RequireFromString("45678901.23")))

	require.Len(t, report.TopHoldings, 2)
	// No explicit rank, so rows sort by market value descending.
	assert.Equal(t, 1, report.TopHoldings[0].Rank)
	assert.Equal(t, "000858", report.TopHoldings[0].SecurityCode)
	assert.Equal(t, "五粮液", report.TopHoldings[0].SecurityName)
	assert.True(t, report.TopHoldings[0].NetValueRatio.Equal(decimal.RequireFromString("0.0648")),
		"percent-scale ratio normalizes: got %s", report.TopHoldings[0].NetValueRatio)
	assert.Equal(t, 2, report.TopHoldings[1].Rank)
	assert.True(t, report.TopHoldings[1].NetValueRatio.Equal(decimal.RequireFromString("0.0405")))

	require.Len(t, report.IndustryAllocations, 1)
	ind := report.IndustryAllocations[0]
	assert.Equal(t, "Manufacturing", ind.IndustryName, "falls back to member local name without taxonomy labels")
	assert.True(t, ind.NetValueRatio.Equal(decimal.RequireFromString("0.243")))

	require.Len(t, report.AssetAllocations, 2)
	assert.Equal(t, "股票", report.AssetAllocations[0].AssetType)
	assert.True(t, report.AssetAllocations[0].NetValueRatio.Equal(decimal.RequireFromString("0.729")))

	assert.Equal(t, model.ParserKindXBRL, report.ParserKind)
	assert.InDelta(t, 1.0, report.Confidence, 0.001)
}

func TestMapIndustryLabelFromTaxonomy(t *testing.T) {
	doc := parseInstance(t, mapperInstance)

	dir := t.TempDir()
	writeTestTaxonomy(t, dir)
	tax, err := taxonomy.Load("csrc_v2.1", dir)
	require.NoError(t, err)

	report, err := NewMapper(testMapping(), tax).Map(doc, mapperRef(), model.ParserKindXBRL)
	require.NoError(t, err)

	require.Len(t, report.IndustryAllocations, 1)
	assert.Equal(t, "制造业", report.IndustryAllocations[0].IndustryName)
	assert.Equal(t, "csrc_v2.1", report.TaxonomyVersion)
}

func TestMapFallbacksFromSearchResult(t *testing.T) {
	minimal := `<xbrl xmlns="http://www.xbrl.org/2003/instance">
  <context id="AsOf"><period><instant>2024-12-31</instant></period></context>
  <NetAssetValuePerShare contextRef="AsOf">1.2345</NetAssetValuePerShare>
</xbrl>`
	doc := parseInstance(t, minimal)

	report, err := NewMapper(testMapping(), nil).Map(doc, mapperRef(), model.ParserKindXBRL)
	require.NoError(t, err)

	assert.Equal(t, "017837", report.FundCode)
	assert.Equal(t, "工银瑞信全球配置", report.FundName)
	assert.Equal(t, model.ReportTypeAnnual, report.ReportType, "report type from description fallback")
	assert.NotEmpty(t, report.Warnings)
}

func TestMapNoFacts(t *testing.T) {
	doc := parseInstance(t, `<xbrl xmlns="http://www.xbrl.org/2003/instance"></xbrl>`)
	_, err := NewMapper(testMapping(), nil).Map(doc, mapperRef(), model.ParserKindXBRL)
	require.Error(t, err)
	assert.Equal(t, model.ErrKindParse, model.KindOf(err))
}

func TestMapMissingFundCode(t *testing.T) {
	minimal := `<xbrl xmlns="http://www.xbrl.org/2003/instance">
  <context id="AsOf"><period><instant>2024-12-31</instant></period></context>
  <NetAssetValuePerShare contextRef="AsOf">1.2345</NetAssetValuePerShare>
</xbrl>`
	doc := parseInstance(t, minimal)

	_, err := NewMapper(testMapping(), nil).Map(doc, model.ReportRef{}, model.ParserKindXBRL)
	require.Error(t, err)
	assert.Equal(t, model.ErrKindParse, model.KindOf(err))
}

func TestMapRatioDriftLowersConfidence(t *testing.T) {
	drifting := `<xbrl xmlns="http://www.xbrl.org/2003/instance">
  <context id="AsOf"><period><instant>2024-12-31</instant></period></context>
  <FundCode contextRef="AsOf">017837</FundCode>
  <EquityValue contextRef="AsOf">100</EquityValue>
  <EquityRatio contextRef="AsOf">0.50</EquityRatio>
  <BondValue contextRef="AsOf">100</BondValue>
  <BondRatio contextRef="AsOf">0.30</BondRatio>
</xbrl>`
	doc := parseInstance(t, drifting)

	report, err := NewMapper(testMapping(), nil).Map(doc, mapperRef(), model.ParserKindXBRL)
	require.NoError(t, err)
	assert.Less(t, report.Confidence, 1.0)
	assert.NotEmpty(t, report.Warnings)
}

func TestParseDecimalFact(t *testing.T) {
	d, err := parseDecimalFact(xbrl.Fact{Value: "1,234,567.891", Decimals: "2"})
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("1234567.89")))

	d, err = parseDecimalFact(xbrl.Fact{Value: "12.5%"})
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("0.125")))

	d, err = parseDecimalFact(xbrl.Fact{Value: "98765", Decimals: "-2"})
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("98800")))

	_, err = parseDecimalFact(xbrl.Fact{Value: "不适用"})
	assert.Error(t, err)
}

func TestNormalizeRatioClamps(t *testing.T) {
	report := &model.ParsedFundReport{}

	d := normalizeRatio(xbrl.Fact{Value: "105"}, report)
	assert.True(t, d.Equal(decimal.RequireFromString("1")), "105%% clamps to 1: got %s", d)

	d = normalizeRatio(xbrl.Fact{Value: "-0.05"}, report)
	assert.True(t, d.IsZero())

	assert.NotEmpty(t, report.Warnings)
}

// writeTestTaxonomy writes a minimal schema/linkbase pair with a label for
// the manufacturing industry member.
func writeTestTaxonomy(t *testing.T, dir string) {
	t.Helper()
	schema := `<?xml version="1.0"?>
<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema">
  <xs:element id="cn_ManufacturingMember" name="ManufacturingMember" type="xbrli:stringItemType"/>
</xs:schema>`
	linkbase := `<?xml version="1.0"?>
<link:linkbase xmlns:link="http://www.xbrl.org/2003/linkbase" xmlns:xlink="http://www.w3.org/1999/xlink">
  <link:labelLink>
    <link:loc xlink:href="t.xsd#cn_ManufacturingMember" xlink:label="loc_m"/>
    <link:label xlink:label="lab_m" xml:lang="zh">制造业</link:label>
    <link:labelArc xlink:from="loc_m" xlink:to="lab_m"/>
  </link:labelLink>
</link:linkbase>`
	writeFile(t, dir, "t.xsd", schema)
	writeFile(t, dir, "t_lab.xml", linkbase)
}
