package parser

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinodata/fundreports/internal/model"
)

const htmlReport = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>基金季度报告</title></head>
<body>
<h1>工银瑞信全球配置 2024年第四季度报告</h1>
<p>报告期末：2024年12月31日</p>
<table>
  <tr><td>基金代码</td><td>017837</td></tr>
  <tr><td>基金名称</td><td>工银瑞信全球配置混合型证券投资基金</td></tr>
  <tr><td>基金管理人</td><td>工银瑞信基金管理有限公司</td></tr>
  <tr><td>基金份额净值</td><td>1.0523</td></tr>
  <tr><td>期末基金资产净值</td><td>1,234,567,890.12</td></tr>
</table>
<h2>期末按公允价值占基金资产净值比例大小排序的前十名股票投资明细</h2>
<table>
  <tr><th>序号</th><th>股票代码</th><th>股票名称</th><th>数量（股）</th><th>公允价值</th><th>占基金资产净值比例（%）</th></tr>
  <tr><td>1</td><td>600519</td><td>贵州茅台</td><td>30,000</td><td>50,000,000.00</td><td>4.05</td></tr>
  <tr><td>2</td><td>000858</td><td>五粮液</td><td>500,000</td><td>40,000,000.00</td><td>3.24</td></tr>
</table>
<h2>报告期末按行业分类的境内股票投资组合</h2>
<table>
  <tr><th>行业类别</th><th>公允价值</th><th>占基金资产净值比例（%）</th></tr>
  <tr><td>制造业</td><td>300,000,000.00</td><td>24.30</td></tr>
  <tr><td>金融业</td><td>100,000,000.00</td><td>8.10</td></tr>
  <tr><td>合计</td><td>400,000,000.00</td><td>32.40</td></tr>
</table>
<h2>基金资产组合情况</h2>
<table>
  <tr><th>项目</th><th>金额</th><th>占基金总资产的比例（%）</th></tr>
  <tr><td>权益投资</td><td>900,000,000.00</td><td>72.90</td></tr>
  <tr><td>固定收益投资</td><td>334,567,890.12</td><td>27.10</td></tr>
  <tr><td>合计</td><td>1,234,567,890.12</td><td>100.00</td></tr>
</table>
</body>
</html>`

func htmlRef() model.ReportRef {
	return model.ReportRef{
		UploadInfoID:  "19052421",
		FundCode:      "017837",
		FundShortName: "工银瑞信全球配置",
		ReportDesc:    "2024年第四季度报告",
	}
}

func TestParseHTML(t *testing.T) {
	report, err := ParseHTML([]byte(htmlReport), htmlRef())
	require.NoError(t, err)

	assert.Equal(t, "017837", report.FundCode)
	assert.Equal(t, "工银瑞信全球配置混合型证券投资基金", report.FundName)
	assert.Equal(t, "工银瑞信基金管理有限公司", report.FundManager)
	assert.Equal(t, model.ReportTypeQ4, report.ReportType)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), report.ReportPeriodEnd)

	require.NotNil(t, report.NetAssetValue)
	assert.True(t, report.NetAssetValue.Equal(decimal.RequireFromString("1.0523")))
	require.NotNil(t, report.TotalNetAssets)
	assert.True(t, report.TotalNetAssets.Equal(decimal.RequireFromString("1234567890.12")))

	require.Len(t, report.TopHoldings, 2)
	first := report.TopHoldings[0]
	assert.Equal(t, 1, first.Rank)
	assert.Equal(t, "600519", first.SecurityCode)
	assert.Equal(t, "贵州茅台", first.SecurityName)
	require.NotNil(t, first.Shares)
	assert.Equal(t, int64(30000), *first.Shares)
	assert.True(t, first.MarketValue.Equal(decimal.RequireFromString("50000000")))
	assert.True(t, first.NetValueRatio.Equal(decimal.RequireFromString("0.0405")))

	require.Len(t, report.IndustryAllocations, 2, "total row is excluded")
	assert.Equal(t, "制造业", report.IndustryAllocations[0].IndustryName)
	assert.True(t, report.IndustryAllocations[0].NetValueRatio.Equal(decimal.RequireFromString("0.243")))

	require.Len(t, report.AssetAllocations, 2, "total row is excluded")
	assert.Equal(t, "权益投资", report.AssetAllocations[0].AssetType)
	assert.True(t, report.AssetAllocations[0].NetValueRatio.Equal(decimal.RequireFromString("0.729")))

	assert.Equal(t, model.ParserKindHTML, report.ParserKind)
	assert.InDelta(t, 0.9, report.Confidence, 0.001, "0.7 base + 4 sections")
}

func TestParseHTMLGBKEncoded(t *testing.T) {
	gbk, err := toGBK(htmlReport)
	require.NoError(t, err)

	report, err := ParseHTML(gbk, htmlRef())
	require.NoError(t, err)
	assert.Equal(t, "017837", report.FundCode)
	assert.Equal(t, "工银瑞信全球配置混合型证券投资基金", report.FundName)
}

func TestParseHTMLNoSections(t *testing.T) {
	page := `<html><body><p>系统繁忙，请稍后再试。</p></body></html>`
	_, err := ParseHTML([]byte(page), htmlRef())
	require.Error(t, err)
	assert.Equal(t, model.ErrKindParse, model.KindOf(err))
}

func TestParseHTMLMissingPeriod(t *testing.T) {
	page := `<html><body>
<table><tr><td>基金代码</td><td>017837</td></tr></table>
</body></html>`
	_, err := ParseHTML([]byte(page), htmlRef())
	require.Error(t, err)
	assert.Equal(t, model.ErrKindParse, model.KindOf(err))
}

func TestLatestChineseDate(t *testing.T) {
	text := "本报告期自2024年10月1日起至2024年12月31日止"
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), latestChineseDate(text))
	assert.True(t, latestChineseDate("no dates here").IsZero())
}
