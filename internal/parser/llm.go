package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/pkg/anthropic"
)

// llmConfidenceCap bounds how much trust a model-extracted report can carry.
const llmConfidenceCap = 0.6

// llmMaxInputChars truncates the document text sent to the model.
const llmMaxInputChars = 30000

const llmSystemPrompt = `You extract structured data from Chinese public mutual fund periodic reports.
Respond with a single JSON object and nothing else, using this shape:
{
  "fund_code": "6-digit code",
  "fund_name": "full fund name",
  "fund_manager": "management company",
  "report_period_end": "YYYY-MM-DD",
  "net_asset_value": "per-share NAV as a decimal string",
  "total_net_assets": "total net assets in CNY as a decimal string",
  "top_holdings": [{"rank": 1, "security_code": "", "security_name": "", "market_value": "", "net_value_ratio": ""}],
  "industry_allocations": [{"industry_name": "", "market_value": "", "net_value_ratio": ""}],
  "asset_allocations": [{"asset_type": "", "market_value": "", "net_value_ratio": ""}]
}
Ratios are fractions of net asset value between 0 and 1. Omit fields you cannot find. Never invent values.`

// LLMExtractor is the last-resort extraction path for documents no structured
// parser could handle.
type LLMExtractor struct {
	client anthropic.Client
	model  string
}

// NewLLMExtractor creates an extractor backed by the given client.
func NewLLMExtractor(client anthropic.Client, modelID string) *LLMExtractor {
	return &LLMExtractor{client: client, model: modelID}
}

type llmRow struct {
	Rank          int    `json:"rank,omitempty"`
	SecurityCode  string `json:"security_code,omitempty"`
	SecurityName  string `json:"security_name,omitempty"`
	IndustryName  string `json:"industry_name,omitempty"`
	AssetType     string `json:"asset_type,omitempty"`
	MarketValue   string `json:"market_value,omitempty"`
	NetValueRatio string `json:"net_value_ratio,omitempty"`
}

type llmPayload struct {
	FundCode            string   `json:"fund_code"`
	FundName            string   `json:"fund_name"`
	FundManager         string   `json:"fund_manager"`
	ReportPeriodEnd     string   `json:"report_period_end"`
	NetAssetValue       string   `json:"net_asset_value"`
	TotalNetAssets      string   `json:"total_net_assets"`
	TopHoldings         []llmRow `json:"top_holdings"`
	IndustryAllocations []llmRow `json:"industry_allocations"`
	AssetAllocations    []llmRow `json:"asset_allocations"`
}

// Extract asks the model for a structured report from the document text.
func (e *LLMExtractor) Extract(ctx context.Context, content []byte, ref model.ReportRef) (*model.ParsedFundReport, error) {
	text, err := documentText(content)
	if err != nil {
		return nil, err
	}
	if len(text) > llmMaxInputChars {
		text = text[:llmMaxInputChars]
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: 4096,
		System:    []anthropic.SystemBlock{{Text: llmSystemPrompt}},
		Messages:  []anthropic.Message{{Role: "user", Content: text}},
	})
	if err != nil {
		return nil, model.WrapKind(model.ErrKindParse, eris.Wrap(err, "parser: llm extraction"))
	}
	resp.Usage.LogCost(e.model, "report_extraction")

	payload, err := decodeLLMPayload(resp.Text())
	if err != nil {
		return nil, err
	}
	return e.toReport(payload, ref)
}

// decodeLLMPayload tolerates prose around the JSON object.
func decodeLLMPayload(raw string) (*llmPayload, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, model.WrapKind(model.ErrKindParse, eris.New("parser: llm response carries no JSON object"))
	}

	var payload llmPayload
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return nil, model.WrapKind(model.ErrKindParse, eris.Wrap(err, "parser: decode llm response"))
	}
	return &payload, nil
}

func (e *LLMExtractor) toReport(p *llmPayload, ref model.ReportRef) (*model.ParsedFundReport, error) {
	report := &model.ParsedFundReport{
		FundCode:    p.FundCode,
		FundName:    p.FundName,
		FundManager: p.FundManager,
		ParserKind:  model.ParserKindLLM,
		Confidence:  llmConfidenceCap,
	}
	if report.FundCode == "" {
		report.FundCode = ref.FundCode
	}
	if report.FundName == "" {
		report.FundName = ref.FundShortName
	}
	if rt, ok := model.ReportTypeFromDesc(ref.ReportDesc); ok {
		report.ReportType = rt
	}

	if p.ReportPeriodEnd != "" {
		if t, err := time.Parse("2006-01-02", p.ReportPeriodEnd); err == nil {
			report.ReportPeriodEnd = t
		}
	}
	if report.ReportPeriodEnd.IsZero() {
		return nil, model.WrapKind(model.ErrKindParse, eris.New("parser: llm response lacks report period end"))
	}
	if report.FundCode == "" {
		return nil, model.WrapKind(model.ErrKindParse, eris.New("parser: llm response lacks fund code"))
	}

	report.NetAssetValue = parseOptionalDecimal(p.NetAssetValue, report, "net_asset_value")
	report.TotalNetAssets = parseOptionalDecimal(p.TotalNetAssets, report, "total_net_assets")

	for i, row := range p.TopHoldings {
		h := model.Holding{
			Rank:         row.Rank,
			SecurityCode: row.SecurityCode,
			SecurityName: row.SecurityName,
		}
		if h.Rank == 0 {
			h.Rank = i + 1
		}
		if d := parseOptionalDecimal(row.MarketValue, report, "holding market value"); d != nil {
			h.MarketValue = *d
		}
		if d := parseOptionalDecimal(row.NetValueRatio, report, "holding ratio"); d != nil {
			h.NetValueRatio = clampRatio(*d, report)
		}
		report.TopHoldings = append(report.TopHoldings, h)
	}

	for _, row := range p.IndustryAllocations {
		if row.IndustryName == "" {
			continue
		}
		ia := model.IndustryAllocation{IndustryName: row.IndustryName}
		if d := parseOptionalDecimal(row.MarketValue, report, "industry market value"); d != nil {
			ia.MarketValue = *d
		}
		if d := parseOptionalDecimal(row.NetValueRatio, report, "industry ratio"); d != nil {
			ia.NetValueRatio = clampRatio(*d, report)
		}
		report.IndustryAllocations = append(report.IndustryAllocations, ia)
	}

	for _, row := range p.AssetAllocations {
		if row.AssetType == "" {
			continue
		}
		a := model.AssetAllocation{AssetType: row.AssetType}
		if d := parseOptionalDecimal(row.MarketValue, report, "allocation market value"); d != nil {
			a.MarketValue = *d
		}
		if d := parseOptionalDecimal(row.NetValueRatio, report, "allocation ratio"); d != nil {
			a.NetValueRatio = clampRatio(*d, report)
		}
		report.AssetAllocations = append(report.AssetAllocations, a)
	}

	zap.L().Info("llm extraction produced report",
		zap.String("fund_code", report.FundCode),
		zap.Int("holdings", len(report.TopHoldings)),
	)
	return report, nil
}

// documentText reduces an HTML artifact to visible text; non-HTML content
// passes through after UTF-8 normalization.
func documentText(content []byte) (string, error) {
	utf8Content, err := DecodeToUTF8(content)
	if err != nil {
		return "", err
	}
	if !bytes.Contains(bytes.ToLower(utf8Content[:min(len(utf8Content), 2048)]), []byte("<html")) {
		return string(utf8Content), nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(utf8Content))
	if err != nil {
		return string(utf8Content), nil
	}
	return doc.Text(), nil
}

func parseOptionalDecimal(s string, report *model.ParsedFundReport, field string) *decimal.Decimal {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	d, err := parseDecimalString(s)
	if err != nil {
		report.AddWarning("unparseable " + field + ": " + s)
		return nil
	}
	return &d
}

func clampRatio(d decimal.Decimal, report *model.ParsedFundReport) decimal.Decimal {
	if d.GreaterThan(percentThreshold) {
		d = d.Div(hundred)
	}
	if d.LessThan(decimal.Zero) {
		report.AddWarning("negative ratio clamped: " + d.String())
		return decimal.Zero
	}
	if d.GreaterThan(one) {
		report.AddWarning("ratio above one clamped: " + d.String())
		return one
	}
	return d
}
