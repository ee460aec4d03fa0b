// Package parser turns downloaded report artifacts into ParsedFundReport
// aggregates through a chain of format-specific extractors.
package parser

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Format is a detected artifact format.
type Format string

const (
	FormatXBRL    Format = "XBRL"
	FormatIXBRL   Format = "iXBRL"
	FormatHTML    Format = "HTML"
	FormatUnknown Format = "UNKNOWN"
)

// Detection is the outcome of format sniffing.
type Detection struct {
	Format     Format
	Confidence float64
}

// sampleSize bounds how much of the artifact is sniffed.
const sampleSize = 128 * 1024

var xbrlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<xbrl[^>]*xmlns`),
	regexp.MustCompile(`(?i)<xbrli:xbrl`),
	regexp.MustCompile(`(?i)xmlns:xbrli=`),
	regexp.MustCompile(`(?i)xbrl\.org/2003/instance`),
	regexp.MustCompile(`(?i)<context\s+id=`),
	regexp.MustCompile(`(?i)<unit\s+id=`),
	regexp.MustCompile(`(?i)<fact>`),
}

var ixbrlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<html[^>]*xmlns:ix`),
	regexp.MustCompile(`(?i)xmlns:ix=`),
	regexp.MustCompile(`(?i)xbrl\.org/2013/inlineXBRL`),
	regexp.MustCompile(`(?i)<ix:[a-z]+`),
	regexp.MustCompile(`(?i)ix:name=`),
	regexp.MustCompile(`(?i)ix:format=`),
	regexp.MustCompile(`(?i)ix:nonNumeric`),
	regexp.MustCompile(`(?i)ix:nonFraction`),
}

var htmlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<!DOCTYPE\s+html`),
	regexp.MustCompile(`(?i)<html[\s>]`),
	regexp.MustCompile(`(?i)<head[\s>]`),
	regexp.MustCompile(`(?i)<body[\s>]`),
	regexp.MustCompile(`(?i)<table[\s>]`),
	regexp.MustCompile(`(?i)<div[\s>]`),
}

// fundReportKeywords are phrases that appear in disclosed fund reports. Their
// presence raises confidence that an HTML page is a report rather than an
// error or landing page.
var fundReportKeywords = []string{
	"基金代码", "基金名称", "基金简称", "份额净值", "资产净值",
	"前十大", "重仓股", "资产配置", "行业配置", "投资组合",
	"基金管理人", "基金托管人", "报告期", "季度报告", "年度报告",
}

func patternScore(sample []byte, patterns []*regexp.Regexp) float64 {
	matched := 0
	for _, p := range patterns {
		if p.Match(sample) {
			matched++
		}
	}
	return float64(matched) / float64(len(patterns))
}

func keywordScore(sample string) float64 {
	matched := 0
	for _, kw := range fundReportKeywords {
		if strings.Contains(sample, kw) {
			matched++
		}
	}
	return float64(matched) / float64(len(fundReportKeywords))
}

// Detect sniffs the artifact format from its content and filename. iXBRL wins
// ties over XBRL, which wins over HTML.
func Detect(content []byte, filename string) Detection {
	sample := content
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	xbrl := patternScore(sample, xbrlPatterns)
	ixbrl := patternScore(sample, ixbrlPatterns)
	html := patternScore(sample, htmlPatterns)

	if html > 0.3 {
		html += 0.3 * keywordScore(string(sample))
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xbrl", ".xml":
		xbrl += 0.2
	case ".html", ".htm":
		html += 0.2
	}

	best := Detection{Format: FormatUnknown}
	for _, cand := range []Detection{
		{FormatIXBRL, ixbrl},
		{FormatXBRL, xbrl},
		{FormatHTML, html},
	} {
		if cand.Confidence > best.Confidence {
			best = cand
		}
	}

	if best.Format == FormatUnknown || best.Confidence == 0 {
		return Detection{Format: FormatUnknown, Confidence: 1}
	}
	if best.Confidence > 1 {
		best.Confidence = 1
	}
	return best
}
