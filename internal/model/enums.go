// Package model defines the core domain types shared across the ingestion pipeline.
package model

import "strings"

// ReportType identifies a periodic report category. The portal codes are an
// external contract and must not be changed.
type ReportType string

const (
	ReportTypeAnnual      ReportType = "ANNUAL"
	ReportTypeSemiAnnual  ReportType = "SEMI_ANNUAL"
	ReportTypeQ1          ReportType = "Q1"
	ReportTypeQ2          ReportType = "Q2"
	ReportTypeQ3          ReportType = "Q3"
	ReportTypeQ4          ReportType = "Q4"
	ReportTypeFundProfile ReportType = "FUND_PROFILE"
)

var reportTypeCodes = map[ReportType]string{
	ReportTypeAnnual:      "FB010010",
	ReportTypeSemiAnnual:  "FB020010",
	ReportTypeQ1:          "FB030010",
	ReportTypeQ2:          "FB030020",
	ReportTypeQ3:          "FB030030",
	ReportTypeQ4:          "FB030040",
	ReportTypeFundProfile: "FB040010",
}

// PortalCode returns the portal's reportTypeCode for this report type.
func (t ReportType) PortalCode() string {
	return reportTypeCodes[t]
}

// Valid reports whether t is a known report type.
func (t ReportType) Valid() bool {
	_, ok := reportTypeCodes[t]
	return ok
}

// ReportTypeFromPortalCode resolves a portal reportTypeCode back to its
// report type.
func ReportTypeFromPortalCode(code string) (ReportType, bool) {
	for rt, c := range reportTypeCodes {
		if c == code {
			return rt, true
		}
	}
	return "", false
}

// reportDescKeywords maps report-description phrases to report types. Order
// matters: semi-annual must be checked before annual ("半年度报告" contains
// "年度报告").
var reportDescKeywords = []struct {
	keyword string
	rt      ReportType
}{
	{"半年", ReportTypeSemiAnnual},
	{"年度报告", ReportTypeAnnual},
	{"第一季度", ReportTypeQ1},
	{"第二季度", ReportTypeQ2},
	{"第三季度", ReportTypeQ3},
	{"第四季度", ReportTypeQ4},
	{"产品资料概要", ReportTypeFundProfile},
}

// ReportTypeFromDesc infers the report type from a portal report description
// (e.g. "2024年年度报告"). This is a fallback for reports whose XBRL facts do
// not carry a document-period-type concept; it never looks at dates.
func ReportTypeFromDesc(desc string) (ReportType, bool) {
	for _, kw := range reportDescKeywords {
		if strings.Contains(desc, kw.keyword) {
			return kw.rt, true
		}
	}
	return "", false
}

// FundType identifies a fund classification. The portal codes are an
// external contract and must not be changed.
type FundType string

const (
	FundTypeStock          FundType = "STOCK"
	FundTypeMixed          FundType = "MIXED"
	FundTypeBond           FundType = "BOND"
	FundTypeMoney          FundType = "MONEY"
	FundTypeQDII           FundType = "QDII"
	FundTypeFOF            FundType = "FOF"
	FundTypeInfrastructure FundType = "INFRASTRUCTURE"
	FundTypeCommodity      FundType = "COMMODITY"
)

var fundTypeCodes = map[FundType]string{
	FundTypeStock:          "6020-6010",
	FundTypeMixed:          "6020-6020",
	FundTypeBond:           "6020-6030",
	FundTypeMoney:          "6020-6040",
	FundTypeQDII:           "6020-6050",
	FundTypeFOF:            "6020-6060",
	FundTypeInfrastructure: "6020-6084",
	FundTypeCommodity:      "6020-6104",
}

// PortalCode returns the portal's fundType code for this fund type.
func (t FundType) PortalCode() string {
	return fundTypeCodes[t]
}

// Valid reports whether t is a known fund type.
func (t FundType) Valid() bool {
	_, ok := fundTypeCodes[t]
	return ok
}

// ParserKind records which extraction path produced a parsed report.
type ParserKind string

const (
	ParserKindXBRL  ParserKind = "XBRL"
	ParserKindIXBRL ParserKind = "iXBRL"
	ParserKindHTML  ParserKind = "HTML"
	ParserKindLLM   ParserKind = "LLM"
)
