package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinodata/fundreports/internal/model"
)

func mockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func sampleReport() *model.ParsedFundReport {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	shares := int64(120000)
	return &model.ParsedFundReport{
		FundCode:          "017837",
		FundName:          "工银瑞信全球配置混合",
		FundManager:       "工银瑞信基金管理有限公司",
		ReportType:        model.ReportTypeAnnual,
		ReportPeriodStart: &start,
		ReportPeriodEnd:   time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		NetAssetValue:     decPtr("1.0523"),
		TotalNetAssets:    decPtr("1234567890.12"),
		AssetAllocations: []model.AssetAllocation{
			{AssetType: "股票", MarketValue: decimal.RequireFromString("900000000"), NetValueRatio: decimal.RequireFromString("0.729")},
		},
		TopHoldings: []model.Holding{
			{Rank: 1, SecurityCode: "600519", SecurityName: "贵州茅台", Shares: &shares, MarketValue: decimal.RequireFromString("50000000"), NetValueRatio: decimal.RequireFromString("0.0405")},
		},
		IndustryAllocations: []model.IndustryAllocation{
			{IndustryName: "制造业", MarketValue: decimal.RequireFromString("300000000"), NetValueRatio: decimal.RequireFromString("0.243")},
		},
		ParserKind:      model.ParserKindXBRL,
		TaxonomyVersion: "csrc_v2.1",
		Confidence:      1.0,
	}
}

func sampleArtifact() *model.ArtifactRecord {
	return &model.ArtifactRecord{
		URL:       "https://www.eid.csrc.gov.cn/eid/fund/instance_html_view.do?instanceid=19052421",
		FilePath:  "/data/downloads/19052421.xbrl",
		Bytes:     204800,
		SHA256:    "deadbeef",
		FetchedAt: time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestSaveFundReport(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO fund_report`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("report-1"))
	mock.ExpectExec(`DELETE FROM asset_allocation`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM top_holding`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM industry_allocation`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"asset_allocation"},
		[]string{"id", "fund_report_id", "asset_type", "asset_subtype", "market_value", "net_value_ratio"}).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"top_holding"},
		[]string{"id", "fund_report_id", "rank", "security_code", "security_name", "shares", "market_value", "net_value_ratio"}).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"industry_allocation"},
		[]string{"id", "fund_report_id", "industry_name", "market_value", "net_value_ratio"}).WillReturnResult(1)
	mock.ExpectCommit()

	id, err := store.SaveFundReport(context.Background(), sampleReport(), sampleArtifact())
	require.NoError(t, err)
	assert.Equal(t, "report-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A re-parse hits the same natural key: the upsert keeps the original row id
// and the children are rewritten, so saving twice cannot duplicate anything.
func TestSaveFundReportIdempotent(t *testing.T) {
	store, mock := mockStore(t)

	for range 2 {
		mock.ExpectBegin()
		mock.ExpectQuery(`ON CONFLICT \(fund_code, report_period_end, report_type\)`).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("report-1"))
		mock.ExpectExec(`DELETE FROM asset_allocation`).WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectExec(`DELETE FROM top_holding`).WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectExec(`DELETE FROM industry_allocation`).WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectCopyFrom(pgx.Identifier{"asset_allocation"},
			[]string{"id", "fund_report_id", "asset_type", "asset_subtype", "market_value", "net_value_ratio"}).WillReturnResult(1)
		mock.ExpectCopyFrom(pgx.Identifier{"top_holding"},
			[]string{"id", "fund_report_id", "rank", "security_code", "security_name", "shares", "market_value", "net_value_ratio"}).WillReturnResult(1)
		mock.ExpectCopyFrom(pgx.Identifier{"industry_allocation"},
			[]string{"id", "fund_report_id", "industry_name", "market_value", "net_value_ratio"}).WillReturnResult(1)
		mock.ExpectCommit()
	}

	first, err := store.SaveFundReport(context.Background(), sampleReport(), sampleArtifact())
	require.NoError(t, err)
	second, err := store.SaveFundReport(context.Background(), sampleReport(), sampleArtifact())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFundReportConstraintViolation(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO fund_report`).
		WillReturnError(&pgconn.PgError{Code: "23514", Message: "net_value_ratio out of range"})
	mock.ExpectRollback()

	_, err := store.SaveFundReport(context.Background(), sampleReport(), sampleArtifact())
	require.Error(t, err)
	assert.Equal(t, model.ErrKindDBConstraint, model.KindOf(err))
}

func TestSaveFundReportTransportFailure(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := store.SaveFundReport(context.Background(), sampleReport(), sampleArtifact())
	require.Error(t, err)
	assert.Equal(t, model.ErrKindDBTransport, model.KindOf(err))
}

func fundReportColumns() []string {
	return []string{
		"id", "fund_code", "fund_name", "fund_manager", "report_type",
		"report_period_start", "report_period_end",
		"net_asset_value", "total_net_assets", "period_profit",
		"parser_kind", "taxonomy_version", "confidence", "warnings",
		"source_url", "file_path", "file_bytes", "file_sha256", "fetched_at",
		"created_at", "reparsed_at",
	}
}

func strP(s string) *string { return &s }

func TestGetFundReport(t *testing.T) {
	store, mock := mockStore(t)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	created := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	bytes := int64(204800)
	fetched := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM fund_report`).
		WithArgs("report-1").
		WillReturnRows(pgxmock.NewRows(fundReportColumns()).AddRow(
			"report-1", "017837", "工银瑞信全球配置混合", strP("工银瑞信基金管理有限公司"), model.ReportTypeAnnual,
			&start, end,
			strP("1.0523"), strP("1234567890.12"), (*string)(nil),
			model.ParserKindXBRL, strP("csrc_v2.1"), 1.0, []byte(`["ratio looked like a percent"]`),
			strP("https://example.invalid/instance"), strP("/data/19052421.xbrl"), &bytes, strP("deadbeef"), &fetched,
			created, (*time.Time)(nil),
		))
	mock.ExpectQuery(`FROM asset_allocation`).
		WithArgs("report-1").
		WillReturnRows(pgxmock.NewRows([]string{"asset_type", "asset_subtype", "market_value", "net_value_ratio"}).
			AddRow("股票", (*string)(nil), "900000000", "0.729"))
	mock.ExpectQuery(`FROM top_holding`).
		WithArgs("report-1").
		WillReturnRows(pgxmock.NewRows([]string{"rank", "security_code", "security_name", "shares", "market_value", "net_value_ratio"}).
			AddRow(1, "600519", "贵州茅台", (*int64)(nil), "50000000", "0.0405"))
	mock.ExpectQuery(`FROM industry_allocation`).
		WithArgs("report-1").
		WillReturnRows(pgxmock.NewRows([]string{"industry_name", "market_value", "net_value_ratio"}).
			AddRow("制造业", "300000000", "0.243"))

	rec, err := store.GetFundReport(context.Background(), "report-1")
	require.NoError(t, err)

	assert.Equal(t, "report-1", rec.ID)
	assert.Equal(t, "017837", rec.Report.FundCode)
	assert.Equal(t, model.ReportTypeAnnual, rec.Report.ReportType)
	require.NotNil(t, rec.Report.NetAssetValue)
	assert.True(t, rec.Report.NetAssetValue.Equal(decimal.RequireFromString("1.0523")))
	assert.Nil(t, rec.Report.PeriodProfit)
	assert.Equal(t, []string{"ratio looked like a percent"}, rec.Report.Warnings)
	assert.Equal(t, int64(204800), rec.Artifact.Bytes)
	assert.Nil(t, rec.ReparsedAt)

	require.Len(t, rec.Report.AssetAllocations, 1)
	require.Len(t, rec.Report.TopHoldings, 1)
	assert.Equal(t, "600519", rec.Report.TopHoldings[0].SecurityCode)
	assert.Nil(t, rec.Report.TopHoldings[0].Shares)
	require.Len(t, rec.Report.IndustryAllocations, 1)
	assert.True(t, rec.Report.IndustryAllocations[0].NetValueRatio.Equal(decimal.RequireFromString("0.243")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFundReportNotFound(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectQuery(`FROM fund_report`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetFundReport(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListFundReportsFilters(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectQuery(`FROM fund_report WHERE true AND fund_code = \$1 AND report_type = \$2 AND EXTRACT\(YEAR FROM report_period_end\) = \$3`).
		WithArgs("017837", "ANNUAL", 2024, 50).
		WillReturnRows(pgxmock.NewRows(fundReportColumns()))

	recs, err := store.ListFundReports(context.Background(), ReportFilter{
		FundCode:   "017837",
		ReportType: model.ReportTypeAnnual,
		Year:       2024,
		Limit:      50,
	})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Monetary columns are 20-digit 2-decimal fixed point; ratio columns 4-decimal.
func TestMigrationNumericPrecision(t *testing.T) {
	assert.NotContains(t, postgresMigration, "NUMERIC(20,4)")
	assert.Contains(t, postgresMigration, "net_asset_value     NUMERIC(20,2)")
	assert.Contains(t, postgresMigration, "net_value_ratio NUMERIC(8,4)")
}

func sampleTask() *model.DownloadTask {
	return &model.DownloadTask{
		SaveDir: "/data/downloads",
		RequestedRefs: []model.ReportRef{
			{UploadInfoID: "19052421", FundCode: "017837"},
			{UploadInfoID: "19052422", FundCode: "017838"},
		},
	}
}

func TestCreateTaskFillsDefaults(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec(`INSERT INTO download_task`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	task := sampleTask()
	require.NoError(t, store.CreateTask(context.Background(), task))

	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Equal(t, 2, task.Progress.Total)
	assert.False(t, task.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask(t *testing.T) {
	store, mock := mockStore(t)

	refs, _ := json.Marshal(sampleTask().RequestedRefs)
	perItem, _ := json.Marshal(map[string]model.ItemOutcome{
		"19052421": {Status: model.ItemStatusPersisted, FundReportID: "report-1"},
	})
	progress, _ := json.Marshal(model.Progress{Total: 2, Completed: 1, Percent: 50})
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM download_task`).
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"task_id", "status", "save_dir", "requested_refs", "per_item", "progress", "created_at", "updated_at"}).
			AddRow("task-1", model.TaskStatusRunning, "/data/downloads", refs, perItem, progress, now, now))

	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, task.Status)
	require.Len(t, task.RequestedRefs, 2)
	assert.Equal(t, model.ItemStatusPersisted, task.PerItem["19052421"].Status)
	assert.Equal(t, 1, task.Progress.Completed)
}

func TestGetTaskNotFound(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectQuery(`FROM download_task`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetTask(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateTaskStatusNotFound(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec(`UPDATE download_task SET status`).
		WithArgs("RUNNING", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateTaskStatus(context.Background(), "missing", model.TaskStatusRunning)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateTaskItemRecomputesProgress(t *testing.T) {
	store, mock := mockStore(t)

	refs, _ := json.Marshal(sampleTask().RequestedRefs)
	existing := map[string]model.ItemOutcome{
		"19052421": {Status: model.ItemStatusPersisted, FundReportID: "report-1"},
	}
	existingJSON, _ := json.Marshal(existing)

	outcome := model.ItemOutcome{
		Status: model.ItemStatusFailed,
		Error:  &model.ItemError{Kind: model.ErrKindHTTP, Message: "status 404"},
	}
	merged := map[string]model.ItemOutcome{
		"19052421": existing["19052421"],
		"19052422": outcome,
	}
	mergedJSON, _ := json.Marshal(merged)
	wantProgress, _ := json.Marshal(model.Progress{Total: 2, Completed: 1, Failed: 1, Percent: 100})

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"requested_refs", "per_item", "status", "save_dir", "created_at"}).
			AddRow(refs, existingJSON, model.TaskStatusRunning, "/data/downloads", now))
	mock.ExpectExec(`UPDATE download_task SET per_item`).
		WithArgs(mergedJSON, wantProgress, pgxmock.AnyArg(), "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.UpdateTaskItem(context.Background(), "task-1", "19052422", outcome)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskItemNotFound(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := store.UpdateTaskItem(context.Background(), "missing", "19052421", model.ItemOutcome{Status: model.ItemStatusDownloaded})
	assert.True(t, errors.Is(err, ErrNotFound))
}
