package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sinodata/fundreports/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// single-operator runs; production deployments use Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// The driver serializes writes anyway; one connection avoids
	// SQLITE_BUSY races between the worker pool goroutines.
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS fund_report (
	id                  TEXT PRIMARY KEY,
	fund_code           TEXT NOT NULL,
	fund_name           TEXT NOT NULL,
	fund_manager        TEXT,
	report_type         TEXT NOT NULL,
	report_period_start TEXT,
	report_period_end   TEXT NOT NULL,
	net_asset_value     TEXT,
	total_net_assets    TEXT,
	period_profit       TEXT,
	parser_kind         TEXT NOT NULL,
	taxonomy_version    TEXT,
	confidence          REAL NOT NULL,
	warnings            TEXT,
	source_url          TEXT,
	file_path           TEXT,
	file_bytes          INTEGER,
	file_sha256         TEXT,
	fetched_at          DATETIME,
	created_at          DATETIME NOT NULL,
	reparsed_at         DATETIME,
	UNIQUE (fund_code, report_period_end, report_type)
);

CREATE TABLE IF NOT EXISTS asset_allocation (
	id              TEXT PRIMARY KEY,
	fund_report_id  TEXT NOT NULL REFERENCES fund_report(id) ON DELETE CASCADE,
	asset_type      TEXT NOT NULL,
	asset_subtype   TEXT,
	market_value    TEXT NOT NULL,
	net_value_ratio TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS top_holding (
	id              TEXT PRIMARY KEY,
	fund_report_id  TEXT NOT NULL REFERENCES fund_report(id) ON DELETE CASCADE,
	rank            INTEGER NOT NULL,
	security_code   TEXT NOT NULL,
	security_name   TEXT NOT NULL,
	shares          INTEGER,
	market_value    TEXT NOT NULL,
	net_value_ratio TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS industry_allocation (
	id              TEXT PRIMARY KEY,
	fund_report_id  TEXT NOT NULL REFERENCES fund_report(id) ON DELETE CASCADE,
	industry_name   TEXT NOT NULL,
	market_value    TEXT NOT NULL,
	net_value_ratio TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS download_task (
	task_id        TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	save_dir       TEXT NOT NULL,
	requested_refs TEXT NOT NULL,
	per_item       TEXT NOT NULL,
	progress       TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fund_report_fund_code ON fund_report(fund_code);
CREATE INDEX IF NOT EXISTS idx_fund_report_period_end ON fund_report(report_period_end DESC);
CREATE INDEX IF NOT EXISTS idx_asset_allocation_report ON asset_allocation(fund_report_id);
CREATE INDEX IF NOT EXISTS idx_top_holding_report ON top_holding(fund_report_id);
CREATE INDEX IF NOT EXISTS idx_industry_allocation_report ON industry_allocation(fund_report_id);
CREATE INDEX IF NOT EXISTS idx_download_task_status ON download_task(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return wrapSQLite(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// wrapSQLite mirrors the Postgres error classification: constraint failures
// are terminal, everything else retries as transport trouble.
func wrapSQLite(err error, op string) error {
	if err == nil {
		return nil
	}
	kind := model.ErrKindDBTransport
	if strings.Contains(strings.ToLower(err.Error()), "constraint") {
		kind = model.ErrKindDBConstraint
	}
	return model.WrapKind(kind, eris.Wrap(err, op))
}

const sqliteDateLayout = "2006-01-02"

func (s *SQLiteStore) SaveFundReport(ctx context.Context, report *model.ParsedFundReport, artifact *model.ArtifactRecord) (string, error) {
	if report == nil {
		return "", model.WrapKind(model.ErrKindValidation, eris.New("sqlite: nil report"))
	}
	if artifact == nil {
		artifact = &model.ArtifactRecord{}
	}

	warningsJSON, err := json.Marshal(report.Warnings)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal warnings")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", wrapSQLite(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var periodStart *string
	if report.ReportPeriodStart != nil {
		v := report.ReportPeriodStart.Format(sqliteDateLayout)
		periodStart = &v
	}
	var fetchedAt *time.Time
	if !artifact.FetchedAt.IsZero() {
		t := artifact.FetchedAt.UTC()
		fetchedAt = &t
	}

	var id string
	err = tx.QueryRowContext(ctx, `INSERT INTO fund_report (
		id, fund_code, fund_name, fund_manager, report_type,
		report_period_start, report_period_end,
		net_asset_value, total_net_assets, period_profit,
		parser_kind, taxonomy_version, confidence, warnings,
		source_url, file_path, file_bytes, file_sha256, fetched_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (fund_code, report_period_end, report_type) DO UPDATE SET
		fund_name = excluded.fund_name,
		fund_manager = excluded.fund_manager,
		report_period_start = excluded.report_period_start,
		net_asset_value = excluded.net_asset_value,
		total_net_assets = excluded.total_net_assets,
		period_profit = excluded.period_profit,
		parser_kind = excluded.parser_kind,
		taxonomy_version = excluded.taxonomy_version,
		confidence = excluded.confidence,
		warnings = excluded.warnings,
		source_url = excluded.source_url,
		file_path = excluded.file_path,
		file_bytes = excluded.file_bytes,
		file_sha256 = excluded.file_sha256,
		fetched_at = excluded.fetched_at,
		reparsed_at = datetime('now')
	RETURNING id`,
		uuid.New().String(),
		report.FundCode,
		report.FundName,
		nullStr(report.FundManager),
		string(report.ReportType),
		periodStart,
		report.ReportPeriodEnd.Format(sqliteDateLayout),
		decArg(report.NetAssetValue),
		decArg(report.TotalNetAssets),
		decArg(report.PeriodProfit),
		string(report.ParserKind),
		nullStr(report.TaxonomyVersion),
		report.Confidence,
		string(warningsJSON),
		nullStr(artifact.URL),
		nullStr(artifact.FilePath),
		artifact.Bytes,
		nullStr(artifact.SHA256),
		fetchedAt,
		time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return "", wrapSQLite(err, "sqlite: upsert fund report")
	}

	for _, table := range []string{"asset_allocation", "top_holding", "industry_allocation"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE fund_report_id = ?`, table), id); err != nil {
			return "", wrapSQLite(err, fmt.Sprintf("sqlite: clear %s", table))
		}
	}

	for _, a := range report.AssetAllocations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO asset_allocation (id, fund_report_id, asset_type, asset_subtype, market_value, net_value_ratio) VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), id, a.AssetType, nullStr(a.AssetSubtype), a.MarketValue.String(), a.NetValueRatio.String(),
		); err != nil {
			return "", wrapSQLite(err, "sqlite: insert asset allocation")
		}
	}
	for _, h := range report.TopHoldings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO top_holding (id, fund_report_id, rank, security_code, security_name, shares, market_value, net_value_ratio) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), id, h.Rank, h.SecurityCode, h.SecurityName, h.Shares, h.MarketValue.String(), h.NetValueRatio.String(),
		); err != nil {
			return "", wrapSQLite(err, "sqlite: insert holding")
		}
	}
	for _, ind := range report.IndustryAllocations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO industry_allocation (id, fund_report_id, industry_name, market_value, net_value_ratio) VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), id, ind.IndustryName, ind.MarketValue.String(), ind.NetValueRatio.String(),
		); err != nil {
			return "", wrapSQLite(err, "sqlite: insert industry allocation")
		}
	}

	if err := tx.Commit(); err != nil {
		return "", wrapSQLite(err, "sqlite: commit")
	}
	return id, nil
}

const sqliteSelectFundReport = `SELECT id, fund_code, fund_name, fund_manager, report_type,
	report_period_start, report_period_end,
	net_asset_value, total_net_assets, period_profit,
	parser_kind, taxonomy_version, confidence, warnings,
	source_url, file_path, file_bytes, file_sha256, fetched_at,
	created_at, reparsed_at
FROM fund_report`

func (s *SQLiteStore) GetFundReport(ctx context.Context, id string) (*FundReportRecord, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectFundReport+` WHERE id = ?`, id)
	rec, err := scanSQLiteFundReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "fund report %s", id)
		}
		return nil, wrapSQLite(err, "sqlite: get fund report")
	}
	if err := s.loadChildren(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func scanSQLiteFundReport(row rowScanner) (*FundReportRecord, error) {
	var (
		rec                 FundReportRecord
		manager, taxVersion *string
		periodStart         *string
		periodEnd           string
		nav, tna, profit    *string
		warningsJSON        *string
		srcURL, path, sha   *string
		fileBytes           *int64
		fetchedAt, reparsed *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.Report.FundCode, &rec.Report.FundName, &manager, &rec.Report.ReportType,
		&periodStart, &periodEnd,
		&nav, &tna, &profit,
		&rec.Report.ParserKind, &taxVersion, &rec.Report.Confidence, &warningsJSON,
		&srcURL, &path, &fileBytes, &sha, &fetchedAt,
		&rec.CreatedAt, &reparsed,
	)
	if err != nil {
		return nil, err
	}

	if periodStart != nil {
		t, err := time.Parse(sqliteDateLayout, *periodStart)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse report_period_start")
		}
		rec.Report.ReportPeriodStart = &t
	}
	end, err := time.Parse(sqliteDateLayout, periodEnd)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse report_period_end")
	}
	rec.Report.ReportPeriodEnd = end

	rec.Report.FundManager = strOrEmpty(manager)
	rec.Report.TaxonomyVersion = strOrEmpty(taxVersion)
	for _, f := range []struct {
		src *string
		dst **decimal.Decimal
		col string
	}{
		{nav, &rec.Report.NetAssetValue, "net_asset_value"},
		{tna, &rec.Report.TotalNetAssets, "total_net_assets"},
		{profit, &rec.Report.PeriodProfit, "period_profit"},
	} {
		if err := decField(f.src, f.dst, f.col); err != nil {
			return nil, err
		}
	}
	if warningsJSON != nil && *warningsJSON != "" {
		if err := json.Unmarshal([]byte(*warningsJSON), &rec.Report.Warnings); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal warnings")
		}
	}
	rec.Artifact = model.ArtifactRecord{
		URL:      strOrEmpty(srcURL),
		FilePath: strOrEmpty(path),
		SHA256:   strOrEmpty(sha),
	}
	if fileBytes != nil {
		rec.Artifact.Bytes = *fileBytes
	}
	if fetchedAt != nil {
		rec.Artifact.FetchedAt = *fetchedAt
	}
	rec.ReparsedAt = reparsed
	return &rec, nil
}

func (s *SQLiteStore) loadChildren(ctx context.Context, rec *FundReportRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_type, asset_subtype, market_value, net_value_ratio FROM asset_allocation WHERE fund_report_id = ? ORDER BY CAST(market_value AS REAL) DESC`,
		rec.ID)
	if err != nil {
		return wrapSQLite(err, "sqlite: list asset allocations")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a       model.AssetAllocation
			subtype *string
			mv, nvr string
		)
		if err := rows.Scan(&a.AssetType, &subtype, &mv, &nvr); err != nil {
			return wrapSQLite(err, "sqlite: scan asset allocation")
		}
		a.AssetSubtype = strOrEmpty(subtype)
		if a.MarketValue, err = decimal.NewFromString(mv); err != nil {
			return eris.Wrap(err, "sqlite: parse market_value")
		}
		if a.NetValueRatio, err = decimal.NewFromString(nvr); err != nil {
			return eris.Wrap(err, "sqlite: parse net_value_ratio")
		}
		rec.Report.AssetAllocations = append(rec.Report.AssetAllocations, a)
	}
	if err := rows.Err(); err != nil {
		return wrapSQLite(err, "sqlite: iterate asset allocations")
	}

	hrows, err := s.db.QueryContext(ctx,
		`SELECT rank, security_code, security_name, shares, market_value, net_value_ratio FROM top_holding WHERE fund_report_id = ? ORDER BY rank`,
		rec.ID)
	if err != nil {
		return wrapSQLite(err, "sqlite: list holdings")
	}
	defer hrows.Close()
	for hrows.Next() {
		var (
			h       model.Holding
			mv, nvr string
		)
		if err := hrows.Scan(&h.Rank, &h.SecurityCode, &h.SecurityName, &h.Shares, &mv, &nvr); err != nil {
			return wrapSQLite(err, "sqlite: scan holding")
		}
		if h.MarketValue, err = decimal.NewFromString(mv); err != nil {
			return eris.Wrap(err, "sqlite: parse market_value")
		}
		if h.NetValueRatio, err = decimal.NewFromString(nvr); err != nil {
			return eris.Wrap(err, "sqlite: parse net_value_ratio")
		}
		rec.Report.TopHoldings = append(rec.Report.TopHoldings, h)
	}
	if err := hrows.Err(); err != nil {
		return wrapSQLite(err, "sqlite: iterate holdings")
	}

	irows, err := s.db.QueryContext(ctx,
		`SELECT industry_name, market_value, net_value_ratio FROM industry_allocation WHERE fund_report_id = ? ORDER BY CAST(market_value AS REAL) DESC`,
		rec.ID)
	if err != nil {
		return wrapSQLite(err, "sqlite: list industry allocations")
	}
	defer irows.Close()
	for irows.Next() {
		var (
			ind     model.IndustryAllocation
			mv, nvr string
		)
		if err := irows.Scan(&ind.IndustryName, &mv, &nvr); err != nil {
			return wrapSQLite(err, "sqlite: scan industry allocation")
		}
		if ind.MarketValue, err = decimal.NewFromString(mv); err != nil {
			return eris.Wrap(err, "sqlite: parse market_value")
		}
		if ind.NetValueRatio, err = decimal.NewFromString(nvr); err != nil {
			return eris.Wrap(err, "sqlite: parse net_value_ratio")
		}
		rec.Report.IndustryAllocations = append(rec.Report.IndustryAllocations, ind)
	}
	if err := irows.Err(); err != nil {
		return wrapSQLite(err, "sqlite: iterate industry allocations")
	}
	return nil
}

func (s *SQLiteStore) ListFundReports(ctx context.Context, filter ReportFilter) ([]FundReportRecord, error) {
	query := sqliteSelectFundReport + ` WHERE true`
	args := []any{}

	if filter.FundCode != "" {
		query += ` AND fund_code = ?`
		args = append(args, filter.FundCode)
	}
	if filter.ReportType != "" {
		query += ` AND report_type = ?`
		args = append(args, string(filter.ReportType))
	}
	if filter.Year > 0 {
		query += ` AND substr(report_period_end, 1, 4) = ?`
		args = append(args, fmt.Sprintf("%04d", filter.Year))
	}
	query += ` ORDER BY report_period_end DESC, fund_code`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQLite(err, "sqlite: list fund reports")
	}
	defer rows.Close()

	var recs []FundReportRecord
	for rows.Next() {
		rec, err := scanSQLiteFundReport(rows)
		if err != nil {
			return nil, wrapSQLite(err, "sqlite: scan fund report")
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLite(err, "sqlite: iterate fund reports")
	}
	return recs, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.DownloadTask) error {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}
	task.RecomputeProgress()

	refsJSON, perItemJSON, progressJSON, err := marshalTaskState(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO download_task (task_id, status, save_dir, requested_refs, per_item, progress, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, string(task.Status), task.SaveDir,
		string(refsJSON), string(perItemJSON), string(progressJSON),
		task.CreatedAt, task.UpdatedAt,
	)
	return wrapSQLite(err, "sqlite: insert task")
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*model.DownloadTask, error) {
	var (
		task                            model.DownloadTask
		refsJSON, perItemJSON, progJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, status, save_dir, requested_refs, per_item, progress, created_at, updated_at FROM download_task WHERE task_id = ?`,
		taskID,
	).Scan(&task.TaskID, &task.Status, &task.SaveDir, &refsJSON, &perItemJSON, &progJSON, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "task %s", taskID)
		}
		return nil, wrapSQLite(err, "sqlite: get task")
	}
	if err := json.Unmarshal([]byte(refsJSON), &task.RequestedRefs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal refs")
	}
	if err := json.Unmarshal([]byte(perItemJSON), &task.PerItem); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal per-item state")
	}
	if err := json.Unmarshal([]byte(progJSON), &task.Progress); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal progress")
	}
	return &task, nil
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE download_task SET status = ?, updated_at = ? WHERE task_id = ?`,
		string(status), time.Now().UTC(), taskID,
	)
	if err != nil {
		return wrapSQLite(err, "sqlite: update task status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapSQLite(err, "sqlite: update task status")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "task %s", taskID)
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskItem(ctx context.Context, taskID string, uploadInfoID string, outcome model.ItemOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLite(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var task model.DownloadTask
	var refsJSON, perItemJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT requested_refs, per_item FROM download_task WHERE task_id = ?`,
		taskID,
	).Scan(&refsJSON, &perItemJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "task %s", taskID)
	}
	if err != nil {
		return wrapSQLite(err, "sqlite: lock task")
	}
	if err := json.Unmarshal([]byte(refsJSON), &task.RequestedRefs); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal refs")
	}
	if err := json.Unmarshal([]byte(perItemJSON), &task.PerItem); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal per-item state")
	}
	if task.PerItem == nil {
		task.PerItem = map[string]model.ItemOutcome{}
	}
	task.PerItem[uploadInfoID] = outcome
	task.RecomputeProgress()

	_, newPerItem, progressJSON, err := marshalTaskState(&task)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE download_task SET per_item = ?, progress = ?, updated_at = ? WHERE task_id = ?`,
		string(newPerItem), string(progressJSON), time.Now().UTC(), taskID,
	); err != nil {
		return wrapSQLite(err, "sqlite: update task items")
	}
	return wrapSQLite(tx.Commit(), "sqlite: commit")
}
