package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sinodata/fundreports/internal/db"
	"github.com/sinodata/fundreports/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const sqlUpsertFundReport = `INSERT INTO fund_report (
	id, fund_code, fund_name, fund_manager, report_type,
	report_period_start, report_period_end,
	net_asset_value, total_net_assets, period_profit,
	parser_kind, taxonomy_version, confidence, warnings,
	source_url, file_path, file_bytes, file_sha256, fetched_at, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT (fund_code, report_period_end, report_type) DO UPDATE SET
	fund_name = EXCLUDED.fund_name,
	fund_manager = EXCLUDED.fund_manager,
	report_period_start = EXCLUDED.report_period_start,
	net_asset_value = EXCLUDED.net_asset_value,
	total_net_assets = EXCLUDED.total_net_assets,
	period_profit = EXCLUDED.period_profit,
	parser_kind = EXCLUDED.parser_kind,
	taxonomy_version = EXCLUDED.taxonomy_version,
	confidence = EXCLUDED.confidence,
	warnings = EXCLUDED.warnings,
	source_url = EXCLUDED.source_url,
	file_path = EXCLUDED.file_path,
	file_bytes = EXCLUDED.file_bytes,
	file_sha256 = EXCLUDED.file_sha256,
	fetched_at = EXCLUDED.fetched_at,
	reparsed_at = now()
RETURNING id`

const sqlSelectFundReport = `SELECT id, fund_code, fund_name, fund_manager, report_type,
	report_period_start, report_period_end,
	net_asset_value::text, total_net_assets::text, period_profit::text,
	parser_kind, taxonomy_version, confidence, warnings,
	source_url, file_path, file_bytes, file_sha256, fetched_at,
	created_at, reparsed_at
FROM fund_report`

const (
	sqlGetTask = `SELECT task_id, status, save_dir, requested_refs, per_item, progress, created_at, updated_at
FROM download_task WHERE task_id = $1`
	sqlInsertTask = `INSERT INTO download_task (task_id, status, save_dir, requested_refs, per_item, progress, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	sqlUpdateTaskStatus = `UPDATE download_task SET status = $1, updated_at = $2 WHERE task_id = $3`
	sqlLockTaskItems    = `SELECT requested_refs, per_item, status, save_dir, created_at FROM download_task WHERE task_id = $1 FOR UPDATE`
	sqlUpdateTaskItems  = `UPDATE download_task SET per_item = $1, progress = $2, updated_at = $3 WHERE task_id = $4`
)

// preparedStatements lists queries to prepare on each new connection for the
// hottest store operations. Item updates fire once per report per step.
var preparedStatements = map[string]string{
	"get_task":           sqlGetTask,
	"update_task_status": sqlUpdateTaskStatus,
	"lock_task_items":    sqlLockTaskItems,
	"update_task_items":  sqlUpdateTaskItems,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS fund_report (
	id                  TEXT PRIMARY KEY,
	fund_code           TEXT NOT NULL,
	fund_name           TEXT NOT NULL,
	fund_manager        TEXT,
	report_type         TEXT NOT NULL,
	report_period_start DATE,
	report_period_end   DATE NOT NULL,
	net_asset_value     NUMERIC(20,2),
	total_net_assets    NUMERIC(20,2),
	period_profit       NUMERIC(20,2),
	parser_kind         TEXT NOT NULL,
	taxonomy_version    TEXT,
	confidence          DOUBLE PRECISION NOT NULL,
	warnings            JSONB,
	source_url          TEXT,
	file_path           TEXT,
	file_bytes          BIGINT,
	file_sha256         TEXT,
	fetched_at          TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	reparsed_at         TIMESTAMPTZ,
	UNIQUE (fund_code, report_period_end, report_type)
);

CREATE TABLE IF NOT EXISTS asset_allocation (
	id             TEXT PRIMARY KEY,
	fund_report_id TEXT NOT NULL REFERENCES fund_report(id) ON DELETE CASCADE,
	asset_type     TEXT NOT NULL,
	asset_subtype  TEXT,
	market_value   NUMERIC(20,2) NOT NULL,
	net_value_ratio NUMERIC(8,4) NOT NULL CHECK (net_value_ratio BETWEEN 0 AND 1)
);

CREATE TABLE IF NOT EXISTS top_holding (
	id             TEXT PRIMARY KEY,
	fund_report_id TEXT NOT NULL REFERENCES fund_report(id) ON DELETE CASCADE,
	rank           INTEGER NOT NULL,
	security_code  TEXT NOT NULL,
	security_name  TEXT NOT NULL,
	shares         BIGINT,
	market_value   NUMERIC(20,2) NOT NULL,
	net_value_ratio NUMERIC(8,4) NOT NULL CHECK (net_value_ratio BETWEEN 0 AND 1)
);

CREATE TABLE IF NOT EXISTS industry_allocation (
	id             TEXT PRIMARY KEY,
	fund_report_id TEXT NOT NULL REFERENCES fund_report(id) ON DELETE CASCADE,
	industry_name  TEXT NOT NULL,
	market_value   NUMERIC(20,2) NOT NULL,
	net_value_ratio NUMERIC(8,4) NOT NULL CHECK (net_value_ratio BETWEEN 0 AND 1)
);

CREATE TABLE IF NOT EXISTS download_task (
	task_id        TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	save_dir       TEXT NOT NULL,
	requested_refs JSONB NOT NULL,
	per_item       JSONB NOT NULL,
	progress       JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_fund_report_fund_code ON fund_report(fund_code);
CREATE INDEX IF NOT EXISTS idx_fund_report_period_end ON fund_report(report_period_end DESC);
CREATE INDEX IF NOT EXISTS idx_asset_allocation_report ON asset_allocation(fund_report_id);
CREATE INDEX IF NOT EXISTS idx_top_holding_report ON top_holding(fund_report_id);
CREATE INDEX IF NOT EXISTS idx_industry_allocation_report ON industry_allocation(fund_report_id);
CREATE INDEX IF NOT EXISTS idx_download_task_status ON download_task(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return wrapDB(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// wrapDB tags a database error for the retry policy: integrity violations
// (SQLSTATE class 23) are terminal, everything else is treated as transport
// trouble and retried.
func wrapDB(err error, op string) error {
	if err == nil {
		return nil
	}
	kind := model.ErrKindDBTransport
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		kind = model.ErrKindDBConstraint
	}
	return model.WrapKind(kind, eris.Wrap(err, op))
}

func decArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decField(s *string, dst **decimal.Decimal, col string) error {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return eris.Wrapf(err, "postgres: parse %s", col)
	}
	*dst = &d
	return nil
}

func (s *PostgresStore) SaveFundReport(ctx context.Context, report *model.ParsedFundReport, artifact *model.ArtifactRecord) (string, error) {
	if report == nil {
		return "", model.WrapKind(model.ErrKindValidation, eris.New("postgres: nil report"))
	}
	if artifact == nil {
		artifact = &model.ArtifactRecord{}
	}

	warningsJSON, err := json.Marshal(report.Warnings)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal warnings")
	}

	var id string
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var fetchedAt *time.Time
		if !artifact.FetchedAt.IsZero() {
			t := artifact.FetchedAt.UTC()
			fetchedAt = &t
		}
		err := tx.QueryRow(ctx, sqlUpsertFundReport,
			uuid.New().String(),
			report.FundCode,
			report.FundName,
			nullStr(report.FundManager),
			string(report.ReportType),
			report.ReportPeriodStart,
			report.ReportPeriodEnd,
			decArg(report.NetAssetValue),
			decArg(report.TotalNetAssets),
			decArg(report.PeriodProfit),
			string(report.ParserKind),
			nullStr(report.TaxonomyVersion),
			report.Confidence,
			warningsJSON,
			nullStr(artifact.URL),
			nullStr(artifact.FilePath),
			artifact.Bytes,
			nullStr(artifact.SHA256),
			fetchedAt,
			time.Now().UTC(),
		).Scan(&id)
		if err != nil {
			return eris.Wrap(err, "postgres: upsert fund report")
		}

		// Child tables are rewritten wholesale so a re-parse never leaves
		// stale rows behind.
		for _, table := range []string{"asset_allocation", "top_holding", "industry_allocation"} {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE fund_report_id = $1`, table), id); err != nil {
				return eris.Wrapf(err, "postgres: clear %s", table)
			}
		}

		if err := copyChildren(ctx, tx, id, report); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return "", wrapDB(err, "postgres: save fund report")
	}
	return id, nil
}

func copyChildren(ctx context.Context, tx pgx.Tx, reportID string, report *model.ParsedFundReport) error {
	assetRows := make([][]any, 0, len(report.AssetAllocations))
	for _, a := range report.AssetAllocations {
		assetRows = append(assetRows, []any{
			uuid.New().String(), reportID, a.AssetType, nullStr(a.AssetSubtype),
			a.MarketValue.String(), a.NetValueRatio.String(),
		})
	}
	if _, err := db.CopyRows(ctx, tx, "asset_allocation",
		[]string{"id", "fund_report_id", "asset_type", "asset_subtype", "market_value", "net_value_ratio"},
		assetRows); err != nil {
		return err
	}

	holdingRows := make([][]any, 0, len(report.TopHoldings))
	for _, h := range report.TopHoldings {
		holdingRows = append(holdingRows, []any{
			uuid.New().String(), reportID, h.Rank, h.SecurityCode, h.SecurityName,
			h.Shares, h.MarketValue.String(), h.NetValueRatio.String(),
		})
	}
	if _, err := db.CopyRows(ctx, tx, "top_holding",
		[]string{"id", "fund_report_id", "rank", "security_code", "security_name", "shares", "market_value", "net_value_ratio"},
		holdingRows); err != nil {
		return err
	}

	industryRows := make([][]any, 0, len(report.IndustryAllocations))
	for _, i := range report.IndustryAllocations {
		industryRows = append(industryRows, []any{
			uuid.New().String(), reportID, i.IndustryName,
			i.MarketValue.String(), i.NetValueRatio.String(),
		})
	}
	if _, err := db.CopyRows(ctx, tx, "industry_allocation",
		[]string{"id", "fund_report_id", "industry_name", "market_value", "net_value_ratio"},
		industryRows); err != nil {
		return err
	}
	return nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *PostgresStore) GetFundReport(ctx context.Context, id string) (*FundReportRecord, error) {
	row := s.pool.QueryRow(ctx, sqlSelectFundReport+` WHERE id = $1`, id)
	rec, err := scanFundReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "fund report %s", id)
		}
		return nil, wrapDB(err, "postgres: get fund report")
	}
	if err := s.loadChildren(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFundReport(row rowScanner) (*FundReportRecord, error) {
	var (
		rec                 FundReportRecord
		manager, taxVersion *string
		nav, tna, profit    *string
		warningsJSON        []byte
		srcURL, path, sha   *string
		bytes               *int64
		fetchedAt, reparsed *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.Report.FundCode, &rec.Report.FundName, &manager, &rec.Report.ReportType,
		&rec.Report.ReportPeriodStart, &rec.Report.ReportPeriodEnd,
		&nav, &tna, &profit,
		&rec.Report.ParserKind, &taxVersion, &rec.Report.Confidence, &warningsJSON,
		&srcURL, &path, &bytes, &sha, &fetchedAt,
		&rec.CreatedAt, &reparsed,
	)
	if err != nil {
		return nil, err
	}

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
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &rec.Report.Warnings); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal warnings")
		}
	}
	rec.Artifact = model.ArtifactRecord{
		URL:      strOrEmpty(srcURL),
		FilePath: strOrEmpty(path),
		SHA256:   strOrEmpty(sha),
	}
	if bytes != nil {
		rec.Artifact.Bytes = *bytes
	}
	if fetchedAt != nil {
		rec.Artifact.FetchedAt = *fetchedAt
	}
	rec.ReparsedAt = reparsed
	return &rec, nil
}

func (s *PostgresStore) loadChildren(ctx context.Context, rec *FundReportRecord) error {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_type, asset_subtype, market_value::text, net_value_ratio::text FROM asset_allocation WHERE fund_report_id = $1 ORDER BY market_value DESC`,
		rec.ID)
	if err != nil {
		return wrapDB(err, "postgres: list asset allocations")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a       model.AssetAllocation
			subtype *string
			mv, nvr string
		)
		if err := rows.Scan(&a.AssetType, &subtype, &mv, &nvr); err != nil {
			return wrapDB(err, "postgres: scan asset allocation")
		}
		a.AssetSubtype = strOrEmpty(subtype)
		if a.MarketValue, err = decimal.NewFromString(mv); err != nil {
			return eris.Wrap(err, "postgres: parse market_value")
		}
		if a.NetValueRatio, err = decimal.NewFromString(nvr); err != nil {
			return eris.Wrap(err, "postgres: parse net_value_ratio")
		}
		rec.Report.AssetAllocations = append(rec.Report.AssetAllocations, a)
	}
	if err := rows.Err(); err != nil {
		return wrapDB(err, "postgres: iterate asset allocations")
	}
	rows.Close()

	hrows, err := s.pool.Query(ctx,
		`SELECT rank, security_code, security_name, shares, market_value::text, net_value_ratio::text FROM top_holding WHERE fund_report_id = $1 ORDER BY rank`,
		rec.ID)
	if err != nil {
		return wrapDB(err, "postgres: list holdings")
	}
	defer hrows.Close()
	for hrows.Next() {
		var (
			h       model.Holding
			mv, nvr string
		)
		if err := hrows.Scan(&h.Rank, &h.SecurityCode, &h.SecurityName, &h.Shares, &mv, &nvr); err != nil {
			return wrapDB(err, "postgres: scan holding")
		}
		if h.MarketValue, err = decimal.NewFromString(mv); err != nil {
			return eris.Wrap(err, "postgres: parse market_value")
		}
		if h.NetValueRatio, err = decimal.NewFromString(nvr); err != nil {
			return eris.Wrap(err, "postgres: parse net_value_ratio")
		}
		rec.Report.TopHoldings = append(rec.Report.TopHoldings, h)
	}
	if err := hrows.Err(); err != nil {
		return wrapDB(err, "postgres: iterate holdings")
	}
	hrows.Close()

	irows, err := s.pool.Query(ctx,
		`SELECT industry_name, market_value::text, net_value_ratio::text FROM industry_allocation WHERE fund_report_id = $1 ORDER BY market_value DESC`,
		rec.ID)
	if err != nil {
		return wrapDB(err, "postgres: list industry allocations")
	}
	defer irows.Close()
	for irows.Next() {
		var (
			ind     model.IndustryAllocation
			mv, nvr string
		)
		if err := irows.Scan(&ind.IndustryName, &mv, &nvr); err != nil {
			return wrapDB(err, "postgres: scan industry allocation")
		}
		if ind.MarketValue, err = decimal.NewFromString(mv); err != nil {
			return eris.Wrap(err, "postgres: parse market_value")
		}
		if ind.NetValueRatio, err = decimal.NewFromString(nvr); err != nil {
			return eris.Wrap(err, "postgres: parse net_value_ratio")
		}
		rec.Report.IndustryAllocations = append(rec.Report.IndustryAllocations, ind)
	}
	if err := irows.Err(); err != nil {
		return wrapDB(err, "postgres: iterate industry allocations")
	}
	return nil
}

func (s *PostgresStore) ListFundReports(ctx context.Context, filter ReportFilter) ([]FundReportRecord, error) {
	query := sqlSelectFundReport + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.FundCode != "" {
		query += fmt.Sprintf(` AND fund_code = $%d`, argIdx)
		args = append(args, filter.FundCode)
		argIdx++
	}
	if filter.ReportType != "" {
		query += fmt.Sprintf(` AND report_type = $%d`, argIdx)
		args = append(args, string(filter.ReportType))
		argIdx++
	}
	if filter.Year > 0 {
		query += fmt.Sprintf(` AND EXTRACT(YEAR FROM report_period_end) = $%d`, argIdx)
		args = append(args, filter.Year)
		argIdx++
	}
	query += ` ORDER BY report_period_end DESC, fund_code`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDB(err, "postgres: list fund reports")
	}
	defer rows.Close()

	var recs []FundReportRecord
	for rows.Next() {
		rec, err := scanFundReport(rows)
		if err != nil {
			return nil, wrapDB(err, "postgres: scan fund report")
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err, "postgres: iterate fund reports")
	}
	return recs, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *model.DownloadTask) error {
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
	_, err = s.pool.Exec(ctx, sqlInsertTask,
		task.TaskID, string(task.Status), task.SaveDir,
		refsJSON, perItemJSON, progressJSON,
		task.CreatedAt, task.UpdatedAt,
	)
	return wrapDB(err, "postgres: insert task")
}

func marshalTaskState(task *model.DownloadTask) (refs, perItem, progress []byte, err error) {
	if refs, err = json.Marshal(task.RequestedRefs); err != nil {
		return nil, nil, nil, eris.Wrap(err, "postgres: marshal refs")
	}
	items := task.PerItem
	if items == nil {
		items = map[string]model.ItemOutcome{}
	}
	if perItem, err = json.Marshal(items); err != nil {
		return nil, nil, nil, eris.Wrap(err, "postgres: marshal per-item state")
	}
	if progress, err = json.Marshal(task.Progress); err != nil {
		return nil, nil, nil, eris.Wrap(err, "postgres: marshal progress")
	}
	return refs, perItem, progress, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*model.DownloadTask, error) {
	var (
		task                            model.DownloadTask
		refsJSON, perItemJSON, progJSON []byte
	)
	err := s.pool.QueryRow(ctx, sqlGetTask, taskID).Scan(
		&task.TaskID, &task.Status, &task.SaveDir,
		&refsJSON, &perItemJSON, &progJSON,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "task %s", taskID)
		}
		return nil, wrapDB(err, "postgres: get task")
	}
	if err := json.Unmarshal(refsJSON, &task.RequestedRefs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal refs")
	}
	if err := json.Unmarshal(perItemJSON, &task.PerItem); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal per-item state")
	}
	if err := json.Unmarshal(progJSON, &task.Progress); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal progress")
	}
	return &task, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	tag, err := s.pool.Exec(ctx, sqlUpdateTaskStatus, string(status), time.Now().UTC(), taskID)
	if err != nil {
		return wrapDB(err, "postgres: update task status")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "task %s", taskID)
	}
	return nil
}

// UpdateTaskItem records one item outcome and recomputes progress under a row
// lock, so concurrent workers never clobber each other's updates.
func (s *PostgresStore) UpdateTaskItem(ctx context.Context, taskID string, uploadInfoID string, outcome model.ItemOutcome) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var task model.DownloadTask
		var refsJSON, perItemJSON []byte
		err := tx.QueryRow(ctx, sqlLockTaskItems, taskID).Scan(
			&refsJSON, &perItemJSON, &task.Status, &task.SaveDir, &task.CreatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "task %s", taskID)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: lock task")
		}
		if err := json.Unmarshal(refsJSON, &task.RequestedRefs); err != nil {
			return eris.Wrap(err, "postgres: unmarshal refs")
		}
		if err := json.Unmarshal(perItemJSON, &task.PerItem); err != nil {
			return eris.Wrap(err, "postgres: unmarshal per-item state")
		}
		if task.PerItem == nil {
			task.PerItem = map[string]model.ItemOutcome{}
		}
		task.PerItem[uploadInfoID] = outcome
		task.RecomputeProgress()

		_, perItemJSON, progressJSON, err := marshalTaskState(&task)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, sqlUpdateTaskItems, perItemJSON, progressJSON, time.Now().UTC(), taskID)
		return eris.Wrap(err, "postgres: update task items")
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return wrapDB(err, "postgres: update task item")
	}
	return nil
}
