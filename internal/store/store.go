// Package store persists parsed fund reports and batch download tasks.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sinodata/fundreports/internal/model"
)

// ErrNotFound is returned when a report or task id does not exist.
var ErrNotFound = eris.New("store: not found")

// ReportFilter specifies criteria for listing fund reports.
type ReportFilter struct {
	FundCode   string           `json:"fund_code,omitempty"`
	ReportType model.ReportType `json:"report_type,omitempty"`
	Year       int              `json:"year,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
}

// FundReportRecord is a persisted fund report: the parsed aggregate plus its
// artifact audit trail and row lifecycle timestamps.
type FundReportRecord struct {
	ID         string                 `json:"id"`
	Report     model.ParsedFundReport `json:"report"`
	Artifact   model.ArtifactRecord   `json:"artifact"`
	CreatedAt  time.Time              `json:"created_at"`
	ReparsedAt *time.Time             `json:"reparsed_at,omitempty"`
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Fund reports. SaveFundReport is idempotent on the natural key
	// (fund_code, report_period_end, report_type): a re-parse of the same
	// disclosure overwrites the previous row and its child tables and stamps
	// reparsed_at, keeping the original id.
	SaveFundReport(ctx context.Context, report *model.ParsedFundReport, artifact *model.ArtifactRecord) (string, error)
	GetFundReport(ctx context.Context, id string) (*FundReportRecord, error)
	ListFundReports(ctx context.Context, filter ReportFilter) ([]FundReportRecord, error)

	// Batch tasks
	CreateTask(ctx context.Context, task *model.DownloadTask) error
	GetTask(ctx context.Context, taskID string) (*model.DownloadTask, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error
	UpdateTaskItem(ctx context.Context, taskID string, uploadInfoID string, outcome model.ItemOutcome) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates a Store for the configured driver.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "", "postgres":
		return NewPostgres(ctx, dsn, poolCfg)
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
