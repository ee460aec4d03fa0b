// Package service ties the portal client, downloader, parse engine, store and
// orchestrator together behind one API shared by the CLI and the HTTP server.
package service

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/orchestrator"
	"github.com/sinodata/fundreports/internal/parser"
	"github.com/sinodata/fundreports/internal/portal"
	"github.com/sinodata/fundreports/internal/search"
	"github.com/sinodata/fundreports/internal/store"
)

// Portal is the slice of the portal client the service depends on.
type Portal interface {
	ListReports(ctx context.Context, criteria *search.Criteria) (*portal.Page, error)
	SearchAll(ctx context.Context, criteria *search.Criteria, maxPages int) ([]model.ReportRef, error)
	ResolveDownloadURL(uploadInfoID string) (string, error)
}

// Runner runs and cancels batch tasks.
type Runner interface {
	Run(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
}

// Options configures the service.
type Options struct {
	SaveDir  string
	MaxBatch int
}

// Service is the application facade.
type Service struct {
	portal     Portal
	downloader orchestrator.Downloader
	engine     orchestrator.Parser
	store      store.Store
	runner     Runner
	saveDir    string
	maxBatch   int
}

// New creates a Service.
func New(p Portal, dl orchestrator.Downloader, engine orchestrator.Parser, st store.Store, runner Runner, opts Options) *Service {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 500
	}
	if opts.SaveDir == "" {
		opts.SaveDir = "./downloads"
	}
	return &Service{
		portal:     p,
		downloader: dl,
		engine:     engine,
		store:      st,
		runner:     runner,
		saveDir:    opts.SaveDir,
		maxBatch:   opts.MaxBatch,
	}
}

// Search returns one page of portal results.
func (s *Service) Search(ctx context.Context, criteria *search.Criteria) (*portal.Page, error) {
	return s.portal.ListReports(ctx, criteria)
}

// SearchAll walks result pages and returns every matching report reference.
// maxPages <= 0 means no page cap.
func (s *Service) SearchAll(ctx context.Context, criteria *search.Criteria, maxPages int) ([]model.ReportRef, error) {
	return s.portal.SearchAll(ctx, criteria, maxPages)
}

// Download fetches one report artifact into dir, or into the configured save
// directory when dir is empty.
func (s *Service) Download(ctx context.Context, ref model.ReportRef, dir string) (*model.ArtifactRecord, error) {
	rawURL, err := s.portal.ResolveDownloadURL(ref.UploadInfoID)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = s.saveDir
	}
	return s.downloader.DownloadToFile(ctx, rawURL, filepath.Join(dir, ref.UploadInfoID+".html"))
}

// ParseFile runs the extraction chain over a local artifact.
func (s *Service) ParseFile(ctx context.Context, path string, ref model.ReportRef) (*parser.Result, error) {
	return s.engine.ParseFile(ctx, path, ref)
}

// Ingest downloads, parses and persists a single report synchronously.
func (s *Service) Ingest(ctx context.Context, ref model.ReportRef) (string, error) {
	artifact, err := s.Download(ctx, ref, "")
	if err != nil {
		return "", err
	}
	res, err := s.engine.ParseFile(ctx, artifact.FilePath, ref)
	if err != nil {
		return "", err
	}
	return s.store.SaveFundReport(ctx, res.Report, artifact)
}

// EnqueueBatch records a batch task and starts it in the background. The task
// id is returned immediately; progress is polled via TaskStatus.
func (s *Service) EnqueueBatch(ctx context.Context, refs []model.ReportRef) (string, error) {
	if len(refs) == 0 {
		return "", model.WrapKind(model.ErrKindValidation, eris.New("service: batch is empty"))
	}
	if len(refs) > s.maxBatch {
		return "", model.WrapKind(model.ErrKindValidation,
			eris.Errorf("service: batch of %d exceeds the %d report limit", len(refs), s.maxBatch))
	}
	seen := make(map[string]struct{}, len(refs))
	deduped := make([]model.ReportRef, 0, len(refs))
	for _, ref := range refs {
		if ref.UploadInfoID == "" {
			return "", model.WrapKind(model.ErrKindValidation, eris.New("service: report ref without uploadInfoId"))
		}
		if _, dup := seen[ref.UploadInfoID]; dup {
			continue
		}
		seen[ref.UploadInfoID] = struct{}{}
		deduped = append(deduped, ref)
	}

	task := &model.DownloadTask{
		Status:        model.TaskStatusPending,
		SaveDir:       s.saveDir,
		RequestedRefs: deduped,
		PerItem:       map[string]model.ItemOutcome{},
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", err
	}

	// The run outlives the enqueue request.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.runner.Run(runCtx, task.TaskID); err != nil {
			zap.L().Error("batch task run failed",
				zap.String("task_id", task.TaskID),
				zap.Error(err),
			)
		}
	}()

	zap.L().Info("batch task enqueued",
		zap.String("task_id", task.TaskID),
		zap.Int("items", len(deduped)),
	)
	return task.TaskID, nil
}

// TaskStatus returns the durable state of a batch task.
func (s *Service) TaskStatus(ctx context.Context, taskID string) (*model.DownloadTask, error) {
	return s.store.GetTask(ctx, taskID)
}

// CancelTask requests cooperative cancellation of a batch task.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	return s.runner.Cancel(ctx, taskID)
}

// GetReport returns one persisted fund report with its child tables.
func (s *Service) GetReport(ctx context.Context, id string) (*store.FundReportRecord, error) {
	return s.store.GetFundReport(ctx, id)
}

// ListReports returns persisted fund reports matching the filter.
func (s *Service) ListReports(ctx context.Context, filter store.ReportFilter) ([]store.FundReportRecord, error) {
	return s.store.ListFundReports(ctx, filter)
}
