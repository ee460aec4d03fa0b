// Package orchestrator drives batch ingestion tasks: each requested report
// runs download, parse, persist with per-step timeouts and retry policies,
// recording durable per-item outcomes as it goes.
package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/parser"
	"github.com/sinodata/fundreports/internal/resilience"
	"github.com/sinodata/fundreports/internal/store"
)

// URLResolver turns a portal upload id into a fetchable artifact URL.
type URLResolver interface {
	ResolveDownloadURL(uploadInfoID string) (string, error)
}

// Downloader fetches one artifact to disk.
type Downloader interface {
	DownloadToFile(ctx context.Context, rawURL, path string) (*model.ArtifactRecord, error)
}

// Parser runs the extraction chain over a downloaded artifact.
type Parser interface {
	ParseFile(ctx context.Context, path string, ref model.ReportRef) (*parser.Result, error)
}

// Options tunes the worker pool and per-step deadlines.
type Options struct {
	Workers         int
	DownloadTimeout time.Duration
	ParseTimeout    time.Duration
	PersistTimeout  time.Duration
	PersistRetry    resilience.RetryConfig
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 120 * time.Second
	}
	if o.ParseTimeout <= 0 {
		o.ParseTimeout = 60 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 30 * time.Second
	}
	if o.PersistRetry.MaxAttempts == 0 {
		o.PersistRetry = resilience.PersistRetryConfig()
	}
	return o
}

// Orchestrator executes download tasks against the store.
type Orchestrator struct {
	store      store.Store
	resolver   URLResolver
	downloader Downloader
	parser     Parser
	opts       Options

	mu    sync.Mutex
	gates map[string]context.CancelFunc
}

// New creates an Orchestrator.
func New(st store.Store, resolver URLResolver, dl Downloader, p Parser, opts Options) *Orchestrator {
	return &Orchestrator{
		store:      st,
		resolver:   resolver,
		downloader: dl,
		parser:     p,
		opts:       opts.withDefaults(),
		gates:      map[string]context.CancelFunc{},
	}
}

// Run executes the task to completion and finalizes its status. Items fan out
// across the worker pool; one item failing never stops the others. Run returns
// only infrastructure errors, per-item failures land in the task record.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return model.WrapKind(model.ErrKindValidation,
			eris.Errorf("orchestrator: task %s already finished as %s", taskID, task.Status))
	}

	if err := o.store.UpdateTaskStatus(ctx, taskID, model.TaskStatusRunning); err != nil {
		return err
	}

	// The gate is checked before each item and between chain steps. The step
	// in flight when the gate fires always finishes, so no artifact is left
	// half-recorded; remaining steps are skipped.
	gateCtx, gate := context.WithCancel(context.Background())
	o.mu.Lock()
	o.gates[taskID] = gate
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.gates, taskID)
		o.mu.Unlock()
		gate()
	}()

	zap.L().Info("task started",
		zap.String("task_id", taskID),
		zap.Int("items", len(task.RequestedRefs)),
		zap.Int("workers", o.opts.Workers),
	)

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Workers)
	for _, ref := range task.RequestedRefs {
		g.Go(func() error {
			if cancelRequested(ctx, gateCtx) {
				o.recordOutcome(ctx, taskID, ref.UploadInfoID, model.ItemOutcome{Status: model.ItemStatusCancelled})
				return nil
			}
			o.processItem(ctx, gateCtx, task, ref)
			return nil
		})
	}
	_ = g.Wait()

	return o.finalize(ctx, taskID)
}

// Cancel requests cooperative cancellation. The task moves to CANCELLING;
// in-flight items finish their current step, skip the rest of their chain,
// and everything not persisted is marked CANCELLED when Run finalizes.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return model.WrapKind(model.ErrKindValidation,
			eris.Errorf("orchestrator: task %s already finished as %s", taskID, task.Status))
	}
	if err := o.store.UpdateTaskStatus(ctx, taskID, model.TaskStatusCancelling); err != nil {
		return err
	}

	o.mu.Lock()
	gate, running := o.gates[taskID]
	o.mu.Unlock()
	if running {
		gate()
	}
	zap.L().Info("task cancellation requested", zap.String("task_id", taskID))
	return nil
}

func (o *Orchestrator) processItem(ctx, gateCtx context.Context, task *model.DownloadTask, ref model.ReportRef) {
	itemID := ref.UploadInfoID
	out := model.ItemOutcome{Status: model.ItemStatusPending}

	rawURL, err := o.resolver.ResolveDownloadURL(itemID)
	if err != nil {
		o.failItem(ctx, task.TaskID, itemID, out, err)
		return
	}

	dctx, cancelDL := context.WithTimeout(ctx, o.opts.DownloadTimeout)
	artifact, err := o.downloader.DownloadToFile(dctx, rawURL, filepath.Join(task.SaveDir, itemID+".html"))
	cancelDL()
	if err != nil {
		o.failItem(ctx, task.TaskID, itemID, out, err)
		return
	}
	out.Status = model.ItemStatusDownloaded
	out.FilePath = artifact.FilePath
	out.Bytes = artifact.Bytes
	out.SHA256 = artifact.SHA256
	fetched := artifact.FetchedAt
	out.FetchedAt = &fetched
	o.recordOutcome(ctx, task.TaskID, itemID, out)

	if cancelRequested(ctx, gateCtx) {
		o.skipRemaining(ctx, task.TaskID, itemID, out)
		return
	}

	pctx, cancelParse := context.WithTimeout(ctx, o.opts.ParseTimeout)
	res, err := o.parser.ParseFile(pctx, artifact.FilePath, ref)
	cancelParse()
	if res != nil {
		out.Parsers = parserKinds(res.Attempts)
	}
	if err != nil {
		o.failItem(ctx, task.TaskID, itemID, out, err)
		return
	}
	out.Status = model.ItemStatusParsed
	o.recordOutcome(ctx, task.TaskID, itemID, out)

	if cancelRequested(ctx, gateCtx) {
		o.skipRemaining(ctx, task.TaskID, itemID, out)
		return
	}

	sctx, cancelSave := context.WithTimeout(ctx, o.opts.PersistTimeout)
	reportID, err := resilience.DoVal(sctx, o.opts.PersistRetry, func(ctx context.Context) (string, error) {
		return o.store.SaveFundReport(ctx, res.Report, artifact)
	})
	cancelSave()
	if err != nil {
		o.failItem(ctx, task.TaskID, itemID, out, err)
		return
	}
	out.Status = model.ItemStatusPersisted
	out.FundReportID = reportID
	o.recordOutcome(ctx, task.TaskID, itemID, out)

	zap.L().Debug("item persisted",
		zap.String("task_id", task.TaskID),
		zap.String("upload_info_id", itemID),
		zap.String("fund_report_id", reportID),
	)
}

func cancelRequested(ctx, gateCtx context.Context) bool {
	return gateCtx.Err() != nil || ctx.Err() != nil
}

func parserKinds(attempts []parser.Attempt) []model.ParserKind {
	kinds := make([]model.ParserKind, 0, len(attempts))
	for _, a := range attempts {
		kinds = append(kinds, a.Parser)
	}
	return kinds
}

// skipRemaining marks the item CANCELLED after its current step, keeping the
// audit fields already recorded.
func (o *Orchestrator) skipRemaining(ctx context.Context, taskID, itemID string, out model.ItemOutcome) {
	out.Status = model.ItemStatusCancelled
	zap.L().Debug("item cancelled between steps",
		zap.String("task_id", taskID),
		zap.String("upload_info_id", itemID),
	)
	o.recordOutcome(ctx, taskID, itemID, out)
}

func (o *Orchestrator) failItem(ctx context.Context, taskID, itemID string, out model.ItemOutcome, err error) {
	kind := model.KindOf(err)
	if kind == model.ErrKindCancelled {
		out.Status = model.ItemStatusCancelled
	} else {
		out.Status = model.ItemStatusFailed
	}
	out.Error = &model.ItemError{Kind: kind, Message: err.Error()}

	zap.L().Warn("item failed",
		zap.String("task_id", taskID),
		zap.String("upload_info_id", itemID),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	o.recordOutcome(ctx, taskID, itemID, out)
}

// recordOutcome writes the item state even when the run context is already
// cancelled, so the task record stays truthful.
func (o *Orchestrator) recordOutcome(ctx context.Context, taskID, itemID string, out model.ItemOutcome) {
	if err := o.store.UpdateTaskItem(context.WithoutCancel(ctx), taskID, itemID, out); err != nil {
		zap.L().Error("record item outcome",
			zap.String("task_id", taskID),
			zap.String("upload_info_id", itemID),
			zap.Error(err),
		)
	}
}

// finalize derives the terminal status from the recorded item outcomes.
func (o *Orchestrator) finalize(ctx context.Context, taskID string) error {
	ctx = context.WithoutCancel(ctx)
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	final := task.TerminalStatus()
	if err := o.store.UpdateTaskStatus(ctx, taskID, final); err != nil {
		return err
	}
	zap.L().Info("task finished",
		zap.String("task_id", taskID),
		zap.String("status", string(final)),
		zap.Int("completed", task.Progress.Completed),
		zap.Int("failed", task.Progress.Failed),
		zap.Int("cancelled", task.Progress.Cancelled),
	)
	return nil
}
