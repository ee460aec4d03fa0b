package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/parser"
	"github.com/sinodata/fundreports/internal/resilience"
	"github.com/sinodata/fundreports/internal/store"
)

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	mu       sync.Mutex
	tasks    map[string]*model.DownloadTask
	saved    int
	saveErrs []error
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]*model.DownloadTask{}}
}

func (m *memStore) SaveFundReport(_ context.Context, report *model.ParsedFundReport, _ *model.ArtifactRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saveErrs) > 0 {
		err := m.saveErrs[0]
		m.saveErrs = m.saveErrs[1:]
		if err != nil {
			return "", err
		}
	}
	m.saved++
	return fmt.Sprintf("report-%s", report.FundCode), nil
}

func (m *memStore) GetFundReport(context.Context, string) (*store.FundReportRecord, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) ListFundReports(context.Context, store.ReportFilter) ([]store.FundReportRecord, error) {
	return nil, nil
}

func (m *memStore) CreateTask(_ context.Context, task *model.DownloadTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.PerItem == nil {
		task.PerItem = map[string]model.ItemOutcome{}
	}
	task.RecomputeProgress()
	m.tasks[task.TaskID] = task
	return nil
}

func (m *memStore) GetTask(_ context.Context, taskID string) (*model.DownloadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "task %s", taskID)
	}
	cp := *task
	cp.PerItem = make(map[string]model.ItemOutcome, len(task.PerItem))
	for k, v := range task.PerItem {
		cp.PerItem[k] = v
	}
	return &cp, nil
}

func (m *memStore) UpdateTaskStatus(_ context.Context, taskID string, status model.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return eris.Wrapf(store.ErrNotFound, "task %s", taskID)
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) UpdateTaskItem(_ context.Context, taskID string, uploadInfoID string, outcome model.ItemOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return eris.Wrapf(store.ErrNotFound, "task %s", taskID)
	}
	task.PerItem[uploadInfoID] = outcome
	task.RecomputeProgress()
	return nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

type fakeResolver struct{}

func (fakeResolver) ResolveDownloadURL(uploadInfoID string) (string, error) {
	return "https://portal.invalid/instance_html_view.do?instanceid=" + uploadInfoID, nil
}

type fakeDownloader struct {
	mu      sync.Mutex
	failIDs map[string]error
	// block, when set, holds the first download until released.
	block   chan struct{}
	started chan string
	blocked bool
}

func (f *fakeDownloader) DownloadToFile(ctx context.Context, rawURL, path string) (*model.ArtifactRecord, error) {
	f.mu.Lock()
	shouldBlock := f.block != nil && !f.blocked
	if shouldBlock {
		f.blocked = true
	}
	f.mu.Unlock()

	if f.started != nil {
		f.started <- path
	}
	if shouldBlock {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, model.WrapKind(model.ErrKindCancelled, ctx.Err())
		}
	}
	for id, err := range f.failIDs {
		if rawURL == (fakeResolver{}).mustURL(id) {
			return nil, err
		}
	}
	return &model.ArtifactRecord{
		URL:       rawURL,
		FilePath:  path,
		Bytes:     1024,
		SHA256:    "cafebabe",
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (fakeResolver) mustURL(id string) string {
	u, _ := fakeResolver{}.ResolveDownloadURL(id)
	return u
}

type fakeParser struct {
	failPaths map[string]error
}

func (f *fakeParser) ParseFile(_ context.Context, path string, ref model.ReportRef) (*parser.Result, error) {
	if err, ok := f.failPaths[path]; ok {
		return &parser.Result{Attempts: []parser.Attempt{
			{Parser: model.ParserKindIXBRL, Error: "no embedded instance"},
			{Parser: model.ParserKindHTML, Error: "no recognizable report sections"},
		}}, err
	}
	nav := decimal.RequireFromString("1.0523")
	return &parser.Result{
		Attempts: []parser.Attempt{{Parser: model.ParserKindXBRL}},
		Report: &model.ParsedFundReport{
			FundCode:        ref.FundCode,
			FundName:        ref.FundShortName,
			ReportType:      model.ReportTypeAnnual,
			ReportPeriodEnd: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
			NetAssetValue:   &nav,
			ParserKind:      model.ParserKindXBRL,
			Confidence:      1.0,
		},
	}, nil
}

func testTask(ids ...string) *model.DownloadTask {
	refs := make([]model.ReportRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, model.ReportRef{UploadInfoID: id, FundCode: "01" + id, FundShortName: "基金" + id})
	}
	return &model.DownloadTask{
		TaskID:        "task-1",
		Status:        model.TaskStatusPending,
		SaveDir:       "/tmp/dl",
		RequestedRefs: refs,
		PerItem:       map[string]model.ItemOutcome{},
	}
}

func fastOpts() Options {
	return Options{
		Workers: 4,
		PersistRetry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			JitterFraction: 0,
		},
	}
}

func TestRunCompletesAllItems(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.CreateTask(context.Background(), testTask("1", "2", "3")))

	orc := New(st, fakeResolver{}, &fakeDownloader{}, &fakeParser{}, fastOpts())
	require.NoError(t, orc.Run(context.Background(), "task-1"))

	task, err := st.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, 3, task.Progress.Completed)
	assert.InDelta(t, 100.0, task.Progress.Percent, 0.001)
	for id, out := range task.PerItem {
		assert.Equal(t, model.ItemStatusPersisted, out.Status, id)
		assert.Equal(t, "report-01"+id, out.FundReportID)
		assert.Equal(t, "cafebabe", out.SHA256)
		assert.NotNil(t, out.FetchedAt)
		assert.Equal(t, []model.ParserKind{model.ParserKindXBRL}, out.Parsers)
	}
	assert.Equal(t, 3, st.saved)
}

func TestRunPartialFailure(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.CreateTask(context.Background(), testTask("1", "2")))

	badPath := "/tmp/dl/2.html"
	p := &fakeParser{failPaths: map[string]error{
		badPath: model.WrapKind(model.ErrKindParse, eris.New("no extractor produced a report")),
	}}
	orc := New(st, fakeResolver{}, &fakeDownloader{}, p, fastOpts())
	require.NoError(t, orc.Run(context.Background(), "task-1"))

	task, err := st.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPartial, task.Status)
	assert.Equal(t, 1, task.Progress.Completed)
	assert.Equal(t, 1, task.Progress.Failed)

	failed := task.PerItem["2"]
	assert.Equal(t, model.ItemStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, model.ErrKindParse, failed.Error.Kind)
	// Download audit fields survive the parse failure, and the outcome keeps
	// the ordered list of extractors that were tried.
	assert.Equal(t, badPath, failed.FilePath)
	assert.Equal(t, int64(1024), failed.Bytes)
	assert.Equal(t, []model.ParserKind{model.ParserKindIXBRL, model.ParserKindHTML}, failed.Parsers)
}

func TestRunAllFail(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.CreateTask(context.Background(), testTask("1", "2")))

	dl := &fakeDownloader{failIDs: map[string]error{
		"1": model.WrapKind(model.ErrKindHTTP, eris.New("http 404")),
		"2": model.WrapKind(model.ErrKindHTTP, eris.New("http 404")),
	}}
	orc := New(st, fakeResolver{}, dl, &fakeParser{}, fastOpts())
	require.NoError(t, orc.Run(context.Background(), "task-1"))

	task, err := st.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Equal(t, 2, task.Progress.Failed)
	assert.Equal(t, model.ErrKindHTTP, task.PerItem["1"].Error.Kind)
}

func TestRunPersistRetriesTransientDBError(t *testing.T) {
	st := newMemStore()
	st.saveErrs = []error{
		model.WrapKind(model.ErrKindDBTransport, eris.New("connection reset")),
	}
	require.NoError(t, st.CreateTask(context.Background(), testTask("1")))

	orc := New(st, fakeResolver{}, &fakeDownloader{}, &fakeParser{}, fastOpts())
	require.NoError(t, orc.Run(context.Background(), "task-1"))

	task, err := st.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, st.saved)
}

func TestRunPersistConstraintIsTerminal(t *testing.T) {
	st := newMemStore()
	st.saveErrs = []error{
		model.WrapKind(model.ErrKindDBConstraint, eris.New("net_value_ratio out of range")),
	}
	require.NoError(t, st.CreateTask(context.Background(), testTask("1")))

	orc := New(st, fakeResolver{}, &fakeDownloader{}, &fakeParser{}, fastOpts())
	require.NoError(t, orc.Run(context.Background(), "task-1"))

	task, err := st.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Equal(t, model.ErrKindDBConstraint, task.PerItem["1"].Error.Kind)
	assert.Equal(t, 0, st.saved)
}

// Cancelling mid-run lets the in-flight item finish its current step, skips
// the rest of its chain, and marks the queued items CANCELLED.
func TestCancelCooperative(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.CreateTask(context.Background(), testTask("1", "2", "3")))

	dl := &fakeDownloader{
		block:   make(chan struct{}),
		started: make(chan string, 3),
	}
	opts := fastOpts()
	opts.Workers = 1
	orc := New(st, fakeResolver{}, dl, &fakeParser{}, opts)

	done := make(chan error, 1)
	go func() { done <- orc.Run(context.Background(), "task-1") }()

	// Wait for the first download to start, then cancel and release it.
	<-dl.started
	require.NoError(t, orc.Cancel(context.Background(), "task-1"))
	close(dl.block)

	require.NoError(t, <-done)

	task, err := st.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, task.Status)

	// The in-flight download completed and its audit fields were recorded,
	// but parse and persist were skipped.
	first := task.PerItem["1"]
	assert.Equal(t, model.ItemStatusCancelled, first.Status)
	assert.Equal(t, "/tmp/dl/1.html", first.FilePath)
	assert.Equal(t, "cafebabe", first.SHA256)
	assert.Empty(t, first.Parsers)

	assert.Equal(t, model.ItemStatusCancelled, task.PerItem["2"].Status)
	assert.Equal(t, model.ItemStatusCancelled, task.PerItem["3"].Status)
	assert.Equal(t, 0, task.Progress.Completed)
	assert.Equal(t, 3, task.Progress.Cancelled)
	assert.Equal(t, 0, st.saved)
}

func TestCancelFinishedTask(t *testing.T) {
	st := newMemStore()
	task := testTask("1")
	task.Status = model.TaskStatusCompleted
	require.NoError(t, st.CreateTask(context.Background(), task))

	orc := New(st, fakeResolver{}, &fakeDownloader{}, &fakeParser{}, fastOpts())
	err := orc.Cancel(context.Background(), "task-1")
	require.Error(t, err)
	assert.Equal(t, model.ErrKindValidation, model.KindOf(err))
}

func TestRunUnknownTask(t *testing.T) {
	orc := New(newMemStore(), fakeResolver{}, &fakeDownloader{}, &fakeParser{}, fastOpts())
	err := orc.Run(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
