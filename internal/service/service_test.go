package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/parser"
	"github.com/sinodata/fundreports/internal/portal"
	"github.com/sinodata/fundreports/internal/search"
	"github.com/sinodata/fundreports/internal/store"
)

type fakePortal struct {
	page *portal.Page
	refs []model.ReportRef
}

func (f *fakePortal) ListReports(_ context.Context, criteria *search.Criteria) (*portal.Page, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	return f.page, nil
}

func (f *fakePortal) SearchAll(context.Context, *search.Criteria, int) ([]model.ReportRef, error) {
	return f.refs, nil
}

func (f *fakePortal) ResolveDownloadURL(uploadInfoID string) (string, error) {
	if uploadInfoID == "" {
		return "", model.WrapKind(model.ErrKindValidation, eris.New("empty uploadInfoId"))
	}
	return "https://portal.invalid/instance_html_view.do?instanceid=" + uploadInfoID, nil
}

type fakeDownloader struct{ lastURL string }

func (f *fakeDownloader) DownloadToFile(_ context.Context, rawURL, path string) (*model.ArtifactRecord, error) {
	f.lastURL = rawURL
	return &model.ArtifactRecord{URL: rawURL, FilePath: path, Bytes: 64, SHA256: "ab", FetchedAt: time.Now().UTC()}, nil
}

type fakeEngine struct{}

func (fakeEngine) ParseFile(_ context.Context, path string, ref model.ReportRef) (*parser.Result, error) {
	return &parser.Result{
		Report: &model.ParsedFundReport{
			FundCode:        ref.FundCode,
			FundName:        ref.FundShortName,
			ReportType:      model.ReportTypeAnnual,
			ReportPeriodEnd: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
			ParserKind:      model.ParserKindXBRL,
			Confidence:      1.0,
		},
	}, nil
}

type taskStore struct {
	mu    sync.Mutex
	tasks map[string]*model.DownloadTask
	saved int
}

func newTaskStore() *taskStore { return &taskStore{tasks: map[string]*model.DownloadTask{}} }

func (s *taskStore) SaveFundReport(context.Context, *model.ParsedFundReport, *model.ArtifactRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved++
	return "report-1", nil
}

func (s *taskStore) GetFundReport(context.Context, string) (*store.FundReportRecord, error) {
	return nil, store.ErrNotFound
}

func (s *taskStore) ListFundReports(context.Context, store.ReportFilter) ([]store.FundReportRecord, error) {
	return nil, nil
}

func (s *taskStore) CreateTask(_ context.Context, task *model.DownloadTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.TaskID == "" {
		task.TaskID = "task-1"
	}
	s.tasks[task.TaskID] = task
	return nil
}

func (s *taskStore) GetTask(_ context.Context, taskID string) (*model.DownloadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "task %s", taskID)
	}
	return task, nil
}

func (s *taskStore) UpdateTaskStatus(_ context.Context, taskID string, status model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID].Status = status
	return nil
}

func (s *taskStore) UpdateTaskItem(context.Context, string, string, model.ItemOutcome) error { return nil }
func (s *taskStore) Migrate(context.Context) error                                           { return nil }
func (s *taskStore) Close() error                                                            { return nil }

type fakeRunner struct {
	mu        sync.Mutex
	ran       chan string
	cancelled []string
}

func (r *fakeRunner) Run(_ context.Context, taskID string) error {
	if r.ran != nil {
		r.ran <- taskID
	}
	return nil
}

func (r *fakeRunner) Cancel(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, taskID)
	return nil
}

func newTestService(p *fakePortal, st *taskStore, runner *fakeRunner) (*Service, *fakeDownloader) {
	dl := &fakeDownloader{}
	return New(p, dl, fakeEngine{}, st, runner, Options{SaveDir: "/tmp/dl", MaxBatch: 3}), dl
}

func sampleRefs(ids ...string) []model.ReportRef {
	refs := make([]model.ReportRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, model.ReportRef{UploadInfoID: id, FundCode: "017837"})
	}
	return refs
}

func TestSearchValidatesCriteria(t *testing.T) {
	svc, _ := newTestService(&fakePortal{}, newTaskStore(), &fakeRunner{})

	_, err := svc.Search(context.Background(), &search.Criteria{ReportType: model.ReportTypeAnnual})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindValidation, model.KindOf(err))
}

func TestSearchReturnsPage(t *testing.T) {
	p := &fakePortal{page: &portal.Page{Refs: sampleRefs("19052421"), TotalRecords: 1}}
	svc, _ := newTestService(p, newTaskStore(), &fakeRunner{})

	page, err := svc.Search(context.Background(), &search.Criteria{
		ReportType: model.ReportTypeAnnual,
		Year:       2024,
		Page:       1,
		PageSize:   20,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalRecords)
}

func TestDownloadResolvesURL(t *testing.T) {
	svc, dl := newTestService(&fakePortal{}, newTaskStore(), &fakeRunner{})

	rec, err := svc.Download(context.Background(), model.ReportRef{UploadInfoID: "19052421"}, "")
	require.NoError(t, err)
	assert.Contains(t, dl.lastURL, "instanceid=19052421")
	assert.Equal(t, filepath.Join("/tmp/dl", "19052421.html"), rec.FilePath)
}

func TestDownloadCustomDir(t *testing.T) {
	svc, _ := newTestService(&fakePortal{}, newTaskStore(), &fakeRunner{})

	rec, err := svc.Download(context.Background(), model.ReportRef{UploadInfoID: "19052421"}, "/data/archive")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/archive", "19052421.html"), rec.FilePath)
}

func TestIngestPersists(t *testing.T) {
	st := newTaskStore()
	svc, _ := newTestService(&fakePortal{}, st, &fakeRunner{})

	id, err := svc.Ingest(context.Background(), model.ReportRef{UploadInfoID: "19052421", FundCode: "017837"})
	require.NoError(t, err)
	assert.Equal(t, "report-1", id)
	assert.Equal(t, 1, st.saved)
}

func TestEnqueueBatchStartsRun(t *testing.T) {
	st := newTaskStore()
	runner := &fakeRunner{ran: make(chan string, 1)}
	svc, _ := newTestService(&fakePortal{}, st, runner)

	taskID, err := svc.EnqueueBatch(context.Background(), sampleRefs("1", "2"))
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	select {
	case ran := <-runner.ran:
		assert.Equal(t, taskID, ran)
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}

	task, err := svc.TaskStatus(context.Background(), taskID)
	require.NoError(t, err)
	assert.Len(t, task.RequestedRefs, 2)
	assert.Equal(t, "/tmp/dl", task.SaveDir)
}

func TestEnqueueBatchDeduplicates(t *testing.T) {
	st := newTaskStore()
	runner := &fakeRunner{ran: make(chan string, 1)}
	svc, _ := newTestService(&fakePortal{}, st, runner)

	taskID, err := svc.EnqueueBatch(context.Background(), sampleRefs("1", "1", "2"))
	require.NoError(t, err)
	<-runner.ran

	task, err := svc.TaskStatus(context.Background(), taskID)
	require.NoError(t, err)
	assert.Len(t, task.RequestedRefs, 2)
}

func TestEnqueueBatchValidation(t *testing.T) {
	svc, _ := newTestService(&fakePortal{}, newTaskStore(), &fakeRunner{})

	_, err := svc.EnqueueBatch(context.Background(), nil)
	assert.Equal(t, model.ErrKindValidation, model.KindOf(err))

	_, err = svc.EnqueueBatch(context.Background(), sampleRefs("1", "2", "3", "4"))
	require.Error(t, err)
	assert.Equal(t, model.ErrKindValidation, model.KindOf(err), "over the batch cap")

	_, err = svc.EnqueueBatch(context.Background(), []model.ReportRef{{FundCode: "017837"}})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindValidation, model.KindOf(err), "ref without uploadInfoId")
}

func TestCancelTask(t *testing.T) {
	runner := &fakeRunner{}
	svc, _ := newTestService(&fakePortal{}, newTaskStore(), runner)

	require.NoError(t, svc.CancelTask(context.Background(), "task-1"))
	assert.Equal(t, []string{"task-1"}, runner.cancelled)
}
