package model

import "time"

// TaskStatus is the lifecycle state of a batch download task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusRunning    TaskStatus = "RUNNING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusPartial    TaskStatus = "PARTIAL"
	TaskStatusCancelling TaskStatus = "CANCELLING"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusPartial, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// ItemStatus tracks a single report through its download→parse→persist chain.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "PENDING"
	ItemStatusDownloaded ItemStatus = "DOWNLOADED"
	ItemStatusParsed     ItemStatus = "PARSED"
	ItemStatusPersisted  ItemStatus = "PERSISTED"
	ItemStatusFailed     ItemStatus = "FAILED"
	ItemStatusCancelled  ItemStatus = "CANCELLED"
)

// ItemError records why a chain step failed.
type ItemError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ItemOutcome is the per-report result within a batch task. File audit fields
// are filled after the download step; Parsers lists the extractors tried, in
// order, once the parse step has run.
type ItemOutcome struct {
	Status       ItemStatus   `json:"status"`
	FilePath     string       `json:"file_path,omitempty"`
	FundReportID string       `json:"fund_report_id,omitempty"`
	Bytes        int64        `json:"bytes,omitempty"`
	SHA256       string       `json:"sha256,omitempty"`
	FetchedAt    *time.Time   `json:"fetched_at,omitempty"`
	Parsers      []ParserKind `json:"parsers,omitempty"`
	Error        *ItemError   `json:"error,omitempty"`
}

// Progress aggregates per-item outcomes. It is always recomputed from the
// PerItem map, never incremented, so retried updates cannot drift.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Percent   float64 `json:"percent"`
}

// DownloadTask is the durable record of one batch ingestion request.
type DownloadTask struct {
	TaskID        string                 `json:"task_id"`
	Status        TaskStatus             `json:"status"`
	SaveDir       string                 `json:"save_dir"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	RequestedRefs []ReportRef            `json:"requested_refs"`
	PerItem       map[string]ItemOutcome `json:"per_item"`
	Progress      Progress               `json:"progress"`
}

// RecomputeProgress rebuilds the progress counters from the per-item map.
func (t *DownloadTask) RecomputeProgress() {
	p := Progress{Total: len(t.RequestedRefs)}
	for _, outcome := range t.PerItem {
		switch outcome.Status {
		case ItemStatusPersisted:
			p.Completed++
		case ItemStatusFailed:
			p.Failed++
		case ItemStatusCancelled:
			p.Cancelled++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed+p.Cancelled) / float64(p.Total) * 100
	}
	t.Progress = p
}

// TerminalStatus derives the task's final state from its items: COMPLETED if
// every item persisted, FAILED if none did, PARTIAL otherwise. A cancelled
// task finalizes as CANCELLED regardless of item outcomes.
func (t *DownloadTask) TerminalStatus() TaskStatus {
	if t.Status == TaskStatusCancelling || t.Status == TaskStatusCancelled {
		return TaskStatusCancelled
	}
	t.RecomputeProgress()
	switch {
	case t.Progress.Completed == t.Progress.Total:
		return TaskStatusCompleted
	case t.Progress.Completed == 0:
		return TaskStatusFailed
	default:
		return TaskStatusPartial
	}
}
