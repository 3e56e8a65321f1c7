// Package models contains data structures used by the repository layer.
package models

import (
	"time"

	"github.com/nadmax/runledger/internal/task"
)

type Stage struct {
	ID          int64     `json:"stage_id"`
	Name        string    `json:"stage_name"`
	Order       *int      `json:"stage_order,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Task struct {
	ID             int64     `json:"task_id"`
	StageID        int64     `json:"stage_id"`
	StageName      string    `json:"stage_name"`
	StageOrder     *int      `json:"stage_order,omitempty"`
	Name           string    `json:"task_name"`
	Type           string    `json:"task_type,omitempty"`
	Order          *int      `json:"task_order,omitempty"`
	ScriptPath     string    `json:"script_path,omitempty"`
	ScriptFilename string    `json:"script_filename,omitempty"`
	LogPath        string    `json:"log_path,omitempty"`
	LogFilename    string    `json:"log_filename,omitempty"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Run struct {
	RunID            string      `json:"run_id"`
	TaskID           int64       `json:"task_id"`
	TaskName         string      `json:"task_name"`
	StageName        string      `json:"stage_name"`
	Hostname         string      `json:"hostname,omitempty"`
	ProcessID        int         `json:"process_id,omitempty"`
	ProcessStartTime *time.Time  `json:"process_start_time,omitempty"`
	Status           task.Status `json:"status"`
	StartTime        *time.Time  `json:"start_time,omitempty"`
	EndTime          *time.Time  `json:"end_time,omitempty"`
	TotalSubtasks    int         `json:"total_subtasks"`
	CurrentSubtask   int         `json:"current_subtask"`
	PercentComplete  float64     `json:"overall_percent_complete"`
	ProgressMessage  string      `json:"overall_progress_message,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	ErrorDetail      string      `json:"error_detail,omitempty"`
	Metadata         string      `json:"metadata,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Duration is zero until the run has both a start and an end.
func (r Run) Duration() time.Duration {
	if r.StartTime == nil || r.EndTime == nil {
		return 0
	}

	return r.EndTime.Sub(*r.StartTime)
}

type Subtask struct {
	RunID           string      `json:"run_id"`
	Number          int         `json:"subtask_number"`
	Name            string      `json:"subtask_name"`
	Status          task.Status `json:"status"`
	ItemsTotal      int64       `json:"items_total"`
	ItemsComplete   int64       `json:"items_complete"`
	PercentComplete float64     `json:"percent_complete"`
	StartTime       *time.Time  `json:"start_time,omitempty"`
	EndTime         *time.Time  `json:"end_time,omitempty"`
	LastUpdated     time.Time   `json:"last_updated"`
	ProgressMessage string      `json:"progress_message,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
}

type ErrorType string

const (
	ErrorTypeProcessDied     ErrorType = "PROCESS_DIED"
	ErrorTypePIDReused       ErrorType = "PID_REUSED"
	ErrorTypeAccessDenied    ErrorType = "ACCESS_DENIED"
	ErrorTypeTimeout         ErrorType = "TIMEOUT"
	ErrorTypeCollectionError ErrorType = "COLLECTION_ERROR"
)

type ProcessMetric struct {
	RunID           string    `json:"run_id"`
	Timestamp       time.Time `json:"timestamp"`
	ProcessID       int       `json:"process_id"`
	CPUPercent      *float64  `json:"cpu_percent,omitempty"`
	MemoryMB        *float64  `json:"memory_mb,omitempty"`
	MemoryPercent   *float64  `json:"memory_percent,omitempty"`
	NumThreads      *int64    `json:"num_threads,omitempty"`
	NumFDs          *int64    `json:"num_fds,omitempty"`
	IOReadBytes     *int64    `json:"io_read_bytes,omitempty"`
	IOWriteBytes    *int64    `json:"io_write_bytes,omitempty"`
	ProcessState    string    `json:"process_state,omitempty"`
	CollectionError bool      `json:"collection_error"`
	ErrorType       ErrorType `json:"error_type,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

type ReporterRegistration struct {
	Hostname          string    `json:"hostname"`
	ProcessID         int       `json:"process_id"`
	StartedAt         time.Time `json:"started_at"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	ShutdownRequested bool      `json:"shutdown_requested"`
}

type RetentionRecord struct {
	RunID              string     `json:"run_id"`
	MetricsDeleteAfter time.Time  `json:"metrics_delete_after"`
	MetricsDeleted     bool       `json:"metrics_deleted"`
	MetricsCount       int64      `json:"metrics_count"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

// RetentionCandidate is a terminal run whose metrics are due for deletion.
type RetentionCandidate struct {
	RunID       string    `json:"run_id"`
	TaskName    string    `json:"task_name"`
	CompletedAt time.Time `json:"completed_at"`
	MetricCount int64     `json:"metric_count"`
}

type StatusCount struct {
	Status task.Status `json:"status"`
	Count  int         `json:"count"`
}

// ProgressEvent is the live view of a run pushed after every write.
type ProgressEvent struct {
	RunID           string      `json:"run_id"`
	TaskName        string      `json:"task_name,omitempty"`
	Status          task.Status `json:"status"`
	SubtaskNumber   int         `json:"subtask_number,omitempty"`
	SubtaskStatus   task.Status `json:"subtask_status,omitempty"`
	ItemsComplete   int64       `json:"items_complete,omitempty"`
	PercentComplete float64     `json:"percent_complete"`
	Message         string      `json:"message,omitempty"`
	At              time.Time   `json:"at"`
}
