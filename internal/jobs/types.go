package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal は終端状態かどうかを返します。終端状態の記録は二度と変化しません。
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusError
}

// Stage は進捗の段階を表します。表示用メッセージとは独立した構造化情報です。
type Stage string

const (
	StageQueued    Stage = "queued"
	StageLoad      Stage = "load"
	StageProcess   Stage = "process"
	StageWrite     Stage = "write"
	StageCompleted Stage = "completed"
)

// Progress は最新の進捗スナップショットです。履歴は保持しません。
type Progress struct {
	Stage       Stage  `json:"stage,omitempty"`
	Message     string `json:"message,omitempty"`
	CurrentUnit int    `json:"currentUnit"`
	TotalUnits  int    `json:"totalUnits"`
	Percentage  int    `json:"percentage"`
}

// Result は完了したジョブの成果物を表します。
type Result struct {
	Filename    string `json:"filename"`
	Location    string `json:"location"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
	Meta        any    `json:"meta,omitempty"`
}

// Snapshot はジョブ記録の読み取り専用コピーです。
type Snapshot struct {
	ID              string    `json:"jobId"`
	Kind            string    `json:"kind"`
	Status          Status    `json:"status"`
	Progress        Progress  `json:"progress"`
	CancelRequested bool      `json:"cancelRequested"`
	Result          *Result   `json:"result,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
	ProgressAt      time.Time `json:"progressAt,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
	FinishedAt      time.Time `json:"finishedAt,omitempty"`
	Version         uint64    `json:"version"`
}

// CancelOutcome はキャンセル要求の結果です。
type CancelOutcome int

const (
	CancelNotFound CancelOutcome = iota
	CancelAccepted
	CancelAlreadyTerminal
)

func (o CancelOutcome) String() string {
	switch o {
	case CancelAccepted:
		return "accepted"
	case CancelAlreadyTerminal:
		return "already_terminal"
	default:
		return "not_found"
	}
}

var (
	// ErrNotFound は未知または回収済みのジョブIDを参照した場合に返されます。
	ErrNotFound = errors.New("job not found")
	// ErrResourceExhausted はジョブを新規に割り当てられない場合に返されます。
	ErrResourceExhausted = errors.New("job registry exhausted")
	// ErrNotRunning は実行中でないジョブに進捗を書き込もうとした場合に返されます。
	ErrNotRunning = errors.New("job is not running")
	// ErrInvalidTransition は許可されていない状態遷移です。
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrCancelled は操作がキャンセルを検知して中断したことを示します。
	ErrCancelled = errors.New("job cancelled")
	// ErrRunnerClosed は停止中のランナーに投入された場合に返されます。
	ErrRunnerClosed = errors.New("job runner is shutting down")
)

// SubmissionError はジョブをスケジュールできなかったことを表します。
// この場合ジョブは作成されていません。
type SubmissionError struct {
	Kind string
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s job: %v", e.Kind, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
