package jobs

import (
	"context"
	"errors"
	"math"
	"sync"

	"go.uber.org/zap"
)

// Operation はジョブ本体です。ctx はキャンセル要求で閉じられます。
// 操作は Task を通じて進捗を報告し、キャンセルを検知したら ErrCancelled を返します。
type Operation func(ctx context.Context, task *Task) (*Result, error)

// ProgressReporter は1つのジョブの進捗を Registry へ書き込みます。
// 書き込みの失敗は操作側へ伝播しません。
type ProgressReporter struct {
	jobID    string
	registry *Registry
	logger   *zap.Logger

	mu   sync.Mutex
	last int
}

func newProgressReporter(jobID string, registry *Registry, logger *zap.Logger) *ProgressReporter {
	return &ProgressReporter{jobID: jobID, registry: registry, logger: logger}
}

// Report は進捗を記録します。total が 0 の場合は直前の割合を維持します。
func (p *ProgressReporter) Report(stage Stage, current, total int, message string) {
	p.mu.Lock()
	pct := p.last
	if total > 0 {
		pct = Percentage(current, total)
	}
	if pct < p.last {
		pct = p.last
	}
	p.last = pct
	p.mu.Unlock()

	err := p.registry.UpdateProgress(p.jobID, Progress{
		Stage:       stage,
		Message:     message,
		CurrentUnit: current,
		TotalUnits:  total,
		Percentage:  pct,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNotRunning), errors.Is(err, ErrNotFound):
		p.logger.Debug("progress dropped", zap.String("job_id", p.jobID), zap.Error(err))
	default:
		p.logger.Warn("failed to record progress", zap.String("job_id", p.jobID), zap.Error(err))
	}
}

// Percentage は current/total を 0〜100 の整数に丸めます。
func Percentage(current, total int) int {
	if total <= 0 {
		return 0
	}
	return clampPercentage(int(math.Round(100 * float64(current) / float64(total))))
}

func clampPercentage(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// Task は操作に渡されるハンドルです。進捗報告とキャンセル確認のみを公開します。
type Task struct {
	id       string
	reporter *ProgressReporter
	token    *CancelToken
}

// ID はジョブIDを返します。
func (t *Task) ID() string {
	return t.id
}

// Report は ProgressReporter.Report の短縮形です。
func (t *Task) Report(stage Stage, current, total int, message string) {
	t.reporter.Report(stage, current, total, message)
}

// Cancelled はキャンセル要求の有無を返します。
func (t *Task) Cancelled() bool {
	return t.token.Cancelled()
}

// Checkpoint はキャンセル要求済みなら ErrCancelled を返します。
func (t *Task) Checkpoint() error {
	if t.token.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// NewTestTask はレジストリを持たない Task を返します。操作の単体テスト用です。
func NewTestTask(id string, token *CancelToken) *Task {
	if token == nil {
		token = NewCancelToken()
	}
	reg := NewRegistry(RegistryOptions{})
	return &Task{id: id, token: token, reporter: newProgressReporter(id, reg, zap.NewNop())}
}
