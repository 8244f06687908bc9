package pdf

import (
	"context"

	"go.uber.org/zap"

	"github.com/yourusername/pdf-manager/internal/jobs"
	"github.com/yourusername/pdf-manager/internal/storage"
)

// Job は入力の保存と検証が済み、投入を待つジョブです。
type Job struct {
	Kind      OperationType
	Workspace storage.Workspace
	Run       jobs.Operation
}

type runFunc func(ctx context.Context, task *jobs.Task) (*jobs.Result, error)

// newJob は実処理を包み、失敗・キャンセル時に作業ディレクトリを削除する Operation を作ります。
func (s *Service) newJob(kind OperationType, ws storage.Workspace, run runFunc) *Job {
	op := func(ctx context.Context, task *jobs.Task) (result *jobs.Result, err error) {
		defer func() {
			if err != nil || result == nil {
				s.removeWorkspace(ws)
			}
		}()
		if err := task.Checkpoint(); err != nil {
			return nil, err
		}
		task.Report(jobs.StageLoad, 0, 0, "PDFを読み込んでいます…")
		return run(ctx, task)
	}
	return &Job{Kind: kind, Workspace: ws, Run: op}
}

// Track は投入済みジョブと作業ディレクトリを紐付けます。
func (s *Service) Track(jobID string, job *Job) {
	if job == nil {
		return
	}
	s.mu.Lock()
	s.workspaces[jobID] = job.Workspace
	s.mu.Unlock()
}

// Abandon は投入できなかったジョブの作業ディレクトリを削除します。
func (s *Service) Abandon(job *Job) {
	if job == nil {
		return
	}
	s.removeWorkspace(job.Workspace)
}

// Release はジョブ記録の回収時に呼ばれ、成果物を含む作業ディレクトリを削除します。
func (s *Service) Release(snap jobs.Snapshot) {
	s.mu.Lock()
	ws, ok := s.workspaces[snap.ID]
	delete(s.workspaces, snap.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.removeWorkspace(ws)
	s.logger.Debug("released job workspace", zap.String("job_id", snap.ID), zap.String("workspace", ws.ID))
}
