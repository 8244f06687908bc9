// Package jobs は非同期ジョブ管理機能を提供します。
//
// ジョブ記録は Registry が単独で保持し、Runner がディスパッチャー経由で
// 操作をバックグラウンド実行します。操作は Task を通じて進捗を報告し、
// キャンセル要求を協調的に確認します。
package jobs

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// GoDispatcher はジョブごとに goroutine を起動するプロセス内ディスパッチャーです。
// 同時に実行される操作の数はセマフォで制限します。
type GoDispatcher struct {
	sem    *semaphore.Weighted
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	exec   ExecuteFunc
	closed bool
}

// NewGoDispatcher は GoDispatcher を作成します。concurrency が 0 以下なら CPU 数を使います。
func NewGoDispatcher(concurrency int, logger *zap.Logger) *GoDispatcher {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GoDispatcher{
		sem:    semaphore.NewWeighted(int64(concurrency)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start は実行関数を登録します。
func (d *GoDispatcher) Start(exec ExecuteFunc) error {
	if exec == nil {
		return errors.New("exec is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exec = exec
	return nil
}

// Dispatch はジョブを goroutine で実行します。
func (d *GoDispatcher) Dispatch(_ context.Context, req DispatchRequest) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrRunnerClosed
	}
	exec := d.exec
	if exec == nil {
		d.mu.Unlock()
		return errors.New("dispatcher is not started")
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(exec, req)
	return nil
}

func (d *GoDispatcher) run(exec ExecuteFunc, req DispatchRequest) {
	defer d.wg.Done()

	// 実行枠を待つ間も開始前のキャンセルを受け付ける
	acquireCtx, cancel := context.WithCancel(d.ctx)
	go func() {
		select {
		case <-req.Done:
			cancel()
		case <-acquireCtx.Done():
		}
	}()
	acquired := d.sem.Acquire(acquireCtx, 1) == nil
	cancel()
	if acquired {
		defer d.sem.Release(1)
	}

	if err := exec(d.ctx, req.JobID); err != nil {
		d.logger.Warn("job execution rejected", zap.String("job_id", req.JobID), zap.Error(err))
	}
}

// Shutdown は受付を止め、実行中の goroutine の終了を待ちます。
// ctx が先に終わった場合は実行中の操作の context を閉じます。
func (d *GoDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
