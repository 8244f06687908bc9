package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	nilResultMessage    = "処理結果を取得できませんでした。"
	shuttingDownMessage = "サーバー停止中のため処理を開始できませんでした。"
)

// ExecuteFunc はディスパッチャーがバックグラウンドで呼び出す実行関数です。
// 未知のジョブIDの場合は ErrNotFound を返します。
type ExecuteFunc func(ctx context.Context, jobID string) error

// DispatchRequest はディスパッチャーへの実行依頼です。
// Done はキャンセル要求時に閉じられ、実行枠の待機を打ち切るために使えます。
type DispatchRequest struct {
	JobID string
	Kind  string
	Done  <-chan struct{}
}

// Dispatcher はジョブの実行場所を決めます。
type Dispatcher interface {
	Start(exec ExecuteFunc) error
	Dispatch(ctx context.Context, req DispatchRequest) error
	Shutdown(ctx context.Context) error
}

// PublicError は利用者に見せてよいメッセージを持つエラーです。
type PublicError interface {
	error
	PublicMessage() string
}

// Runner はジョブを受け付け、バックグラウンドで操作を実行して結果を確定させます。
type Runner struct {
	registry   *Registry
	dispatcher Dispatcher
	logger     *zap.Logger

	mu     sync.Mutex
	ops    map[string]Operation
	closed bool
}

// NewRunner は Runner を作成し、ディスパッチャーを起動します。
func NewRunner(registry *Registry, dispatcher Dispatcher, logger *zap.Logger) (*Runner, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		ops:        make(map[string]Operation),
	}
	if err := dispatcher.Start(r.execute); err != nil {
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}
	return r, nil
}

// Registry は Runner が使用する Registry を返します。
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Submit はジョブを作成して実行を依頼し、すぐに ID を返します。
// スケジュールできなかった場合は *SubmissionError を返し、ジョブは存在しません。
func (r *Runner) Submit(ctx context.Context, kind string, op Operation) (string, error) {
	if op == nil {
		return "", &SubmissionError{Kind: kind, Err: errors.New("operation is nil")}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", &SubmissionError{Kind: kind, Err: ErrRunnerClosed}
	}
	jobID, err := r.registry.Create(kind)
	if err != nil {
		r.mu.Unlock()
		return "", &SubmissionError{Kind: kind, Err: err}
	}
	r.ops[jobID] = op
	r.mu.Unlock()

	token, err := r.registry.token(jobID)
	if err != nil {
		r.abandon(jobID)
		return "", &SubmissionError{Kind: kind, Err: err}
	}
	if err := r.dispatcher.Dispatch(ctx, DispatchRequest{JobID: jobID, Kind: kind, Done: token.Done()}); err != nil {
		r.abandon(jobID)
		return "", &SubmissionError{Kind: kind, Err: err}
	}

	r.logger.Info("job submitted", zap.String("job_id", jobID), zap.String("kind", kind))
	return jobID, nil
}

// Cancel はキャンセルを要求します。結果の確定は実行側が行います。
func (r *Runner) Cancel(jobID string) CancelOutcome {
	outcome := r.registry.RequestCancel(jobID)
	r.logger.Info("job cancel requested", zap.String("job_id", jobID), zap.Stringer("outcome", outcome))
	return outcome
}

// Shutdown は新規受付を止め、実行中のジョブにキャンセルを要求してから終了を待ちます。
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	for _, jobID := range r.registry.Active() {
		r.registry.RequestCancel(jobID)
	}
	err := r.dispatcher.Shutdown(ctx)

	// 一度も実行されなかったジョブを確定させる
	r.mu.Lock()
	pending := make([]string, 0, len(r.ops))
	for jobID := range r.ops {
		pending = append(pending, jobID)
		delete(r.ops, jobID)
	}
	r.mu.Unlock()
	for _, jobID := range pending {
		if _, cerr := r.registry.CompleteCancelled(jobID); cerr != nil {
			r.logger.Warn("failed to cancel undelivered job", zap.String("job_id", jobID), zap.Error(cerr))
		}
	}
	return err
}

func (r *Runner) execute(ctx context.Context, jobID string) error {
	op, ok := r.takeOp(jobID)
	if !ok {
		return ErrNotFound
	}
	logger := r.logger.With(zap.String("job_id", jobID))

	snap, err := r.registry.Get(jobID)
	if err != nil {
		return err
	}
	token, err := r.registry.token(jobID)
	if err != nil {
		return err
	}

	if r.isClosed() && !snap.CancelRequested && !token.Cancelled() {
		if _, err := r.registry.CompleteError(jobID, shuttingDownMessage); err != nil {
			logger.Warn("failed to fail job during shutdown", zap.Error(err))
		}
		return nil
	}
	// キャンセル要求の確認と Running への遷移は同じ記録ロックの中で行われる
	if err := r.registry.MarkRunning(jobID); err != nil {
		if errors.Is(err, ErrCancelled) {
			r.cancelBeforeStart(logger, jobID)
			return nil
		}
		logger.Warn("failed to mark job running", zap.Error(err))
		return nil
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-token.Done():
			stop()
		case <-runCtx.Done():
		}
	}()

	task := &Task{
		id:       jobID,
		token:    token,
		reporter: newProgressReporter(jobID, r.registry, logger),
	}

	started := time.Now()
	logger.Info("job started", zap.String("kind", snap.Kind))
	result, opErr := invoke(runCtx, op, task)
	r.resolve(logger, jobID, token, runCtx, result, opErr)
	logger.Info("job finished", zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (r *Runner) cancelBeforeStart(logger *zap.Logger, jobID string) {
	if _, err := r.registry.CompleteCancelled(jobID); err != nil {
		logger.Warn("failed to cancel job before start", zap.Error(err))
	}
	logger.Info("job cancelled before start")
}

func (r *Runner) resolve(logger *zap.Logger, jobID string, token *CancelToken, runCtx context.Context, result *Result, opErr error) {
	var (
		won bool
		err error
	)
	switch {
	case opErr == nil && result != nil:
		won, err = r.registry.CompleteSuccess(jobID, result)
	case opErr == nil:
		won, err = r.registry.CompleteError(jobID, nilResultMessage)
	case isCancellation(opErr, token, runCtx):
		won, err = r.registry.CompleteCancelled(jobID)
	default:
		logger.Warn("job failed", zap.Error(opErr))
		won, err = r.registry.CompleteError(jobID, ErrorMessage(opErr))
	}
	if err != nil {
		logger.Error("failed to record job outcome", zap.Error(err))
		return
	}
	if !won {
		logger.Debug("job outcome already recorded")
	}
}

func isCancellation(err error, token *CancelToken, runCtx context.Context) bool {
	if errors.Is(err, ErrCancelled) {
		return true
	}
	return token.Cancelled() && runCtx.Err() != nil
}

// ErrorMessage は Error 状態に記録するメッセージを返します。空文字にはなりません。
func ErrorMessage(err error) string {
	if err == nil {
		return unknownErrorMessage
	}
	var pub PublicError
	if errors.As(err, &pub) && pub.PublicMessage() != "" {
		return pub.PublicMessage()
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return unknownErrorMessage
}

func invoke(ctx context.Context, op Operation, task *Task) (result *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("operation panicked: %v", p)
		}
	}()
	return op(ctx, task)
}

func (r *Runner) takeOp(jobID string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[jobID]
	if ok {
		delete(r.ops, jobID)
	}
	return op, ok
}

func (r *Runner) abandon(jobID string) {
	if _, ok := r.takeOp(jobID); ok {
		r.registry.Discard(jobID)
	}
}

func (r *Runner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
