package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypeJob        = "pdf:job"
	queueName          = "pdf"
	defaultTaskTimeout = 24 * time.Hour
)

// TaskPayload は asynq タスクのペイロードです。操作本体はプロセス内に保持されます。
type TaskPayload struct {
	JobID string `json:"jobId"`
	Kind  string `json:"kind"`
}

// AsynqOptions は AsynqDispatcher の設定です。
type AsynqOptions struct {
	RedisURL        string
	Concurrency     int
	ShutdownTimeout time.Duration
	// TaskTimeout は asynq がワーカー枠を保持する期間です。
	// 操作自体はこの期限で止まらず、キャンセル要求かディスパッチャーの停止でのみ止まります。
	TaskTimeout time.Duration
	Logger      *zap.Logger
}

// AsynqDispatcher は Redis 上の asynq キューを経由してジョブを実行します。
// サーバーは同じプロセス内で起動し、リトライは行いません。
type AsynqDispatcher struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger

	taskTimeout time.Duration
	stopCtx     context.Context
	stop        context.CancelFunc

	mu   sync.RWMutex
	exec ExecuteFunc
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。
func NewAsynqDispatcher(opts AsynqOptions) (*AsynqDispatcher, error) {
	if opts.RedisURL == "" {
		return nil, errors.New("redis url is required")
	}
	opt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	taskTimeout := opts.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}

	stopCtx, stop := context.WithCancel(context.Background())
	d := &AsynqDispatcher{
		client:      asynq.NewClient(opt),
		mux:         asynq.NewServeMux(),
		logger:      logger,
		taskTimeout: taskTimeout,
		stopCtx:     stopCtx,
		stop:        stop,
	}
	d.server = asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			ShutdownTimeout: opts.ShutdownTimeout,
			Logger:          logger.Named("asynq").Sugar(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warn("asynq task failed", zap.String("type", task.Type()), zap.Error(err))
			}),
		},
	)
	d.mux.HandleFunc(taskTypeJob, d.handleTask)
	return d, nil
}

// Start は asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) Start(exec ExecuteFunc) error {
	if exec == nil {
		return errors.New("exec is nil")
	}
	d.mu.Lock()
	d.exec = exec
	d.mu.Unlock()
	return d.server.Start(d.mux)
}

// Dispatch はジョブをキューに投入します。
func (d *AsynqDispatcher) Dispatch(ctx context.Context, req DispatchRequest) error {
	if req.JobID == "" {
		return errors.New("job id is required")
	}
	body, err := json.Marshal(TaskPayload{JobID: req.JobID, Kind: req.Kind})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeJob, body, asynq.Queue(queueName))
	info, err := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.TaskID(req.JobID), asynq.Timeout(d.taskTimeout))
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	d.logger.Debug("job enqueued", zap.String("job_id", req.JobID), zap.String("task_id", info.ID))
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
// ctx が先に終わった場合は実行中の操作の context を閉じます。
func (d *AsynqDispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.server.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.stop()
		return ctx.Err()
	}
	d.stop()
	return d.client.Close()
}

func (d *AsynqDispatcher) handleTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	d.mu.RLock()
	exec := d.exec
	d.mu.RUnlock()

	// asynq のタスク期限やサーバー停止では操作を止めない
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stopAfter := context.AfterFunc(d.stopCtx, cancel)
	defer stopAfter()

	err := exec(runCtx, payload.JobID)
	if errors.Is(err, ErrNotFound) {
		// 再起動前に投入されたタスクなど、プロセス内に操作が残っていない
		return fmt.Errorf("unknown job %s: %w", payload.JobID, asynq.SkipRetry)
	}
	return err
}
