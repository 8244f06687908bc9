package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = time.Minute

// SweepFunc はジャニターの周期処理に追加される掃除処理です。
type SweepFunc func(ctx context.Context, now time.Time) error

// JanitorOptions は Janitor の設定です。
type JanitorOptions struct {
	// Interval は掃除の実行間隔です。
	Interval time.Duration
	// StallTimeout を超えて進捗が更新されない実行中ジョブにはキャンセルを要求します（0 で無効）。
	StallTimeout time.Duration
	Sweepers     []SweepFunc
	Logger       *zap.Logger
	Now          func() time.Time
}

// Janitor は保持期間を過ぎた記録の回収と停滞ジョブの監視を行います。
type Janitor struct {
	registry *Registry
	opts     JanitorOptions
	logger   *zap.Logger
}

// NewJanitor は Janitor を作成します。
func NewJanitor(registry *Registry, opts JanitorOptions) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		registry: registry,
		opts:     opts,
		logger:   logger.Named("janitor"),
	}
}

// Run は ctx が終了するまで掃除を繰り返します。正常終了時は nil を返します。
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info("starting janitor",
		zap.Duration("interval", j.opts.Interval),
		zap.Duration("stall_timeout", j.opts.StallTimeout))

	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopping")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce は1回分の掃除を実行します。
func (j *Janitor) RunOnce(ctx context.Context) {
	now := j.opts.Now()

	if removed := j.registry.Sweep(now); len(removed) > 0 {
		j.logger.Info("reaped expired jobs", zap.Int("count", len(removed)))
	}

	for _, jobID := range j.registry.Stalled(now, j.opts.StallTimeout) {
		outcome := j.registry.RequestCancel(jobID)
		j.logger.Warn("job stalled; cancellation requested",
			zap.String("job_id", jobID), zap.Stringer("outcome", outcome))
	}

	for _, sweep := range j.opts.Sweepers {
		if err := sweep(ctx, now); err != nil {
			j.logger.Warn("sweep failed", zap.Error(err))
		}
	}
}
