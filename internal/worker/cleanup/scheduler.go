package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Job は定期実行されるジョブ。
type Job interface {
	Run(ctx context.Context) error
}

// Scheduler はジョブを一定間隔で実行する。
type Scheduler struct {
	job      Job
	logger   *slog.Logger
	interval time.Duration
}

// DefaultInterval はクリーンアップの既定の実行間隔。
const DefaultInterval = time.Hour

// NewScheduler はSchedulerを生成する。intervalが0以下の場合はDefaultIntervalを使用する。
func NewScheduler(job Job, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		job:      job,
		logger:   logger,
		interval: interval,
	}
}

// Start は起動直後に1回ジョブを実行し、以降interval間隔で実行する。
// コンテキストがキャンセルされるまでブロックする。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("クリーンアップスケジューラを開始しました",
		slog.Duration("interval", s.interval),
	)

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("クリーンアップスケジューラを停止しました")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// ジョブの失敗はログに記録し、次回の実行を継続する。
func (s *Scheduler) runOnce(ctx context.Context) {
	if err := s.job.Run(ctx); err != nil {
		s.logger.Error("クリーンアップジョブが失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
