// Package scheduler fans a periodic tick out to per-account pipeline runs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailagenda/internal/pipeline"
	"mailagenda/internal/store"
	"mailagenda/pkg/metrics"
	"mailagenda/pkg/trace"
)

// Runner runs one account. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, accountID string) (*pipeline.RunReport, error)
}

type Config struct {
	Interval      time.Duration
	MaxConcurrent int
	// StaleRunAfter: run flags older than this are cleared on Start.
	StaleRunAfter time.Duration
	// EndRunTimeout bounds the flag reset after a run.
	EndRunTimeout time.Duration
}

// Skip reasons, used as the pipeline_runs_skipped_total label.
const (
	SkipInProgress = "in_progress"
	SkipReauth     = "needs_reauth"
	SkipSaturated  = "saturated"
)

type Scheduler struct {
	store  store.AccountStore
	runner Runner
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(st store.AccountStore, runner Runner, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.EndRunTimeout <= 0 {
		cfg.EndRunTimeout = 10 * time.Second
	}
	return &Scheduler{
		store:  st,
		runner: runner,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start 阻塞运行：先清理残留的运行标记，立即触发一次，然后按固定间隔触发。
// ctx 取消后停止触发，并等待进行中的运行结束。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("max_concurrent_accounts", s.cfg.MaxConcurrent),
	)

	if s.cfg.StaleRunAfter > 0 {
		n, err := s.store.ResetStaleRuns(ctx, s.now().Add(-s.cfg.StaleRunAfter))
		if err != nil {
			s.logger.Error("Failed to reset stale run flags", zap.Error(err))
		} else if n > 0 {
			s.logger.Warn("Cleared stale run flags left by an earlier process", zap.Int64("accounts", n))
		}
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping, waiting for in-flight runs")
			s.Wait()
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick launches a run for every eligible account and returns how many
// were launched. It does not wait for them.
func (s *Scheduler) Tick(ctx context.Context) int {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.logger.Error("Failed to list accounts", zap.Error(err))
		return 0
	}

	launched, reauth := 0, 0
	for _, a := range accounts {
		if ctx.Err() != nil {
			break
		}
		if a.NeedsReauth {
			reauth++
			metrics.IncrementSkipped(SkipReauth)
			s.logger.Debug("Skipping account awaiting reauth", zap.String("account_id", a.AccountID))
			continue
		}
		if a.RunInProgress {
			metrics.IncrementSkipped(SkipInProgress)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			metrics.IncrementSkipped(SkipSaturated)
			s.logger.Debug("No run slot free, account waits for next tick", zap.String("account_id", a.AccountID))
			continue
		}

		// CAS 才是权威判断，上面的检查只是快速路径
		ok, err := s.store.TryBeginRun(ctx, a.AccountID)
		if err != nil || !ok {
			<-s.sem
			if err != nil {
				s.logger.Error("Failed to claim account run",
					zap.String("account_id", a.AccountID),
					zap.Error(err),
				)
			} else {
				metrics.IncrementSkipped(SkipInProgress)
			}
			continue
		}

		s.wg.Add(1)
		launched++
		go s.runAccount(ctx, a.AccountID)
	}

	metrics.AccountsNeedingReauth.Set(float64(reauth))
	return launched
}

// Wait blocks until every launched run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runAccount(ctx context.Context, accountID string) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	start := time.Now()
	ctx = trace.WithContext(ctx, trace.GenerateTraceID())
	log := s.logger.With(
		zap.String("account_id", accountID),
		zap.String(trace.TraceIDKey, trace.FromContext(ctx)),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic in account run", zap.Any("panic", r))
			metrics.RecordRun("panic", time.Since(start))
		}
		// 无论成功失败都要释放运行标记；不受 shutdown 取消影响
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EndRunTimeout)
		defer cancel()
		if err := s.store.EndRun(ectx, accountID); err != nil {
			log.Error("Failed to clear run flag", zap.Error(err))
		}
	}()

	report, err := s.runner.Run(ctx, accountID)
	result := pipeline.ResultFailed
	if report != nil {
		result = report.Result()
	}
	metrics.RecordRun(result, time.Since(start))
	if err != nil {
		log.Warn("Account run ended early", zap.String("result", result), zap.Error(err))
	}
}
