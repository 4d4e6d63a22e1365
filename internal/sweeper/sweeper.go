// Package sweeper purges terminal records past the retention window.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mailagenda/internal/store"
	"mailagenda/pkg/metrics"
)

const lockHandler = "retention-sweep"

// Target deletes terminal messages and their cache rows. store.Store satisfies it.
type Target interface {
	Sweep(ctx context.Context, processedBefore time.Time) (store.SweepResult, error)
}

// Locker is a best-effort single-flight marker shared across replicas.
type Locker interface {
	AcquireOnce(ctx context.Context, handler, key string) bool
}

// OutboxPurger removes published outbox rows.
type OutboxPurger interface {
	PurgeSent(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Window   time.Duration
	Schedule string
	Location *time.Location
}

type Sweeper struct {
	target Target
	cfg    Config
	logger *zap.Logger
	cron   *cron.Cron
	now    func() time.Time

	locker Locker
	outbox OutboxPurger
}

func New(target Target, cfg Config, logger *zap.Logger) (*Sweeper, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("retention window must be positive, got %s", cfg.Window)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		target: target,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(cron.WithLocation(cfg.Location), cron.WithParser(parser)),
		now:    time.Now,
	}, nil
}

// WithLocker makes only one replica sweep per scheduled slot.
func (s *Sweeper) WithLocker(l Locker) *Sweeper {
	s.locker = l
	return s
}

// WithOutbox also purges sent outbox events older than the window.
func (s *Sweeper) WithOutbox(o OutboxPurger) *Sweeper {
	s.outbox = o
	return s
}

// WithClock replaces the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start 阻塞运行 cron，直到 ctx 取消；返回前等待正在执行的清理结束
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.logger.Info("Starting retention sweeper",
		zap.String("schedule", s.cfg.Schedule),
		zap.Duration("window", s.cfg.Window),
	)
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Retention sweeper stopped")
	return nil
}

func (s *Sweeper) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.locker != nil {
		slot := s.now().UTC().Truncate(time.Minute).Format(time.RFC3339)
		if !s.locker.AcquireOnce(ctx, lockHandler, slot) {
			s.logger.Debug("Retention sweep already taken by another replica", zap.String("slot", slot))
			return
		}
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("Retention sweep failed", zap.Error(err))
	}
}

// Sweep deletes everything processed before now minus the window.
// Only terminal rows are touched, so it is safe alongside running pipelines.
func (s *Sweeper) Sweep(ctx context.Context) (store.SweepResult, error) {
	cutoff := s.now().Add(-s.cfg.Window)

	res, err := s.target.Sweep(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("sweep messages: %w", err)
	}
	metrics.AddRetentionDeleted("messages", res.Messages)
	metrics.AddRetentionDeleted("event_cache", res.EventCache)

	var purged int64
	if s.outbox != nil {
		purged, err = s.outbox.PurgeSent(ctx, cutoff)
		if err != nil {
			// 消息表已经清理完成，outbox 下次再试
			s.logger.Warn("Failed to purge sent outbox events", zap.Error(err))
		} else {
			metrics.AddRetentionDeleted("outbox_events", purged)
		}
	}

	s.logger.Info("Retention sweep finished",
		zap.Time("cutoff", cutoff),
		zap.Int64("messages", res.Messages),
		zap.Int64("event_cache", res.EventCache),
		zap.Int64("outbox_events", purged),
	)
	return res, nil
}
