package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	appconfig "mailagenda/internal/config"
	"mailagenda/internal/calendar"
	"mailagenda/internal/capability"
	"mailagenda/internal/credential"
	"mailagenda/internal/httpserver"
	"mailagenda/internal/mail/gmail"
	"mailagenda/internal/mail/imap"
	"mailagenda/internal/pipeline"
	"mailagenda/internal/scheduler"
	"mailagenda/internal/store"
	"mailagenda/internal/store/memstore"
	"mailagenda/internal/sweeper"
	"mailagenda/pkg/db"
	"mailagenda/pkg/logger"
	"mailagenda/pkg/mq"
	"mailagenda/pkg/outbox"
	redisclient "mailagenda/pkg/redis"
	"mailagenda/pkg/util"
)

const (
	inflightTTL   = 24 * time.Hour
	sweepLockTTL  = 10 * time.Minute
	shutdownGrace = 30 * time.Second
)

func main() {
	cfg, err := appconfig.Load()
	if err != nil {
		// logger 还没建好
		panic(err)
	}

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- state store + credential store ----
	var (
		st         store.Store
		credRepo   credential.Repository
		outboxRepo *outbox.Repository
		dbPinger   httpserver.Pinger
	)
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.NewConnection(cfg.DB, log)
		if err != nil {
			log.Fatal("DB initialization failed", zap.Error(err))
		}
		defer pool.Close()

		if cfg.DB.Migrate {
			if err := db.Migrate(ctx, pool); err != nil {
				log.Fatal("DB migration failed", zap.Error(err))
			}
		}
		outboxRepo = outbox.NewRepository(pool)
		st = store.NewPostgres(pool, outboxRepo)
		credRepo = credential.NewPostgresRepository(pool)
		dbPinger = pool
	case "memory":
		log.Warn("Using in-memory store, state is lost on restart")
		st = memstore.New()
		credRepo = credential.NewMemoryRepository()
	}

	var sealer *credential.Sealer
	if cfg.Credential.Key != "" {
		sealer, err = credential.NewSealer(cfg.Credential.Key)
	} else {
		log.Warn("credential.key not set, using an ephemeral key; stored credentials will not survive a restart")
		sealer, err = credential.NewRandomSealer()
	}
	if err != nil {
		log.Fatal("Credential sealer initialization failed", zap.Error(err))
	}
	refresher := credential.NewOAuthRefresher(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL, cfg.OAuth.Scopes)
	creds := credential.NewStore(credRepo, sealer, refresher, log)

	// ---- redis markers ----
	var (
		inflight  *util.Deduper
		sweepLock *util.Deduper
	)
	if cfg.Redis.Addr != "" {
		rdb := redisclient.NewRedisClient(cfg.Redis)
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			// 标记是尽力而为的，Redis 不可用时流程照常
			log.Warn("Redis not reachable, in-flight markers degrade to allow", zap.Error(err))
		}
		cancel()
		inflight = util.NewDeduper(rdb, inflightTTL, log)
		sweepLock = util.NewDeduper(rdb, sweepLockTTL, log)
	}

	// ---- outbox → MQ ----
	var wg sync.WaitGroup
	var publisher *mq.Publisher
	if outboxRepo != nil && cfg.MQ.URL != "" {
		publisher, err = mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()

		dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Start(ctx)
		}()
	}

	// ---- capabilities ----
	var (
		classifier pipeline.Classifier = capability.NewKeywordClassifier(cfg.Capability.UnwantedThreshold)
		extractor  pipeline.Extractor  = capability.NewRuleExtractor()
		summarizer pipeline.Summarizer = capability.NewSentenceSummarizer()
	)
	if u := cfg.Capability.ClassifierURL; u != "" {
		classifier = capability.NewClassifier(u, cfg.Capability.Timeout, cfg.Capability.UnwantedThreshold, log)
	} else {
		log.Info("No classifier_url configured, using keyword classifier")
	}
	if u := cfg.Capability.ExtractorURL; u != "" {
		extractor = capability.NewExtractor(u, cfg.Capability.Timeout, log)
	} else {
		log.Info("No extractor_url configured, using rule extractor")
	}
	if u := cfg.Capability.SummarizerURL; u != "" {
		summarizer = capability.NewSummarizer(u, cfg.Capability.Timeout, log)
	} else {
		log.Info("No summarizer_url configured, using sentence summarizer")
	}

	// ---- mail source + calendar sink ----
	var source pipeline.MailSource
	switch cfg.Mail.Provider {
	case "gmail":
		source = gmail.New(cfg.Mail.Timeout, log)
	case "imap":
		source = imap.New(imap.Config{
			Host:    cfg.Mail.IMAP.Host,
			Port:    cfg.Mail.IMAP.Port,
			TLS:     cfg.Mail.IMAP.TLS,
			Folder:  cfg.Mail.IMAP.Folder,
			Timeout: cfg.Mail.Timeout,
		}, log)
	}

	sink, err := calendar.NewGoogleSink(calendar.Config{
		CalendarID: cfg.Calendar.CalendarID,
		TimeZone:   cfg.Calendar.TimeZone,
		Timeout:    cfg.Calendar.Timeout,
	}, log)
	if err != nil {
		log.Fatal("Calendar sink initialization failed", zap.Error(err))
	}

	// ---- pipeline + scheduler + sweeper ----
	deps := pipeline.Deps{
		Store:       st,
		Credentials: creds,
		Mail:        source,
		Classifier:  classifier,
		Extractor:   extractor,
		Summarizer:  summarizer,
		Sink:        sink,
	}
	if inflight != nil {
		deps.Inflight = inflight
	}
	pl := pipeline.New(deps, pipeline.Config{
		BatchSize:     cfg.Pipeline.BatchSize,
		CommitTimeout: cfg.Pipeline.CommitTimeout,
	}, log)

	sched := scheduler.New(st, pl, scheduler.Config{
		Interval:      cfg.Pipeline.Interval,
		MaxConcurrent: cfg.Pipeline.MaxConcurrentAccounts,
		StaleRunAfter: cfg.Pipeline.StaleRunAfter,
		EndRunTimeout: cfg.Pipeline.CommitTimeout,
	}, log)

	sw, err := sweeper.New(st, sweeper.Config{
		Window:   cfg.Retention.Window,
		Schedule: cfg.Retention.Schedule,
	}, log)
	if err != nil {
		log.Fatal("Sweeper initialization failed", zap.Error(err))
	}
	if sweepLock != nil {
		sw.WithLocker(sweepLock)
	}
	if outboxRepo != nil {
		sw.WithOutbox(outboxRepo)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := sw.Start(ctx); err != nil {
			log.Error("Sweeper exited", zap.Error(err))
		}
	}()

	// ---- operator HTTP ----
	opts := httpserver.Options{DB: dbPinger, Messages: httpserver.NewMessageHandler(st, log)}
	if publisher != nil {
		opts.Publisher = publisher
	}
	if outboxRepo != nil {
		opts.Admin = httpserver.NewAdminHandler(outbox.NewReplayService(outboxRepo), log)
	}
	router := httpserver.NewRouter(httpserver.NewAccountHandler(st, creds, log), opts, log)

	addr := cfg.Server.Port
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}
	srv := router.Server(addr)
	go func() {
		log.Info("Starting mailagenda", zap.String("addr", addr), zap.String("store", cfg.Store.Driver), zap.String("mail", cfg.Mail.Provider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	// 等待进行中的运行完成提交
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("Shutdown complete")
	case <-sctx.Done():
		log.Warn("Shutdown grace period elapsed with runs still in flight")
	}
}
