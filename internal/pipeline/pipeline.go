// Package pipeline runs one account through fetch, classify, branch,
// extract/summarize, calendar sync, commit and mark-read.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mailagenda/contracts/db"
	"mailagenda/internal/capability"
	"mailagenda/internal/credential"
	"mailagenda/internal/mail"
	"mailagenda/internal/model"
	"mailagenda/internal/store"
	"mailagenda/pkg/logger"
	"mailagenda/pkg/metrics"
	"mailagenda/pkg/trace"
	"mailagenda/pkg/util"
)

const inflightHandler = "calendar-inflight"

// Run results, also used as the pipeline_runs_total label.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultReauth  = "reauth"
	ResultFailed  = "failed"
)

type Config struct {
	BatchSize     int
	CommitTimeout time.Duration
}

// Deps are the collaborators of a Pipeline. Inflight is optional.
type Deps struct {
	Store       store.Store
	Credentials CredentialProvider
	Mail        MailSource
	Classifier  Classifier
	Extractor   Extractor
	Summarizer  Summarizer
	Sink        CalendarSink
	Inflight    InflightMarker
}

type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for processed_at stamps.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// RunReport describes what one run did. Errors holds message-level
// failures; a run-level abort is returned separately by Run.
type RunReport struct {
	AccountID  string
	RunID      string
	Listed     int
	Fetched    int
	Processed  int
	Categories map[string]int
	Errors     []error
	Reauth     bool
	Aborted    bool
}

func (r *RunReport) Result() string {
	switch {
	case r.Reauth:
		return ResultReauth
	case r.Aborted:
		return ResultFailed
	case len(r.Errors) > 0:
		return ResultPartial
	default:
		return ResultSuccess
	}
}

func (r *RunReport) addError(err error) {
	r.Errors = append(r.Errors, err)
}

// IdempotencyKey is the calendar dedup key for one message.
func IdempotencyKey(accountID, messageID string) string {
	return accountID + ":" + messageID
}

// Run processes one account. The returned report is never nil. A non-nil
// error means the whole run was aborted (credential failure, listing or
// state store failure); message-level failures only appear in the report.
func (p *Pipeline) Run(ctx context.Context, accountID string) (*RunReport, error) {
	runID := trace.FromContext(ctx)
	if runID == "" {
		runID = trace.GenerateTraceID()
		ctx = trace.WithContext(ctx, runID)
	}
	log := logger.WithTrace(ctx, p.logger).With(zap.String("account_id", accountID))

	report := &RunReport{
		AccountID:  accountID,
		RunID:      runID,
		Categories: make(map[string]int),
	}

	err := p.run(ctx, log, report)
	if err != nil {
		report.Aborted = true
		kind := KindOf(err)
		if kind == KindCredential {
			report.Reauth = true
		}
		log.Warn("Run aborted",
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
		return report, err
	}

	log.Info("Run finished",
		zap.Int("listed", report.Listed),
		zap.Int("fetched", report.Fetched),
		zap.Int("processed", report.Processed),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, log *zap.Logger, report *RunReport) error {
	accountID := report.AccountID

	account, err := p.deps.Store.GetAccount(ctx, accountID)
	if err != nil {
		return stageErr(StageAccount, "", KindStateStore, err)
	}
	if account.NeedsReauth {
		return stageErr(StageCredential, "", KindCredential, credential.ErrNeedsReauth)
	}

	// 凭证失败：整个账户中止，不碰任何消息
	cred, err := p.deps.Credentials.GetValidCredential(ctx, accountID)
	if err != nil {
		return p.abortOn(ctx, log, accountID, StageCredential, "", err)
	}

	if err := p.ingest(ctx, log, *account, cred, report); err != nil {
		return err
	}
	if ctx.Err() != nil {
		log.Info("Run cancelled after ingestion")
		return nil
	}

	work, err := p.deps.Store.ListUnprocessed(ctx, accountID, p.cfg.BatchSize)
	if err != nil {
		return stageErr(StageAccount, "", KindStateStore, fmt.Errorf("list unprocessed: %w", err))
	}

	for _, msg := range work {
		if ctx.Err() != nil {
			log.Info("Run cancelled, remaining messages left unprocessed",
				zap.Int("remaining", len(work)-report.Processed),
			)
			return nil
		}

		category, err := p.processMessage(ctx, log, *account, cred, msg, report)
		if err != nil {
			kind := KindOf(err)
			var se *StageError
			stage := "unknown"
			if errors.As(err, &se) {
				stage = se.Stage
			}
			metrics.IncrementMessageError(stage, kind.String())
			if abortsRun(err) {
				return p.abortOn(ctx, log, accountID, stage, msg.MessageID, err)
			}
			log.Warn("Message aborted, left for next tick",
				zap.String("message_id", msg.MessageID),
				zap.String("stage", stage),
				zap.String("kind", kind.String()),
				zap.Error(err),
			)
			report.addError(err)
			continue
		}
		report.Processed++
		report.Categories[category]++
	}
	return nil
}

// abortOn turns err into a run-level abort. The account is flagged for
// reauth only when the credential store itself cannot produce a usable
// credential; a token rejected by the mail or calendar API is checked
// against the store first.
func (p *Pipeline) abortOn(ctx context.Context, log *zap.Logger, accountID, stage, messageID string, err error) error {
	kind := KindOf(err)
	if kind != KindCredential && IsUnauthorized(err) {
		_, cerr := p.deps.Credentials.GetValidCredential(ctx, accountID)
		if cerr == nil || KindOf(cerr) != KindCredential {
			// 令牌在运行中过期或被拒，下一次 tick 会重新取凭证
			log.Warn("Access token rejected, run aborted until next tick",
				zap.String("stage", stage),
				zap.String("message_id", messageID),
				zap.Error(err),
			)
			return stageErr(stage, messageID, KindTransient, err)
		}
		err = fmt.Errorf("%w (after %v)", cerr, err)
		kind = KindCredential
	}
	if kind != KindCredential {
		return stageErr(stage, messageID, kind, err)
	}

	fctx, cancel := p.detached(ctx)
	defer cancel()
	if ferr := p.deps.Store.FlagNeedsReauth(fctx, accountID, reasonOf(err)); ferr != nil {
		log.Error("Failed to flag account for reauth", zap.Error(ferr))
	} else {
		log.Warn("Account flagged for reauth", zap.String("reason", reasonOf(err)))
	}
	var se *StageError
	if errors.As(err, &se) && se.Kind == KindCredential {
		return err
	}
	return stageErr(stage, messageID, KindCredential, err)
}

func reasonOf(err error) string {
	return err.Error()
}

// ingest lists unread ids and records every new one as unprocessed.
// Ids already known are never fetched again.
func (p *Pipeline) ingest(ctx context.Context, log *zap.Logger, account db.Account, cred *credential.Credential, report *RunReport) error {
	ids, err := p.deps.Mail.ListUnread(ctx, account, cred, p.cfg.BatchSize)
	if err != nil {
		metrics.IncrementMessageError(StageList, KindOf(err).String())
		return p.abortOn(ctx, log, account.AccountID, StageList, "", err)
	}
	report.Listed = len(ids)
	if len(ids) == 0 {
		return nil
	}

	known, err := p.deps.Store.KnownMessageIDs(ctx, account.AccountID, ids)
	if err != nil {
		return stageErr(StageAccount, "", KindStateStore, fmt.Errorf("known ids: %w", err))
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return nil
		}
		if known[id] {
			if err := p.reconcileRead(ctx, log, account, cred, id); err != nil {
				if abortsRun(err) {
					return p.abortOn(ctx, log, account.AccountID, StageMarkRead, id, err)
				}
				report.addError(err)
			}
			continue
		}

		fetched, err := p.deps.Mail.GetMessage(ctx, account, cred, id)
		var undecodable *mail.UndecodableError
		if errors.As(err, &undecodable) && undecodable.Fetched != nil {
			// 正文无法解码：只保留头信息入库，照常分类，避免永久占用批次
			metrics.IncrementMessageError(StageFetch, KindMalformed.String())
			log.Warn("Message body undecodable, storing headers only",
				zap.String("message_id", id),
				zap.Error(err),
			)
			fetched, err = undecodable.Fetched, nil
		}
		if err != nil {
			kind := KindOf(err)
			metrics.IncrementMessageError(StageFetch, kind.String())
			if abortsRun(err) {
				return p.abortOn(ctx, log, account.AccountID, StageFetch, id, err)
			}
			log.Warn("Failed to fetch message",
				zap.String("message_id", id),
				zap.String("kind", kind.String()),
				zap.Error(err),
			)
			report.addError(stageErr(StageFetch, id, kind, err))
			continue
		}

		inserted, err := p.deps.Store.InsertMessage(ctx, db.Message{
			AccountID: account.AccountID,
			MessageID: id,
			Subject:   fetched.Subject,
			Sender:    fetched.Sender,
			RawBody:   fetched.Body,
			FetchedAt: p.now(),
		})
		if err != nil {
			metrics.IncrementMessageError(StageFetch, KindStateStore.String())
			report.addError(stageErr(StageFetch, id, KindStateStore, err))
			continue
		}
		if inserted {
			report.Fetched++
		}
	}
	return nil
}

// reconcileRead retries mark-read for a message that is processed locally
// but still listed as unread, so it stops occupying batch slots.
func (p *Pipeline) reconcileRead(ctx context.Context, log *zap.Logger, account db.Account, cred *credential.Credential, id string) error {
	msg, err := p.deps.Store.GetMessage(ctx, account.AccountID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return stageErr(StageMarkRead, id, KindStateStore, err)
	}
	if msg.Status != db.StatusProcessed {
		return nil
	}
	if err := p.deps.Mail.MarkRead(ctx, account, cred, id); err != nil {
		kind := KindOf(err)
		metrics.IncrementMessageError(StageMarkRead, kind.String())
		return stageErr(StageMarkRead, id, kind, err)
	}
	log.Debug("Marked previously processed message read", zap.String("message_id", id))
	return nil
}

// processMessage drives one unprocessed message to its terminal state and
// returns the committed category.
func (p *Pipeline) processMessage(ctx context.Context, log *zap.Logger, account db.Account, cred *credential.Credential, msg db.Message, report *RunReport) (string, error) {
	id := msg.MessageID
	mlog := log.With(zap.String("message_id", id))
	text := capability.ComposeText(msg.Subject, msg.RawBody)

	score, err := p.deps.Classifier.Score(ctx, text)
	if err != nil {
		kind := KindOf(err)
		if kind != KindMalformed {
			return "", stageErr(StageClassify, id, kind, err)
		}
		// 无法解析的分类结果按“非垃圾”处理
		metrics.IncrementMessageError(StageClassify, kind.String())
		mlog.Warn("Malformed classification, treating as wanted", zap.Error(err))
		score = model.Score{}
	}

	outcome := db.MessageOutcome{Confidence: score.Confidence}

	switch {
	case score.IsUnwanted:
		outcome.Category = db.CategoryUnwanted

	default:
		payload, err := p.deps.Extractor.Extract(ctx, text)
		if err != nil {
			kind := KindOf(err)
			if kind != KindMalformed {
				return "", stageErr(StageExtract, id, kind, err)
			}
			metrics.IncrementMessageError(StageExtract, kind.String())
			mlog.Warn("Malformed extraction, treating as no event", zap.Error(err))
			payload = nil
		}

		if payload.IsEvent() {
			ref, err := p.syncEvent(ctx, mlog, account, cred, msg, *payload)
			if err == nil {
				outcome.Category = db.CategoryEvent
				outcome.EventRef = ref
				break
			}
			if KindOf(err) != KindMalformed {
				return "", err
			}
			// 日历明确拒绝了条目：不会有日历引用，按普通消息处理
			metrics.IncrementMessageError(StageCalendar, KindMalformed.String())
			mlog.Warn("Calendar rejected the event, storing message as informational", zap.Error(err))
		}

		summary, err := p.deps.Summarizer.Summarize(ctx, text)
		if err != nil {
			kind := KindOf(err)
			if kind != KindMalformed {
				return "", stageErr(StageSummarize, id, kind, err)
			}
			metrics.IncrementMessageError(StageSummarize, kind.String())
			mlog.Warn("Malformed summary, storing empty summary", zap.Error(err))
			summary = ""
		}
		outcome.Category = db.CategoryInformational
		outcome.Summary = summary
	}

	// 先持久化终态，成功后才标记已读
	cctx, cancel := p.detached(ctx)
	defer cancel()

	outcome.ProcessedAt = p.now()
	err = p.deps.Store.CommitMessage(cctx, account.AccountID, id, outcome)
	switch {
	case err == nil:
		metrics.IncrementMessageProcessed(outcome.Category)
	case errors.Is(err, store.ErrAlreadyProcessed):
		stored, gerr := p.deps.Store.GetMessage(cctx, account.AccountID, id)
		if gerr != nil {
			return "", stageErr(StageCommit, id, KindStateStore, gerr)
		}
		mlog.Info("Message already processed by an earlier run, keeping stored category",
			zap.String("category", stored.Category),
		)
		outcome.Category = stored.Category
	default:
		return "", stageErr(StageCommit, id, KindStateStore, err)
	}

	mlog.Info("Message committed",
		zap.String("category", outcome.Category),
		zap.Float64("confidence", outcome.Confidence),
		zap.String("event_ref", outcome.EventRef),
	)

	if err := p.deps.Mail.MarkRead(cctx, account, cred, id); err != nil {
		kind := KindOf(err)
		if abortsRun(err) {
			return outcome.Category, stageErr(StageMarkRead, id, kind, err)
		}
		metrics.IncrementMessageError(StageMarkRead, kind.String())
		// 本地已是终态，下次运行按 id 跳过并重试标记已读
		mlog.Warn("Failed to mark message read", zap.Error(err))
		report.addError(stageErr(StageMarkRead, id, kind, err))
	}
	return outcome.Category, nil
}

// syncEvent returns the calendar reference for an event message, creating
// the calendar entry only when the dedup cache has none.
func (p *Pipeline) syncEvent(ctx context.Context, log *zap.Logger, account db.Account, cred *credential.Credential, msg db.Message, payload model.EventPayload) (string, error) {
	id := msg.MessageID

	cached, err := p.deps.Store.GetEventCacheEntry(ctx, account.AccountID, id)
	if err == nil {
		log.Info("Reusing calendar entry from dedup cache", zap.String("calendar_ref", cached.CalendarRef))
		return cached.CalendarRef, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", stageErr(StageCache, id, KindStateStore, err)
	}

	full := payload.ForMessage(msg.Subject, msg.RawBody)
	key := IdempotencyKey(account.AccountID, id)

	if p.deps.Inflight != nil && !p.deps.Inflight.AcquireOnce(ctx, inflightHandler, key) {
		// 之前的调用可能已创建条目但未写入缓存：已知风险，只记录
		metrics.CalendarDuplicateRisk.Inc()
		metrics.IncrementMessageError(StageCalendar, KindDuplicateRisk.String())
		log.Warn("Possible duplicate calendar entry: earlier sink call left no cache entry",
			zap.String("idempotency_key", key),
		)
	}

	ref, err := p.deps.Sink.CreateEvent(ctx, account, cred, full, key)
	if err != nil {
		var status *util.StatusError
		if p.deps.Inflight != nil && errors.As(err, &status) && status.StatusCode < http.StatusInternalServerError {
			// 明确被拒绝，没有创建任何条目
			rctx, cancel := p.detached(ctx)
			if rerr := p.deps.Inflight.Release(rctx, inflightHandler, key); rerr != nil {
				log.Debug("Failed to release in-flight marker", zap.Error(rerr))
			}
			cancel()
		}
		kind := KindOf(err)
		if kind == KindMalformed && !(errors.As(err, &status) && status.StatusCode == http.StatusBadRequest) {
			// 只有 400 说明条目本身不合法；响应无法解析时条目可能已经创建
			kind = KindTransient
		}
		return "", stageErr(StageCalendar, id, kind, err)
	}

	raw, err := json.Marshal(full)
	if err != nil {
		return "", stageErr(StageCache, id, KindStateStore, err)
	}

	wctx, cancel := p.detached(ctx)
	defer cancel()
	stored, created, err := p.deps.Store.PutEventCacheEntry(wctx, db.EventCacheEntry{
		AccountID:    account.AccountID,
		MessageID:    id,
		EventPayload: raw,
		CalendarRef:  ref,
	})
	if err != nil {
		log.Error("Calendar entry created but dedup cache write failed",
			zap.String("calendar_ref", ref),
			zap.Error(err),
		)
		return "", stageErr(StageCache, id, KindStateStore, err)
	}
	if !created && stored.CalendarRef != ref {
		metrics.CalendarDuplicateRisk.Inc()
		log.Warn("Dedup cache already held a different calendar entry, keeping the stored one",
			zap.String("stored_ref", stored.CalendarRef),
			zap.String("new_ref", ref),
		)
	}
	return stored.CalendarRef, nil
}

// detached outlives shutdown cancellation so an in-flight commit finishes.
func (p *Pipeline) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CommitTimeout)
}
