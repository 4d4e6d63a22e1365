package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailagenda/contracts/db"
	"mailagenda/contracts/mq"
	"mailagenda/pkg/outbox"
	"mailagenda/pkg/trace"
)

type Postgres struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

// NewPostgres creates a pgx backed store. outboxRepo may be nil, in which
// case no message.processed events are recorded.
func NewPostgres(pool *pgxpool.Pool, outboxRepo *outbox.Repository) *Postgres {
	return &Postgres{db: pool, outbox: outboxRepo}
}

const accountColumns = `account_id, provider, address, credential_ref, last_run_at,
		run_in_progress, run_started_at, needs_reauth, reauth_reason, created_at`

func scanAccount(row pgx.Row) (*db.Account, error) {
	var a db.Account
	err := row.Scan(
		&a.AccountID,
		&a.Provider,
		&a.Address,
		&a.CredentialRef,
		&a.LastRunAt,
		&a.RunInProgress,
		&a.RunStartedAt,
		&a.NeedsReauth,
		&a.ReauthReason,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) ListAccounts(ctx context.Context) ([]db.Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []db.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *Postgres) GetAccount(ctx context.Context, accountID string) (*db.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *Postgres) UpsertAccount(ctx context.Context, a db.Account) error {
	query := `
        INSERT INTO accounts (account_id, provider, address, credential_ref)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (account_id) DO UPDATE
        SET provider = EXCLUDED.provider,
            address = EXCLUDED.address,
            credential_ref = EXCLUDED.credential_ref
    `
	_, err := s.db.Exec(ctx, query, a.AccountID, a.Provider, a.Address, a.CredentialRef)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// TryBeginRun is the per-account compare-and-set; the WHERE clause makes it
// safe across processes.
func (s *Postgres) TryBeginRun(ctx context.Context, accountID string) (bool, error) {
	query := `
        UPDATE accounts
        SET run_in_progress = TRUE, run_started_at = NOW()
        WHERE account_id = $1 AND run_in_progress = FALSE AND needs_reauth = FALSE
    `
	tag, err := s.db.Exec(ctx, query, accountID)
	if err != nil {
		return false, fmt.Errorf("begin run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) EndRun(ctx context.Context, accountID string) error {
	query := `
        UPDATE accounts
        SET run_in_progress = FALSE, run_started_at = NULL, last_run_at = NOW()
        WHERE account_id = $1
    `
	if _, err := s.db.Exec(ctx, query, accountID); err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

func (s *Postgres) ResetStaleRuns(ctx context.Context, startedBefore time.Time) (int64, error) {
	query := `
        UPDATE accounts
        SET run_in_progress = FALSE, run_started_at = NULL
        WHERE run_in_progress = TRUE AND (run_started_at IS NULL OR run_started_at < $1)
    `
	tag, err := s.db.Exec(ctx, query, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("reset stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) FlagNeedsReauth(ctx context.Context, accountID, reason string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET needs_reauth = TRUE, reauth_reason = $2 WHERE account_id = $1`,
		accountID, reason)
	if err != nil {
		return fmt.Errorf("flag needs_reauth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ClearNeedsReauth(ctx context.Context, accountID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET needs_reauth = FALSE, reauth_reason = '' WHERE account_id = $1`,
		accountID)
	if err != nil {
		return fmt.Errorf("clear needs_reauth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) KnownMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT message_id FROM messages WHERE account_id = $1 AND message_id = ANY($2)`,
		accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("known message ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = true
	}
	return known, rows.Err()
}

func (s *Postgres) InsertMessage(ctx context.Context, m db.Message) (bool, error) {
	query := `
        INSERT INTO messages (account_id, message_id, subject, sender, raw_body, status, category, fetched_at)
        VALUES ($1, $2, $3, $4, $5, 'unprocessed', 'unprocessed', $6)
        ON CONFLICT (account_id, message_id) DO NOTHING
    `
	fetchedAt := m.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	tag, err := s.db.Exec(ctx, query, m.AccountID, m.MessageID, m.Subject, m.Sender, m.RawBody, fetchedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const messageColumns = `account_id, message_id, subject, sender, raw_body, status, category,
		confidence, COALESCE(event_ref, ''), COALESCE(summary, ''), fetched_at, processed_at`

func scanMessage(row pgx.Row) (*db.Message, error) {
	var m db.Message
	err := row.Scan(
		&m.AccountID,
		&m.MessageID,
		&m.Subject,
		&m.Sender,
		&m.RawBody,
		&m.Status,
		&m.Category,
		&m.Confidence,
		&m.EventRef,
		&m.Summary,
		&m.FetchedAt,
		&m.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Postgres) ListUnprocessed(ctx context.Context, accountID string, limit int) ([]db.Message, error) {
	query := `
        SELECT ` + messageColumns + `
        FROM messages
        WHERE account_id = $1 AND status = 'unprocessed'
        ORDER BY fetched_at, message_id
        LIMIT $2
    `
	rows, err := s.db.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close()

	var msgs []db.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *Postgres) GetMessage(ctx context.Context, accountID, messageID string) (*db.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE account_id = $1 AND message_id = $2`,
		accountID, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// historyColumns matches scanMessage but skips the body.
const historyColumns = `account_id, message_id, subject, sender, '' AS raw_body, status, category,
		confidence, COALESCE(event_ref, ''), COALESCE(summary, ''), fetched_at, processed_at`

func (s *Postgres) ListMessages(ctx context.Context, accountID string, f MessageFilter) ([]db.Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
        SELECT ` + historyColumns + `
        FROM messages
        WHERE account_id = $1
          AND ($2::text = '' OR status = $2::text)
          AND ($3::text = '' OR category = $3::text)
        ORDER BY COALESCE(processed_at, fetched_at) DESC, message_id
        LIMIT $4
    `
	rows, err := s.db.Query(ctx, query, accountID, f.Status, f.Category, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []db.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *Postgres) MessageStats(ctx context.Context, accountID string) (MessageStats, error) {
	query := `
        SELECT status, category, COUNT(*)
        FROM messages
        WHERE account_id = $1
        GROUP BY status, category
    `
	rows, err := s.db.Query(ctx, query, accountID)
	if err != nil {
		return MessageStats{}, fmt.Errorf("message stats: %w", err)
	}
	defer rows.Close()

	stats := MessageStats{ByCategory: make(map[string]int64)}
	for rows.Next() {
		var status, category string
		var n int64
		if err := rows.Scan(&status, &category, &n); err != nil {
			return MessageStats{}, fmt.Errorf("scan message stats: %w", err)
		}
		stats.Total += n
		if status == db.StatusUnprocessed {
			stats.Unprocessed += n
			continue
		}
		stats.ByCategory[category] += n
	}
	return stats, rows.Err()
}

// CommitMessage persists the terminal state and, when an outbox is
// configured, the message.processed event in the same transaction.
func (s *Postgres) CommitMessage(ctx context.Context, accountID, messageID string, out db.MessageOutcome) error {
	if !db.IsTerminalCategory(out.Category) {
		return ErrInvalidCategory
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
        UPDATE messages
        SET status = 'processed',
            category = $3,
            confidence = $4,
            event_ref = NULLIF($5, ''),
            summary = NULLIF($6, ''),
            processed_at = $7
        WHERE account_id = $1 AND message_id = $2 AND status = 'unprocessed'
        RETURNING subject
    `
	var subject string
	err = tx.QueryRow(ctx, query, accountID, messageID,
		out.Category, out.Confidence, out.EventRef, out.Summary, out.ProcessedAt,
	).Scan(&subject)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE account_id = $1 AND message_id = $2)`,
			accountID, messageID).Scan(&exists); err != nil {
			return fmt.Errorf("check message: %w", err)
		}
		if exists {
			return ErrAlreadyProcessed
		}
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("commit message: %w", err)
	}

	if s.outbox != nil {
		payload := mq.MessageProcessedPayload{
			RunID:       trace.FromContext(ctx),
			AccountID:   accountID,
			MessageID:   messageID,
			Subject:     subject,
			Category:    out.Category,
			EventRef:    out.EventRef,
			Summary:     out.Summary,
			ProcessedAt: out.ProcessedAt,
		}
		if err := outbox.InsertEventInTx(ctx, tx, s.outbox,
			"message", accountID+":"+messageID, mq.RoutingKeyMessageProcessed, payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Postgres) GetEventCacheEntry(ctx context.Context, accountID, messageID string) (*db.EventCacheEntry, error) {
	query := `
        SELECT account_id, message_id, event_payload, calendar_ref, created_at
        FROM event_cache
        WHERE account_id = $1 AND message_id = $2
    `
	var e db.EventCacheEntry
	err := s.db.QueryRow(ctx, query, accountID, messageID).Scan(
		&e.AccountID,
		&e.MessageID,
		&e.EventPayload,
		&e.CalendarRef,
		&e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event cache: %w", err)
	}
	return &e, nil
}

func (s *Postgres) PutEventCacheEntry(ctx context.Context, e db.EventCacheEntry) (*db.EventCacheEntry, bool, error) {
	query := `
        INSERT INTO event_cache (account_id, message_id, event_payload, calendar_ref)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (account_id, message_id) DO NOTHING
        RETURNING created_at
    `
	stored := e
	err := s.db.QueryRow(ctx, query, e.AccountID, e.MessageID, e.EventPayload, e.CalendarRef).
		Scan(&stored.CreatedAt)
	if err == nil {
		return &stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("put event cache: %w", err)
	}

	existing, err := s.GetEventCacheEntry(ctx, e.AccountID, e.MessageID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Postgres) Sweep(ctx context.Context, processedBefore time.Time) (SweepResult, error) {
	var res SweepResult

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        DELETE FROM event_cache ec
        USING messages m
        WHERE ec.account_id = m.account_id
          AND ec.message_id = m.message_id
          AND m.status = 'processed'
          AND m.processed_at < $1
    `, processedBefore)
	if err != nil {
		return res, fmt.Errorf("sweep event cache: %w", err)
	}
	res.EventCache = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `
        DELETE FROM messages
        WHERE status = 'processed' AND processed_at < $1
    `, processedBefore)
	if err != nil {
		return res, fmt.Errorf("sweep messages: %w", err)
	}
	res.Messages = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return SweepResult{}, fmt.Errorf("commit sweep: %w", err)
	}
	return res, nil
}
