// Package store is the durable record of accounts, per-message processing
// state and the calendar dedup cache.
package store

import (
	"context"
	"errors"
	"time"

	"mailagenda/contracts/db"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyProcessed is returned by CommitMessage when the message is
	// already terminal. Category is never reassigned.
	ErrAlreadyProcessed = errors.New("store: message already processed")
	ErrInvalidCategory  = errors.New("store: category is not terminal")
)

// SweepResult counts rows removed by one retention sweep.
type SweepResult struct {
	Messages   int64
	EventCache int64
}

// MessageFilter selects messages for history listings. Empty fields match
// anything.
type MessageFilter struct {
	Status   string
	Category string
	Limit    int
}

// MessageStats counts an account's messages. ByCategory only holds
// processed messages.
type MessageStats struct {
	Total       int64            `json:"total"`
	Unprocessed int64            `json:"unprocessed"`
	ByCategory  map[string]int64 `json:"by_category"`
}

type AccountStore interface {
	ListAccounts(ctx context.Context) ([]db.Account, error)
	GetAccount(ctx context.Context, accountID string) (*db.Account, error)
	UpsertAccount(ctx context.Context, a db.Account) error

	// TryBeginRun atomically flips run_in_progress false -> true.
	// It reports false when another run holds the flag.
	TryBeginRun(ctx context.Context, accountID string) (bool, error)
	// EndRun clears run_in_progress and stamps last_run_at.
	EndRun(ctx context.Context, accountID string) error
	// ResetStaleRuns clears flags whose run started before the given time.
	ResetStaleRuns(ctx context.Context, startedBefore time.Time) (int64, error)

	FlagNeedsReauth(ctx context.Context, accountID, reason string) error
	ClearNeedsReauth(ctx context.Context, accountID string) error
}

type MessageStore interface {
	// KnownMessageIDs returns the subset of ids already recorded in any status.
	KnownMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error)
	// InsertMessage records a freshly fetched message as unprocessed.
	// Returns false when the id already exists.
	InsertMessage(ctx context.Context, m db.Message) (bool, error)
	ListUnprocessed(ctx context.Context, accountID string, limit int) ([]db.Message, error)
	GetMessage(ctx context.Context, accountID, messageID string) (*db.Message, error)
	// CommitMessage moves an unprocessed message to its terminal state.
	CommitMessage(ctx context.Context, accountID, messageID string, out db.MessageOutcome) error

	// ListMessages returns the most recently processed (or fetched) messages
	// first. RawBody is left empty.
	ListMessages(ctx context.Context, accountID string, f MessageFilter) ([]db.Message, error)
	MessageStats(ctx context.Context, accountID string) (MessageStats, error)
}

type EventCache interface {
	GetEventCacheEntry(ctx context.Context, accountID, messageID string) (*db.EventCacheEntry, error)
	// PutEventCacheEntry inserts if absent. On conflict the stored entry is
	// returned unchanged and created is false.
	PutEventCacheEntry(ctx context.Context, e db.EventCacheEntry) (stored *db.EventCacheEntry, created bool, err error)
}

// Store is the single source of truth for what has been done.
type Store interface {
	AccountStore
	MessageStore
	EventCache

	// Sweep deletes terminal messages processed before the cutoff together
	// with their event cache rows.
	Sweep(ctx context.Context, processedBefore time.Time) (SweepResult, error)
}
