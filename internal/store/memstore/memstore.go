// Package memstore is an in-process store.Store used by the memory driver
// and by tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"mailagenda/contracts/db"
	"mailagenda/internal/store"
)

type key struct {
	account string
	message string
}

type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	accounts map[string]*db.Account
	messages map[key]*db.Message
	events   map[key]*db.EventCacheEntry
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		now:      time.Now,
		accounts: make(map[string]*db.Account),
		messages: make(map[key]*db.Message),
		events:   make(map[key]*db.EventCacheEntry),
	}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) ListAccounts(ctx context.Context) ([]db.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]db.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*db.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) UpsertAccount(ctx context.Context, a db.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.accounts[a.AccountID]; ok {
		cur.Provider = a.Provider
		cur.Address = a.Address
		cur.CredentialRef = a.CredentialRef
		return nil
	}
	cp := db.Account{
		AccountID:     a.AccountID,
		Provider:      a.Provider,
		Address:       a.Address,
		CredentialRef: a.CredentialRef,
		NeedsReauth:   a.NeedsReauth,
		ReauthReason:  a.ReauthReason,
		CreatedAt:     s.now(),
	}
	s.accounts[a.AccountID] = &cp
	return nil
}

func (s *Store) TryBeginRun(ctx context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return false, store.ErrNotFound
	}
	if a.RunInProgress || a.NeedsReauth {
		return false, nil
	}
	now := s.now()
	a.RunInProgress = true
	a.RunStartedAt = &now
	return true, nil
}

func (s *Store) EndRun(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	a.RunInProgress = false
	a.RunStartedAt = nil
	a.LastRunAt = &now
	return nil
}

func (s *Store) ResetStaleRuns(ctx context.Context, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, a := range s.accounts {
		if a.RunInProgress && (a.RunStartedAt == nil || a.RunStartedAt.Before(startedBefore)) {
			a.RunInProgress = false
			a.RunStartedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *Store) FlagNeedsReauth(ctx context.Context, accountID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	a.NeedsReauth = true
	a.ReauthReason = reason
	return nil
}

func (s *Store) ClearNeedsReauth(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	a.NeedsReauth = false
	a.ReauthReason = ""
	return nil
}

func (s *Store) KnownMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.messages[key{accountID, id}]; ok {
			known[id] = true
		}
	}
	return known, nil
}

func (s *Store) InsertMessage(ctx context.Context, m db.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{m.AccountID, m.MessageID}
	if _, ok := s.messages[k]; ok {
		return false, nil
	}
	cp := db.Message{
		AccountID: m.AccountID,
		MessageID: m.MessageID,
		Subject:   m.Subject,
		Sender:    m.Sender,
		RawBody:   m.RawBody,
		Status:    db.StatusUnprocessed,
		Category:  db.CategoryUnprocessed,
		FetchedAt: m.FetchedAt,
	}
	if cp.FetchedAt.IsZero() {
		cp.FetchedAt = s.now()
	}
	s.messages[k] = &cp
	return true, nil
}

func (s *Store) ListUnprocessed(ctx context.Context, accountID string, limit int) ([]db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.Message
	for k, m := range s.messages {
		if k.account == accountID && m.Status == db.StatusUnprocessed {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FetchedAt.Equal(out[j].FetchedAt) {
			return out[i].FetchedAt.Before(out[j].FetchedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, accountID, messageID string) (*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[key{accountID, messageID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) CommitMessage(ctx context.Context, accountID, messageID string, out db.MessageOutcome) error {
	if !db.IsTerminalCategory(out.Category) {
		return store.ErrInvalidCategory
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[key{accountID, messageID}]
	if !ok {
		return store.ErrNotFound
	}
	if m.Status != db.StatusUnprocessed {
		return store.ErrAlreadyProcessed
	}
	processedAt := out.ProcessedAt
	m.Status = db.StatusProcessed
	m.Category = out.Category
	m.Confidence = out.Confidence
	m.EventRef = out.EventRef
	m.Summary = out.Summary
	m.ProcessedAt = &processedAt
	return nil
}

func (s *Store) GetEventCacheEntry(ctx context.Context, accountID, messageID string) (*db.EventCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[key{accountID, messageID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) PutEventCacheEntry(ctx context.Context, e db.EventCacheEntry) (*db.EventCacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{e.AccountID, e.MessageID}
	if existing, ok := s.events[k]; ok {
		cp := *existing
		return &cp, false, nil
	}
	stored := e
	stored.CreatedAt = s.now()
	s.events[k] = &stored
	cp := stored
	return &cp, true, nil
}

func (s *Store) Sweep(ctx context.Context, processedBefore time.Time) (store.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res store.SweepResult
	for k, m := range s.messages {
		if m.Status != db.StatusProcessed || m.ProcessedAt == nil || !m.ProcessedAt.Before(processedBefore) {
			continue
		}
		if _, ok := s.events[k]; ok {
			delete(s.events, k)
			res.EventCache++
		}
		delete(s.messages, k)
		res.Messages++
	}
	return res, nil
}

func (s *Store) ListMessages(ctx context.Context, accountID string, f store.MessageFilter) ([]db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.Message
	for k, m := range s.messages {
		if k.account != accountID {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Category != "" && m.Category != f.Category {
			continue
		}
		cp := *m
		cp.RawBody = ""
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := recency(out[i]), recency(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].MessageID < out[j].MessageID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func recency(m db.Message) time.Time {
	if m.ProcessedAt != nil {
		return *m.ProcessedAt
	}
	return m.FetchedAt
}

func (s *Store) MessageStats(ctx context.Context, accountID string) (store.MessageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := store.MessageStats{ByCategory: make(map[string]int64)}
	for k, m := range s.messages {
		if k.account != accountID {
			continue
		}
		stats.Total++
		if m.Status == db.StatusUnprocessed {
			stats.Unprocessed++
			continue
		}
		stats.ByCategory[m.Category]++
	}
	return stats, nil
}

// Messages returns a snapshot of every message recorded for the account.
func (s *Store) Messages(accountID string) []db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.Message
	for k, m := range s.messages {
		if k.account == accountID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

// EventCacheEntries returns a snapshot of the dedup cache for the account.
func (s *Store) EventCacheEntries(accountID string) []db.EventCacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.EventCacheEntry
	for k, e := range s.events {
		if k.account == accountID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}
