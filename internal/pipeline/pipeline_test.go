package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mailagenda/contracts/db"
	"mailagenda/internal/credential"
	"mailagenda/internal/mail"
	"mailagenda/internal/model"
	"mailagenda/internal/store/memstore"
	"mailagenda/pkg/util"
)

// ---- fakes ----

type fakeMail struct {
	mu       sync.Mutex
	order    []string
	messages map[string]*mail.Fetched
	unread   map[string]bool
	// sticky keeps messages unread after MarkRead, like a provider whose
	// unread flag lags behind.
	sticky  bool
	fetches map[string]int
	marked  []string
	listErr error
	markErr error
	// getErrOnce fails the next GetMessage for an id, then clears.
	getErrOnce map[string]error
}

func newFakeMail() *fakeMail {
	return &fakeMail{
		messages: make(map[string]*mail.Fetched),
		unread:   make(map[string]bool),
		fetches:    make(map[string]int),
		getErrOnce: make(map[string]error),
	}
}

func (f *fakeMail) add(id, subject, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, id)
	f.messages[id] = &mail.Fetched{ID: id, Subject: subject, Sender: "someone@example.com", Body: body}
	f.unread[id] = true
}

func (f *fakeMail) ListUnread(ctx context.Context, account db.Account, cred *credential.Credential, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var ids []string
	for _, id := range f.order {
		if f.unread[id] {
			ids = append(ids, id)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (f *fakeMail) GetMessage(ctx context.Context, account db.Account, cred *credential.Credential, id string) (*mail.Fetched, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[id]++
	if err, ok := f.getErrOnce[id]; ok {
		delete(f.getErrOnce, id)
		return nil, err
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, &util.StatusError{Service: "mail", StatusCode: 404}
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMail) MarkRead(ctx context.Context, account db.Account, cred *credential.Credential, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	if !f.sticky {
		f.unread[id] = false
	}
	return nil
}

func (f *fakeMail) isUnread(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread[id]
}

func (f *fakeMail) markedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

type fakeCreds struct {
	err error
	// recheckErr is returned from the second call on.
	recheckErr error
	calls      int
}

func (f *fakeCreds) GetValidCredential(ctx context.Context, accountID string) (*credential.Credential, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.calls > 1 && f.recheckErr != nil {
		return nil, f.recheckErr
	}
	return &credential.Credential{AccountID: accountID, Token: &oauth2.Token{AccessToken: "tok"}}, nil
}

type fakeClassifier struct {
	calls int
	fn    func(text string) (model.Score, error)
}

func (f *fakeClassifier) Score(ctx context.Context, text string) (model.Score, error) {
	f.calls++
	return f.fn(text)
}

type fakeExtractor struct {
	calls int
	fn    func(text string) (*model.EventPayload, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) (*model.EventPayload, error) {
	f.calls++
	return f.fn(text)
}

type fakeSummarizer struct {
	calls int
	err   error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "summary of " + strings.SplitN(text, " ", 2)[0], nil
}

type fakeSink struct {
	calls    int
	keys     []string
	payloads []model.EventPayload
	err      error
}

func (f *fakeSink) CreateEvent(ctx context.Context, account db.Account, cred *credential.Credential, payload model.EventPayload, key string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	f.payloads = append(f.payloads, payload)
	return fmt.Sprintf("https://calendar.example/event/%d", f.calls), nil
}

type fakeInflight struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func newFakeInflight() *fakeInflight { return &fakeInflight{held: make(map[string]bool)} }

func (f *fakeInflight) AcquireOnce(ctx context.Context, handler, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := handler + ":" + key
	if f.held[k] {
		return false
	}
	f.held[k] = true
	return true
}

func (f *fakeInflight) Release(ctx context.Context, handler, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := handler + ":" + key
	delete(f.held, k)
	f.released = append(f.released, k)
	return nil
}

// failingCommits wraps a memstore and fails CommitMessage while armed.
type failingCommits struct {
	*memstore.Store
	armed bool
}

func (f *failingCommits) CommitMessage(ctx context.Context, accountID, messageID string, out db.MessageOutcome) error {
	if f.armed {
		return errors.New("connection reset by peer")
	}
	return f.Store.CommitMessage(ctx, accountID, messageID, out)
}

// ---- harness ----

type harness struct {
	store      *memstore.Store
	mail       *fakeMail
	creds      *fakeCreds
	// credentials replaces creds when set.
	credentials CredentialProvider
	batchSize   int
	classifier *fakeClassifier
	extractor  *fakeExtractor
	summarizer *fakeSummarizer
	sink       *fakeSink
	inflight   *fakeInflight
}

var fixedNow = time.Date(2025, 7, 30, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New().WithClock(func() time.Time { return fixedNow })
	require.NoError(t, st.UpsertAccount(context.Background(), db.Account{AccountID: "A1", Provider: "gmail"}))

	return &harness{
		store: st,
		mail:  newFakeMail(),
		creds: &fakeCreds{},
		classifier: &fakeClassifier{fn: func(text string) (model.Score, error) {
			if strings.Contains(strings.ToLower(text), "prize") {
				return model.Score{IsUnwanted: true, Confidence: 0.97}, nil
			}
			return model.Score{IsUnwanted: false, Confidence: 0.1}, nil
		}},
		extractor: &fakeExtractor{fn: func(text string) (*model.EventPayload, error) {
			if strings.Contains(text, "Sync") {
				return &model.EventPayload{Title: "Sync", Date: "2025-08-01"}, nil
			}
			return nil, nil
		}},
		summarizer: &fakeSummarizer{},
		sink:       &fakeSink{},
		inflight:   newFakeInflight(),
	}
}

func (h *harness) build(t *testing.T) *Pipeline {
	t.Helper()
	return h.buildWith(t, nil)
}

// buildWith uses commits as the store when non-nil.
func (h *harness) buildWith(t *testing.T, commits *failingCommits) *Pipeline {
	t.Helper()
	deps := Deps{
		Store:       h.store,
		Credentials: h.creds,
		Mail:        h.mail,
		Classifier:  h.classifier,
		Extractor:   h.extractor,
		Summarizer:  h.summarizer,
		Sink:        h.sink,
		Inflight:    h.inflight,
	}
	if commits != nil {
		deps.Store = commits
	}
	if h.credentials != nil {
		deps.Credentials = h.credentials
	}
	batch := h.batchSize
	if batch == 0 {
		batch = 10
	}
	return New(deps, Config{BatchSize: batch, CommitTimeout: time.Second}, zap.NewNop()).
		WithClock(func() time.Time { return fixedNow })
}

func messageByID(t *testing.T, st *memstore.Store, id string) db.Message {
	t.Helper()
	for _, m := range st.Messages("A1") {
		if m.MessageID == id {
			return m
		}
	}
	t.Fatalf("message %s not recorded", id)
	return db.Message{}
}

// ---- tests ----

func TestRun_UnwantedAndEvent(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "You won a prize", "Claim your free prize now")
	h.mail.add("m2", "Sync", "Team Sync on 2025-08-01")

	report, err := h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, report.Result())
	assert.Equal(t, 2, report.Listed)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Processed)

	m1 := messageByID(t, h.store, "m1")
	assert.Equal(t, db.StatusProcessed, m1.Status)
	assert.Equal(t, db.CategoryUnwanted, m1.Category)
	assert.Empty(t, m1.EventRef)

	m2 := messageByID(t, h.store, "m2")
	assert.Equal(t, db.StatusProcessed, m2.Status)
	assert.Equal(t, db.CategoryEvent, m2.Category)
	assert.NotEmpty(t, m2.EventRef)

	entries := h.store.EventCacheEntries("A1")
	require.Len(t, entries, 1)
	assert.Equal(t, "m2", entries[0].MessageID)
	assert.Equal(t, m2.EventRef, entries[0].CalendarRef)

	require.Len(t, h.sink.keys, 1)
	assert.Equal(t, "A1:m2", h.sink.keys[0])
	assert.Equal(t, "Sync", h.sink.payloads[0].Title)
	assert.Equal(t, "2025-08-01", h.sink.payloads[0].Date)

	assert.ElementsMatch(t, []string{"m1", "m2"}, h.mail.markedIDs())
	assert.False(t, h.mail.isUnread("m1"))
	assert.False(t, h.mail.isUnread("m2"))

	// unwanted skips extraction entirely
	assert.Equal(t, 1, h.extractor.calls)
	assert.Equal(t, 0, h.summarizer.calls)
}

func TestRun_Informational(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Newsletter", "Quarterly numbers are up")

	report, err := h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Categories[db.CategoryInformational])

	m := messageByID(t, h.store, "m1")
	assert.Equal(t, db.CategoryInformational, m.Category)
	assert.Equal(t, "summary of Newsletter", m.Summary)
	assert.Equal(t, 0, h.sink.calls)
}

func TestRun_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.mail.sticky = true
	h.mail.add("m1", "You won a prize", "prize inside")
	h.mail.add("m2", "Sync", "Sync tomorrow")
	h.mail.add("m3", "Newsletter", "hello")
	p := h.build(t)

	_, err := p.Run(context.Background(), "A1")
	require.NoError(t, err)
	first := h.store.Messages("A1")
	firstCache := h.store.EventCacheEntries("A1")

	report, err := p.Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fetched)
	assert.Equal(t, 0, report.Processed)

	assert.Equal(t, first, h.store.Messages("A1"))
	assert.Equal(t, firstCache, h.store.EventCacheEntries("A1"))
	assert.Equal(t, 1, h.sink.calls)
	assert.Equal(t, 3, h.classifier.calls, "known ids are never classified again")
	for _, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, 1, h.mail.fetches[id], "known ids are never fetched again")
	}
}

func TestRun_CategoryNeverReassigned(t *testing.T) {
	h := newHarness(t)
	h.mail.sticky = true
	h.mail.add("m1", "Newsletter", "hello")
	p := h.build(t)

	_, err := p.Run(context.Background(), "A1")
	require.NoError(t, err)
	require.Equal(t, db.CategoryInformational, messageByID(t, h.store, "m1").Category)

	// a later run with a different verdict must not touch the message
	h.classifier.fn = func(string) (model.Score, error) {
		return model.Score{IsUnwanted: true, Confidence: 1}, nil
	}
	_, err = p.Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, db.CategoryInformational, messageByID(t, h.store, "m1").Category)

	err = h.store.CommitMessage(context.Background(), "A1", "m1", db.MessageOutcome{Category: db.CategoryUnwanted, ProcessedAt: fixedNow})
	assert.Error(t, err)
	assert.Equal(t, db.CategoryInformational, messageByID(t, h.store, "m1").Category)
}

func TestRun_CommitFailureNeverMarksRead(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Newsletter", "hello")
	commits := &failingCommits{Store: h.store, armed: true}

	report, err := h.buildWith(t, commits).Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, ResultPartial, report.Result())
	require.Len(t, report.Errors, 1)
	assert.Equal(t, KindStateStore, KindOf(report.Errors[0]))

	var se *StageError
	require.True(t, errors.As(report.Errors[0], &se))
	assert.Equal(t, StageCommit, se.Stage)
	assert.Equal(t, "m1", se.MessageID)

	assert.Empty(t, h.mail.markedIDs(), "mark-read must not happen without a durable record")
	assert.True(t, h.mail.isUnread("m1"))
	assert.Equal(t, db.StatusUnprocessed, messageByID(t, h.store, "m1").Status)
}

func TestRun_InterruptedMessageIsReclassified(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Sync", "Sync on 2025-08-01")
	commits := &failingCommits{Store: h.store, armed: true}
	p := h.buildWith(t, commits)

	_, err := p.Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.classifier.calls)
	assert.Equal(t, db.StatusUnprocessed, messageByID(t, h.store, "m1").Status)
	assert.True(t, h.mail.isUnread("m1"))
	require.Len(t, h.store.EventCacheEntries("A1"), 1)

	commits.armed = false
	_, err = p.Run(context.Background(), "A1")
	require.NoError(t, err)

	// classified and extracted again from scratch, but the calendar
	// entry from the first attempt is reused
	assert.Equal(t, 2, h.classifier.calls)
	assert.Equal(t, 2, h.extractor.calls)
	assert.Equal(t, 1, h.sink.calls)
	assert.Equal(t, 1, h.mail.fetches["m1"])

	entries := h.store.EventCacheEntries("A1")
	require.Len(t, entries, 1)
	m := messageByID(t, h.store, "m1")
	assert.Equal(t, db.CategoryEvent, m.Category)
	assert.Equal(t, entries[0].CalendarRef, m.EventRef)
	assert.False(t, h.mail.isUnread("m1"))
}

func TestRun_CachedEntryIsReused(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Sync", "Sync on 2025-08-01")
	_, created, err := h.store.PutEventCacheEntry(context.Background(), db.EventCacheEntry{
		AccountID:    "A1",
		MessageID:    "m1",
		EventPayload: []byte(`{"title":"Sync"}`),
		CalendarRef:  "https://calendar.example/event/existing",
	})
	require.NoError(t, err)
	require.True(t, created)

	_, err = h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 0, h.sink.calls)
	assert.Equal(t, "https://calendar.example/event/existing", messageByID(t, h.store, "m1").EventRef)
	assert.Len(t, h.store.EventCacheEntries("A1"), 1)
}

func TestRun_NeedsReauthTouchesNoMessage(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Newsletter", "hello")
	_, err := h.store.InsertMessage(context.Background(), db.Message{AccountID: "A1", MessageID: "m0", Subject: "old"})
	require.NoError(t, err)
	before := h.store.Messages("A1")

	h.creds.err = fmt.Errorf("%w: refresh failed: invalid_grant", credential.ErrNeedsReauth)
	p := h.build(t)

	report, err := p.Run(context.Background(), "A1")
	require.Error(t, err)
	assert.Equal(t, KindCredential, KindOf(err))
	assert.Equal(t, ResultReauth, report.Result())

	acct, gerr := h.store.GetAccount(context.Background(), "A1")
	require.NoError(t, gerr)
	assert.True(t, acct.NeedsReauth)
	assert.Contains(t, acct.ReauthReason, "invalid_grant")

	assert.Equal(t, before, h.store.Messages("A1"))
	assert.Equal(t, 0, h.classifier.calls)
	assert.Empty(t, h.mail.fetches)

	// flagged accounts do not even ask for a credential
	h.creds.err = nil
	_, err = p.Run(context.Background(), "A1")
	require.Error(t, err)
	assert.Equal(t, 1, h.creds.calls)
	assert.Equal(t, before, h.store.Messages("A1"))

	require.NoError(t, h.store.ClearNeedsReauth(context.Background(), "A1"))
	_, err = p.Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusProcessed, messageByID(t, h.store, "m1").Status)
}

func TestRun_UnauthorizedListWithUsableCredentialIsTransient(t *testing.T) {
	h := newHarness(t)
	h.mail.listErr = &util.StatusError{Service: "gmail", StatusCode: 401}

	report, err := h.build(t).Run(context.Background(), "A1")
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.False(t, report.Reauth)
	assert.Equal(t, 2, h.creds.calls, "a rejected token is checked against the credential store once")

	acct, gerr := h.store.GetAccount(context.Background(), "A1")
	require.NoError(t, gerr)
	assert.False(t, acct.NeedsReauth)
}

func TestRun_UnauthorizedListWithDeadCredentialFlagsAccount(t *testing.T) {
	h := newHarness(t)
	h.mail.listErr = &util.StatusError{Service: "gmail", StatusCode: 401}
	h.creds.recheckErr = fmt.Errorf("%w: refresh failed: invalid_grant", credential.ErrNeedsReauth)

	report, err := h.build(t).Run(context.Background(), "A1")
	require.Error(t, err)
	assert.Equal(t, KindCredential, KindOf(err))
	assert.True(t, report.Reauth)
	assert.Equal(t, ResultReauth, report.Result())

	acct, gerr := h.store.GetAccount(context.Background(), "A1")
	require.NoError(t, gerr)
	assert.True(t, acct.NeedsReauth)
	assert.Contains(t, acct.ReauthReason, "invalid_grant")
}

type countingRefresher struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRefresher) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &oauth2.Token{
		AccessToken: fmt.Sprintf("fresh-%d", r.calls),
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

func TestRun_TokenRejectedMidRunRecoversWithRefreshedCredential(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Newsletter", "hello")
	h.mail.getErrOnce["m1"] = &util.StatusError{Service: "gmail", StatusCode: 401}

	sealer, err := credential.NewRandomSealer()
	require.NoError(t, err)
	refresher := &countingRefresher{}
	creds := credential.NewStore(credential.NewMemoryRepository(), sealer, refresher, zap.NewNop())
	require.NoError(t, creds.Save(context.Background(), credential.Credential{
		AccountID: "A1",
		Token: &oauth2.Token{
			AccessToken:  "stale",
			RefreshToken: "rt",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(-time.Hour),
		},
	}))
	h.credentials = creds
	p := h.build(t)

	report, err := p.Run(context.Background(), "A1")
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.False(t, report.Reauth)
	assert.Equal(t, 1, refresher.calls)

	acct, gerr := h.store.GetAccount(context.Background(), "A1")
	require.NoError(t, gerr)
	assert.False(t, acct.NeedsReauth)
	assert.Empty(t, h.store.Messages("A1"))

	report, err = p.Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, report.Result())
	assert.Equal(t, db.StatusProcessed, messageByID(t, h.store, "m1").Status)
	assert.Equal(t, []string{"m1"}, h.mail.markedIDs())
}

func TestRun_ListFailureIsTransient(t *testing.T) {
	h := newHarness(t)
	h.mail.listErr = context.DeadlineExceeded

	report, err := h.build(t).Run(context.Background(), "A1")
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, ResultFailed, report.Result())

	acct, gerr := h.store.GetAccount(context.Background(), "A1")
	require.NoError(t, gerr)
	assert.False(t, acct.NeedsReauth)
}

func TestRun_MalformedOutputDegrades(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Sync", "Sync on 2025-08-01")
	h.extractor.fn = func(string) (*model.EventPayload, error) {
		return nil, fmt.Errorf("decode extract response: %w", model.ErrMalformed)
	}
	h.summarizer.err = fmt.Errorf("decode summary: %w", model.ErrMalformed)

	report, err := h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, report.Result())

	m := messageByID(t, h.store, "m1")
	assert.Equal(t, db.StatusProcessed, m.Status)
	assert.Equal(t, db.CategoryInformational, m.Category)
	assert.Empty(t, m.Summary)
	assert.Equal(t, 0, h.sink.calls)
	assert.Empty(t, h.store.EventCacheEntries("A1"))
}

func TestRun_MalformedClassificationIsWanted(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Newsletter", "hello")
	h.classifier.fn = func(string) (model.Score, error) {
		return model.Score{}, fmt.Errorf("score: %w", model.ErrMalformed)
	}

	_, err := h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	m := messageByID(t, h.store, "m1")
	assert.Equal(t, db.CategoryInformational, m.Category)
	assert.Equal(t, 0.0, m.Confidence)
}

func TestRun_PayloadWithoutTitleOrAnchorIsNoEvent(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Sync", "Sync somewhere")
	h.extractor.fn = func(string) (*model.EventPayload, error) {
		return &model.EventPayload{Location: "Room 4"}, nil
	}

	_, err := h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, db.CategoryInformational, messageByID(t, h.store, "m1").Category)
	assert.Equal(t, 0, h.sink.calls)
}

func TestRun_TransientFailureLeavesMessageUnprocessed(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Newsletter", "hello")
	h.mail.add("m2", "Digest", "world")
	h.classifier.fn = func(text string) (model.Score, error) {
		if strings.HasPrefix(text, "Newsletter") {
			return model.Score{}, context.DeadlineExceeded
		}
		return model.Score{Confidence: 0.2}, nil
	}

	report, err := h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, ResultPartial, report.Result())
	require.Len(t, report.Errors, 1)
	assert.Equal(t, KindTransient, KindOf(report.Errors[0]))

	assert.Equal(t, db.StatusUnprocessed, messageByID(t, h.store, "m1").Status)
	assert.True(t, h.mail.isUnread("m1"))
	assert.Equal(t, db.StatusProcessed, messageByID(t, h.store, "m2").Status)
	assert.False(t, h.mail.isUnread("m2"))
}

func TestRun_SinkFailureLeavesNoCacheEntry(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Sync", "Sync on 2025-08-01")
	h.sink.err = &util.StatusError{Service: "calendar", StatusCode: 403}

	report, err := h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, KindTransient, KindOf(report.Errors[0]))
	assert.Equal(t, db.StatusUnprocessed, messageByID(t, h.store, "m1").Status)
	assert.Empty(t, h.store.EventCacheEntries("A1"))
	assert.Empty(t, h.mail.markedIDs())

	// a definite rejection frees the in-flight marker
	assert.Equal(t, []string{"calendar-inflight:A1:m1"}, h.inflight.released)
}

func TestRun_SinkRejectsEntryStoresInformational(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Sync", "Sync on 2025-08-01")
	h.sink.err = &util.StatusError{Service: "calendar", StatusCode: 400}

	report, err := h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, report.Result())

	m := messageByID(t, h.store, "m1")
	assert.Equal(t, db.StatusProcessed, m.Status)
	assert.Equal(t, db.CategoryInformational, m.Category)
	assert.Empty(t, m.EventRef)
	assert.Equal(t, "summary of Sync", m.Summary)
	assert.Empty(t, h.store.EventCacheEntries("A1"))
	assert.Equal(t, []string{"m1"}, h.mail.markedIDs())
}

func TestRun_RejectedInputDoesNotStallBatch(t *testing.T) {
	h := newHarness(t)
	h.batchSize = 2
	h.mail.add("big1", "Huge attachment", "big payload one")
	h.mail.add("big2", "Huge attachment", "big payload two")
	h.mail.add("new3", "Newsletter", "hello")
	h.classifier.fn = func(text string) (model.Score, error) {
		if strings.Contains(text, "big payload") {
			return model.Score{}, &util.StatusError{Service: "classifier", StatusCode: 413}
		}
		return model.Score{Confidence: 0.1}, nil
	}
	p := h.build(t)

	report, err := p.Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	for _, id := range []string{"big1", "big2"} {
		m := messageByID(t, h.store, id)
		assert.Equal(t, db.StatusProcessed, m.Status, id)
		assert.Equal(t, db.CategoryInformational, m.Category, id)
	}

	_, err = p.Run(context.Background(), "A1")
	require.NoError(t, err)
	m := messageByID(t, h.store, "new3")
	assert.Equal(t, db.StatusProcessed, m.Status)
	assert.Equal(t, db.CategoryInformational, m.Category)
	assert.False(t, h.mail.isUnread("new3"))
}

func TestRun_UndecodableBodyIsStoredWithHeaders(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Broken", "")
	h.mail.getErrOnce["m1"] = &mail.UndecodableError{
		Fetched: &mail.Fetched{ID: "m1", Subject: "Broken", Sender: "someone@example.com"},
		Err:     errors.New("illegal base64 data at input byte 4"),
	}

	report, err := h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fetched)

	m := messageByID(t, h.store, "m1")
	assert.Equal(t, "Broken", m.Subject)
	assert.Empty(t, m.RawBody)
	assert.Equal(t, db.StatusProcessed, m.Status)
}

func TestRun_LeftoverInflightMarkerStillSyncs(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Sync", "Sync on 2025-08-01")
	require.True(t, h.inflight.AcquireOnce(context.Background(), "calendar-inflight", "A1:m1"))

	_, err := h.build(t).Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.sink.calls)
	assert.Equal(t, db.CategoryEvent, messageByID(t, h.store, "m1").Category)
}

func TestRun_MarkReadFailureKeepsMessageProcessed(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Newsletter", "hello")
	h.mail.markErr = errors.New("connection refused")
	p := h.build(t)

	report, err := p.Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, ResultPartial, report.Result())
	assert.Equal(t, db.StatusProcessed, messageByID(t, h.store, "m1").Status)

	// next run retries mark-read without fetching or classifying again
	h.mail.markErr = nil
	_, err = p.Run(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, h.mail.markedIDs())
	assert.Equal(t, 1, h.mail.fetches["m1"])
	assert.Equal(t, 1, h.classifier.calls)
}

func TestRun_CancelledContextStopsBeforeNextMessage(t *testing.T) {
	h := newHarness(t)
	h.mail.add("m1", "Newsletter", "hello")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.build(t).Run(ctx, "A1")
	require.NoError(t, err)
	assert.Empty(t, h.mail.markedIDs())
	assert.Equal(t, 0, h.classifier.calls)
}

func TestRun_UnknownAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.build(t).Run(context.Background(), "nobody")
	require.Error(t, err)
	assert.Equal(t, KindStateStore, KindOf(err))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"needs reauth", fmt.Errorf("wrap: %w", credential.ErrNeedsReauth), KindCredential},
		{"unauthorized", &util.StatusError{Service: "gmail", StatusCode: 401}, KindTransient},
		{"forbidden", &util.StatusError{Service: "gmail", StatusCode: 403}, KindTransient},
		{"too large", &util.StatusError{Service: "classifier", StatusCode: 413}, KindMalformed},
		{"bad request", &util.StatusError{Service: "extractor", StatusCode: 400}, KindMalformed},
		{"rate limited", &util.StatusError{Service: "classifier", StatusCode: 429}, KindTransient},
		{"malformed", fmt.Errorf("x: %w", model.ErrMalformed), KindMalformed},
		{"timeout", context.DeadlineExceeded, KindTransient},
		{"unknown", errors.New("boom"), KindTransient},
		{"stage error", stageErr(StageCommit, "m1", KindStateStore, errors.New("x")), KindStateStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	assert.Equal(t, Kind(0), KindOf(nil))

	assert.True(t, IsUnauthorized(fmt.Errorf("list: %w", &util.StatusError{Service: "gmail", StatusCode: 401})))
	assert.False(t, IsUnauthorized(&util.StatusError{Service: "gmail", StatusCode: 403}))
}
