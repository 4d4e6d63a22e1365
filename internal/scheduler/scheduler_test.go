package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailagenda/contracts/db"
	"mailagenda/internal/pipeline"
	"mailagenda/internal/store/memstore"
	"mailagenda/pkg/trace"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  map[string]int
	runIDs []string
	fn     func(ctx context.Context, accountID string) (*pipeline.RunReport, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string]int)}
}

func (f *fakeRunner) Run(ctx context.Context, accountID string) (*pipeline.RunReport, error) {
	f.mu.Lock()
	f.calls[accountID]++
	f.runIDs = append(f.runIDs, trace.FromContext(ctx))
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, accountID)
	}
	return &pipeline.RunReport{AccountID: accountID}, nil
}

func (f *fakeRunner) count(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[accountID]
}

func newStore(t *testing.T, ids ...string) *memstore.Store {
	t.Helper()
	st := memstore.New()
	for _, id := range ids {
		require.NoError(t, st.UpsertAccount(context.Background(), db.Account{AccountID: id}))
	}
	return st
}

func newScheduler(st *memstore.Store, r Runner, maxConcurrent int) *Scheduler {
	return New(st, r, Config{Interval: time.Hour, MaxConcurrent: maxConcurrent}, zap.NewNop())
}

func TestTick_RunsEveryAccountAndClearsFlag(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "A1", "A2")
	r := newFakeRunner()
	s := newScheduler(st, r, 4)

	assert.Equal(t, 2, s.Tick(ctx))
	s.Wait()

	assert.Equal(t, 1, r.count("A1"))
	assert.Equal(t, 1, r.count("A2"))
	for _, id := range []string{"A1", "A2"} {
		a, err := st.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.False(t, a.RunInProgress)
		assert.NotNil(t, a.LastRunAt)
	}
	require.Len(t, r.runIDs, 2)
	assert.NotEmpty(t, r.runIDs[0])
	assert.NotEqual(t, r.runIDs[0], r.runIDs[1])
}

func TestTick_SkipsAccountWithRunInProgress(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "A1", "A2")
	ok, err := st.TryBeginRun(ctx, "A1")
	require.NoError(t, err)
	require.True(t, ok)

	r := newFakeRunner()
	s := newScheduler(st, r, 4)
	assert.Equal(t, 1, s.Tick(ctx))
	s.Wait()

	assert.Equal(t, 0, r.count("A1"))
	assert.Equal(t, 1, r.count("A2"))

	// the foreign run still owns the flag
	a, err := st.GetAccount(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, a.RunInProgress)
}

func TestTick_SkipsNeedsReauthButRunsOthers(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "A1", "A2")
	require.NoError(t, st.FlagNeedsReauth(ctx, "A1", "revoked"))

	r := newFakeRunner()
	s := newScheduler(st, r, 4)
	for i := 0; i < 3; i++ {
		s.Tick(ctx)
		s.Wait()
	}
	assert.Equal(t, 0, r.count("A1"))
	assert.Equal(t, 3, r.count("A2"))

	require.NoError(t, st.ClearNeedsReauth(ctx, "A1"))
	s.Tick(ctx)
	s.Wait()
	assert.Equal(t, 1, r.count("A1"))
}

func TestTick_NoOverlappingRunsPerAccount(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "A1")
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	r := newFakeRunner()
	r.fn = func(ctx context.Context, accountID string) (*pipeline.RunReport, error) {
		started <- struct{}{}
		<-release
		return &pipeline.RunReport{AccountID: accountID}, nil
	}
	s := newScheduler(st, r, 4)

	assert.Equal(t, 1, s.Tick(ctx))
	<-started
	// the next tick arrives while the first run is still going
	assert.Equal(t, 0, s.Tick(ctx))
	close(release)
	s.Wait()

	assert.Equal(t, 1, r.count("A1"))
	assert.Equal(t, 1, s.Tick(ctx))
	s.Wait()
	assert.Equal(t, 2, r.count("A1"))
}

func TestTick_BoundedConcurrency(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "A1", "A2", "A3")
	release := make(chan struct{})

	r := newFakeRunner()
	r.fn = func(ctx context.Context, accountID string) (*pipeline.RunReport, error) {
		<-release
		return &pipeline.RunReport{AccountID: accountID}, nil
	}
	s := newScheduler(st, r, 1)

	assert.Equal(t, 1, s.Tick(ctx))
	close(release)
	s.Wait()

	// accounts that found no slot were never claimed
	claimed := 0
	for _, id := range []string{"A1", "A2", "A3"} {
		a, err := st.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.False(t, a.RunInProgress)
		if a.LastRunAt != nil {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed)
}

func TestRunAccount_FailureAndPanicStillClearFlag(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "bad", "boom", "ok")

	r := newFakeRunner()
	r.fn = func(ctx context.Context, accountID string) (*pipeline.RunReport, error) {
		switch accountID {
		case "bad":
			return &pipeline.RunReport{AccountID: accountID, Aborted: true}, errors.New("list failed")
		case "boom":
			panic("adapter bug")
		}
		return &pipeline.RunReport{AccountID: accountID}, nil
	}
	s := newScheduler(st, r, 4)

	assert.Equal(t, 3, s.Tick(ctx))
	s.Wait()

	for _, id := range []string{"bad", "boom", "ok"} {
		a, err := st.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.False(t, a.RunInProgress, id)
		assert.NotNil(t, a.LastRunAt, id)
	}
}

func TestStart_ResetsStaleFlagsAndTicksImmediately(t *testing.T) {
	st := newStore(t, "A1")
	past := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st.WithClock(func() time.Time { return past })
	ok, err := st.TryBeginRun(context.Background(), "A1")
	require.NoError(t, err)
	require.True(t, ok)
	st.WithClock(time.Now)

	ran := make(chan struct{}, 1)
	r := newFakeRunner()
	r.fn = func(ctx context.Context, accountID string) (*pipeline.RunReport, error) {
		ran <- struct{}{}
		return &pipeline.RunReport{AccountID: accountID}, nil
	}
	s := New(st, r, Config{Interval: time.Hour, MaxConcurrent: 2, StaleRunAfter: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("stale account was not run on start")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	a, err := st.GetAccount(context.Background(), "A1")
	require.NoError(t, err)
	assert.False(t, a.RunInProgress)
}
