package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type fakeRefresher struct {
	calls int32
	token *oauth2.Token
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func newTestStore(t *testing.T, r Refresher) (*Store, *MemoryRepository, time.Time) {
	t.Helper()
	sealer, err := NewRandomSealer()
	require.NoError(t, err)
	repo := NewMemoryRepository()
	s := NewStore(repo, sealer, r, zap.NewNop())
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, repo, now
}

func TestSealer_RoundTrip(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	s, err := NewSealer(key)
	require.NoError(t, err)

	blob, err := s.Seal([]byte("secret"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "secret")

	plain, err := s.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))

	blob[len(blob)-1] ^= 0xff
	_, err = s.Open(blob)
	assert.Error(t, err)

	_, err = NewSealer(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestGetValidCredential_MissingNeedsReauth(t *testing.T) {
	s, _, _ := newTestStore(t, &fakeRefresher{})
	_, err := s.GetValidCredential(context.Background(), "A1")
	assert.ErrorIs(t, err, ErrNeedsReauth)
}

func TestGetValidCredential_ValidTokenNotRefreshed(t *testing.T) {
	r := &fakeRefresher{}
	s, _, now := newTestStore(t, r)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Credential{AccountID: "A1", Token: &oauth2.Token{
		AccessToken: "at", RefreshToken: "rt", Expiry: now.Add(time.Hour),
	}}))

	cred, err := s.GetValidCredential(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "at", cred.Token.AccessToken)
	assert.Zero(t, atomic.LoadInt32(&r.calls))
}

func TestGetValidCredential_RefreshesAndPersists(t *testing.T) {
	r := &fakeRefresher{}
	s, repo, now := newTestStore(t, r)
	ctx := context.Background()
	r.token = &oauth2.Token{AccessToken: "fresh", Expiry: now.Add(time.Hour)}

	require.NoError(t, s.Save(ctx, Credential{AccountID: "A1", Token: &oauth2.Token{
		AccessToken: "old", RefreshToken: "rt", Expiry: now.Add(30 * time.Second),
	}}))

	cred, err := s.GetValidCredential(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.Token.AccessToken)
	assert.Equal(t, "rt", cred.Token.RefreshToken, "refresh token carried over")
	assert.EqualValues(t, 1, atomic.LoadInt32(&r.calls))

	require.NotNil(t, repo.recs["A1"].ExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *repo.recs["A1"].ExpiresAt)

	// persisted: a second read does not refresh again
	cred, err = s.GetValidCredential(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.Token.AccessToken)
	assert.EqualValues(t, 1, atomic.LoadInt32(&r.calls))
}

func TestGetValidCredential_RefreshFailureNeedsReauth(t *testing.T) {
	r := &fakeRefresher{err: errors.New("invalid_grant")}
	s, repo, now := newTestStore(t, r)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Credential{AccountID: "A1", Token: &oauth2.Token{
		AccessToken: "old", RefreshToken: "rt", Expiry: now.Add(-time.Minute),
	}}))
	before := repo.recs["A1"].Blob

	_, err := s.GetValidCredential(ctx, "A1")
	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.Equal(t, before, repo.recs["A1"].Blob, "stored credential untouched")
}

func TestGetValidCredential_UnreadableBlob(t *testing.T) {
	s, repo, _ := newTestStore(t, &fakeRefresher{})
	repo.recs["A1"] = Record{AccountID: "A1", Blob: []byte("garbage")}

	_, err := s.GetValidCredential(context.Background(), "A1")
	assert.ErrorIs(t, err, ErrNeedsReauth)
}

func TestOAuthRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-at","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r := NewOAuthRefresher("cid", "secret", srv.URL, nil)
	tok, err := r.Refresh(context.Background(), &oauth2.Token{AccessToken: "old", RefreshToken: "rt"})
	require.NoError(t, err)
	assert.Equal(t, "new-at", tok.AccessToken)
	assert.False(t, tok.Expiry.IsZero())
}
