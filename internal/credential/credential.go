// Package credential owns per-account auth material. Tokens are persisted
// as sealed blobs and refreshed under the account's own lock.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrNeedsReauth means no usable credential can be produced without a human.
var ErrNeedsReauth = errors.New("credential: account needs reauthorization")

// Credential is the opaque, read-mostly auth material handed to adapters.
type Credential struct {
	AccountID string
	Token     *oauth2.Token
	ExpiresAt time.Time
}

// Record is the persisted shape of a credential.
type Record struct {
	AccountID string
	Blob      []byte
	ExpiresAt *time.Time
}

// Repository persists sealed records. Update holds a row lock for the
// duration of fn; fn returns the replacement record or nil to keep the
// current one. cur is nil when no row exists.
type Repository interface {
	Update(ctx context.Context, accountID string, fn func(cur *Record) (*Record, error)) error
	Put(ctx context.Context, rec Record) error
}

// Refresher exchanges a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)
}

type Store struct {
	repo      Repository
	sealer    *Sealer
	refresher Refresher
	logger    *zap.Logger
	now       func() time.Time
	skew      time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(repo Repository, sealer *Sealer, refresher Refresher, logger *zap.Logger) *Store {
	return &Store{
		repo:      repo,
		sealer:    sealer,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
		skew:      time.Minute,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Store) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// GetValidCredential returns a credential that is usable now, refreshing
// and persisting it first when it has expired. Refresh failures and missing
// or unreadable credentials return an error wrapping ErrNeedsReauth.
func (s *Store) GetValidCredential(ctx context.Context, accountID string) (*Credential, error) {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	var result *Credential
	err := s.repo.Update(ctx, accountID, func(cur *Record) (*Record, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: no credential stored", ErrNeedsReauth)
		}
		tok, err := s.open(cur.Blob)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNeedsReauth, err)
		}

		if !s.expired(tok) {
			result = &Credential{AccountID: accountID, Token: tok, ExpiresAt: tok.Expiry}
			return nil, nil
		}
		if tok.RefreshToken == "" {
			return nil, fmt.Errorf("%w: token expired and no refresh token", ErrNeedsReauth)
		}

		fresh, err := s.refresher.Refresh(ctx, tok)
		if err != nil {
			return nil, fmt.Errorf("%w: refresh failed: %v", ErrNeedsReauth, err)
		}
		// 部分提供方刷新时不返回 refresh_token
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = tok.RefreshToken
		}

		rec, err := s.seal(accountID, fresh)
		if err != nil {
			return nil, err
		}
		s.logger.Info("credential refreshed",
			zap.String("account_id", accountID),
			zap.Time("expires_at", fresh.Expiry),
		)
		result = &Credential{AccountID: accountID, Token: fresh, ExpiresAt: fresh.Expiry}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Save seals and persists a credential, replacing any previous one.
func (s *Store) Save(ctx context.Context, cred Credential) error {
	if cred.Token == nil {
		return errors.New("credential: token is required")
	}
	l := s.accountLock(cred.AccountID)
	l.Lock()
	defer l.Unlock()

	rec, err := s.seal(cred.AccountID, cred.Token)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, *rec)
}

func (s *Store) expired(tok *oauth2.Token) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return !tok.Expiry.After(s.now().Add(s.skew))
}

func (s *Store) seal(accountID string, tok *oauth2.Token) (*Record, error) {
	plain, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("marshal token: %w", err)
	}
	blob, err := s.sealer.Seal(plain)
	if err != nil {
		return nil, err
	}
	rec := &Record{AccountID: accountID, Blob: blob}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		rec.ExpiresAt = &exp
	}
	return rec, nil
}

func (s *Store) open(blob []byte) (*oauth2.Token, error) {
	plain, err := s.sealer.Open(blob)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

// OAuthRefresher refreshes through a standard OAuth2 token endpoint.
type OAuthRefresher struct {
	cfg *oauth2.Config
}

func NewOAuthRefresher(clientID, clientSecret, tokenURL string, scopes []string) *OAuthRefresher {
	return &OAuthRefresher{cfg: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       scopes,
	}}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	// 只带 refresh_token，强制走刷新
	stale := &oauth2.Token{RefreshToken: tok.RefreshToken}
	return r.cfg.TokenSource(ctx, stale).Token()
}
