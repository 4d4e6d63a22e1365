// Package imap reads mailboxes over IMAP. Message ids are folder UIDs.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"mailagenda/contracts/db"
	"mailagenda/internal/credential"
	"mailagenda/internal/mail"
	"mailagenda/pkg/util"
)

// TokenTypePassword marks a credential whose access token is an app password.
const TokenTypePassword = "password"

type Config struct {
	Host    string
	Port    int
	TLS     bool
	Folder  string
	Timeout time.Duration
}

type Source struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Source {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	return &Source{cfg: cfg, logger: logger}
}

// connect dials, authenticates and selects the folder. The connection
// deadline follows ctx, bounded by the configured timeout.
func (s *Source) connect(ctx context.Context, account db.Account, cred *credential.Credential) (*imapclient.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := &net.Dialer{Deadline: deadline}
	var conn net.Conn
	var err error
	if s.cfg.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}
	_ = conn.SetDeadline(deadline)

	client := imapclient.New(conn, nil)

	if cred.Token.TokenType == TokenTypePassword {
		err = client.Login(account.Address, cred.Token.AccessToken).Wait()
	} else {
		err = client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: account.Address,
			Token:    cred.Token.AccessToken,
			Host:     s.cfg.Host,
			Port:     s.cfg.Port,
		}))
	}
	if err != nil {
		client.Close()
		return nil, authError(account, cred, err)
	}

	if _, err := client.Select(s.cfg.Folder, nil).Wait(); err != nil {
		s.close(client)
		return nil, fmt.Errorf("imap select %s: %w", s.cfg.Folder, err)
	}
	return client, nil
}

// authError maps an AUTHENTICATE/LOGIN failure. Only a NO from the server
// counts as a rejected credential; transport errors stay plain. A rejected
// OAuth token is reported as a 401 so the caller can ask the credential
// store for a fresh one, while a rejected app password needs a human.
func authError(account db.Account, cred *credential.Credential, err error) error {
	var ierr *imap.Error
	if !errors.As(err, &ierr) || ierr.Type != imap.StatusResponseTypeNo {
		return fmt.Errorf("imap auth %s: %w", account.Address, err)
	}
	if cred.Token.TokenType == TokenTypePassword {
		return fmt.Errorf("imap auth %s: %w: %v", account.Address, credential.ErrNeedsReauth, err)
	}
	return fmt.Errorf("imap auth %s: %w: %v", account.Address, &util.StatusError{Service: "imap", StatusCode: http.StatusUnauthorized}, err)
}

func (s *Source) close(client *imapclient.Client) {
	if err := client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", zap.Error(err))
	}
	client.Close()
}

func (s *Source) ListUnread(ctx context.Context, account db.Account, cred *credential.Credential, limit int) ([]string, error) {
	client, err := s.connect(ctx, account, cred)
	if err != nil {
		return nil, err
	}
	defer s.close(client)

	data, err := client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}

	uids := data.AllUIDs()
	// 最早的未读先处理
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid imap message id %q: %w", id, err)
	}
	return imap.UID(n), nil
}

func (s *Source) GetMessage(ctx context.Context, account db.Account, cred *credential.Credential, id string) (*mail.Fetched, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}
	client, err := s.connect(ctx, account, cred)
	if err != nil {
		return nil, err
	}
	defer s.close(client)

	// Peek keeps \Seen untouched until MarkRead
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("imap message uid %d not found", uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	f, err := parseMessage(buf.FindBodySection(bodySection))
	var undecodable *mail.UndecodableError
	switch {
	case errors.As(err, &undecodable):
		f = undecodable.Fetched
	case err != nil:
		return nil, err
	}
	f.ID = id
	if buf.Envelope != nil {
		if f.Subject == "" {
			f.Subject = buf.Envelope.Subject
		}
		if f.ReceivedAt.IsZero() {
			f.ReceivedAt = buf.Envelope.Date
		}
	}
	if undecodable != nil {
		return nil, undecodable
	}
	return f, nil
}

func (s *Source) MarkRead(ctx context.Context, account db.Account, cred *credential.Credential, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	client, err := s.connect(ctx, account, cred)
	if err != nil {
		return err
	}
	defer s.close(client)

	return client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
}

// parseMessage reads an RFC 5322 message. Parts are read sequentially and
// capped at mail.MaxParts.
func parseMessage(raw []byte) (*mail.Fetched, error) {
	if len(raw) == 0 {
		return nil, errors.New("imap: empty message body")
	}
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return &mail.Fetched{Body: string(raw), Headers: map[string]string{}}, nil
	}
	defer mr.Close()

	f := &mail.Fetched{Headers: make(map[string]string)}
	fields := mr.Header.Fields()
	for fields.Next() {
		f.Headers[fields.Key()] = fields.Value()
	}
	if subject, err := mr.Header.Subject(); err == nil {
		f.Subject = subject
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		f.Sender = from[0].Address
	}
	if date, err := mr.Header.Date(); err == nil {
		f.ReceivedAt = date
	}

	var plain, html string
	for i := 0; i < mail.MaxParts; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if plain == "" && html == "" {
				return nil, &mail.UndecodableError{Fetched: f, Err: fmt.Errorf("next part: %w", err)}
			}
			// 已读到完整的正文部分，后续结构损坏不影响
			break
		}
		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		isPlain := strings.HasPrefix(contentType, "text/plain") && plain == ""
		isHTML := strings.HasPrefix(contentType, "text/html") && html == ""
		if !isPlain && !isHTML {
			continue
		}
		b, err := io.ReadAll(part.Body)
		if err != nil {
			// 不使用读了一半的正文
			return nil, &mail.UndecodableError{Fetched: f, Err: fmt.Errorf("read %s part: %w", contentType, err)}
		}
		if isPlain {
			plain = string(b)
		} else {
			html = string(b)
		}
	}
	f.Body = mail.PickBody(plain, html)
	return f, nil
}
