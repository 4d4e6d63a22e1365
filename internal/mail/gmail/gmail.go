// Package gmail reads mailboxes through the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailagenda/contracts/db"
	"mailagenda/internal/credential"
	"mailagenda/internal/mail"
	"mailagenda/pkg/util"
)

const (
	user        = "me"
	unreadQuery = "is:unread in:inbox"
	labelUnread = "UNREAD"
)

type Source struct {
	timeout time.Duration
	logger  *zap.Logger
	opts    []option.ClientOption
}

// New creates a Gmail source. Extra client options are appended to the
// per-account token source (e.g. a test endpoint).
func New(timeout time.Duration, logger *zap.Logger, opts ...option.ClientOption) *Source {
	return &Source{timeout: timeout, logger: logger, opts: opts}
}

func (s *Source) service(ctx context.Context, cred *credential.Credential) (*gmailapi.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(cred.Token)),
	}, s.opts...)
	return gmailapi.NewService(ctx, opts...)
}

func (s *Source) ListUnread(ctx context.Context, account db.Account, cred *credential.Credential, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	svc, err := s.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Users.Messages.List(user).Q(unreadQuery).MaxResults(int64(limit)).Context(ctx).Do()
	if err != nil {
		return nil, apiError("gmail list", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

func (s *Source) GetMessage(ctx context.Context, account db.Account, cred *credential.Credential, id string) (*mail.Fetched, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	svc, err := s.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	msg, err := svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, apiError("gmail get", err)
	}

	f := &mail.Fetched{ID: msg.Id, Headers: make(map[string]string)}
	if msg.InternalDate > 0 {
		f.ReceivedAt = time.UnixMilli(msg.InternalDate)
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			f.Headers[h.Name] = h.Value
			switch strings.ToLower(h.Name) {
			case "subject":
				f.Subject = h.Value
			case "from":
				f.Sender = h.Value
			}
		}
		plain, html, truncated := extractBody(msg.Payload)
		if truncated {
			s.logger.Warn("message part limit reached",
				zap.String("account_id", account.AccountID),
				zap.String("message_id", id),
			)
		}
		f.Body = mail.PickBody(plain, html)
	}
	if f.Body == "" {
		f.Body = msg.Snippet
	}
	return f, nil
}

func (s *Source) MarkRead(ctx context.Context, account db.Account, cred *credential.Credential, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	svc, err := s.service(ctx, cred)
	if err != nil {
		return err
	}
	_, err = svc.Users.Messages.Modify(user, id, &gmailapi.ModifyMessageRequest{
		RemoveLabelIds: []string{labelUnread},
	}).Context(ctx).Do()
	if err != nil {
		return apiError("gmail modify", err)
	}
	return nil
}

// extractBody walks the part tree with an explicit stack, visiting at most
// mail.MaxParts parts. First text/plain and first text/html win.
func extractBody(root *gmailapi.MessagePart) (plain, html string, truncated bool) {
	stack := []*gmailapi.MessagePart{root}
	visited := 0
	for len(stack) > 0 {
		if visited >= mail.MaxParts {
			return plain, html, true
		}
		part := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if part == nil {
			continue
		}
		visited++

		if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
			switch {
			case strings.HasPrefix(part.MimeType, "text/plain") && plain == "":
				plain = decodeData(part.Body.Data)
			case strings.HasPrefix(part.MimeType, "text/html") && html == "":
				html = decodeData(part.Body.Data)
			}
		}
		// 逆序压栈，保持文档顺序
		for i := len(part.Parts) - 1; i >= 0; i-- {
			stack = append(stack, part.Parts[i])
		}
	}
	return plain, html, false
}

func decodeData(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

func apiError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Errorf("%s: %w", op, &util.StatusError{Service: "gmail", StatusCode: gerr.Code})
	}
	return fmt.Errorf("%s: %w", op, err)
}
