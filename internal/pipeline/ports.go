package pipeline

import (
	"context"

	"mailagenda/contracts/db"
	"mailagenda/internal/credential"
	"mailagenda/internal/mail"
	"mailagenda/internal/model"
)

type MailSource interface {
	ListUnread(ctx context.Context, account db.Account, cred *credential.Credential, limit int) ([]string, error)
	GetMessage(ctx context.Context, account db.Account, cred *credential.Credential, id string) (*mail.Fetched, error)
	MarkRead(ctx context.Context, account db.Account, cred *credential.Credential, id string) error
}

type CredentialProvider interface {
	GetValidCredential(ctx context.Context, accountID string) (*credential.Credential, error)
}

type Classifier interface {
	Score(ctx context.Context, text string) (model.Score, error)
}

// Extractor returns nil when the text holds no event.
type Extractor interface {
	Extract(ctx context.Context, text string) (*model.EventPayload, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

type CalendarSink interface {
	CreateEvent(ctx context.Context, account db.Account, cred *credential.Credential, payload model.EventPayload, idempotencyKey string) (string, error)
}

// InflightMarker records that a calendar call for a key has started.
// AcquireOnce returns false when the marker already existed.
type InflightMarker interface {
	AcquireOnce(ctx context.Context, handler, key string) bool
	Release(ctx context.Context, handler, key string) error
}
