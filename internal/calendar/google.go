// Package calendar turns extracted event payloads into Google Calendar
// entries.
package calendar

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	calendarapi "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailagenda/contracts/db"
	"mailagenda/internal/credential"
	"mailagenda/internal/model"
	"mailagenda/pkg/metrics"
	"mailagenda/pkg/util"
)

type Config struct {
	CalendarID string
	TimeZone   string
	Timeout    time.Duration
}

// GoogleSink creates events with a deterministic id derived from the
// idempotency key, so a repeated insert is answered with 409 and resolved
// to the existing event.
type GoogleSink struct {
	cfg    Config
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger
	opts   []option.ClientOption
}

func NewGoogleSink(cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*GoogleSink, error) {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("calendar time zone %q: %w", cfg.TimeZone, err)
	}
	return &GoogleSink{cfg: cfg, loc: loc, now: time.Now, logger: logger, opts: opts}, nil
}

// EventID maps an idempotency key to a valid Google Calendar event id
// (base32hex alphabet, lower case).
func EventID(idempotencyKey string) string {
	sum := sha1.Sum([]byte(idempotencyKey))
	return strings.ToLower(base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:]))
}

func (s *GoogleSink) service(ctx context.Context, cred *credential.Credential) (*calendarapi.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(cred.Token)),
	}, s.opts...)
	return calendarapi.NewService(ctx, opts...)
}

func (s *GoogleSink) CreateEvent(ctx context.Context, account db.Account, cred *credential.Credential, payload model.EventPayload, idempotencyKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	svc, err := s.service(ctx, cred)
	if err != nil {
		return "", err
	}

	id := EventID(idempotencyKey)
	ev := s.toAPIEvent(Normalize(payload, s.now(), s.loc))
	ev.Id = id

	created, err := svc.Events.Insert(s.cfg.CalendarID, ev).Context(ctx).Do()
	if err == nil {
		metrics.CalendarEventsCreated.Inc()
		return calendarRef(created), nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
		existing, getErr := svc.Events.Get(s.cfg.CalendarID, id).Context(ctx).Do()
		if getErr != nil {
			return "", apiError("calendar get", getErr)
		}
		s.logger.Info("calendar event already exists",
			zap.String("account_id", account.AccountID),
			zap.String("event_id", id),
		)
		return calendarRef(existing), nil
	}
	return "", apiError("calendar insert", err)
}

func calendarRef(ev *calendarapi.Event) string {
	if ev.HtmlLink != "" {
		return ev.HtmlLink
	}
	return ev.Id
}

func (s *GoogleSink) toAPIEvent(e Event) *calendarapi.Event {
	out := &calendarapi.Event{
		Summary:     e.Summary,
		Location:    e.Location,
		Description: e.Description,
		Reminders: &calendarapi.EventReminders{
			UseDefault: false,
			Overrides: []*calendarapi.EventReminder{
				{Method: "email", Minutes: 24 * 60},
				{Method: "popup", Minutes: 30},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
	if e.AllDay {
		out.Start = &calendarapi.EventDateTime{Date: e.Start.Format("2006-01-02")}
		out.End = &calendarapi.EventDateTime{Date: e.End.Format("2006-01-02")}
		return out
	}
	out.Start = &calendarapi.EventDateTime{DateTime: e.Start.Format(time.RFC3339), TimeZone: s.cfg.TimeZone}
	out.End = &calendarapi.EventDateTime{DateTime: e.End.Format(time.RFC3339), TimeZone: s.cfg.TimeZone}
	return out
}

func apiError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Errorf("%s: %w", op, &util.StatusError{Service: "calendar", StatusCode: gerr.Code})
	}
	return fmt.Errorf("%s: %w", op, err)
}
