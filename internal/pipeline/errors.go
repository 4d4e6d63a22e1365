package pipeline

import (
	"errors"
	"fmt"
	"net/http"

	"mailagenda/internal/credential"
	"mailagenda/internal/model"
	"mailagenda/pkg/util"
)

// Kind classifies a failure by how the pipeline reacts to it.
type Kind int

const (
	// KindTransient aborts the message; the next tick retries it.
	KindTransient Kind = iota + 1
	// KindMalformed degrades: no event, or an empty summary. Covers
	// undecodable output and 4xx rejections of the input (StatusError.Rejected).
	KindMalformed
	// KindCredential aborts the run and flags the account for reauth. Only
	// the credential store produces it.
	KindCredential
	// KindStateStore halts the message before mark-read.
	KindStateStore
	// KindDuplicateRisk is logged and counted, never corrected.
	KindDuplicateRisk
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindCredential:
		return "credential"
	case KindStateStore:
		return "state_store"
	case KindDuplicateRisk:
		return "duplicate_risk"
	default:
		return "unknown"
	}
}

const (
	StageAccount    = "account"
	StageCredential = "credential"
	StageList       = "list"
	StageFetch      = "fetch"
	StageClassify   = "classify"
	StageExtract    = "extract"
	StageSummarize  = "summarize"
	StageCalendar   = "calendar"
	StageCache      = "event_cache"
	StageCommit     = "commit"
	StageMarkRead   = "mark_read"
)

// StageError is a failure attributed to one stage, and message when known.
type StageError struct {
	Stage     string
	Kind      Kind
	MessageID string
	Err       error
}

func (e *StageError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s [%s] message %s: %v", e.Stage, e.Kind, e.MessageID, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// KindOf classifies an arbitrary error.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, credential.ErrNeedsReauth) {
		return KindCredential
	}
	if errors.Is(err, model.ErrMalformed) {
		return KindMalformed
	}
	if _, reason := util.IsRetryableError(err); reason == "json_decode_error" {
		return KindMalformed
	}
	var status *util.StatusError
	if errors.As(err, &status) && status.Rejected() {
		// 同样的输入重试也不会成功，按降级处理
		return KindMalformed
	}
	// 其余错误一律视为暂时性：消息保持 unprocessed，由下一次 tick 重试
	return KindTransient
}

// IsUnauthorized reports an access token rejected by a remote API. It only
// means the credential store has to be asked again, not that the account
// needs a human.
func IsUnauthorized(err error) bool {
	var status *util.StatusError
	return errors.As(err, &status) && status.StatusCode == http.StatusUnauthorized
}

// abortsRun reports whether err stops the whole account run.
func abortsRun(err error) bool {
	return KindOf(err) == KindCredential || IsUnauthorized(err)
}

func stageErr(stage, messageID string, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, MessageID: messageID, Err: err}
}
