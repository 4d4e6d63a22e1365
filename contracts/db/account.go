package db

import "time"

// Account 表示 accounts 表的完整结构
type Account struct {
	AccountID     string     `json:"account_id"`
	Provider      string     `json:"provider"`
	Address       string     `json:"address"`
	CredentialRef string     `json:"credential_ref"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	RunInProgress bool       `json:"run_in_progress"`
	RunStartedAt  *time.Time `json:"run_started_at,omitempty"`
	NeedsReauth   bool       `json:"needs_reauth"`
	ReauthReason  string     `json:"reauth_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
