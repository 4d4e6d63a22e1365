package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mailagenda/contracts/db"
	"mailagenda/internal/credential"
	"mailagenda/internal/store"
)

// CredentialSaver is satisfied by *credential.Store.
type CredentialSaver interface {
	Save(ctx context.Context, cred credential.Credential) error
}

type AccountHandler struct {
	store  store.AccountStore
	creds  CredentialSaver
	logger *zap.Logger
}

func NewAccountHandler(st store.AccountStore, creds CredentialSaver, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{store: st, creds: creds, logger: logger}
}

// List 返回所有账户及其运行 / 重新授权状态
// GET /accounts
func (h *AccountHandler) List(c *gin.Context) {
	accounts, err := h.store.ListAccounts(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list accounts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// GET /accounts/:id
func (h *AccountHandler) Get(c *gin.Context) {
	a, err := h.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type saveCredentialRequest struct {
	Provider string        `json:"provider"`
	Address  string        `json:"address"`
	Token    *oauth2.Token `json:"token" binding:"required"`
}

// SaveCredential 保存新的授权信息（OAuth 同意流程之外完成），并清除 needs_reauth
// PUT /accounts/:id/credential
func (h *AccountHandler) SaveCredential(c *gin.Context) {
	accountID := c.Param("id")
	var req saveCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if req.Token.AccessToken == "" && req.Token.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token needs an access_token or a refresh_token"})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.UpsertAccount(ctx, db.Account{
		AccountID:     accountID,
		Provider:      req.Provider,
		Address:       req.Address,
		CredentialRef: accountID,
	}); err != nil {
		h.logger.Error("Failed to upsert account", zap.String("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save account"})
		return
	}

	if err := h.creds.Save(ctx, credential.Credential{
		AccountID: accountID,
		Token:     req.Token,
		ExpiresAt: req.Token.Expiry,
	}); err != nil {
		h.logger.Error("Failed to save credential", zap.String("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save credential"})
		return
	}

	if err := h.store.ClearNeedsReauth(ctx, accountID); err != nil {
		h.storeError(c, err)
		return
	}

	h.logger.Info("Credential saved", zap.String("account_id", accountID))
	c.JSON(http.StatusOK, gin.H{"status": "saved", "account_id": accountID})
}

// ClearReauth 人工确认授权已恢复
// POST /accounts/:id/reauth
func (h *AccountHandler) ClearReauth(c *gin.Context) {
	accountID := c.Param("id")
	if err := h.store.ClearNeedsReauth(c.Request.Context(), accountID); err != nil {
		h.storeError(c, err)
		return
	}
	h.logger.Info("Reauth flag cleared", zap.String("account_id", accountID))
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "account_id": accountID})
}

func (h *AccountHandler) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	h.logger.Error("Account store error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
