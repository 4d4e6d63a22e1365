package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailagenda/contracts/db"
	"mailagenda/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// MessageReader is the read side of the state store used for history.
type MessageReader interface {
	GetAccount(ctx context.Context, accountID string) (*db.Account, error)
	ListMessages(ctx context.Context, accountID string, f store.MessageFilter) ([]db.Message, error)
	MessageStats(ctx context.Context, accountID string) (store.MessageStats, error)
}

type MessageHandler struct {
	store  MessageReader
	logger *zap.Logger
}

func NewMessageHandler(st MessageReader, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{store: st, logger: logger}
}

type messageView struct {
	MessageID   string     `json:"message_id"`
	Subject     string     `json:"subject"`
	Sender      string     `json:"sender"`
	Status      string     `json:"status"`
	Category    string     `json:"category"`
	Confidence  float64    `json:"confidence"`
	EventRef    string     `json:"event_ref,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// List 返回处理历史（分类、摘要、日历链接），最新的在前
// GET /accounts/:id/messages?status=&category=&limit=
func (h *MessageHandler) List(c *gin.Context) {
	accountID := c.Param("id")

	f := store.MessageFilter{
		Status:   c.Query("status"),
		Category: c.Query("category"),
		Limit:    defaultHistoryLimit,
	}
	switch f.Status {
	case "", db.StatusUnprocessed, db.StatusProcessed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status parameter"})
		return
	}
	if f.Category != "" && !db.IsTerminalCategory(f.Category) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category parameter"})
		return
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		f.Limit = n
	}

	if !h.accountExists(c, accountID) {
		return
	}
	msgs, err := h.store.ListMessages(c.Request.Context(), accountID, f)
	if err != nil {
		h.logger.Error("Failed to list messages", zap.String("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView{
			MessageID:   m.MessageID,
			Subject:     m.Subject,
			Sender:      m.Sender,
			Status:      m.Status,
			Category:    m.Category,
			Confidence:  m.Confidence,
			EventRef:    m.EventRef,
			Summary:     m.Summary,
			FetchedAt:   m.FetchedAt,
			ProcessedAt: m.ProcessedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "messages": out})
}

// Stats 按分类统计
// GET /accounts/:id/stats
func (h *MessageHandler) Stats(c *gin.Context) {
	accountID := c.Param("id")
	if !h.accountExists(c, accountID) {
		return
	}
	stats, err := h.store.MessageStats(c.Request.Context(), accountID)
	if err != nil {
		h.logger.Error("Failed to compute message stats", zap.String("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "stats": stats})
}

func (h *MessageHandler) accountExists(c *gin.Context, accountID string) bool {
	_, err := h.store.GetAccount(c.Request.Context(), accountID)
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return false
	}
	h.logger.Error("Account store error", zap.String("account_id", accountID), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	return false
}
