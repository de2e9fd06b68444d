// Package handlers - read-only admin API.
//
// These endpoints back the operator dashboard: which channels a workspace
// connection tracks (and whether any are parked over quota), and which
// conversations a channel has correlated to tickets. Listings are paginated
// with page/limit query parameters.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/threadsync/go-ticket-bridge/internal/repo"
	"github.com/threadsync/go-ticket-bridge/internal/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// AdminHandler serves the read-only admin endpoints.
type AdminHandler struct {
	DB *gorm.DB
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(db *gorm.DB) *AdminHandler {
	return &AdminHandler{DB: db}
}

// PageResponse is the envelope for paginated listings.
type PageResponse struct {
	Items any   `json:"items"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

// pageParams reads page/limit query parameters with clamping.
func pageParams(c *gin.Context) (page, limit, offset int) {
	return utils.NormalizePage(c.Query("page"), c.Query("limit"), defaultPageSize, maxPageSize)
}

// ListChannels handles GET /api/v1/connections/:id/channels.
func (h *AdminHandler) ListChannels(c *gin.Context) {
	ctx := c.Request.Context()
	connID := c.Param("id")

	if _, err := repo.GetConnection(ctx, h.DB, connID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "connection not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not load connection")
		return
	}

	page, limit, offset := pageParams(c)
	channels, err := repo.ListChannelsPage(ctx, h.DB, connID, offset, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list channels")
		return
	}
	total, err := repo.CountChannels(ctx, h.DB, connID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not count channels")
		return
	}

	ok(c, http.StatusOK, PageResponse{Items: channels, Page: page, Limit: limit, Total: total})
}

// ListConversations handles GET /api/v1/channels/:id/conversations.
func (h *AdminHandler) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	channelID := c.Param("id")

	if _, err := repo.GetChannel(ctx, h.DB, channelID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "channel not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not load channel")
		return
	}

	page, limit, offset := pageParams(c)
	convs, err := repo.ListConversationsPage(ctx, h.DB, channelID, offset, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list conversations")
		return
	}
	total, err := repo.CountConversations(ctx, h.DB, channelID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not count conversations")
		return
	}

	ok(c, http.StatusOK, PageResponse{Items: convs, Page: page, Limit: limit, Total: total})
}
