package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailvault/backend/internal/service"
	"mailvault/backend/internal/storage"
)

type triggerSyncRequest struct {
	Owner           string `json:"owner"`
	MaxMessages     int    `json:"maxMessages"`
	ForceFullRescan bool   `json:"forceFullRescan"`
}

// triggerSync 手动触发一次同步周期。
func (h *Handler) triggerSync(c *gin.Context) {
	var req triggerSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	owner := req.Owner
	if owner == "" {
		owner = ownerID(c)
	}
	if owner == "" {
		BadRequest(c, MsgMissingOwner)
		return
	}

	account, err := h.accounts.Get(owner)
	if err != nil {
		NotFound(c, GetErrorMessage(err))
		return
	}

	result, err := h.sync.Sync(c.Request.Context(), service.SyncInput{
		OwnerID:         account.OwnerID,
		Settings:        service.AccountSettings(*account),
		MaxMessages:     req.MaxMessages,
		ForceFullRescan: req.ForceFullRescan,
	})
	if err != nil {
		var connErr *service.ConnectivityError
		switch {
		case errors.Is(err, service.ErrSyncInProgress):
			Conflict(c, GetErrorMessage(service.ErrSyncInProgress))
		case errors.As(err, &connErr):
			BadGateway(c, MsgSyncUnreachable)
		default:
			h.logger.Error("sync cycle failed",
				zap.String("owner_id", owner),
				zap.Error(err),
			)
			InternalError(c, MsgSyncFailed)
		}
		return
	}

	Success(c, result)
}

// getSyncCursor 查询账户的同步进度。
func (h *Handler) getSyncCursor(c *gin.Context) {
	owner := ownerID(c)
	if owner == "" {
		BadRequest(c, MsgMissingOwner)
		return
	}

	cursor, err := h.sync.Cursor(owner)
	if err != nil {
		if errors.Is(err, storage.ErrCursorNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgCursorGetFailed)
		return
	}

	Success(c, cursor)
}
