package httptransport

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/storage"
)

type messageIDsRequest struct {
	IDs []string `json:"ids"`
}

type starRequest struct {
	Starred bool `json:"starred"`
}

// listMessages 分页列出归属方的邮件。
// 支持 ?state=active|soft_deleted 过滤，默认只看活跃邮件。
func (h *Handler) listMessages(c *gin.Context) {
	owner := ownerID(c)
	if owner == "" {
		BadRequest(c, MsgMissingOwner)
		return
	}

	state := domain.MessageState(c.DefaultQuery("state", string(domain.MessageStateActive)))
	switch state {
	case domain.MessageStateActive, domain.MessageStateSoftDeleted, domain.MessageStatePurging:
	default:
		BadRequest(c, MsgInvalidState)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if page < 1 || pageSize < 1 || pageSize > 100 {
		BadRequest(c, MsgInvalidPageSize)
		return
	}

	messages, total, err := h.messages.List(owner, state, page, pageSize)
	if err != nil {
		h.logger.Error("failed to list messages",
			zap.String("owner_id", owner),
			zap.Error(err),
		)
		InternalError(c, MsgMessageListFailed)
		return
	}

	Success(c, gin.H{
		"messages": messages,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// getMessage 获取单封邮件详情，含正文与附件元数据。
func (h *Handler) getMessage(c *gin.Context) {
	owner := ownerID(c)
	if owner == "" {
		BadRequest(c, MsgMissingOwner)
		return
	}

	message, err := h.messages.Get(owner, c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.logger.Error("failed to get message",
			zap.String("owner_id", owner),
			zap.String("message_id", c.Param("id")),
			zap.Error(err),
		)
		InternalError(c, MsgMessageGetFailed)
		return
	}

	Success(c, message)
}

// markMessageRead 将邮件标记为已读。
func (h *Handler) markMessageRead(c *gin.Context) {
	owner := ownerID(c)
	if owner == "" {
		BadRequest(c, MsgMissingOwner)
		return
	}

	if err := h.messages.MarkRead(owner, c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgMessageFlagFailed)
		return
	}

	Success(c, nil)
}

// markMessageStarred 设置或取消邮件星标。
func (h *Handler) markMessageStarred(c *gin.Context) {
	owner := ownerID(c)
	if owner == "" {
		BadRequest(c, MsgMissingOwner)
		return
	}

	var req starRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.messages.MarkStarred(owner, c.Param("id"), req.Starred); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgMessageFlagFailed)
		return
	}

	Success(c, nil)
}

// requestDelete 软删一批邮件，保留窗口结束后物理清除。
func (h *Handler) requestDelete(c *gin.Context) {
	h.batchAction(c, h.messages.RequestDelete)
}

// requestRestore 恢复保留窗口内的软删邮件。
func (h *Handler) requestRestore(c *gin.Context) {
	h.batchAction(c, h.messages.RequestRestore)
}

// requestPurge 跳过保留窗口，立即安排物理清除。
func (h *Handler) requestPurge(c *gin.Context) {
	h.batchAction(c, h.messages.RequestPurge)
}

// batchAction 三个批量生命周期操作共用的请求解析与应答。
func (h *Handler) batchAction(c *gin.Context, action func(ownerID string, ids []string) (*domain.ActionResult, error)) {
	owner := ownerID(c)
	if owner == "" {
		BadRequest(c, MsgMissingOwner)
		return
	}

	var req messageIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if len(req.IDs) == 0 {
		BadRequest(c, MsgEmptyIDList)
		return
	}

	result, err := action(owner, req.IDs)
	if err != nil {
		h.logger.Error("failed to apply message batch action",
			zap.String("owner_id", owner),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		InternalError(c, MsgMessageDeleteFailed)
		return
	}

	Accepted(c, result)
}
