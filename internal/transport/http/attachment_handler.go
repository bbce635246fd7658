package httptransport

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailvault/backend/internal/storage"
)

// getAttachmentInfo 查询附件元数据，不含内容。
func (h *Handler) getAttachmentInfo(c *gin.Context) {
	attachment, err := h.attachments.GetMetadata(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrAttachmentNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgAttachmentReadFailed)
		return
	}

	Success(c, attachment)
}

// downloadAttachment 下载附件内容。
func (h *Handler) downloadAttachment(c *gin.Context) {
	attachment, err := h.attachments.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrAttachmentNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.logger.Error("failed to read attachment content",
			zap.String("attachment_id", c.Param("id")),
			zap.Error(err),
		)
		InternalError(c, MsgAttachmentReadFailed)
		return
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attachment.Filename))
	c.Header("Content-Length", strconv.Itoa(len(attachment.Content)))
	c.Data(200, contentType, attachment.Content)
}

// getStorageStats 汇报文件存储的占用情况。
func (h *Handler) getStorageStats(c *gin.Context) {
	stats, err := h.blobs.Stats()
	if err != nil {
		h.logger.Error("failed to collect storage stats", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, stats)
}
