package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type processBatchRequest struct {
	BatchSize int `json:"batchSize"`
}

// processDeletionBatch 手动执行一轮到期清除任务。
// 常规清除由后台扫描驱动，这个入口用于运维催促或排障。
func (h *Handler) processDeletionBatch(c *gin.Context) {
	var req processBatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	result, err := h.deletions.ProcessBatch(c.Request.Context(), req.BatchSize)
	if err != nil {
		h.logger.Error("failed to process deletion batch", zap.Error(err))
		InternalError(c, MsgDeletionBatchFailed)
		return
	}

	Success(c, result)
}

// listFailedDeletions 列出进入终态失败、需要人工介入的清除任务。
func (h *Handler) listFailedDeletions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		BadRequest(c, MsgInvalidPageSize)
		return
	}

	items, err := h.deletions.ListFailed(limit)
	if err != nil {
		h.logger.Error("failed to list failed deletions", zap.Error(err))
		InternalError(c, MsgDeletionListFailed)
		return
	}

	Success(c, gin.H{
		"items": items,
		"count": len(items),
	})
}
