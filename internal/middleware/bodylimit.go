package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// DefaultBodyLimit 默认请求体大小限制
	DefaultBodyLimit = 1 * 1024 * 1024 // 1MB
)

// BodySizeLimit 限制请求体大小的中间件
//
// 本服务的写入来自 IMAP 同步，HTTP 入口只接收小的控制类请求体
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "Request body too large",
				"message": fmt.Sprintf("Request body exceeds maximum size of %d bytes", maxBytes),
				"limit":   maxBytes,
				"size":    c.Request.ContentLength,
			})
			c.Abort()
			return
		}

		// Content-Length 可能缺失或说谎，读取阶段再兜底一次
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Header("X-Max-Body-Size", strconv.FormatInt(maxBytes, 10))

		c.Next()
	}
}
