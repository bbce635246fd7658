package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code int         `json:"code"`           // 业务状态码
	Msg  string      `json:"msg"`            // 中文提示信息
	Data interface{} `json:"data,omitempty"` // 数据载荷
}

// 业务状态码定义
const (
	CodeSuccess  = 200 // 成功
	CodeAccepted = 202 // 已受理

	CodeBadRequest = 400 // 请求参数错误
	CodeNotFound   = 404 // 资源不存在
	CodeConflict   = 409 // 资源冲突

	CodeInternalError = 500 // 服务器内部错误
	CodeBadGateway    = 502 // 上游（远端邮箱）不可达
)

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  "成功",
		Data: data,
	})
}

// Accepted 已受理响应（202），用于异步动作
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Code: CodeAccepted,
		Msg:  "已受理",
		Data: data,
	})
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{
		Code: CodeBadRequest,
		Msg:  msg,
	})
}

// NotFound 资源不存在错误（404）
func NotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, Response{
		Code: CodeNotFound,
		Msg:  msg,
	})
}

// Conflict 资源冲突错误（409）
func Conflict(c *gin.Context, msg string) {
	c.JSON(http.StatusConflict, Response{
		Code: CodeConflict,
		Msg:  msg,
	})
}

// InternalError 服务器内部错误（500）
func InternalError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, Response{
		Code: CodeInternalError,
		Msg:  msg,
	})
}

// BadGateway 远端邮箱不可达（502）
func BadGateway(c *gin.Context, msg string) {
	c.JSON(http.StatusBadGateway, Response{
		Code: CodeBadGateway,
		Msg:  msg,
	})
}
