package httptransport

import (
	"mailvault/backend/internal/service"
	"mailvault/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	// 存储错误
	storage.ErrMessageNotFound:      "邮件不存在",
	storage.ErrAttachmentNotFound:   "附件不存在",
	storage.ErrDeletionItemNotFound: "清除任务不存在",
	storage.ErrCursorNotFound:       "尚无同步记录",
	storage.ErrAttachmentReferenced: "附件仍被邮件引用",

	// 同步错误
	service.ErrSyncInProgress:  "该账户已有同步正在进行",
	service.ErrAccountNotFound: "账户不存在",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	return err.Error()
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest  = "请求参数格式错误"
	MsgMissingOwner    = "缺少账户标识"
	MsgInvalidState    = "邮件状态取值无效"
	MsgEmptyIDList     = "ID 列表不能为空"
	MsgInvalidPageSize = "分页参数无效"

	// 同步相关
	MsgSyncFailed      = "同步失败"
	MsgSyncUnreachable = "远端邮箱不可达"
	MsgCursorGetFailed = "获取同步进度失败"

	// 邮件相关
	MsgMessageListFailed   = "获取邮件列表失败"
	MsgMessageGetFailed    = "获取邮件详情失败"
	MsgMessageFlagFailed   = "更新邮件标记失败"
	MsgMessageDeleteFailed = "删除邮件失败"

	// 附件相关
	MsgAttachmentReadFailed = "读取附件失败"

	// 清除队列相关
	MsgDeletionBatchFailed = "处理清除批次失败"
	MsgDeletionListFailed  = "获取清除任务列表失败"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
