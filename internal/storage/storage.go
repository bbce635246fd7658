package storage

import (
	"errors"
	"time"

	"mailvault/backend/internal/domain"
)

var (
	// ErrMessageNotFound 邮件未找到错误
	ErrMessageNotFound = errors.New("message not found")
	// ErrAttachmentNotFound 附件未找到错误
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrDeletionItemNotFound 删除任务未找到错误
	ErrDeletionItemNotFound = errors.New("deletion queue item not found")
	// ErrCursorNotFound 同步游标未找到错误
	ErrCursorNotFound = errors.New("sync cursor not found")
	// ErrAttachmentReferenced 附件仍被邮件引用，不可物理删除
	ErrAttachmentReferenced = errors.New("attachment still referenced")
)

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	// InsertMessage 原子写入邮件及其附件关联。
	// 同所有者下 RemoteUID 已存在时整体不落盘，返回 false 且不报错。
	InsertMessage(message *domain.Message, links []domain.MessageAttachment) (bool, error)
	MessageExists(ownerID string, remoteUID uint32) (bool, error)
	GetMessage(ownerID, messageID string) (*domain.Message, error)
	ListMessages(ownerID string, state domain.MessageState, page, pageSize int) ([]domain.Message, int, error)
	MarkMessageRead(ownerID, messageID string) error
	MarkMessageStarred(ownerID, messageID string, starred bool) error
	// MarkMessagesDeleted active → soft_deleted，返回实际生效的邮件ID。
	MarkMessagesDeleted(ownerID string, messageIDs []string) ([]string, error)
	// RestoreMessages soft_deleted → active，返回实际生效的邮件ID。
	RestoreMessages(ownerID string, messageIDs []string) ([]string, error)
	// MarkMessagesPurging soft_deleted → purging，返回实际生效的邮件ID。
	MarkMessagesPurging(ownerID string, messageIDs []string) ([]string, error)
	// PurgeMessage 物理删除邮件行与附件关联，返回原先引用的附件ID（去重后）。
	// 邮件不存在时返回 ErrMessageNotFound，调用方据此做幂等处理。
	PurgeMessage(messageID string) ([]string, error)
}

// AttachmentRepository 定义附件元数据存取操作。
type AttachmentRepository interface {
	SaveAttachment(attachment *domain.Attachment) error
	GetAttachment(id string) (*domain.Attachment, error)
	GetAttachmentByHash(contentHash string) (*domain.Attachment, error)
	ListAttachmentsByMessage(messageID string) ([]*domain.Attachment, error)
	TouchAttachment(id string, at time.Time) error
	// CountLiveReferences 统计仍有邮件行引用该附件的关联数。
	CountLiveReferences(attachmentID string) (int, error)
	// PurgeAttachment 物理删除附件记录。仍被引用时返回 ErrAttachmentReferenced。
	PurgeAttachment(id string) error
}

// DeletionQueueRepository 定义延迟删除队列操作。
type DeletionQueueRepository interface {
	// EnqueueDeletion 入队删除任务。同目标已有未终态任务时不重复入队，返回 false。
	EnqueueDeletion(item *domain.DeletionQueueItem) (bool, error)
	// ClaimDueDeletions 认领到期任务并置为 processing。
	// 同一条任务不会被两个并发调用同时认领。
	ClaimDueDeletions(limit int, now time.Time) ([]domain.DeletionQueueItem, error)
	CompleteDeletion(id string, at time.Time) error
	// FailDeletion 记录一次失败。retryAt 非空时重新排期，否则进入终态 failed。
	FailDeletion(id string, reason string, at time.Time, retryAt *time.Time) error
	// CancelPendingDeletions 作废目标的未终态任务，返回作废数量。
	CancelPendingDeletions(kind domain.DeletionKind, targetIDs []string) (int, error)
	ListFailedDeletions(limit int) ([]domain.DeletionQueueItem, error)
	CountDueDeletions(now time.Time) (int, error)
	CountFailedDeletions() (int, error)
}

// SyncCursorRepository 定义同步游标存取操作。
type SyncCursorRepository interface {
	GetSyncCursor(ownerID string) (*domain.SyncCursor, error)
	SaveSyncCursor(cursor *domain.SyncCursor) error
}

// SyncLocker 定义同步互斥锁操作。
// 可选能力：支持的存储实现保证同一所有者同时只有一个同步周期在跑。
type SyncLocker interface {
	AcquireSyncLock(ownerID string, ttl time.Duration) (bool, error)
	ReleaseSyncLock(ownerID string) error
}

// Store 定义完整的存储接口。
type Store interface {
	MessageRepository
	AttachmentRepository
	DeletionQueueRepository
	SyncCursorRepository

	// 工具方法
	Close() error
	Health() error
}
