package domain

import "time"

// DeletionKind 删除任务的目标类型
type DeletionKind string

const (
	DeletionKindMessage    DeletionKind = "message"    // 物理删除邮件行及其关联
	DeletionKindAttachment DeletionKind = "attachment" // 物理删除附件记录与文件内容
)

// DeletionStatus 删除任务状态
type DeletionStatus string

const (
	DeletionStatusPending    DeletionStatus = "pending"    // 等待到期执行
	DeletionStatusProcessing DeletionStatus = "processing" // 已被工作协程认领
	DeletionStatusCompleted  DeletionStatus = "completed"  // 执行成功
	DeletionStatusFailed     DeletionStatus = "failed"     // 重试次数耗尽，终态
	DeletionStatusCancelled  DeletionStatus = "cancelled"  // 目标被恢复，任务作废
)

// Terminal 报告该状态是否为终态。终态任务不再参与调度。
func (s DeletionStatus) Terminal() bool {
	return s == DeletionStatusCompleted || s == DeletionStatusFailed || s == DeletionStatusCancelled
}

// DeletionQueueItem 表示一条持久化的延迟删除任务。
// 进程重启后队列内容不丢失，靠 ScheduledFor 决定何时可被认领。
type DeletionQueueItem struct {
	ID            string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Kind          DeletionKind   `json:"kind" gorm:"type:varchar(20);not null;index:idx_deletion_kind_target"`
	TargetID      string         `json:"targetId" gorm:"type:varchar(36);not null;index:idx_deletion_kind_target"`
	Status        DeletionStatus `json:"status" gorm:"type:varchar(20);default:pending;index:idx_deletion_due"`
	ScheduledFor  time.Time      `json:"scheduledFor" gorm:"index:idx_deletion_due"` // 最早可执行时间
	Attempts      int            `json:"attempts" gorm:"default:0"`
	LastAttemptAt *time.Time     `json:"lastAttemptAt,omitempty"`
	LastError     string         `json:"lastError,omitempty" gorm:"type:varchar(1000)"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// BatchResult 一轮删除批次的执行结果。
type BatchResult struct {
	Claimed   int             `json:"claimed"`   // 本轮认领的任务数
	Completed int             `json:"completed"` // 成功执行数
	Retried   int             `json:"retried"`   // 失败后重新排期数
	Failed    int             `json:"failed"`    // 进入终态失败数
	Errors    []DeletionError `json:"errors,omitempty"`
}

// DeletionError 单条任务的失败明细。
type DeletionError struct {
	ItemID   string       `json:"itemId"`
	Kind     DeletionKind `json:"kind"`
	TargetID string       `json:"targetId"`
	Reason   string       `json:"reason"`
	Terminal bool         `json:"terminal"` // 是否已进入终态
}
