package domain

import "time"

// SyncCursor 记录某个所有者邮箱的同步进度。
// LastUID 之前（含）的远端邮件视为已处理，下个周期从它之后继续。
type SyncCursor struct {
	OwnerID    string    `json:"ownerId" gorm:"primaryKey;type:varchar(255)"`
	Folder     string    `json:"folder" gorm:"type:varchar(255);default:INBOX"`
	LastUID    uint32    `json:"lastUid" gorm:"default:0"`
	LastSyncAt time.Time `json:"lastSyncAt"` // 最近一次完成周期的时间
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SyncStage 同步过程中出错的阶段
type SyncStage string

const (
	SyncStageConnect SyncStage = "connect" // 建连/认证/选目录
	SyncStageList    SyncStage = "list"    // 列取远端标识
	SyncStageFetch   SyncStage = "fetch"   // 拉取单封邮件
	SyncStageParse   SyncStage = "parse"   // 解析邮件结构
	SyncStagePersist SyncStage = "persist" // 本地落盘
)

// SyncResult 一个同步周期的汇总结果。
// 部分失败不会整体中止周期，失败明细收在 Errors 里。
type SyncResult struct {
	OwnerID     string      `json:"ownerId"`
	NewCount    int         `json:"newCount"`    // 本周期新入库的邮件数
	TotalRemote int         `json:"totalRemote"` // 远端待处理总数（未按上限截断）
	Examined    int         `json:"examined"`    // 本周期检查过的远端标识数
	Skipped     int         `json:"skipped"`     // 已存在而跳过的数量
	LastUID     uint32      `json:"lastUid"`     // 周期结束后的游标位置
	DedupHits   int         `json:"dedupHits"`   // 附件内容去重命中次数
	StartedAt   time.Time   `json:"startedAt"`
	FinishedAt  time.Time   `json:"finishedAt"`
	Errors      []SyncError `json:"errors,omitempty"`
}

// SyncError 单封邮件处理失败的明细。
type SyncError struct {
	RemoteUID uint32    `json:"remoteUid"`
	Stage     SyncStage `json:"stage"`
	Reason    string    `json:"reason"`
}
