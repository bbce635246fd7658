package domain

import "time"

// MessageState 邮件生命周期状态
type MessageState string

const (
	MessageStateActive      MessageState = "active"       // 正常可见
	MessageStateSoftDeleted MessageState = "soft_deleted" // 已软删除，保留期内可恢复
	MessageStatePurging     MessageState = "purging"      // 已进入物理清除流程，不可恢复
)

// Message 表示一封从远端邮箱同步到本地的邮件。
// 同一所有者下 RemoteUID 唯一，重复同步靠这条约束去重。
type Message struct {
	ID             string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID        string       `json:"ownerId" gorm:"type:varchar(255);not null;uniqueIndex:idx_owner_remote_uid;index"`
	RemoteUID      uint32       `json:"remoteUid" gorm:"not null;uniqueIndex:idx_owner_remote_uid"` // 远端服务器分配的稳定标识
	From           string       `json:"from" gorm:"type:varchar(255)"`
	Subject        string       `json:"subject" gorm:"type:varchar(500)"`
	ReceivedAt     time.Time    `json:"receivedAt"`
	Preview        string       `json:"preview" gorm:"type:varchar(512)"` // 正文摘要，列表页展示用
	IsRead         bool         `json:"isRead" gorm:"default:false;index"`
	IsStarred      bool         `json:"isStarred" gorm:"default:false"`
	HasAttachments bool         `json:"hasAttachments" gorm:"default:false"`
	State          MessageState `json:"state" gorm:"type:varchar(20);default:active;index"`
	SyncedAt       time.Time    `json:"syncedAt"`
	CreatedAt      time.Time    `json:"createdAt"`
	// 正文字段（不存数据库，从文件系统加载）
	Text        string        `json:"text,omitempty" gorm:"-"`
	HTML        string        `json:"html,omitempty" gorm:"-"`
	Attachments []*Attachment `json:"attachments,omitempty" gorm:"-"` // 邮件附件列表
	// 文件系统存储标记
	HasText bool `json:"hasText" gorm:"default:false"`
	HasHTML bool `json:"hasHtml" gorm:"default:false"`
}

// Deletable 报告邮件当前是否允许发起软删除。
func (m *Message) Deletable() bool {
	return m.State == MessageStateActive
}

// Restorable 报告邮件当前是否允许恢复。purging 状态的邮件不可逆。
func (m *Message) Restorable() bool {
	return m.State == MessageStateSoftDeleted
}
