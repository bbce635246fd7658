package domain

import "time"

// Attachment 表示一份按内容寻址存储的附件。
// 相同内容的附件跨邮件只存一份，靠 ContentHash 去重。
type Attachment struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`            // 附件唯一标识
	ContentHash  string    `json:"contentHash" gorm:"type:varchar(128);uniqueIndex"` // 内容摘要（blake2b-256，十六进制）
	Filename     string    `json:"filename" gorm:"type:varchar(255)"`                // 首次出现时的文件名
	ContentType  string    `json:"contentType" gorm:"type:varchar(100)"`             // MIME类型
	Size         int64     `json:"size"`                                             // 大小（字节）
	StoragePath  string    `json:"storagePath,omitempty" gorm:"type:varchar(500)"`   // 文件存储路径（相对路径）
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessAt time.Time `json:"lastAccessAt"` // 最近一次内容被读取的时间
	Content      []byte    `json:"-" gorm:"-"`   // 附件内容（不存数据库，从文件系统加载）
}

// MessageAttachment 邮件-附件关联。
// 一封邮件内同一附件可出现多次，各占一行并保留各自声明的文件名。
type MessageAttachment struct {
	ID           uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	MessageID    string    `json:"messageId" gorm:"type:varchar(36);index;not null"`
	AttachmentID string    `json:"attachmentId" gorm:"type:varchar(36);index;not null"`
	Filename     string    `json:"filename" gorm:"type:varchar(255)"` // 该邮件内声明的文件名，可与附件记录不同
	CreatedAt    time.Time `json:"createdAt"`
}
