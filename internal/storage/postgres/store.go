package postgres

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/google/uuid"

	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/storage"
)

// Store 关系数据库存储实现（PostgreSQL 为主，兼容 MySQL）。
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 静默模式
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Message{},
		&domain.Attachment{},
		&domain.MessageAttachment{},
		&domain.DeletionQueueItem{},
		&domain.SyncCursor{},
	)
}

// ========== Message Repository ==========

// InsertMessage 原子写入邮件及其附件关联。
// (owner_id, remote_uid) 冲突时整体不落盘，返回 false 且不报错。
func (s *Store) InsertMessage(message *domain.Message, links []domain.MessageAttachment) (bool, error) {
	inserted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "remote_uid"}},
			DoNothing: true,
		}).Create(message)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 远端标识已入库，整条跳过
			return nil
		}
		inserted = true

		for i := range links {
			links[i].MessageID = message.ID
		}
		if len(links) > 0 {
			if err := tx.Create(&links).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return inserted, err
}

// MessageExists 判断某所有者下的远端标识是否已入库。
func (s *Store) MessageExists(ownerID string, remoteUID uint32) (bool, error) {
	var count int64
	err := s.db.Model(&domain.Message{}).
		Where("owner_id = ? AND remote_uid = ?", ownerID, remoteUID).
		Count(&count).Error
	return count > 0, err
}

// GetMessage 获取单封邮件，带所有者校验。
func (s *Store) GetMessage(ownerID, messageID string) (*domain.Message, error) {
	var message domain.Message
	err := s.db.Where("id = ? AND owner_id = ?", messageID, ownerID).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// ListMessages 按所有者与状态分页返回邮件，接收时间倒序。
func (s *Store) ListMessages(ownerID string, state domain.MessageState, page, pageSize int) ([]domain.Message, int, error) {
	query := s.db.Model(&domain.Message{}).Where("owner_id = ?", ownerID)
	if state != "" {
		query = query.Where("state = ?", state)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []domain.Message
	err := query.Order("received_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&messages).Error
	if err != nil {
		return nil, 0, err
	}

	return messages, int(total), nil
}

// MarkMessageRead 将邮件标记为已读。
func (s *Store) MarkMessageRead(ownerID, messageID string) error {
	res := s.db.Model(&domain.Message{}).
		Where("id = ? AND owner_id = ?", messageID, ownerID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// MarkMessageStarred 设置邮件星标。
func (s *Store) MarkMessageStarred(ownerID, messageID string, starred bool) error {
	res := s.db.Model(&domain.Message{}).
		Where("id = ? AND owner_id = ?", messageID, ownerID).
		Update("is_starred", starred)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// MarkMessagesDeleted active → soft_deleted，返回实际生效的邮件ID。
func (s *Store) MarkMessagesDeleted(ownerID string, messageIDs []string) ([]string, error) {
	return s.transition(ownerID, messageIDs, domain.MessageStateActive, domain.MessageStateSoftDeleted)
}

// RestoreMessages soft_deleted → active，返回实际生效的邮件ID。
func (s *Store) RestoreMessages(ownerID string, messageIDs []string) ([]string, error) {
	return s.transition(ownerID, messageIDs, domain.MessageStateSoftDeleted, domain.MessageStateActive)
}

// MarkMessagesPurging soft_deleted → purging，返回实际生效的邮件ID。
func (s *Store) MarkMessagesPurging(ownerID string, messageIDs []string) ([]string, error) {
	return s.transition(ownerID, messageIDs, domain.MessageStateSoftDeleted, domain.MessageStatePurging)
}

// transition 批量状态迁移。先用行锁选出符合条件的行，避免并发迁移互相覆盖。
func (s *Store) transition(ownerID string, messageIDs []string, from, to domain.MessageState) ([]string, error) {
	if len(messageIDs) == 0 {
		return []string{}, nil
	}

	affected := make([]string, 0, len(messageIDs))
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&domain.Message{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ? AND id IN ? AND state = ?", ownerID, messageIDs, from).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Model(&domain.Message{}).
			Where("id IN ?", ids).
			Update("state", to).Error; err != nil {
			return err
		}
		affected = ids
		return nil
	})
	return affected, err
}

// PurgeMessage 物理删除邮件行与附件关联，返回原先引用的附件ID（去重后）。
func (s *Store) PurgeMessage(messageID string) ([]string, error) {
	var attachmentIDs []string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", messageID).Delete(&domain.Message{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrMessageNotFound
		}

		if err := tx.Model(&domain.MessageAttachment{}).
			Distinct("attachment_id").
			Where("message_id = ?", messageID).
			Pluck("attachment_id", &attachmentIDs).Error; err != nil {
			return err
		}

		return tx.Where("message_id = ?", messageID).Delete(&domain.MessageAttachment{}).Error
	})
	if err != nil {
		return nil, err
	}
	return attachmentIDs, nil
}

// ========== Attachment Repository ==========

// SaveAttachment 保存附件元数据。
func (s *Store) SaveAttachment(attachment *domain.Attachment) error {
	return s.db.Create(attachment).Error
}

// GetAttachment 根据 ID 获取附件元数据。
func (s *Store) GetAttachment(id string) (*domain.Attachment, error) {
	var attachment domain.Attachment
	err := s.db.Where("id = ?", id).First(&attachment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAttachmentNotFound
		}
		return nil, err
	}
	return &attachment, nil
}

// GetAttachmentByHash 根据内容摘要获取附件元数据。
func (s *Store) GetAttachmentByHash(contentHash string) (*domain.Attachment, error) {
	var attachment domain.Attachment
	err := s.db.Where("content_hash = ?", contentHash).First(&attachment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAttachmentNotFound
		}
		return nil, err
	}
	return &attachment, nil
}

// ListAttachmentsByMessage 返回某封邮件引用的全部附件。
// 返回的文件名以关联行中声明的为准。
func (s *Store) ListAttachmentsByMessage(messageID string) ([]*domain.Attachment, error) {
	var links []domain.MessageAttachment
	if err := s.db.Where("message_id = ?", messageID).Find(&links).Error; err != nil {
		return nil, err
	}

	result := make([]*domain.Attachment, 0, len(links))
	for _, link := range links {
		attachment, err := s.GetAttachment(link.AttachmentID)
		if err != nil {
			if errors.Is(err, storage.ErrAttachmentNotFound) {
				continue
			}
			return nil, err
		}
		if link.Filename != "" {
			attachment.Filename = link.Filename
		}
		result = append(result, attachment)
	}
	return result, nil
}

// TouchAttachment 更新附件最近访问时间。
func (s *Store) TouchAttachment(id string, at time.Time) error {
	res := s.db.Model(&domain.Attachment{}).
		Where("id = ?", id).
		Update("last_access_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrAttachmentNotFound
	}
	return nil
}

// CountLiveReferences 统计仍有邮件行引用该附件的关联数。
func (s *Store) CountLiveReferences(attachmentID string) (int, error) {
	var count int64
	err := s.db.Model(&domain.MessageAttachment{}).
		Joins("JOIN messages ON messages.id = message_attachments.message_id").
		Where("message_attachments.attachment_id = ?", attachmentID).
		Count(&count).Error
	return int(count), err
}

// PurgeAttachment 物理删除附件记录。仍被引用时返回 ErrAttachmentReferenced。
func (s *Store) PurgeAttachment(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&domain.MessageAttachment{}).
			Joins("JOIN messages ON messages.id = message_attachments.message_id").
			Where("message_attachments.attachment_id = ?", id).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrAttachmentReferenced
		}

		// 清掉指向已清除邮件的残留关联
		if err := tx.Where("attachment_id = ?", id).Delete(&domain.MessageAttachment{}).Error; err != nil {
			return err
		}

		res := tx.Where("id = ?", id).Delete(&domain.Attachment{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrAttachmentNotFound
		}
		return nil
	})
}

// ========== Deletion Queue Repository ==========

// EnqueueDeletion 入队删除任务。同目标已有未终态任务时不重复入队，返回 false。
func (s *Store) EnqueueDeletion(item *domain.DeletionQueueItem) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = domain.DeletionStatusPending
	}

	enqueued := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&domain.DeletionQueueItem{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("kind = ? AND target_id = ? AND status IN ?",
				item.Kind, item.TargetID,
				[]domain.DeletionStatus{domain.DeletionStatusPending, domain.DeletionStatusProcessing}).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		if err := tx.Create(item).Error; err != nil {
			return err
		}
		enqueued = true
		return nil
	})
	return enqueued, err
}

// ClaimDueDeletions 认领到期任务并置为 processing。
// SKIP LOCKED 保证多个工作进程并发认领时互不阻塞也不重复。
func (s *Store) ClaimDueDeletions(limit int, now time.Time) ([]domain.DeletionQueueItem, error) {
	var claimed []domain.DeletionQueueItem
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&domain.DeletionQueueItem{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_for <= ?", domain.DeletionStatusPending, now).
			Order("scheduled_for ASC").
			Limit(limit).
			Find(&claimed).Error
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]string, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
			claimed[i].Status = domain.DeletionStatusProcessing
		}

		return tx.Model(&domain.DeletionQueueItem{}).
			Where("id IN ?", ids).
			Update("status", domain.DeletionStatusProcessing).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteDeletion 标记任务执行成功。
func (s *Store) CompleteDeletion(id string, at time.Time) error {
	res := s.db.Model(&domain.DeletionQueueItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.DeletionStatusCompleted,
			"completed_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrDeletionItemNotFound
	}
	return nil
}

// FailDeletion 记录一次失败。retryAt 非空时重新排期，否则进入终态 failed。
func (s *Store) FailDeletion(id string, reason string, at time.Time, retryAt *time.Time) error {
	updates := map[string]interface{}{
		"attempts":        gorm.Expr("attempts + 1"),
		"last_attempt_at": at,
		"last_error":      reason,
	}
	if retryAt != nil {
		updates["status"] = domain.DeletionStatusPending
		updates["scheduled_for"] = *retryAt
	} else {
		updates["status"] = domain.DeletionStatusFailed
	}

	res := s.db.Model(&domain.DeletionQueueItem{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrDeletionItemNotFound
	}
	return nil
}

// CancelPendingDeletions 作废目标的未终态任务，返回作废数量。
func (s *Store) CancelPendingDeletions(kind domain.DeletionKind, targetIDs []string) (int, error) {
	if len(targetIDs) == 0 {
		return 0, nil
	}

	res := s.db.Model(&domain.DeletionQueueItem{}).
		Where("kind = ? AND target_id IN ? AND status IN ?",
			kind, targetIDs,
			[]domain.DeletionStatus{domain.DeletionStatusPending, domain.DeletionStatusProcessing}).
		Update("status", domain.DeletionStatusCancelled)
	return int(res.RowsAffected), res.Error
}

// ListFailedDeletions 返回终态失败的任务，最近失败的在前。
func (s *Store) ListFailedDeletions(limit int) ([]domain.DeletionQueueItem, error) {
	var items []domain.DeletionQueueItem
	err := s.db.Where("status = ?", domain.DeletionStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// CountDueDeletions 统计当前已到期待执行的任务数。
func (s *Store) CountDueDeletions(now time.Time) (int, error) {
	var count int64
	err := s.db.Model(&domain.DeletionQueueItem{}).
		Where("status = ? AND scheduled_for <= ?", domain.DeletionStatusPending, now).
		Count(&count).Error
	return int(count), err
}

// CountFailedDeletions 统计终态失败的任务数。
func (s *Store) CountFailedDeletions() (int, error) {
	var count int64
	err := s.db.Model(&domain.DeletionQueueItem{}).
		Where("status = ?", domain.DeletionStatusFailed).
		Count(&count).Error
	return int(count), err
}

// ========== Sync Cursor Repository ==========

// GetSyncCursor 获取某所有者的同步游标。
func (s *Store) GetSyncCursor(ownerID string) (*domain.SyncCursor, error) {
	var cursor domain.SyncCursor
	err := s.db.Where("owner_id = ?", ownerID).First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrCursorNotFound
		}
		return nil, err
	}
	return &cursor, nil
}

// SaveSyncCursor 保存同步游标（存在则整行覆盖）。
func (s *Store) SaveSyncCursor(cursor *domain.SyncCursor) error {
	return s.db.Save(cursor).Error
}

// ========== 工具方法 ==========

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 健康检查
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
