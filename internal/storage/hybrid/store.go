package hybrid

import (
	"fmt"
	"time"

	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/storage/postgres"
	"mailvault/backend/internal/storage/redis"
)

const (
	messageCacheTTL    = 30 * time.Minute
	attachmentCacheTTL = time.Hour
	cursorCacheTTL     = 24 * time.Hour
)

// Store 混合存储实现，结合关系数据库与 Redis。
// 数据库是唯一事实来源，Redis 只做读路径加速和同步互斥锁。
type Store struct {
	db    *postgres.Store
	redis *redis.Cache
}

// NewStore 创建混合存储实例 (PostgreSQL)
func NewStore(postgresDSN, redisAddr, redisPassword string, redisDB int) (*Store, error) {
	return NewStoreWithType("postgres", postgresDSN, redisAddr, redisPassword, redisDB)
}

// NewStoreWithType 创建混合存储实例（指定数据库类型）
func NewStoreWithType(dbType, dsn, redisAddr, redisPassword string, redisDB int) (*Store, error) {
	var dbStore *postgres.Store
	var err error

	switch dbType {
	case "mysql":
		dbStore, err = postgres.NewMySQLStore(dsn)
	case "postgres", "postgresql":
		dbStore, err = postgres.NewStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	redisCache, err := redis.NewCache(redisAddr, redisPassword, redisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	return &Store{
		db:    dbStore,
		redis: redisCache,
	}, nil
}

// ========== Message Repository ==========

// InsertMessage 原子写入邮件及其附件关联。
func (s *Store) InsertMessage(message *domain.Message, links []domain.MessageAttachment) (bool, error) {
	// 写路径只走数据库，读到时再进缓存
	return s.db.InsertMessage(message, links)
}

// MessageExists 判断某所有者下的远端标识是否已入库。
func (s *Store) MessageExists(ownerID string, remoteUID uint32) (bool, error) {
	return s.db.MessageExists(ownerID, remoteUID)
}

// GetMessage 获取单封邮件，Redis 未命中时回源数据库。
func (s *Store) GetMessage(ownerID, messageID string) (*domain.Message, error) {
	if message, err := s.redis.GetCachedMessage(ownerID, messageID); err == nil {
		return message, nil
	}

	message, err := s.db.GetMessage(ownerID, messageID)
	if err != nil {
		return nil, err
	}

	s.redis.CacheMessage(message, messageCacheTTL)
	return message, nil
}

// ListMessages 按所有者与状态分页返回邮件（列表查询不缓存）。
func (s *Store) ListMessages(ownerID string, state domain.MessageState, page, pageSize int) ([]domain.Message, int, error) {
	return s.db.ListMessages(ownerID, state, page, pageSize)
}

// MarkMessageRead 将邮件标记为已读。
func (s *Store) MarkMessageRead(ownerID, messageID string) error {
	if err := s.db.MarkMessageRead(ownerID, messageID); err != nil {
		return err
	}
	return s.redis.DeleteCachedMessage(ownerID, messageID)
}

// MarkMessageStarred 设置邮件星标。
func (s *Store) MarkMessageStarred(ownerID, messageID string, starred bool) error {
	if err := s.db.MarkMessageStarred(ownerID, messageID, starred); err != nil {
		return err
	}
	return s.redis.DeleteCachedMessage(ownerID, messageID)
}

// MarkMessagesDeleted active → soft_deleted。
func (s *Store) MarkMessagesDeleted(ownerID string, messageIDs []string) ([]string, error) {
	affected, err := s.db.MarkMessagesDeleted(ownerID, messageIDs)
	s.invalidateMessages(ownerID, affected)
	return affected, err
}

// RestoreMessages soft_deleted → active。
func (s *Store) RestoreMessages(ownerID string, messageIDs []string) ([]string, error) {
	affected, err := s.db.RestoreMessages(ownerID, messageIDs)
	s.invalidateMessages(ownerID, affected)
	return affected, err
}

// MarkMessagesPurging soft_deleted → purging。
func (s *Store) MarkMessagesPurging(ownerID string, messageIDs []string) ([]string, error) {
	affected, err := s.db.MarkMessagesPurging(ownerID, messageIDs)
	s.invalidateMessages(ownerID, affected)
	return affected, err
}

// PurgeMessage 物理删除邮件行与附件关联。
// 删除不可恢复，缓存交给 TTL 过期即可。
func (s *Store) PurgeMessage(messageID string) ([]string, error) {
	return s.db.PurgeMessage(messageID)
}

func (s *Store) invalidateMessages(ownerID string, messageIDs []string) {
	for _, id := range messageIDs {
		s.redis.DeleteCachedMessage(ownerID, id)
	}
}

// ========== Attachment Repository ==========

// SaveAttachment 保存附件元数据。
func (s *Store) SaveAttachment(attachment *domain.Attachment) error {
	if err := s.db.SaveAttachment(attachment); err != nil {
		return err
	}
	return s.redis.CacheAttachment(attachment, attachmentCacheTTL)
}

// GetAttachment 根据 ID 获取附件元数据，Redis 未命中时回源数据库。
func (s *Store) GetAttachment(id string) (*domain.Attachment, error) {
	if attachment, err := s.redis.GetCachedAttachment(id); err == nil {
		return attachment, nil
	}

	attachment, err := s.db.GetAttachment(id)
	if err != nil {
		return nil, err
	}

	s.redis.CacheAttachment(attachment, attachmentCacheTTL)
	return attachment, nil
}

// GetAttachmentByHash 根据内容摘要获取附件元数据（摘要查询不缓存）。
func (s *Store) GetAttachmentByHash(contentHash string) (*domain.Attachment, error) {
	return s.db.GetAttachmentByHash(contentHash)
}

// ListAttachmentsByMessage 返回某封邮件引用的全部附件。
func (s *Store) ListAttachmentsByMessage(messageID string) ([]*domain.Attachment, error) {
	return s.db.ListAttachmentsByMessage(messageID)
}

// TouchAttachment 更新附件最近访问时间。
func (s *Store) TouchAttachment(id string, at time.Time) error {
	if err := s.db.TouchAttachment(id, at); err != nil {
		return err
	}
	// 访问时间不值得为它回源，直接失效
	return s.redis.DeleteCachedAttachment(id)
}

// CountLiveReferences 统计仍有邮件行引用该附件的关联数。
func (s *Store) CountLiveReferences(attachmentID string) (int, error) {
	return s.db.CountLiveReferences(attachmentID)
}

// PurgeAttachment 物理删除附件记录。
func (s *Store) PurgeAttachment(id string) error {
	if err := s.db.PurgeAttachment(id); err != nil {
		return err
	}
	return s.redis.DeleteCachedAttachment(id)
}

// ========== Deletion Queue Repository ==========
// 队列操作全部直达数据库：认领与重试语义依赖行锁，缓存层不能参与。

func (s *Store) EnqueueDeletion(item *domain.DeletionQueueItem) (bool, error) {
	return s.db.EnqueueDeletion(item)
}

func (s *Store) ClaimDueDeletions(limit int, now time.Time) ([]domain.DeletionQueueItem, error) {
	return s.db.ClaimDueDeletions(limit, now)
}

func (s *Store) CompleteDeletion(id string, at time.Time) error {
	return s.db.CompleteDeletion(id, at)
}

func (s *Store) FailDeletion(id string, reason string, at time.Time, retryAt *time.Time) error {
	return s.db.FailDeletion(id, reason, at, retryAt)
}

func (s *Store) CancelPendingDeletions(kind domain.DeletionKind, targetIDs []string) (int, error) {
	return s.db.CancelPendingDeletions(kind, targetIDs)
}

func (s *Store) ListFailedDeletions(limit int) ([]domain.DeletionQueueItem, error) {
	return s.db.ListFailedDeletions(limit)
}

func (s *Store) CountDueDeletions(now time.Time) (int, error) {
	return s.db.CountDueDeletions(now)
}

func (s *Store) CountFailedDeletions() (int, error) {
	return s.db.CountFailedDeletions()
}

// ========== Sync Cursor Repository ==========

// GetSyncCursor 获取某所有者的同步游标，Redis 未命中时回源数据库。
func (s *Store) GetSyncCursor(ownerID string) (*domain.SyncCursor, error) {
	if cursor, err := s.redis.GetCachedSyncCursor(ownerID); err == nil {
		return cursor, nil
	}

	cursor, err := s.db.GetSyncCursor(ownerID)
	if err != nil {
		return nil, err
	}

	s.redis.CacheSyncCursor(cursor, cursorCacheTTL)
	return cursor, nil
}

// SaveSyncCursor 保存同步游标（写穿缓存）。
func (s *Store) SaveSyncCursor(cursor *domain.SyncCursor) error {
	if err := s.db.SaveSyncCursor(cursor); err != nil {
		return err
	}
	return s.redis.CacheSyncCursor(cursor, cursorCacheTTL)
}

// ========== 同步互斥锁 ==========

// AcquireSyncLock 获取某所有者的同步锁。
func (s *Store) AcquireSyncLock(ownerID string, ttl time.Duration) (bool, error) {
	return s.redis.AcquireSyncLock(ownerID, ttl)
}

// ReleaseSyncLock 释放某所有者的同步锁。
func (s *Store) ReleaseSyncLock(ownerID string) error {
	return s.redis.ReleaseSyncLock(ownerID)
}

// ========== 工具方法 ==========

// Close 关闭数据库与 Redis 连接
func (s *Store) Close() error {
	if err := s.redis.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

// Health 健康检查，数据库和 Redis 任一不可用都算不健康
func (s *Store) Health() error {
	if err := s.db.Health(); err != nil {
		return fmt.Errorf("database unhealthy: %w", err)
	}
	if err := s.redis.Health(); err != nil {
		return fmt.Errorf("redis unhealthy: %w", err)
	}
	return nil
}
