package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/storage"
)

// Store 使用内存保存邮件、附件与删除队列数据，主要用于开发验证和测试。
type Store struct {
	mu          sync.RWMutex
	messages    map[string]*domain.Message            // messageID -> message
	byOwnerUID  map[string]string                     // "ownerID:remoteUID" -> messageID
	links       map[string][]*domain.MessageAttachment // messageID -> 关联列表
	attachments map[string]*domain.Attachment         // attachmentID -> attachment
	byHash      map[string]string                     // contentHash -> attachmentID
	queue       map[string]*domain.DeletionQueueItem  // itemID -> item
	cursors     map[string]*domain.SyncCursor         // ownerID -> cursor

	// 同步锁（带过期时间，模拟 Redis SETNX 行为）
	syncLocks map[string]time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		messages:    make(map[string]*domain.Message),
		byOwnerUID:  make(map[string]string),
		links:       make(map[string][]*domain.MessageAttachment),
		attachments: make(map[string]*domain.Attachment),
		byHash:      make(map[string]string),
		queue:       make(map[string]*domain.DeletionQueueItem),
		cursors:     make(map[string]*domain.SyncCursor),
		syncLocks:   make(map[string]time.Time),
	}
}

func ownerUIDKey(ownerID string, remoteUID uint32) string {
	return fmt.Sprintf("%s:%d", ownerID, remoteUID)
}

// ========== Message Repository ==========

// InsertMessage 原子写入邮件及其附件关联。重复的 (owner, remoteUID) 整体跳过。
func (s *Store) InsertMessage(message *domain.Message, links []domain.MessageAttachment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerUIDKey(message.OwnerID, message.RemoteUID)
	if _, exists := s.byOwnerUID[key]; exists {
		return false, nil
	}

	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	if message.State == "" {
		message.State = domain.MessageStateActive
	}

	msg := *message
	s.messages[msg.ID] = &msg
	s.byOwnerUID[key] = msg.ID

	for i := range links {
		link := links[i]
		link.MessageID = msg.ID
		if link.CreatedAt.IsZero() {
			link.CreatedAt = now
		}
		s.links[msg.ID] = append(s.links[msg.ID], &link)
	}

	return true, nil
}

// MessageExists 判断某所有者下的远端标识是否已入库。
func (s *Store) MessageExists(ownerID string, remoteUID uint32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byOwnerUID[ownerUIDKey(ownerID, remoteUID)]
	return ok, nil
}

// GetMessage 获取单封邮件，带所有者校验。
func (s *Store) GetMessage(ownerID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.OwnerID != ownerID {
		return nil, storage.ErrMessageNotFound
	}

	result := *msg
	return &result, nil
}

// ListMessages 按所有者与状态分页返回邮件，接收时间倒序。
func (s *Store) ListMessages(ownerID string, state domain.MessageState, page, pageSize int) ([]domain.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := make([]domain.Message, 0)
	for _, msg := range s.messages {
		if msg.OwnerID != ownerID {
			continue
		}
		if state != "" && msg.State != state {
			continue
		}
		filtered = append(filtered, *msg)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].ReceivedAt.After(filtered[j].ReceivedAt)
	})

	total := len(filtered)
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return filtered[start:end], total, nil
}

// MarkMessageRead 将邮件标记为已读。
func (s *Store) MarkMessageRead(ownerID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.OwnerID != ownerID {
		return storage.ErrMessageNotFound
	}

	msg.IsRead = true
	return nil
}

// MarkMessageStarred 设置邮件星标。
func (s *Store) MarkMessageStarred(ownerID, messageID string, starred bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.OwnerID != ownerID {
		return storage.ErrMessageNotFound
	}

	msg.IsStarred = starred
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

func (s *Store) transition(ownerID string, messageIDs []string, from, to domain.MessageState) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		msg, ok := s.messages[id]
		if !ok || msg.OwnerID != ownerID || msg.State != from {
			continue
		}
		msg.State = to
		affected = append(affected, id)
	}
	return affected, nil
}

// PurgeMessage 物理删除邮件行与附件关联，返回原先引用的附件ID。
func (s *Store) PurgeMessage(messageID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}

	seen := make(map[string]bool)
	attachmentIDs := make([]string, 0)
	for _, link := range s.links[messageID] {
		if !seen[link.AttachmentID] {
			seen[link.AttachmentID] = true
			attachmentIDs = append(attachmentIDs, link.AttachmentID)
		}
	}

	delete(s.byOwnerUID, ownerUIDKey(msg.OwnerID, msg.RemoteUID))
	delete(s.links, messageID)
	delete(s.messages, messageID)

	return attachmentIDs, nil
}

// ========== Attachment Repository ==========

// SaveAttachment 保存附件元数据。
func (s *Store) SaveAttachment(attachment *domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if attachment.CreatedAt.IsZero() {
		attachment.CreatedAt = now
	}
	if attachment.LastAccessAt.IsZero() {
		attachment.LastAccessAt = now
	}

	att := *attachment
	att.Content = nil
	s.attachments[att.ID] = &att
	s.byHash[att.ContentHash] = att.ID
	return nil
}

// GetAttachment 根据 ID 获取附件元数据。
func (s *Store) GetAttachment(id string) (*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	att, ok := s.attachments[id]
	if !ok {
		return nil, storage.ErrAttachmentNotFound
	}

	result := *att
	return &result, nil
}

// GetAttachmentByHash 根据内容摘要获取附件元数据。
func (s *Store) GetAttachmentByHash(contentHash string) (*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[contentHash]
	if !ok {
		return nil, storage.ErrAttachmentNotFound
	}

	att, ok := s.attachments[id]
	if !ok {
		return nil, storage.ErrAttachmentNotFound
	}

	result := *att
	return &result, nil
}

// ListAttachmentsByMessage 返回某封邮件引用的全部附件。
func (s *Store) ListAttachmentsByMessage(messageID string) ([]*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Attachment, 0)
	for _, link := range s.links[messageID] {
		att, ok := s.attachments[link.AttachmentID]
		if !ok {
			continue
		}
		copied := *att
		if link.Filename != "" {
			copied.Filename = link.Filename
		}
		result = append(result, &copied)
	}
	return result, nil
}

// TouchAttachment 更新附件最近访问时间。
func (s *Store) TouchAttachment(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	att, ok := s.attachments[id]
	if !ok {
		return storage.ErrAttachmentNotFound
	}

	att.LastAccessAt = at
	return nil
}

// CountLiveReferences 统计仍有邮件行引用该附件的关联数。
func (s *Store) CountLiveReferences(attachmentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countLiveReferencesLocked(attachmentID), nil
}

// countLiveReferencesLocked 调用方需持有 s.mu。
func (s *Store) countLiveReferencesLocked(attachmentID string) int {
	count := 0
	for messageID, links := range s.links {
		if _, ok := s.messages[messageID]; !ok {
			continue
		}
		for _, link := range links {
			if link.AttachmentID == attachmentID {
				count++
			}
		}
	}
	return count
}

// PurgeAttachment 物理删除附件记录。仍被引用时拒绝。
func (s *Store) PurgeAttachment(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	att, ok := s.attachments[id]
	if !ok {
		return storage.ErrAttachmentNotFound
	}
	// 引用计数和删除在同一临界区里做，中间不会插进新的引用
	if s.countLiveReferencesLocked(id) > 0 {
		return storage.ErrAttachmentReferenced
	}

	delete(s.byHash, att.ContentHash)
	delete(s.attachments, id)
	return nil
}

// ========== Deletion Queue Repository ==========

// EnqueueDeletion 入队删除任务。同目标已有未终态任务时返回 false。
func (s *Store) EnqueueDeletion(item *domain.DeletionQueueItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.queue {
		if existing.Kind == item.Kind && existing.TargetID == item.TargetID && !existing.Status.Terminal() {
			return false, nil
		}
	}

	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = domain.DeletionStatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	copied := *item
	s.queue[copied.ID] = &copied
	return true, nil
}

// ClaimDueDeletions 认领到期任务并置为 processing。
func (s *Store) ClaimDueDeletions(limit int, now time.Time) ([]domain.DeletionQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*domain.DeletionQueueItem, 0)
	for _, item := range s.queue {
		if item.Status == domain.DeletionStatusPending && !item.ScheduledFor.After(now) {
			due = append(due, item)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.DeletionQueueItem, 0, len(due))
	for _, item := range due {
		item.Status = domain.DeletionStatusProcessing
		item.UpdatedAt = now
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

// CompleteDeletion 标记任务执行成功。
func (s *Store) CompleteDeletion(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queue[id]
	if !ok {
		return storage.ErrDeletionItemNotFound
	}

	item.Status = domain.DeletionStatusCompleted
	item.CompletedAt = &at
	item.UpdatedAt = at
	return nil
}

// FailDeletion 记录一次失败。retryAt 非空时重新排期，否则进入终态。
func (s *Store) FailDeletion(id string, reason string, at time.Time, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queue[id]
	if !ok {
		return storage.ErrDeletionItemNotFound
	}

	item.Attempts++
	item.LastAttemptAt = &at
	item.LastError = reason
	item.UpdatedAt = at
	if retryAt != nil {
		item.Status = domain.DeletionStatusPending
		item.ScheduledFor = *retryAt
	} else {
		item.Status = domain.DeletionStatusFailed
	}
	return nil
}

// CancelPendingDeletions 作废目标的未终态任务，返回作废数量。
func (s *Store) CancelPendingDeletions(kind domain.DeletionKind, targetIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make(map[string]bool, len(targetIDs))
	for _, id := range targetIDs {
		targets[id] = true
	}

	count := 0
	now := time.Now().UTC()
	for _, item := range s.queue {
		if item.Kind == kind && targets[item.TargetID] && !item.Status.Terminal() {
			item.Status = domain.DeletionStatusCancelled
			item.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// ListFailedDeletions 返回终态失败的任务，最近失败的在前。
func (s *Store) ListFailedDeletions(limit int) ([]domain.DeletionQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	failed := make([]domain.DeletionQueueItem, 0)
	for _, item := range s.queue {
		if item.Status == domain.DeletionStatusFailed {
			failed = append(failed, *item)
		}
	}

	sort.Slice(failed, func(i, j int) bool {
		return failed[i].UpdatedAt.After(failed[j].UpdatedAt)
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

// CountDueDeletions 统计当前已到期待执行的任务数。
func (s *Store) CountDueDeletions(now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, item := range s.queue {
		if item.Status == domain.DeletionStatusPending && !item.ScheduledFor.After(now) {
			count++
		}
	}
	return count, nil
}

// CountFailedDeletions 统计终态失败的任务数。
func (s *Store) CountFailedDeletions() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, item := range s.queue {
		if item.Status == domain.DeletionStatusFailed {
			count++
		}
	}
	return count, nil
}

// ========== Sync Cursor Repository ==========

// GetSyncCursor 获取某所有者的同步游标。
func (s *Store) GetSyncCursor(ownerID string) (*domain.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cursor, ok := s.cursors[ownerID]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}

	result := *cursor
	return &result, nil
}

// SaveSyncCursor 保存同步游标。
func (s *Store) SaveSyncCursor(cursor *domain.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor.UpdatedAt = time.Now().UTC()
	copied := *cursor
	s.cursors[copied.OwnerID] = &copied
	return nil
}

// ========== 同步锁 ==========

// AcquireSyncLock 尝试获取某所有者的同步锁。
func (s *Store) AcquireSyncLock(ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, ok := s.syncLocks[ownerID]; ok && expiry.After(now) {
		return false, nil
	}
	s.syncLocks[ownerID] = now.Add(ttl)
	return true, nil
}

// ReleaseSyncLock 释放某所有者的同步锁。
func (s *Store) ReleaseSyncLock(ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.syncLocks, ownerID)
	return nil
}

// ========== 工具方法 ==========

// Close 关闭存储连接
func (s *Store) Close() error {
	// 内存存储不需要关闭连接
	return nil
}

// Health 健康检查
func (s *Store) Health() error {
	// 内存存储总是健康的
	return nil
}
