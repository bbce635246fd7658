package service

import (
	"time"

	"go.uber.org/zap"

	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/monitoring"
	"mailvault/backend/internal/storage"
)

// BodyStore 邮件正文的文件存储接口
type BodyStore interface {
	SaveMessageBody(messageID, text, html string) error
	GetMessageBody(messageID string) (text, html string, err error)
	DeleteMessageBody(messageID string) error
}

// MessageService 封装邮件查询与删除生命周期逻辑。
//
// 删除是两阶段的：先软删进入保留窗口，窗口结束由清除队列物理删除。
type MessageService struct {
	store       storage.Store
	bodies      BodyStore
	attachments *AttachmentService
	deletions   *DeletionService
	retention   time.Duration
	metrics     *monitoring.Metrics
	logger      *zap.Logger
}

// NewMessageService 创建邮件业务服务。
func NewMessageService(store storage.Store, bodies BodyStore, attachments *AttachmentService, deletions *DeletionService, retention time.Duration, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{
		store:       store,
		bodies:      bodies,
		attachments: attachments,
		deletions:   deletions,
		retention:   retention,
		logger:      logger,
	}
}

// SetMetrics 设置监控指标（可选）
func (s *MessageService) SetMetrics(metrics *monitoring.Metrics) {
	s.metrics = metrics
}

// List 分页列出归属方的邮件，按接收时间倒序。
func (s *MessageService) List(ownerID string, state domain.MessageState, page, pageSize int) ([]domain.Message, int, error) {
	return s.store.ListMessages(ownerID, state, page, pageSize)
}

// Get 获取单封邮件详情，并装载正文与附件元数据。
func (s *MessageService) Get(ownerID, messageID string) (*domain.Message, error) {
	message, err := s.store.GetMessage(ownerID, messageID)
	if err != nil {
		return nil, err
	}

	if s.bodies != nil && (message.HasText || message.HasHTML) {
		text, html, err := s.bodies.GetMessageBody(message.ID)
		if err != nil {
			s.logger.Warn("failed to load message body",
				zap.String("message_id", message.ID),
				zap.Error(err),
			)
		} else {
			message.Text = text
			message.HTML = html
		}
	}

	if s.attachments != nil && message.HasAttachments {
		attachments, err := s.attachments.ListForMessage(message.ID)
		if err != nil {
			return nil, err
		}
		message.Attachments = attachments
	}

	return message, nil
}

// MarkRead 将邮件标记为已读。
func (s *MessageService) MarkRead(ownerID, messageID string) error {
	return s.store.MarkMessageRead(ownerID, messageID)
}

// MarkStarred 设置邮件星标。
func (s *MessageService) MarkStarred(ownerID, messageID string, starred bool) error {
	return s.store.MarkMessageStarred(ownerID, messageID, starred)
}

// RequestDelete 软删一批邮件并安排保留窗口后的物理清除。
//
// 只有 active 状态且归属匹配的邮件会被处理，其余静默跳过。
func (s *MessageService) RequestDelete(ownerID string, messageIDs []string) (*domain.ActionResult, error) {
	affected, err := s.store.MarkMessagesDeleted(ownerID, messageIDs)
	if err != nil {
		return nil, err
	}

	purgeAt := time.Now().UTC().Add(s.retention)
	for _, messageID := range affected {
		if _, err := s.deletions.EnqueueMessageDeletion(messageID, purgeAt); err != nil {
			s.logger.Error("failed to enqueue message deletion",
				zap.String("message_id", messageID),
				zap.Error(err),
			)
		}
	}

	return &domain.ActionResult{
		Requested: len(messageIDs),
		Affected:  len(affected),
		IDs:       affected,
	}, nil
}

// RequestRestore 恢复软删邮件并取消尚未执行的清除任务。
func (s *MessageService) RequestRestore(ownerID string, messageIDs []string) (*domain.ActionResult, error) {
	affected, err := s.store.RestoreMessages(ownerID, messageIDs)
	if err != nil {
		return nil, err
	}

	if len(affected) > 0 {
		if _, err := s.deletions.CancelPending(domain.DeletionKindMessage, affected); err != nil {
			s.logger.Error("failed to cancel pending deletions",
				zap.Strings("message_ids", affected),
				zap.Error(err),
			)
		}
	}

	return &domain.ActionResult{
		Requested: len(messageIDs),
		Affected:  len(affected),
		IDs:       affected,
	}, nil
}

// RequestPurge 跳过剩余保留窗口，立即安排物理清除。
// 只对已软删的邮件生效。
func (s *MessageService) RequestPurge(ownerID string, messageIDs []string) (*domain.ActionResult, error) {
	affected, err := s.store.MarkMessagesPurging(ownerID, messageIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, messageID := range affected {
		// 可能已有窗口到期前的排期，先取消再立即入队
		if _, err := s.deletions.CancelPending(domain.DeletionKindMessage, []string{messageID}); err != nil {
			s.logger.Error("failed to cancel scheduled deletion",
				zap.String("message_id", messageID),
				zap.Error(err),
			)
		}
		if _, err := s.deletions.EnqueueMessageDeletion(messageID, now); err != nil {
			s.logger.Error("failed to enqueue immediate deletion",
				zap.String("message_id", messageID),
				zap.Error(err),
			)
		}
	}

	return &domain.ActionResult{
		Requested: len(messageIDs),
		Affected:  len(affected),
		IDs:       affected,
	}, nil
}
