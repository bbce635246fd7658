package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/monitoring"
	"mailvault/backend/internal/pool"
	"mailvault/backend/internal/storage"
)

// DeletionService 封装延迟清除队列的入队与批处理逻辑。
//
// 清除动作都是幂等的：目标不存在视为已完成，处理中途崩溃后重试无害。
type DeletionService struct {
	store       storage.Store
	attachments *AttachmentService
	bodies      BodyStore
	workers     *pool.WorkerPool
	metrics     *monitoring.Metrics
	logger      *zap.Logger

	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
}

// NewDeletionService 创建清除业务服务。
func NewDeletionService(store storage.Store, attachments *AttachmentService, bodies BodyStore, maxAttempts int, retryBase, retryMax time.Duration, logger *zap.Logger) *DeletionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if retryBase <= 0 {
		retryBase = 30 * time.Second
	}
	if retryMax < retryBase {
		retryMax = retryBase
	}

	return &DeletionService{
		store:       store,
		attachments: attachments,
		bodies:      bodies,
		logger:      logger,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		retryMax:    retryMax,
	}
}

// SetWorkerPool 设置批处理协程池，未设置时批次按顺序处理
func (s *DeletionService) SetWorkerPool(workers *pool.WorkerPool) {
	s.workers = workers
}

// SetMetrics 设置监控指标（可选）
func (s *DeletionService) SetMetrics(metrics *monitoring.Metrics) {
	s.metrics = metrics
}

// EnqueueMessageDeletion 为邮件安排一次延迟清除。
// 同一目标已有未完成任务时不重复入队，返回 false。
func (s *DeletionService) EnqueueMessageDeletion(messageID string, at time.Time) (bool, error) {
	return s.enqueue(domain.DeletionKindMessage, messageID, at)
}

// EnqueueAttachmentDeletion 为附件安排一次延迟清除。
func (s *DeletionService) EnqueueAttachmentDeletion(attachmentID string, at time.Time) (bool, error) {
	return s.enqueue(domain.DeletionKindAttachment, attachmentID, at)
}

func (s *DeletionService) enqueue(kind domain.DeletionKind, targetID string, at time.Time) (bool, error) {
	item := &domain.DeletionQueueItem{
		Kind:         kind,
		TargetID:     targetID,
		ScheduledFor: at.UTC(),
	}

	inserted, err := s.store.EnqueueDeletion(item)
	if err != nil {
		return false, err
	}
	if inserted && s.metrics != nil {
		s.metrics.RecordDeletionEnqueued(string(kind))
	}
	return inserted, nil
}

// CancelPending 取消指定目标上所有待处理的清除任务，返回取消数量。
func (s *DeletionService) CancelPending(kind domain.DeletionKind, targetIDs []string) (int, error) {
	cancelled, err := s.store.CancelPendingDeletions(kind, targetIDs)
	if err != nil {
		return 0, err
	}
	if cancelled > 0 && s.metrics != nil {
		s.metrics.RecordDeletionsCancelled(cancelled)
	}
	return cancelled, nil
}

// ListFailed 列出终态失败的清除任务，供人工排查。
func (s *DeletionService) ListFailed(limit int) ([]domain.DeletionQueueItem, error) {
	return s.store.ListFailedDeletions(limit)
}

// ProcessBatch 认领并处理一批到期的清除任务。
//
// 认领是原子的，多实例并发处理不会拿到同一条任务。
func (s *DeletionService) ProcessBatch(ctx context.Context, batchSize int) (*domain.BatchResult, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	start := time.Now()
	now := start.UTC()

	items, err := s.store.ClaimDueDeletions(batchSize, now)
	if err != nil {
		return nil, err
	}

	result := &domain.BatchResult{Claimed: len(items)}
	var mu sync.Mutex

	process := func(item domain.DeletionQueueItem) {
		outcome := s.processItem(item)

		mu.Lock()
		defer mu.Unlock()
		switch outcome.status {
		case deletionCompleted:
			result.Completed++
		case deletionRetried:
			result.Retried++
			result.Errors = append(result.Errors, domain.DeletionError{
				ItemID:   item.ID,
				Kind:     item.Kind,
				TargetID: item.TargetID,
				Reason:   outcome.reason,
				Terminal: false,
			})
		case deletionFailed:
			result.Failed++
			result.Errors = append(result.Errors, domain.DeletionError{
				ItemID:   item.ID,
				Kind:     item.Kind,
				TargetID: item.TargetID,
				Reason:   outcome.reason,
				Terminal: true,
			})
		}
	}

	if s.workers != nil {
		var wg sync.WaitGroup
		for _, item := range items {
			item := item
			wg.Add(1)
			if err := s.workers.Submit(ctx, func() {
				defer wg.Done()
				process(item)
			}); err != nil {
				wg.Done()
				s.logger.Warn("deletion batch submit aborted", zap.Error(err))
				break
			}
		}
		wg.Wait()
	} else {
		for _, item := range items {
			process(item)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordDeletionBatch(time.Since(start))
	}
	s.updateQueueGauges()

	return result, nil
}

// ========== 单条任务处理 ==========

type deletionStatus int

const (
	deletionCompleted deletionStatus = iota
	deletionRetried
	deletionFailed
)

type deletionOutcome struct {
	status deletionStatus
	reason string
}

func (s *DeletionService) processItem(item domain.DeletionQueueItem) deletionOutcome {
	now := time.Now().UTC()

	var err error
	switch item.Kind {
	case domain.DeletionKindMessage:
		err = s.purgeMessage(item.TargetID, now)
	case domain.DeletionKindAttachment:
		err = s.purgeAttachment(item.TargetID)
	default:
		err = errors.New("unknown deletion kind")
	}

	if err == nil {
		if completeErr := s.store.CompleteDeletion(item.ID, now); completeErr != nil {
			s.logger.Error("failed to mark deletion completed",
				zap.String("item_id", item.ID),
				zap.Error(completeErr),
			)
		}
		s.recordOutcome(item.Kind, "completed")
		return deletionOutcome{status: deletionCompleted}
	}

	// 已用尽重试次数则转终态，否则按指数退避改期
	attempts := item.Attempts + 1
	if attempts >= s.maxAttempts {
		if failErr := s.store.FailDeletion(item.ID, err.Error(), now, nil); failErr != nil {
			s.logger.Error("failed to mark deletion failed",
				zap.String("item_id", item.ID),
				zap.Error(failErr),
			)
		}
		s.recordOutcome(item.Kind, "failed")
		s.logger.Error("deletion exhausted retries",
			zap.String("item_id", item.ID),
			zap.String("kind", string(item.Kind)),
			zap.String("target_id", item.TargetID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return deletionOutcome{status: deletionFailed, reason: err.Error()}
	}

	retryAt := now.Add(s.backoffDelay(item.Attempts))
	if failErr := s.store.FailDeletion(item.ID, err.Error(), now, &retryAt); failErr != nil {
		s.logger.Error("failed to reschedule deletion",
			zap.String("item_id", item.ID),
			zap.Error(failErr),
		)
	}
	s.recordOutcome(item.Kind, "retried")
	s.logger.Warn("deletion attempt failed, rescheduled",
		zap.String("item_id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.String("target_id", item.TargetID),
		zap.Time("retry_at", retryAt),
		zap.Error(err),
	)
	return deletionOutcome{status: deletionRetried, reason: err.Error()}
}

// purgeMessage 物理删除一封邮件：数据库行、正文文件、附件引用。
// 引用计数归零的附件随即入队清除。
func (s *DeletionService) purgeMessage(messageID string, now time.Time) error {
	attachmentIDs, err := s.store.PurgeMessage(messageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			// 目标已不存在，视为已完成
			return nil
		}
		return err
	}

	if s.bodies != nil {
		if err := s.bodies.DeleteMessageBody(messageID); err != nil {
			return err
		}
	}

	for _, attachmentID := range attachmentIDs {
		refs, err := s.store.CountLiveReferences(attachmentID)
		if err != nil {
			s.logger.Error("failed to count attachment references",
				zap.String("attachment_id", attachmentID),
				zap.Error(err),
			)
			continue
		}
		if refs == 0 {
			if _, err := s.EnqueueAttachmentDeletion(attachmentID, now); err != nil {
				s.logger.Error("failed to enqueue attachment deletion",
					zap.String("attachment_id", attachmentID),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}

// purgeAttachment 物理删除一条附件。
// 排队期间有新邮件去重复用了同一内容时放弃删除。
func (s *DeletionService) purgeAttachment(attachmentID string) error {
	err := s.attachments.Purge(attachmentID)
	if errors.Is(err, storage.ErrAttachmentReferenced) {
		s.logger.Info("attachment regained live references, skipping purge",
			zap.String("attachment_id", attachmentID),
		)
		return nil
	}
	return err
}

// backoffDelay 按先前尝试次数计算指数退避间隔。
func (s *DeletionService) backoffDelay(priorAttempts int) time.Duration {
	delay := s.retryBase
	for i := 0; i < priorAttempts; i++ {
		delay *= 2
		if delay >= s.retryMax {
			return s.retryMax
		}
	}
	if delay > s.retryMax {
		return s.retryMax
	}
	return delay
}

func (s *DeletionService) recordOutcome(kind domain.DeletionKind, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordDeletionOutcome(string(kind), outcome)
	}
}

// updateQueueGauges 刷新队列深度与终态失败数指标。
func (s *DeletionService) updateQueueGauges() {
	if s.metrics == nil {
		return
	}

	if due, err := s.store.CountDueDeletions(time.Now().UTC()); err == nil {
		s.metrics.UpdateDeletionQueueDepth(due)
	}
	if failed, err := s.store.CountFailedDeletions(); err == nil {
		s.metrics.UpdateDeletionFailed(failed)
	}
}
