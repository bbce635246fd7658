package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/monitoring"
	"mailvault/backend/internal/remote"
	"mailvault/backend/internal/security"
	"mailvault/backend/internal/storage"
)

// ErrSyncInProgress 同一归属方已有同步周期在执行。
var ErrSyncInProgress = errors.New("sync already in progress for this owner")

// ConnectivityError 整个周期因远端不可达而未能开始。
type ConnectivityError struct {
	OwnerID string
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("sync for %s aborted: %v", e.OwnerID, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// previewLimit 列表预览截取的最大字符数
const previewLimit = 512

// SyncInput 一次同步周期的输入。
type SyncInput struct {
	OwnerID         string
	Settings        remote.Settings
	MaxMessages     int  // 为 0 时用服务默认值
	ForceFullRescan bool // 忽略游标从头检查，已存在的邮件靠去重跳过
}

// SyncService 封装远端邮箱到本地存储的增量同步。
//
// 游标只在它之前的邮件全部成功处理后才推进，单封失败会在
// 下个周期重新被检查，已入库的邮件靠唯一索引去重。
type SyncService struct {
	store       storage.Store
	client      remote.Client
	attachments *AttachmentService
	bodies      BodyStore
	locker      storage.SyncLocker
	screener    *security.Screener
	metrics     *monitoring.Metrics
	logger      *zap.Logger

	maxMessages  int
	cycleTimeout time.Duration
	lockTTL      time.Duration
}

// NewSyncService 创建同步业务服务。
func NewSyncService(store storage.Store, client remote.Client, attachments *AttachmentService, bodies BodyStore, maxMessages int, cycleTimeout time.Duration, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxMessages <= 0 {
		maxMessages = 200
	}

	return &SyncService{
		store:        store,
		client:       client,
		attachments:  attachments,
		bodies:       bodies,
		screener:     security.NewScreener(),
		logger:       logger,
		maxMessages:  maxMessages,
		cycleTimeout: cycleTimeout,
		lockTTL:      10 * time.Minute,
	}
}

// SetSyncLocker 设置跨实例同步锁（可选）
func (s *SyncService) SetSyncLocker(locker storage.SyncLocker, ttl time.Duration) {
	s.locker = locker
	if ttl > 0 {
		s.lockTTL = ttl
	}
}

// SetMetrics 设置监控指标（可选）
func (s *SyncService) SetMetrics(metrics *monitoring.Metrics) {
	s.metrics = metrics
}

// Sync 执行一次同步周期。
//
// 远端不可达时返回 *ConnectivityError，本地状态不变。
// 单封邮件失败只记入结果的 Errors，不中止周期。
func (s *SyncService) Sync(ctx context.Context, input SyncInput) (*domain.SyncResult, error) {
	if s.locker != nil {
		acquired, err := s.locker.AcquireSyncLock(input.OwnerID, s.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
		}
		if !acquired {
			return nil, ErrSyncInProgress
		}
		defer func() {
			if err := s.locker.ReleaseSyncLock(input.OwnerID); err != nil {
				s.logger.Warn("failed to release sync lock",
					zap.String("owner_id", input.OwnerID),
					zap.Error(err),
				)
			}
		}()
	}

	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}

	start := time.Now().UTC()
	result := &domain.SyncResult{
		OwnerID:   input.OwnerID,
		StartedAt: start,
	}

	cursor, err := s.store.GetSyncCursor(input.OwnerID)
	if err != nil {
		if !errors.Is(err, storage.ErrCursorNotFound) {
			return nil, err
		}
		cursor = &domain.SyncCursor{
			OwnerID: input.OwnerID,
			Folder:  input.Settings.FolderOrDefault(),
		}
	}

	afterUID := cursor.LastUID
	if input.ForceFullRescan {
		afterUID = 0
	}

	session, err := s.client.Open(ctx, input.Settings)
	if err != nil {
		s.recordCycle("connect_error", time.Since(start))
		return nil, &ConnectivityError{OwnerID: input.OwnerID, Err: err}
	}
	defer func() {
		if err := session.Close(); err != nil {
			s.logger.Debug("failed to close remote session", zap.Error(err))
		}
	}()

	maxMessages := input.MaxMessages
	if maxMessages <= 0 {
		maxMessages = s.maxMessages
	}

	uids, totalRemote, err := session.ListSince(afterUID, maxMessages)
	if err != nil {
		s.recordCycle("list_error", time.Since(start))
		return nil, &ConnectivityError{OwnerID: input.OwnerID, Err: err}
	}
	result.TotalRemote = totalRemote

	// 逐封升序处理。第一封失败后游标停在它之前，
	// 后续邮件照常入库，下个周期会重新检查失败的那封。
	advanced := afterUID
	advanceBlocked := false

	for _, uid := range uids {
		if ctx.Err() != nil {
			s.logger.Warn("sync cycle cut short",
				zap.String("owner_id", input.OwnerID),
				zap.Uint32("remote_uid", uid),
				zap.Error(ctx.Err()),
			)
			break
		}

		result.Examined++
		if s.metrics != nil {
			s.metrics.RecordMessageExamined()
		}

		ok := s.syncOne(session, input.OwnerID, uid, result)
		if ok && !advanceBlocked {
			advanced = uid
		}
		if !ok {
			advanceBlocked = true
		}
	}

	// 游标只前进不后退，全量重扫也不会把它拉回去
	if advanced > cursor.LastUID {
		cursor.LastUID = advanced
	}
	cursor.LastSyncAt = time.Now().UTC()
	if err := s.store.SaveSyncCursor(cursor); err != nil {
		return nil, fmt.Errorf("failed to save sync cursor: %w", err)
	}

	result.LastUID = cursor.LastUID
	result.FinishedAt = time.Now().UTC()

	outcome := "ok"
	if len(result.Errors) > 0 {
		outcome = "partial"
	}
	s.recordCycle(outcome, time.Since(start))

	s.logger.Info("sync cycle finished",
		zap.String("owner_id", input.OwnerID),
		zap.Int("examined", result.Examined),
		zap.Int("new", result.NewCount),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
		zap.Uint32("last_uid", result.LastUID),
	)

	return result, nil
}

// SyncAccount 用账户配置执行一次同步周期。
func (s *SyncService) SyncAccount(ctx context.Context, account domain.MailboxAccount) (*domain.SyncResult, error) {
	return s.Sync(ctx, SyncInput{
		OwnerID:  account.OwnerID,
		Settings: AccountSettings(account),
	})
}

// AccountSettings 把账户配置转成远端连接参数。
func AccountSettings(account domain.MailboxAccount) remote.Settings {
	return remote.Settings{
		Host:     account.Host,
		Port:     account.Port,
		Username: account.Username,
		Password: account.Password,
		UseTLS:   account.UseTLS,
		Folder:   account.Folder,
	}
}

// Cursor 返回账户当前的同步游标。
func (s *SyncService) Cursor(ownerID string) (*domain.SyncCursor, error) {
	return s.store.GetSyncCursor(ownerID)
}

// syncOne 处理单封远端邮件，返回是否成功（跳过也算成功）。
func (s *SyncService) syncOne(session remote.Session, ownerID string, uid uint32, result *domain.SyncResult) bool {
	exists, err := s.store.MessageExists(ownerID, uid)
	if err != nil {
		s.recordError(result, uid, domain.SyncStagePersist, err)
		return false
	}
	if exists {
		result.Skipped++
		if s.metrics != nil {
			s.metrics.RecordDedupHit()
		}
		return true
	}

	msg, err := session.Fetch(uid)
	if err != nil {
		stage := domain.SyncStageFetch
		var parseErr *remote.ParseError
		if errors.As(err, &parseErr) {
			stage = domain.SyncStageParse
		}
		s.recordError(result, uid, stage, err)
		return false
	}

	if err := s.persist(ownerID, msg, result); err != nil {
		s.recordError(result, uid, domain.SyncStagePersist, err)
		return false
	}

	return true
}

// persist 将一封解析好的远端邮件落到本地存储。
func (s *SyncService) persist(ownerID string, msg *remote.Message, result *domain.SyncResult) error {
	now := time.Now().UTC()

	// 附件先去重入库，再把引用挂到邮件上
	links := make([]domain.MessageAttachment, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		// 可疑附件照常入库，只留告警给运维
		if findings := s.screener.Screen(part.Filename, part.ContentType, part.Content); len(findings) > 0 {
			s.logger.Warn("suspicious attachment ingested",
				zap.String("owner_id", ownerID),
				zap.Uint32("remote_uid", msg.UID),
				zap.String("filename", part.Filename),
				zap.Strings("findings", findings),
			)
		}


		stored, reused, err := s.attachments.Store(part.Filename, part.ContentType, part.Content)
		if err != nil {
			return fmt.Errorf("failed to store attachment %q: %w", part.Filename, err)
		}
		if reused {
			result.DedupHits++
		}
		links = append(links, domain.MessageAttachment{
			AttachmentID: stored.ID,
			Filename:     part.Filename,
			CreatedAt:    now,
		})
	}

	receivedAt := msg.Date
	if receivedAt.IsZero() {
		receivedAt = now
	}

	message := &domain.Message{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		RemoteUID:      msg.UID,
		From:           msg.From,
		Subject:        msg.Subject,
		ReceivedAt:     receivedAt,
		Preview:        makePreview(msg.Text, msg.Subject),
		HasAttachments: len(links) > 0,
		HasText:        msg.Text != "",
		HasHTML:        msg.HTML != "",
		State:          domain.MessageStateActive,
		SyncedAt:       now,
		CreatedAt:      now,
	}

	inserted, err := s.store.InsertMessage(message, links)
	if err != nil {
		return err
	}
	if !inserted {
		// 另一个实例抢先入库了同一封
		result.Skipped++
		return nil
	}

	if s.bodies != nil && (message.HasText || message.HasHTML) {
		if err := s.bodies.SaveMessageBody(message.ID, msg.Text, msg.HTML); err != nil {
			return fmt.Errorf("failed to save message body: %w", err)
		}
	}

	result.NewCount++
	if s.metrics != nil {
		s.metrics.RecordMessageIngested()
	}
	return nil
}

func (s *SyncService) recordError(result *domain.SyncResult, uid uint32, stage domain.SyncStage, err error) {
	result.Errors = append(result.Errors, domain.SyncError{
		RemoteUID: uid,
		Stage:     stage,
		Reason:    err.Error(),
	})
	if s.metrics != nil {
		s.metrics.RecordSyncError(string(stage))
	}
	s.logger.Warn("failed to sync message",
		zap.String("owner_id", result.OwnerID),
		zap.Uint32("remote_uid", uid),
		zap.String("stage", string(stage)),
		zap.Error(err),
	)
}

func (s *SyncService) recordCycle(outcome string, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordSyncCycle(outcome, duration)
	}
}

// makePreview 从正文截取列表预览，没有正文时退回主题。
func makePreview(text, subject string) string {
	preview := strings.Join(strings.Fields(text), " ")
	if preview == "" {
		preview = strings.TrimSpace(subject)
	}

	runes := []rune(preview)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit])
	}
	return preview
}
