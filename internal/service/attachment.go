package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mailvault/backend/internal/cache"
	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/monitoring"
	"mailvault/backend/internal/storage"
)

// BlobStore 内容寻址的二进制存储接口
type BlobStore interface {
	Hash(data []byte) string
	Put(hash string, data []byte) (string, error)
	Get(relPath string) ([]byte, error)
	Delete(relPath string) error
}

// AttachmentService 封装附件存取与内容去重逻辑。
//
// 相同内容的附件跨邮件只存一份 blob，元数据行按内容哈希唯一。
type AttachmentService struct {
	repo    storage.AttachmentRepository
	blobs   BlobStore
	group   singleflight.Group
	meta    *cache.TTLCache[domain.Attachment]
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewAttachmentService 创建附件业务服务。
func NewAttachmentService(repo storage.AttachmentRepository, blobs BlobStore, logger *zap.Logger) *AttachmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttachmentService{
		repo:   repo,
		blobs:  blobs,
		meta:   cache.NewTTLCache[domain.Attachment](10*time.Minute, time.Minute),
		logger: logger,
	}
}

// SetMetrics 设置监控指标（可选）
func (s *AttachmentService) SetMetrics(metrics *monitoring.Metrics) {
	s.metrics = metrics
}

type storeResult struct {
	attachment *domain.Attachment
	reused     bool
}

// Store 存入一段附件内容，返回去重后的元数据行。
//
// 相同内容已存在时复用现有行并返回 reused=true。
// 同一内容并发写入时通过 singleflight 合并，保证只落一份 blob。
// 返回的元数据不携带 Content。
func (s *AttachmentService) Store(filename, contentType string, content []byte) (*domain.Attachment, bool, error) {
	hash := s.blobs.Hash(content)

	v, err, shared := s.group.Do(hash, func() (interface{}, error) {
		existing, err := s.repo.GetAttachmentByHash(hash)
		if err == nil {
			return storeResult{attachment: existing, reused: true}, nil
		}
		if err != storage.ErrAttachmentNotFound {
			return nil, err
		}

		path, err := s.blobs.Put(hash, content)
		if err != nil {
			return nil, fmt.Errorf("failed to store attachment blob: %w", err)
		}

		now := time.Now().UTC()
		attachment := &domain.Attachment{
			ID:           uuid.NewString(),
			ContentHash:  hash,
			Filename:     filename,
			ContentType:  contentType,
			Size:         int64(len(content)),
			StoragePath:  path,
			CreatedAt:    now,
			LastAccessAt: now,
		}
		if err := s.repo.SaveAttachment(attachment); err != nil {
			// 可能输给了另一个进程的并发写入，读回已有行
			if existing, lookupErr := s.repo.GetAttachmentByHash(hash); lookupErr == nil {
				return storeResult{attachment: existing, reused: true}, nil
			}
			return nil, err
		}

		if s.metrics != nil {
			s.metrics.RecordAttachmentStored(attachment.Size)
		}
		return storeResult{attachment: attachment}, nil
	})
	if err != nil {
		return nil, false, err
	}

	result := v.(storeResult)
	reused := result.reused || shared
	if reused && s.metrics != nil {
		s.metrics.RecordAttachmentDedup()
	}
	return result.attachment, reused, nil
}

// Get 获取附件元数据及内容，并刷新访问时间。
func (s *AttachmentService) Get(id string) (*domain.Attachment, error) {
	attachment, err := s.getMeta(id)
	if err != nil {
		return nil, err
	}

	content, err := s.blobs.Get(attachment.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment blob: %w", err)
	}
	attachment.Content = content

	now := time.Now().UTC()
	if err := s.repo.TouchAttachment(id, now); err != nil {
		s.logger.Warn("failed to touch attachment",
			zap.String("attachment_id", id),
			zap.Error(err),
		)
	} else {
		attachment.LastAccessAt = now
		s.meta.Delete(id)
	}

	return attachment, nil
}

// GetMetadata 获取附件元数据，不读取内容。
func (s *AttachmentService) GetMetadata(id string) (*domain.Attachment, error) {
	return s.getMeta(id)
}

// ListForMessage 列出邮件引用的附件元数据。
func (s *AttachmentService) ListForMessage(messageID string) ([]*domain.Attachment, error) {
	return s.repo.ListAttachmentsByMessage(messageID)
}

// Purge 清除一条附件元数据及其 blob。
//
// 仍被现存邮件引用时返回 storage.ErrAttachmentReferenced。
func (s *AttachmentService) Purge(id string) error {
	attachment, err := s.repo.GetAttachment(id)
	if err != nil {
		if err == storage.ErrAttachmentNotFound {
			// 已被清过，幂等成功
			return nil
		}
		return err
	}

	refs, err := s.repo.CountLiveReferences(id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return storage.ErrAttachmentReferenced
	}

	// blob 先删再删行：失败时元数据行还在，重试会再次走到这里，
	// 不会把失败误判成"已清除"。Delete 对已缺失的文件幂等。
	if err := s.blobs.Delete(attachment.StoragePath); err != nil {
		s.logger.Error("failed to delete attachment blob",
			zap.String("attachment_id", id),
			zap.String("path", attachment.StoragePath),
			zap.Error(err),
		)
		return fmt.Errorf("failed to delete attachment blob: %w", err)
	}

	// 行级引用检查在这里原子复查，极端并发下宁可拒绝也不误删
	if err := s.repo.PurgeAttachment(id); err != nil {
		return err
	}
	s.meta.Delete(id)

	return nil
}

// getMeta 带本地缓存的元数据读取。
func (s *AttachmentService) getMeta(id string) (*domain.Attachment, error) {
	if cached, ok := s.meta.Get(id); ok {
		copied := cached
		return &copied, nil
	}

	attachment, err := s.repo.GetAttachment(id)
	if err != nil {
		return nil, err
	}

	s.meta.Set(id, *attachment, 0)
	return attachment, nil
}
