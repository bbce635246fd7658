package service

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/storage"
	"mailvault/backend/internal/storage/filesystem"
	"mailvault/backend/internal/storage/memory"
)

func newAttachmentService(t *testing.T) (*AttachmentService, *memory.Store, *filesystem.Store) {
	t.Helper()

	store := memory.NewStore()
	blobs, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)

	return NewAttachmentService(store, blobs, zap.NewNop()), store, blobs
}

func TestAttachmentService_Store(t *testing.T) {
	t.Run("相同内容复用同一条记录", func(t *testing.T) {
		svc, _, blobs := newAttachmentService(t)
		content := []byte("identical bytes")

		first, reused, err := svc.Store("a.txt", "text/plain", content)
		require.NoError(t, err)
		assert.False(t, reused)

		// 文件名不同不影响按内容去重
		second, reused, err := svc.Store("b.txt", "text/plain", content)
		require.NoError(t, err)
		assert.True(t, reused)
		assert.Equal(t, first.ID, second.ID)

		stats, err := blobs.Stats()
		require.NoError(t, err)
		assert.Equal(t, 1, stats.BlobCount)
	})

	t.Run("不同内容各自成行", func(t *testing.T) {
		svc, _, _ := newAttachmentService(t)

		first, _, err := svc.Store("a.txt", "text/plain", []byte("one"))
		require.NoError(t, err)
		second, _, err := svc.Store("a.txt", "text/plain", []byte("two"))
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.NotEqual(t, first.ContentHash, second.ContentHash)
	})
}

func TestAttachmentService_Get(t *testing.T) {
	t.Run("读取内容并刷新访问时间", func(t *testing.T) {
		svc, store, _ := newAttachmentService(t)
		content := []byte("attachment body")

		stored, _, err := svc.Store("a.bin", "application/octet-stream", content)
		require.NoError(t, err)
		createdAccess := stored.LastAccessAt

		time.Sleep(5 * time.Millisecond)
		got, err := svc.Get(stored.ID)
		require.NoError(t, err)
		assert.Equal(t, content, got.Content)

		fresh, err := store.GetAttachment(stored.ID)
		require.NoError(t, err)
		assert.True(t, fresh.LastAccessAt.After(createdAccess))
	})

	t.Run("不存在返回未找到", func(t *testing.T) {
		svc, _, _ := newAttachmentService(t)

		_, err := svc.Get(uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrAttachmentNotFound)
	})
}

func TestAttachmentService_Purge(t *testing.T) {
	t.Run("仍被引用时拒绝清除", func(t *testing.T) {
		svc, store, _ := newAttachmentService(t)

		stored, _, err := svc.Store("a.bin", "application/octet-stream", []byte("payload"))
		require.NoError(t, err)

		now := time.Now().UTC()
		inserted, err := store.InsertMessage(&domain.Message{
			ID:             uuid.NewString(),
			OwnerID:        "alice",
			RemoteUID:      1,
			ReceivedAt:     now,
			HasAttachments: true,
			State:          domain.MessageStateActive,
			CreatedAt:      now,
		}, []domain.MessageAttachment{{AttachmentID: stored.ID, Filename: "a.bin"}})
		require.NoError(t, err)
		require.True(t, inserted)

		err = svc.Purge(stored.ID)
		assert.ErrorIs(t, err, storage.ErrAttachmentReferenced)
	})

	t.Run("无引用时连同blob一起清除", func(t *testing.T) {
		svc, store, blobs := newAttachmentService(t)

		stored, _, err := svc.Store("a.bin", "application/octet-stream", []byte("payload"))
		require.NoError(t, err)

		require.NoError(t, svc.Purge(stored.ID))

		_, err = store.GetAttachment(stored.ID)
		assert.ErrorIs(t, err, storage.ErrAttachmentNotFound)
		_, err = blobs.Get(stored.StoragePath)
		assert.Error(t, err)
	})

	t.Run("重复清除幂等", func(t *testing.T) {
		svc, _, _ := newAttachmentService(t)

		stored, _, err := svc.Store("a.bin", "application/octet-stream", []byte("payload"))
		require.NoError(t, err)

		require.NoError(t, svc.Purge(stored.ID))
		require.NoError(t, svc.Purge(stored.ID))
	})

	t.Run("blob删除失败时保留元数据供重试", func(t *testing.T) {
		store := memory.NewStore()
		fs, err := filesystem.NewStore(t.TempDir())
		require.NoError(t, err)
		blobs := &flakyBlobStore{Store: fs, deleteErr: errors.New("disk unplugged")}
		svc := NewAttachmentService(store, blobs, zap.NewNop())

		stored, _, err := svc.Store("a.bin", "application/octet-stream", []byte("payload"))
		require.NoError(t, err)

		// blob 删不掉时必须报错，且元数据行不动
		require.Error(t, svc.Purge(stored.ID))
		_, err = store.GetAttachment(stored.ID)
		require.NoError(t, err)

		// 重试同样失败，不会被误判成"已清除"
		require.Error(t, svc.Purge(stored.ID))
		content, err := fs.Get(stored.StoragePath)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), content)

		// 故障恢复后重试成功，行和 blob 一起消失
		blobs.deleteErr = nil
		require.NoError(t, svc.Purge(stored.ID))
		_, err = store.GetAttachment(stored.ID)
		assert.ErrorIs(t, err, storage.ErrAttachmentNotFound)
		_, err = fs.Get(stored.StoragePath)
		assert.Error(t, err)
	})
}

// flakyBlobStore 包一层文件存储，Delete 可以按需注入故障。
type flakyBlobStore struct {
	*filesystem.Store
	deleteErr error
}

func (f *flakyBlobStore) Delete(relPath string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.Delete(relPath)
}
