package memory

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/storage"
)

func newMessage(ownerID string, remoteUID uint32) *domain.Message {
	return &domain.Message{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		RemoteUID:  remoteUID,
		From:       "sender@example.com",
		Subject:    "测试邮件",
		ReceivedAt: time.Now().UTC(),
		State:      domain.MessageStateActive,
		SyncedAt:   time.Now().UTC(),
	}
}

func TestInsertMessage(t *testing.T) {
	t.Run("重复的远端标识不重复入库", func(t *testing.T) {
		store := NewStore()

		inserted, err := store.InsertMessage(newMessage("owner-1", 100), nil)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = store.InsertMessage(newMessage("owner-1", 100), nil)
		require.NoError(t, err)
		assert.False(t, inserted)

		_, total, err := store.ListMessages("owner-1", "", 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("不同所有者可以持有相同的远端标识", func(t *testing.T) {
		store := NewStore()

		inserted, err := store.InsertMessage(newMessage("owner-1", 100), nil)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = store.InsertMessage(newMessage("owner-2", 100), nil)
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("附件关联随邮件一起写入", func(t *testing.T) {
		store := NewStore()

		att := &domain.Attachment{ID: uuid.NewString(), ContentHash: "hash-1", Filename: "a.pdf", Size: 3}
		require.NoError(t, store.SaveAttachment(att))

		msg := newMessage("owner-1", 101)
		inserted, err := store.InsertMessage(msg, []domain.MessageAttachment{
			{AttachmentID: att.ID, Filename: "a.pdf"},
		})
		require.NoError(t, err)
		require.True(t, inserted)

		refs, err := store.CountLiveReferences(att.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, refs)
	})
}

func TestMessageStateTransitions(t *testing.T) {
	t.Run("软删除后从活跃列表消失", func(t *testing.T) {
		store := NewStore()
		msg := newMessage("owner-1", 1)
		_, err := store.InsertMessage(msg, nil)
		require.NoError(t, err)

		affected, err := store.MarkMessagesDeleted("owner-1", []string{msg.ID})
		require.NoError(t, err)
		assert.Equal(t, []string{msg.ID}, affected)

		_, total, err := store.ListMessages("owner-1", domain.MessageStateActive, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, total)

		_, total, err = store.ListMessages("owner-1", domain.MessageStateSoftDeleted, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("恢复只对软删除状态生效", func(t *testing.T) {
		store := NewStore()
		msg := newMessage("owner-1", 1)
		_, err := store.InsertMessage(msg, nil)
		require.NoError(t, err)

		affected, err := store.RestoreMessages("owner-1", []string{msg.ID})
		require.NoError(t, err)
		assert.Empty(t, affected)

		_, err = store.MarkMessagesDeleted("owner-1", []string{msg.ID})
		require.NoError(t, err)
		affected, err = store.RestoreMessages("owner-1", []string{msg.ID})
		require.NoError(t, err)
		assert.Equal(t, []string{msg.ID}, affected)
	})

	t.Run("所有者隔离", func(t *testing.T) {
		store := NewStore()
		msg := newMessage("owner-1", 1)
		_, err := store.InsertMessage(msg, nil)
		require.NoError(t, err)

		affected, err := store.MarkMessagesDeleted("owner-2", []string{msg.ID})
		require.NoError(t, err)
		assert.Empty(t, affected)

		_, err = store.GetMessage("owner-2", msg.ID)
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})
}

func TestPurgeMessage(t *testing.T) {
	t.Run("返回引用的附件并清理关联", func(t *testing.T) {
		store := NewStore()

		att := &domain.Attachment{ID: uuid.NewString(), ContentHash: "hash-1", Filename: "a.bin"}
		require.NoError(t, store.SaveAttachment(att))

		msg := newMessage("owner-1", 1)
		_, err := store.InsertMessage(msg, []domain.MessageAttachment{{AttachmentID: att.ID}})
		require.NoError(t, err)

		ids, err := store.PurgeMessage(msg.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{att.ID}, ids)

		refs, err := store.CountLiveReferences(att.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, refs)

		_, err = store.PurgeMessage(msg.ID)
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})

	t.Run("物理删除后远端标识可重新入库", func(t *testing.T) {
		store := NewStore()
		msg := newMessage("owner-1", 7)
		_, err := store.InsertMessage(msg, nil)
		require.NoError(t, err)

		_, err = store.PurgeMessage(msg.ID)
		require.NoError(t, err)

		inserted, err := store.InsertMessage(newMessage("owner-1", 7), nil)
		require.NoError(t, err)
		assert.True(t, inserted)
	})
}

func TestPurgeAttachment(t *testing.T) {
	t.Run("仍被引用时拒绝删除", func(t *testing.T) {
		store := NewStore()

		att := &domain.Attachment{ID: uuid.NewString(), ContentHash: "hash-1"}
		require.NoError(t, store.SaveAttachment(att))

		msg := newMessage("owner-1", 1)
		_, err := store.InsertMessage(msg, []domain.MessageAttachment{{AttachmentID: att.ID}})
		require.NoError(t, err)

		err = store.PurgeAttachment(att.ID)
		assert.ErrorIs(t, err, storage.ErrAttachmentReferenced)

		_, err = store.PurgeMessage(msg.ID)
		require.NoError(t, err)

		require.NoError(t, store.PurgeAttachment(att.ID))
		_, err = store.GetAttachmentByHash("hash-1")
		assert.ErrorIs(t, err, storage.ErrAttachmentNotFound)
	})

	t.Run("并发写入引用时不误删", func(t *testing.T) {
		// 引用计数和删除必须在同一临界区里，否则计数后、删除前
		// 插进来的引用会指向已删除的附件
		for i := 0; i < 100; i++ {
			store := NewStore()

			att := &domain.Attachment{ID: uuid.NewString(), ContentHash: "hash-1"}
			require.NoError(t, store.SaveAttachment(att))

			var wg sync.WaitGroup
			var insertErr, purgeErr error
			var inserted bool

			wg.Add(2)
			go func() {
				defer wg.Done()
				inserted, insertErr = store.InsertMessage(newMessage("owner-1", uint32(i)),
					[]domain.MessageAttachment{{AttachmentID: att.ID}})
			}()
			go func() {
				defer wg.Done()
				purgeErr = store.PurgeAttachment(att.ID)
			}()
			wg.Wait()

			require.NoError(t, insertErr)
			require.True(t, inserted)

			if errors.Is(purgeErr, storage.ErrAttachmentReferenced) {
				// 删除输给了插入：附件必须原样还在
				_, err := store.GetAttachment(att.ID)
				require.NoError(t, err)
			} else {
				require.NoError(t, purgeErr)
				_, err := store.GetAttachment(att.ID)
				assert.ErrorIs(t, err, storage.ErrAttachmentNotFound)
			}
		}
	})
}

func TestDeletionQueue(t *testing.T) {
	now := time.Now().UTC()

	t.Run("同目标未终态任务不重复入队", func(t *testing.T) {
		store := NewStore()

		ok, err := store.EnqueueDeletion(&domain.DeletionQueueItem{
			Kind: domain.DeletionKindMessage, TargetID: "m1", ScheduledFor: now,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.EnqueueDeletion(&domain.DeletionQueueItem{
			Kind: domain.DeletionKindMessage, TargetID: "m1", ScheduledFor: now,
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("认领只返回到期任务且不重复认领", func(t *testing.T) {
		store := NewStore()

		_, err := store.EnqueueDeletion(&domain.DeletionQueueItem{
			Kind: domain.DeletionKindMessage, TargetID: "due", ScheduledFor: now.Add(-time.Minute),
		})
		require.NoError(t, err)
		_, err = store.EnqueueDeletion(&domain.DeletionQueueItem{
			Kind: domain.DeletionKindMessage, TargetID: "future", ScheduledFor: now.Add(time.Hour),
		})
		require.NoError(t, err)

		claimed, err := store.ClaimDueDeletions(10, now)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "due", claimed[0].TargetID)
		assert.Equal(t, domain.DeletionStatusProcessing, claimed[0].Status)

		claimed, err = store.ClaimDueDeletions(10, now)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("失败重试与终态", func(t *testing.T) {
		store := NewStore()

		item := &domain.DeletionQueueItem{Kind: domain.DeletionKindMessage, TargetID: "m1", ScheduledFor: now.Add(-time.Minute)}
		_, err := store.EnqueueDeletion(item)
		require.NoError(t, err)

		claimed, err := store.ClaimDueDeletions(1, now)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		retryAt := now.Add(time.Minute)
		require.NoError(t, store.FailDeletion(claimed[0].ID, "storage busy", now, &retryAt))

		// 重试时间未到，不可认领
		claimed2, err := store.ClaimDueDeletions(1, now)
		require.NoError(t, err)
		assert.Empty(t, claimed2)

		claimed2, err = store.ClaimDueDeletions(1, retryAt)
		require.NoError(t, err)
		require.Len(t, claimed2, 1)
		assert.Equal(t, 1, claimed2[0].Attempts)

		require.NoError(t, store.FailDeletion(claimed2[0].ID, "storage busy", retryAt, nil))

		failed, err := store.ListFailedDeletions(10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, 2, failed[0].Attempts)
		assert.Equal(t, "storage busy", failed[0].LastError)

		count, err := store.CountFailedDeletions()
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("并发认领互不重叠", func(t *testing.T) {
		store := NewStore()

		const total = 20
		for i := 0; i < total; i++ {
			_, err := store.EnqueueDeletion(&domain.DeletionQueueItem{
				Kind:         domain.DeletionKindMessage,
				TargetID:     fmt.Sprintf("m%d", i),
				ScheduledFor: now.Add(-time.Minute),
			})
			require.NoError(t, err)
		}

		const workers = 4
		claimedCh := make(chan []domain.DeletionQueueItem, workers*total)

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					batch, err := store.ClaimDueDeletions(3, now)
					assert.NoError(t, err)
					if len(batch) == 0 {
						return
					}
					claimedCh <- batch
				}
			}()
		}
		wg.Wait()
		close(claimedCh)

		// 每个任务只能被认领一次
		seen := make(map[string]bool)
		for batch := range claimedCh {
			for _, item := range batch {
				assert.False(t, seen[item.ID], "item %s claimed twice", item.TargetID)
				seen[item.ID] = true
			}
		}
		assert.Len(t, seen, total)
	})

	t.Run("作废未终态任务", func(t *testing.T) {
		store := NewStore()

		_, err := store.EnqueueDeletion(&domain.DeletionQueueItem{
			Kind: domain.DeletionKindMessage, TargetID: "m1", ScheduledFor: now.Add(time.Hour),
		})
		require.NoError(t, err)

		cancelled, err := store.CancelPendingDeletions(domain.DeletionKindMessage, []string{"m1"})
		require.NoError(t, err)
		assert.Equal(t, 1, cancelled)

		claimed, err := store.ClaimDueDeletions(10, now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, claimed)

		// 作废后同目标可以再次入队
		ok, err := store.EnqueueDeletion(&domain.DeletionQueueItem{
			Kind: domain.DeletionKindMessage, TargetID: "m1", ScheduledFor: now,
		})
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestSyncCursor(t *testing.T) {
	store := NewStore()

	_, err := store.GetSyncCursor("owner-1")
	assert.ErrorIs(t, err, storage.ErrCursorNotFound)

	require.NoError(t, store.SaveSyncCursor(&domain.SyncCursor{OwnerID: "owner-1", Folder: "INBOX", LastUID: 42}))

	cursor, err := store.GetSyncCursor("owner-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), cursor.LastUID)
}

func TestSyncLock(t *testing.T) {
	store := NewStore()

	ok, err := store.AcquireSyncLock("owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireSyncLock("owner-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseSyncLock("owner-1"))

	ok, err = store.AcquireSyncLock("owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
