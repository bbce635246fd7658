package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/remote"
	"mailvault/backend/internal/storage/filesystem"
	"mailvault/backend/internal/storage/memory"
)

// ========== 远端假实现 ==========

type fakeSession struct {
	messages  map[uint32]*remote.Message
	fetchErrs map[uint32]error
	listErr   error
}

func (s *fakeSession) ListSince(afterUID uint32, limit int) ([]uint32, int, error) {
	if s.listErr != nil {
		return nil, 0, s.listErr
	}

	uids := make([]uint32, 0, len(s.messages))
	for uid := range s.messages {
		if uid > afterUID {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	total := len(uids)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, total, nil
}

func (s *fakeSession) Fetch(uid uint32) (*remote.Message, error) {
	if err, ok := s.fetchErrs[uid]; ok {
		return nil, err
	}
	msg, ok := s.messages[uid]
	if !ok {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}
	return msg, nil
}

func (s *fakeSession) Close() error { return nil }

type fakeClient struct {
	session *fakeSession
	openErr error
}

func (c *fakeClient) Open(ctx context.Context, settings remote.Settings) (remote.Session, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.session, nil
}

func remoteMessage(uid uint32, subject, text string, parts ...remote.Part) *remote.Message {
	return &remote.Message{
		UID:     uid,
		From:    "sender@example.com",
		Subject: subject,
		Date:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute),
		Text:    text,
		Parts:   parts,
	}
}

// ========== 测试装配 ==========

type syncEnv struct {
	store       *memory.Store
	blobs       *filesystem.Store
	attachments *AttachmentService
	sync        *SyncService
	client      *fakeClient
}

func newSyncEnv(t *testing.T, maxMessages int) *syncEnv {
	t.Helper()

	store := memory.NewStore()
	blobs, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)

	attachments := NewAttachmentService(store, blobs, zap.NewNop())
	client := &fakeClient{session: &fakeSession{
		messages:  make(map[uint32]*remote.Message),
		fetchErrs: make(map[uint32]error),
	}}

	svc := NewSyncService(store, client, attachments, blobs, maxMessages, time.Minute, zap.NewNop())

	return &syncEnv{
		store:       store,
		blobs:       blobs,
		attachments: attachments,
		sync:        svc,
		client:      client,
	}
}

func syncInput(ownerID string) SyncInput {
	return SyncInput{
		OwnerID: ownerID,
		Settings: remote.Settings{
			Host:     "imap.example.com",
			Port:     993,
			Username: ownerID,
			UseTLS:   true,
		},
	}
}

// ========== 测试 ==========

func TestSyncService_Sync(t *testing.T) {
	t.Run("首次同步全部入库", func(t *testing.T) {
		env := newSyncEnv(t, 200)
		env.client.session.messages[1] = remoteMessage(1, "hello", "first message body")
		env.client.session.messages[2] = remoteMessage(2, "world", "second message body")

		result, err := env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)

		assert.Equal(t, 2, result.NewCount)
		assert.Equal(t, 2, result.Examined)
		assert.Equal(t, 0, result.Skipped)
		assert.Equal(t, uint32(2), result.LastUID)
		assert.Empty(t, result.Errors)

		messages, total, err := env.store.ListMessages("alice", domain.MessageStateActive, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, messages, 2)

		cursor, err := env.store.GetSyncCursor("alice")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), cursor.LastUID)
	})

	t.Run("重复同步按远端标识跳过", func(t *testing.T) {
		env := newSyncEnv(t, 200)
		env.client.session.messages[1] = remoteMessage(1, "hello", "body")

		_, err := env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)

		// 游标之后没有新邮件，第二个周期应当是空转
		result, err := env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)
		assert.Equal(t, 0, result.NewCount)
		assert.Equal(t, 0, result.Examined)

		// 全量重扫会重新检查，但靠去重跳过
		input := syncInput("alice")
		input.ForceFullRescan = true
		result, err = env.sync.Sync(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, 0, result.NewCount)
		assert.Equal(t, 1, result.Examined)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, uint32(1), result.LastUID)
	})

	t.Run("正文落盘并可回读", func(t *testing.T) {
		env := newSyncEnv(t, 200)
		env.client.session.messages[1] = remoteMessage(1, "hello", "plain body")
		env.client.session.messages[1].HTML = "<p>plain body</p>"

		result, err := env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)
		require.Equal(t, 1, result.NewCount)

		messages, _, err := env.store.ListMessages("alice", domain.MessageStateActive, 1, 10)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.True(t, messages[0].HasText)
		assert.True(t, messages[0].HasHTML)

		text, html, err := env.blobs.GetMessageBody(messages[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "plain body", text)
		assert.Equal(t, "<p>plain body</p>", html)
	})

	t.Run("单封失败阻塞游标但不中止周期", func(t *testing.T) {
		env := newSyncEnv(t, 200)
		env.client.session.messages[1] = remoteMessage(1, "one", "body one")
		env.client.session.messages[3] = remoteMessage(3, "three", "body three")
		env.client.session.fetchErrs[2] = errors.New("transient fetch failure")
		env.client.session.messages[2] = remoteMessage(2, "two", "body two")

		result, err := env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)

		// 2 失败：1 和 3 入库，游标停在 1
		assert.Equal(t, 2, result.NewCount)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, uint32(2), result.Errors[0].RemoteUID)
		assert.Equal(t, domain.SyncStageFetch, result.Errors[0].Stage)
		assert.Equal(t, uint32(1), result.LastUID)

		// 故障恢复后，下个周期从游标处重查：2 入库，3 去重跳过
		delete(env.client.session.fetchErrs, 2)
		result, err = env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)
		assert.Equal(t, 1, result.NewCount)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, uint32(3), result.LastUID)

		_, total, err := env.store.ListMessages("alice", domain.MessageStateActive, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
	})

	t.Run("单周期上限分批推进", func(t *testing.T) {
		env := newSyncEnv(t, 2)
		for uid := uint32(1); uid <= 5; uid++ {
			env.client.session.messages[uid] = remoteMessage(uid, "subj", "body")
		}

		// 远端总数不受单周期上限截断影响
		result, err := env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)
		assert.Equal(t, 2, result.NewCount)
		assert.Equal(t, 2, result.Examined)
		assert.Equal(t, 5, result.TotalRemote)
		assert.Equal(t, uint32(2), result.LastUID)

		result, err = env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)
		assert.Equal(t, 2, result.NewCount)
		assert.Equal(t, 3, result.TotalRemote)
		assert.Equal(t, uint32(4), result.LastUID)

		result, err = env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)
		assert.Equal(t, 1, result.NewCount)
		assert.Equal(t, 1, result.TotalRemote)
		assert.Equal(t, uint32(5), result.LastUID)
	})

	t.Run("附件跨邮件按内容去重", func(t *testing.T) {
		env := newSyncEnv(t, 200)
		content := []byte("shared attachment payload")
		env.client.session.messages[1] = remoteMessage(1, "a", "body a",
			remote.Part{Filename: "report.pdf", ContentType: "application/pdf", Content: content})
		env.client.session.messages[2] = remoteMessage(2, "b", "body b",
			remote.Part{Filename: "copy-of-report.pdf", ContentType: "application/pdf", Content: content})

		result, err := env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)
		assert.Equal(t, 2, result.NewCount)
		assert.Equal(t, 1, result.DedupHits)

		// 两封邮件引用同一条附件行
		att, err := env.store.GetAttachmentByHash(env.blobs.Hash(content))
		require.NoError(t, err)
		refs, err := env.store.CountLiveReferences(att.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, refs)

		stats, err := env.blobs.Stats()
		require.NoError(t, err)
		assert.Equal(t, 1, stats.BlobCount)
	})

	t.Run("远端不可达返回连接错误", func(t *testing.T) {
		env := newSyncEnv(t, 200)
		env.client.openErr = &remote.ConnError{Addr: "imap.example.com:993", Err: errors.New("connection refused")}

		_, err := env.sync.Sync(context.Background(), syncInput("alice"))
		require.Error(t, err)

		var connErr *ConnectivityError
		assert.ErrorAs(t, err, &connErr)

		// 本地没有留下任何痕迹
		_, err = env.store.GetSyncCursor("alice")
		assert.Error(t, err)
	})

	t.Run("同步锁拒绝并发周期", func(t *testing.T) {
		env := newSyncEnv(t, 200)
		env.sync.SetSyncLocker(env.store, time.Minute)

		acquired, err := env.store.AcquireSyncLock("alice", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		_, err = env.sync.Sync(context.Background(), syncInput("alice"))
		assert.ErrorIs(t, err, ErrSyncInProgress)

		require.NoError(t, env.store.ReleaseSyncLock("alice"))
		env.client.session.messages[1] = remoteMessage(1, "hello", "body")
		result, err := env.sync.Sync(context.Background(), syncInput("alice"))
		require.NoError(t, err)
		assert.Equal(t, 1, result.NewCount)
	})
}

func TestMakePreview(t *testing.T) {
	t.Run("压缩空白", func(t *testing.T) {
		assert.Equal(t, "a b c", makePreview("a\n\n b\t c ", "subj"))
	})

	t.Run("无正文退回主题", func(t *testing.T) {
		assert.Equal(t, "subj", makePreview("", " subj "))
	})

	t.Run("超长截断", func(t *testing.T) {
		long := ""
		for i := 0; i < 600; i++ {
			long += "x"
		}
		preview := makePreview(long, "")
		assert.Len(t, []rune(preview), previewLimit)
	})
}
