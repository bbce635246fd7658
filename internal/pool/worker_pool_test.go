package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	t.Run("提交的任务全部执行", func(t *testing.T) {
		p := NewWorkerPool(4, 16, nil)
		p.Start()

		var done atomic.Int64
		for i := 0; i < 20; i++ {
			require.NoError(t, p.Submit(context.Background(), func() {
				done.Add(1)
			}))
		}

		p.Stop()
		assert.Equal(t, int64(20), done.Load())
	})

	t.Run("任务panic不拖垮工作协程", func(t *testing.T) {
		p := NewWorkerPool(1, 4, nil)
		p.Start()

		var done atomic.Int64
		require.NoError(t, p.Submit(context.Background(), func() {
			panic("boom")
		}))
		require.NoError(t, p.Submit(context.Background(), func() {
			done.Add(1)
		}))

		p.Stop()
		assert.Equal(t, int64(1), done.Load())
	})

	t.Run("上下文取消时放弃提交", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		// 故意不启动工作协程，让队列塞满

		require.NoError(t, p.Submit(context.Background(), func() {}))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := p.Submit(ctx, func() {})
		assert.Error(t, err)
	})

	t.Run("TrySubmit队列满时返回false", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)

		assert.True(t, p.TrySubmit(func() {}))
		assert.False(t, p.TrySubmit(func() {}))
	})
}
