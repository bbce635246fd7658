package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache(t *testing.T) {
	t.Run("写入后可读取", func(t *testing.T) {
		c := NewTTLCache[string](time.Minute, time.Minute)
		defer c.Stop()

		c.Set("key", "value", 0)

		got, ok := c.Get("key")
		assert.True(t, ok)
		assert.Equal(t, "value", got)
	})

	t.Run("过期后读取未命中", func(t *testing.T) {
		c := NewTTLCache[int](time.Minute, time.Minute)
		defer c.Stop()

		c.Set("key", 42, time.Millisecond)
		time.Sleep(5 * time.Millisecond)

		_, ok := c.Get("key")
		assert.False(t, ok)
	})

	t.Run("删除后读取未命中", func(t *testing.T) {
		c := NewTTLCache[string](time.Minute, time.Minute)
		defer c.Stop()

		c.Set("key", "value", 0)
		c.Delete("key")

		_, ok := c.Get("key")
		assert.False(t, ok)
	})

	t.Run("后台清理回收过期条目", func(t *testing.T) {
		c := NewTTLCache[string](time.Millisecond, 5*time.Millisecond)
		defer c.Stop()

		c.Set("a", "1", 0)
		c.Set("b", "2", 0)
		assert.Equal(t, 2, c.Len())

		assert.Eventually(t, func() bool {
			return c.Len() == 0
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("重复Stop不崩溃", func(t *testing.T) {
		c := NewTTLCache[string](time.Minute, time.Minute)
		c.Stop()
		c.Stop()
	})
}
