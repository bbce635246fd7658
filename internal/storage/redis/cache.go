package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mailvault/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache Redis 缓存实现
type Cache struct {
	client *redis.Client
	ctx    context.Context
}

// NewCache 创建 Redis 缓存实例
func NewCache(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	ctx := context.Background()

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{
		client: client,
		ctx:    ctx,
	}, nil
}

// ========== 邮件缓存 ==========

// CacheMessage 缓存邮件元数据
func (c *Cache) CacheMessage(message *domain.Message, ttl time.Duration) error {
	key := fmt.Sprintf("message:%s:%s", message.OwnerID, message.ID)
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.client.Set(c.ctx, key, data, ttl).Err()
}

// GetCachedMessage 获取缓存的邮件元数据
func (c *Cache) GetCachedMessage(ownerID, messageID string) (*domain.Message, error) {
	key := fmt.Sprintf("message:%s:%s", ownerID, messageID)
	data, err := c.client.Get(c.ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var message domain.Message
	if err := json.Unmarshal([]byte(data), &message); err != nil {
		return nil, err
	}

	return &message, nil
}

// DeleteCachedMessage 删除缓存的邮件元数据
func (c *Cache) DeleteCachedMessage(ownerID, messageID string) error {
	key := fmt.Sprintf("message:%s:%s", ownerID, messageID)
	return c.client.Del(c.ctx, key).Err()
}

// ========== 附件缓存 ==========

// CacheAttachment 缓存附件元数据
func (c *Cache) CacheAttachment(attachment *domain.Attachment, ttl time.Duration) error {
	key := fmt.Sprintf("attachment:%s", attachment.ID)
	meta := *attachment
	meta.Content = nil // 只缓存元数据，内容走文件系统
	data, err := json.Marshal(&meta)
	if err != nil {
		return err
	}
	return c.client.Set(c.ctx, key, data, ttl).Err()
}

// GetCachedAttachment 获取缓存的附件元数据
func (c *Cache) GetCachedAttachment(attachmentID string) (*domain.Attachment, error) {
	key := fmt.Sprintf("attachment:%s", attachmentID)
	data, err := c.client.Get(c.ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var attachment domain.Attachment
	if err := json.Unmarshal([]byte(data), &attachment); err != nil {
		return nil, err
	}

	return &attachment, nil
}

// DeleteCachedAttachment 删除缓存的附件元数据
func (c *Cache) DeleteCachedAttachment(attachmentID string) error {
	key := fmt.Sprintf("attachment:%s", attachmentID)
	return c.client.Del(c.ctx, key).Err()
}

// ========== 同步游标缓存 ==========

// CacheSyncCursor 缓存同步游标
func (c *Cache) CacheSyncCursor(cursor *domain.SyncCursor, ttl time.Duration) error {
	key := fmt.Sprintf("cursor:%s", cursor.OwnerID)
	data, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	return c.client.Set(c.ctx, key, data, ttl).Err()
}

// GetCachedSyncCursor 获取缓存的同步游标
func (c *Cache) GetCachedSyncCursor(ownerID string) (*domain.SyncCursor, error) {
	key := fmt.Sprintf("cursor:%s", ownerID)
	data, err := c.client.Get(c.ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var cursor domain.SyncCursor
	if err := json.Unmarshal([]byte(data), &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// DeleteCachedSyncCursor 删除缓存的同步游标
func (c *Cache) DeleteCachedSyncCursor(ownerID string) error {
	key := fmt.Sprintf("cursor:%s", ownerID)
	return c.client.Del(c.ctx, key).Err()
}

// ========== 同步互斥锁 ==========

// AcquireSyncLock 获取某所有者的同步锁。
// SETNX 语义：已有持有者时返回 false，锁到期自动释放。
func (c *Cache) AcquireSyncLock(ownerID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("synclock:%s", ownerID)
	return c.client.SetNX(c.ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// ReleaseSyncLock 释放某所有者的同步锁。
func (c *Cache) ReleaseSyncLock(ownerID string) error {
	key := fmt.Sprintf("synclock:%s", ownerID)
	return c.client.Del(c.ctx, key).Err()
}

// ========== 工具方法 ==========

// SetTTL 设置键的过期时间
func (c *Cache) SetTTL(key string, ttl time.Duration) error {
	return c.client.Expire(c.ctx, key, ttl).Err()
}

// Delete 删除键
func (c *Cache) Delete(key string) error {
	return c.client.Del(c.ctx, key).Err()
}

// Exists 检查键是否存在
func (c *Cache) Exists(key string) (bool, error) {
	n, err := c.client.Exists(c.ctx, key).Result()
	return n > 0, err
}

// Health 健康检查
func (c *Cache) Health() error {
	return c.client.Ping(c.ctx).Err()
}

// Close 关闭 Redis 连接
func (c *Cache) Close() error {
	return c.client.Close()
}
