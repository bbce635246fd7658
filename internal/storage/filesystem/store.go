package filesystem

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Store 文件系统存储实现。
// 附件按内容寻址存放在 blobs/ 下，邮件正文按邮件 ID 存放在 messages/ 下。
type Store struct {
	basePath string
}

// BlobStats 文件存储统计信息
type BlobStats struct {
	BlobCount      int    `json:"blobCount"`      // 附件文件数
	MessageCount   int    `json:"messageCount"`   // 有正文落盘的邮件数
	TotalSizeBytes int64  `json:"totalSizeBytes"` // 占用字节总数
	BasePath       string `json:"basePath"`
}

// NewStore 创建文件系统存储实例。
func NewStore(basePath string) (*Store, error) {
	if err := validatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		absPath = basePath
	}
	absPath = filepath.Clean(absPath)

	for _, sub := range []string{"blobs", "messages"} {
		if err := os.MkdirAll(filepath.Join(absPath, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	return &Store{basePath: absPath}, nil
}

// ========== 附件内容（按内容寻址） ==========

// Hash 计算附件内容摘要（blake2b-256，十六进制）。
func (s *Store) Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put 写入附件内容，返回相对存储路径。
// 同摘要的内容已存在时跳过写入，保证相同内容只占一份磁盘空间。
func (s *Store) Put(hash string, data []byte) (string, error) {
	if len(hash) < 4 {
		return "", fmt.Errorf("invalid content hash: %q", hash)
	}

	relPath := filepath.Join("blobs", hash[:2], hash[2:4], hash)
	target := filepath.Join(s.basePath, relPath)

	if _, err := os.Stat(target); err == nil {
		return relPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	// 先写临时文件再改名，避免并发 Put 读到写了一半的内容
	if err := writeFileAtomic(target, data); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return relPath, nil
}

// Get 读取附件内容。
func (s *Store) Get(relPath string) ([]byte, error) {
	if err := validatePath(relPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.basePath, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", relPath)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete 删除附件内容。文件已不存在时视为成功。
func (s *Store) Delete(relPath string) error {
	if err := validatePath(relPath); err != nil {
		return err
	}

	target := filepath.Join(s.basePath, relPath)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	// 顺手清掉空出来的分片目录
	dir := filepath.Dir(target)
	for i := 0; i < 2; i++ {
		if entries, err := os.ReadDir(dir); err != nil || len(entries) > 0 {
			break
		}
		os.Remove(dir)
		dir = filepath.Dir(dir)
	}
	return nil
}

// ========== 邮件正文 ==========

// SaveMessageBody 保存邮件正文（纯文本与 HTML 各存一个文件）。
func (s *Store) SaveMessageBody(messageID string, text, html string) error {
	dir := s.messageDir(messageID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create message directory: %w", err)
	}

	if text != "" {
		if err := writeFileAtomic(filepath.Join(dir, "body.txt"), []byte(text)); err != nil {
			return fmt.Errorf("failed to write text body: %w", err)
		}
	}
	if html != "" {
		if err := writeFileAtomic(filepath.Join(dir, "body.html"), []byte(html)); err != nil {
			return fmt.Errorf("failed to write html body: %w", err)
		}
	}
	return nil
}

// GetMessageBody 读取邮件正文。缺失的部分返回空串。
func (s *Store) GetMessageBody(messageID string) (text, html string, err error) {
	dir := s.messageDir(messageID)

	if data, readErr := os.ReadFile(filepath.Join(dir, "body.txt")); readErr == nil {
		text = string(data)
	} else if !os.IsNotExist(readErr) {
		return "", "", fmt.Errorf("failed to read text body: %w", readErr)
	}

	if data, readErr := os.ReadFile(filepath.Join(dir, "body.html")); readErr == nil {
		html = string(data)
	} else if !os.IsNotExist(readErr) {
		return "", "", fmt.Errorf("failed to read html body: %w", readErr)
	}

	return text, html, nil
}

// DeleteMessageBody 删除邮件正文目录。
func (s *Store) DeleteMessageBody(messageID string) error {
	return os.RemoveAll(s.messageDir(messageID))
}

// ========== 统计与健康 ==========

// Stats 遍历存储目录，返回占用统计。
func (s *Store) Stats() (*BlobStats, error) {
	stats := &BlobStats{BasePath: s.basePath}

	err := filepath.Walk(filepath.Join(s.basePath, "blobs"), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // 跳过错误，继续遍历
		}
		if !info.IsDir() {
			stats.BlobCount++
			stats.TotalSizeBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	messagesPath := filepath.Join(s.basePath, "messages")
	err = filepath.Walk(messagesPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && filepath.Dir(path) != messagesPath && path != messagesPath {
			stats.MessageCount++
			return nil
		}
		if !info.IsDir() {
			stats.TotalSizeBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// Health 检查存储目录可写。
func (s *Store) Health() error {
	probe := filepath.Join(s.basePath, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("storage not writable: %w", err)
	}
	os.Remove(probe)
	return nil
}

// ========== 辅助方法 ==========

// messageDir 邮件正文目录，按 ID 前两位分片。
// 格式: {base}/messages/{id[:2]}/{id}/
func (s *Store) messageDir(messageID string) string {
	shard := messageID
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.basePath, "messages", shard, messageID)
}

// writeFileAtomic 先写临时文件再改名。
func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// validatePath 拒绝路径遍历与异常长度。
func validatePath(path string) error {
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}
	return nil
}
