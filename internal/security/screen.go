package security

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Screener 对入库附件做启发式安全检查。
// 检查只产出告警明细，不拦截入库：归档系统要如实保存远端内容，
// 但运维需要知道库里进了什么。
type Screener struct {
	suspiciousExtensions map[string]bool
	warnSizeBytes        int64
}

// NewScreener 创建附件检查器。
func NewScreener() *Screener {
	return &Screener{
		suspiciousExtensions: map[string]bool{
			".exe": true,
			".bat": true,
			".cmd": true,
			".scr": true,
			".pif": true,
			".com": true,
			".vbs": true,
			".js":  true,
			".jar": true,
			".php": true,
			".asp": true,
			".jsp": true,
		},
		warnSizeBytes: 25 * 1024 * 1024,
	}
}

// executableMagic 常见可执行文件的魔数
var executableMagic = [][]byte{
	{0x4D, 0x5A},             // PE
	{0x7F, 0x45, 0x4C, 0x46}, // ELF
	{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O
	{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O（小端）
}

// Screen 检查单个附件，返回告警明细，空切片表示未发现可疑点。
func (s *Screener) Screen(filename, contentType string, content []byte) []string {
	var findings []string

	if ext := strings.ToLower(filepath.Ext(filename)); s.suspiciousExtensions[ext] {
		findings = append(findings, "suspicious file extension: "+ext)
	}

	for _, sig := range executableMagic {
		if bytes.HasPrefix(content, sig) {
			findings = append(findings, "executable file signature")
			break
		}
	}

	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			findings = append(findings, "malformed content type: "+contentType)
		} else if strings.HasPrefix(mediaType, "text/") && looksLikeScript(content) {
			findings = append(findings, "script content in text attachment")
		}
	}

	if int64(len(content)) > s.warnSizeBytes {
		findings = append(findings, fmt.Sprintf("oversized attachment: %d bytes", len(content)))
	}

	return findings
}

// looksLikeScript 检查文本头部是否夹带脚本。
func looksLikeScript(content []byte) bool {
	head := content
	if len(head) > 512 {
		head = head[:512]
	}
	lowered := strings.ToLower(string(head))
	return strings.Contains(lowered, "<script") || strings.Contains(lowered, "javascript:")
}
