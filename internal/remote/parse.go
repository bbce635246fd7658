package remote

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
)

// ParseError 邮件结构无法解码。
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseBody 解析原始 RFC 5322 报文，抽取纯文本、HTML 正文与附件。
// 没有 MIME 结构的报文整体按纯文本处理。
func ParseBody(raw []byte) (text, html string, parts []Part, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if looksLikePlainText(raw) {
			return string(raw), "", nil, nil
		}
		return "", "", nil, &ParseError{Err: err}
	}
	defer mr.Close()

	for {
		part, partErr := mr.NextPart()
		if partErr == io.EOF {
			break
		}
		if partErr != nil {
			return "", "", nil, &ParseError{Err: partErr}
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return "", "", nil, &ParseError{Err: readErr}
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				text = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				html = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return "", "", nil, &ParseError{Err: readErr}
			}

			parts = append(parts, Part{
				Filename:    fallbackFilename(filename, len(parts)),
				ContentType: fallbackContentType(contentType),
				Content:     body,
			})
		}
	}

	return text, html, parts, nil
}

// looksLikePlainText 粗略判断报文是否可直接当纯文本收下。
// 含 NUL 字节的内容按二进制拒绝。
func looksLikePlainText(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	return !bytes.ContainsRune(raw, 0)
}

// fallbackFilename 附件未声明文件名时生成一个占位名。
func fallbackFilename(filename string, index int) string {
	if filename != "" {
		return filename
	}
	return fmt.Sprintf("attachment-%d", index+1)
}

// fallbackContentType MIME 类型缺失时按二进制流处理。
func fallbackContentType(contentType string) string {
	if contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
