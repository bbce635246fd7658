package remote

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParseBody(t *testing.T) {
	t.Run("纯文本邮件", func(t *testing.T) {
		raw := crlf(
			"From: sender@example.com",
			"To: me@example.com",
			"Subject: hello",
			"Content-Type: text/plain; charset=utf-8",
			"",
			"这是正文",
			"",
		)

		text, html, parts, err := ParseBody(raw)
		require.NoError(t, err)
		assert.Contains(t, text, "这是正文")
		assert.Empty(t, html)
		assert.Empty(t, parts)
	})

	t.Run("multipart 带附件", func(t *testing.T) {
		raw := crlf(
			"From: sender@example.com",
			"To: me@example.com",
			"Subject: with attachment",
			"MIME-Version: 1.0",
			`Content-Type: multipart/mixed; boundary="BOUNDARY"`,
			"",
			"--BOUNDARY",
			"Content-Type: text/plain; charset=utf-8",
			"",
			"body text",
			"--BOUNDARY",
			"Content-Type: application/pdf",
			`Content-Disposition: attachment; filename="report.pdf"`,
			"Content-Transfer-Encoding: base64",
			"",
			"aGVsbG8gcGRm",
			"--BOUNDARY--",
			"",
		)

		text, _, parts, err := ParseBody(raw)
		require.NoError(t, err)
		assert.Contains(t, text, "body text")
		require.Len(t, parts, 1)
		assert.Equal(t, "report.pdf", parts[0].Filename)
		assert.Equal(t, "application/pdf", parts[0].ContentType)
		assert.Equal(t, []byte("hello pdf"), parts[0].Content)
	})

	t.Run("附件缺少文件名时生成占位名", func(t *testing.T) {
		raw := crlf(
			"From: sender@example.com",
			"Subject: unnamed attachment",
			"MIME-Version: 1.0",
			`Content-Type: multipart/mixed; boundary="BOUNDARY"`,
			"",
			"--BOUNDARY",
			"Content-Type: text/plain",
			"",
			"text",
			"--BOUNDARY",
			"Content-Disposition: attachment",
			"",
			"payload",
			"--BOUNDARY--",
			"",
		)

		_, _, parts, err := ParseBody(raw)
		require.NoError(t, err)
		require.Len(t, parts, 1)
		assert.Equal(t, "attachment-1", parts[0].Filename)
		assert.Equal(t, "application/octet-stream", parts[0].ContentType)
	})

	t.Run("无头报文按纯文本兜底", func(t *testing.T) {
		text, _, _, err := ParseBody([]byte("just some text without headers"))
		if err != nil {
			// 兜底不生效时必须是解析错误
			var parseErr *ParseError
			assert.ErrorAs(t, err, &parseErr)
			return
		}
		assert.NotEmpty(t, text)
	})

	t.Run("二进制垃圾报解析错误", func(t *testing.T) {
		_, _, _, err := ParseBody([]byte{0x00, 0x01, 0xff, 0xfe, 0x00})
		require.Error(t, err)
		var parseErr *ParseError
		assert.ErrorAs(t, err, &parseErr)
	})
}
