package remote

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Settings 远端邮箱连接参数。
type Settings struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	Folder   string // 为空时默认 INBOX
}

// Addr 返回 host:port 形式的地址。
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// FolderOrDefault 返回目标目录，未指定时用 INBOX。
func (s Settings) FolderOrDefault() string {
	if s.Folder == "" {
		return "INBOX"
	}
	return s.Folder
}

// ConnError 建连或会话中断类错误。
type ConnError struct {
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("remote mailbox unreachable at %s: %v", e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// AuthError 认证失败错误。
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Message 一封拉取下来并解析完成的远端邮件。
type Message struct {
	UID     uint32
	From    string
	Subject string
	Date    time.Time
	Text    string
	HTML    string
	Parts   []Part
}

// Part 邮件中的一个附件部分。
type Part struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Client 定义远端邮箱访问能力。
type Client interface {
	// Open 建立一次有界会话。调用方负责 Close。
	Open(ctx context.Context, settings Settings) (Session, error)
}

// Session 一次已选定目录的远端会话。
type Session interface {
	// ListSince 返回大于 afterUID 的远端标识，升序，最多 limit 个，
	// 以及截断前的匹配总数。
	ListSince(afterUID uint32, limit int) ([]uint32, int, error)
	// Fetch 拉取并解析单封邮件。
	Fetch(uid uint32) (*Message, error)
	Close() error
}

// ========== IMAP 实现 ==========

// imapClient 基于 go-imap v2 的 Client 实现。
type imapClient struct {
	dialTimeout time.Duration
}

// NewIMAPClient 创建 IMAP 客户端。
func NewIMAPClient(dialTimeout time.Duration) Client {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &imapClient{dialTimeout: dialTimeout}
}

// Open 建连、认证并选定目录。
// 拨号在独立协程里做，保证 ctx 到期时调用方不会被阻塞住。
func (c *imapClient) Open(ctx context.Context, settings Settings) (Session, error) {
	type dialResult struct {
		cli *imapclient.Client
		err error
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	ch := make(chan dialResult, 1)
	go func() {
		var cli *imapclient.Client
		var err error
		if settings.UseTLS {
			cli, err = imapclient.DialTLS(settings.Addr(), nil)
		} else {
			cli, err = imapclient.DialStartTLS(settings.Addr(), nil)
		}
		ch <- dialResult{cli: cli, err: err}
	}()

	var cli *imapclient.Client
	select {
	case <-dialCtx.Done():
		// 拨号协程迟早返回并自行关闭连接
		go func() {
			if r := <-ch; r.cli != nil {
				r.cli.Close()
			}
		}()
		return nil, &ConnError{Addr: settings.Addr(), Err: dialCtx.Err()}
	case r := <-ch:
		if r.err != nil {
			return nil, &ConnError{Addr: settings.Addr(), Err: r.err}
		}
		cli = r.cli
	}

	if err := cli.Login(settings.Username, settings.Password).Wait(); err != nil {
		_ = cli.Logout().Wait()
		return nil, &AuthError{Username: settings.Username, Err: err}
	}

	if _, err := cli.Select(settings.FolderOrDefault(), nil).Wait(); err != nil {
		_ = cli.Logout().Wait()
		return nil, &ConnError{Addr: settings.Addr(), Err: fmt.Errorf("selecting %s: %w", settings.FolderOrDefault(), err)}
	}

	return &imapSession{cli: cli, addr: settings.Addr()}, nil
}

// imapSession 基于 go-imap v2 的 Session 实现。
type imapSession struct {
	cli  *imapclient.Client
	addr string
}

// ListSince 用 UID SEARCH 列出大于 afterUID 的标识。
func (s *imapSession) ListSince(afterUID uint32, limit int) ([]uint32, int, error) {
	var uidSet imap.UIDSet
	// afterUID+1:* 覆盖所有更新的邮件；afterUID 为 0 时等价于全量
	uidSet.AddRange(imap.UID(afterUID+1), 0)

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{uidSet},
	}

	searchData, err := s.cli.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, 0, &ConnError{Addr: s.addr, Err: fmt.Errorf("searching messages: %w", err)}
	}

	uids := make([]uint32, 0)
	for _, uid := range searchData.AllUIDs() {
		// 部分服务器对 n:* 会把最后一封也带回来，过滤掉不大于游标的
		if uint32(uid) > afterUID {
			uids = append(uids, uint32(uid))
		}
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	total := len(uids)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, total, nil
}

// Fetch 拉取单封邮件全文并解析。
func (s *imapSession) Fetch(uid uint32) (*Message, error) {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	bodySection := &imap.FetchItemBodySection{
		Peek: true, // 不动远端已读标记
	}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.cli.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &ConnError{Addr: s.addr, Err: fmt.Errorf("message UID %d not found", uid)}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, &ConnError{Addr: s.addr, Err: fmt.Errorf("collecting message data: %w", err)}
	}

	result := &Message{UID: uint32(buf.UID)}
	if buf.Envelope != nil {
		result.Subject = buf.Envelope.Subject
		result.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			result.From = buf.Envelope.From[0].Addr()
		}
	}

	rawBody := buf.FindBodySection(bodySection)
	if rawBody == nil {
		return nil, fmt.Errorf("message UID %d has no body section", uid)
	}

	text, html, parts, err := ParseBody(rawBody)
	if err != nil {
		return nil, err
	}
	result.Text = text
	result.HTML = html
	result.Parts = parts

	return result, nil
}

// Close 退出并关闭会话。
func (s *imapSession) Close() error {
	return s.cli.Logout().Wait()
}
