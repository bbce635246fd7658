package service

import (
	"errors"
	"sync"

	"mailvault/backend/internal/domain"
)

// ErrAccountNotFound 请求的账户不存在。
var ErrAccountNotFound = errors.New("account not found")

// AccountProvider 提供可同步的远端邮箱账户。
type AccountProvider interface {
	Get(ownerID string) (*domain.MailboxAccount, error)
	All() []domain.MailboxAccount
}

// StaticAccountProvider 基于静态配置的账户来源。
type StaticAccountProvider struct {
	mu       sync.RWMutex
	accounts map[string]domain.MailboxAccount
	order    []string
}

// NewStaticAccountProvider 创建静态账户来源。
func NewStaticAccountProvider(accounts ...domain.MailboxAccount) *StaticAccountProvider {
	p := &StaticAccountProvider{
		accounts: make(map[string]domain.MailboxAccount),
	}
	for _, account := range accounts {
		p.Add(account)
	}
	return p
}

// Add 注册一个账户，OwnerID 为空时用用户名兜底。
func (p *StaticAccountProvider) Add(account domain.MailboxAccount) {
	if account.OwnerID == "" {
		account.OwnerID = account.Username
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.accounts[account.OwnerID]; !exists {
		p.order = append(p.order, account.OwnerID)
	}
	p.accounts[account.OwnerID] = account
}

// Get 按归属方查找账户。
func (p *StaticAccountProvider) Get(ownerID string) (*domain.MailboxAccount, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	account, ok := p.accounts[ownerID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

// All 按注册顺序返回所有账户。
func (p *StaticAccountProvider) All() []domain.MailboxAccount {
	p.mu.RLock()
	defer p.mu.RUnlock()

	accounts := make([]domain.MailboxAccount, 0, len(p.order))
	for _, ownerID := range p.order {
		accounts = append(accounts, p.accounts[ownerID])
	}
	return accounts
}
