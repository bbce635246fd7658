package domain

// MailboxAccount 表示一个可被同步的远端邮箱账户。
// 凭据来源由上层决定（配置、请求参数等），引擎本身不管理账户生命周期。
type MailboxAccount struct {
	OwnerID  string `json:"ownerId"` // 本地所有者标识
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	UseTLS   bool   `json:"useTls"`
	Folder   string `json:"folder"` // 为空时默认 INBOX
}

// ActionResult 批量操作的影响范围。
type ActionResult struct {
	Requested int      `json:"requested"`          // 请求中携带的目标数
	Affected  int      `json:"affected"`           // 实际生效的目标数
	IDs       []string `json:"ids,omitempty"`      // 实际生效的目标ID
}
