package storage

// ConversationMeta 对话元数据
// ConversationMeta holds conversation metadata
type ConversationMeta struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
	Title   string `json:"title"`
	CWD     string `json:"cwd"`
	UserID  string `json:"user_id"`
	// RemoteID is the agent-side session/thread id, kept so backends that
	// support it can resume the remote conversation later.
	RemoteID  string `json:"remote_id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// PermissionEntry 权限决策日志条目
// PermissionEntry records a single permission decision
type PermissionEntry struct {
	ConversationID string
	Kind           string
	Detail         string
	Decision       string
}
