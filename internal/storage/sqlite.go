package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentbridge/internal/chat"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的持久化实现
// SQLiteStore persists conversations and their message streams using
// SQLite with WAL mode. Messages are keyed by (conversation_id, msg_id):
// streaming upserts (tool-call updates, the content-final replacing its
// deltas) overwrite in place instead of appending duplicates.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 启用 WAL 模式和优化 PRAGMA / Enable WAL and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		backend    TEXT NOT NULL DEFAULT '',
		title      TEXT NOT NULL DEFAULT '',
		cwd        TEXT NOT NULL DEFAULT '',
		user_id    TEXT NOT NULL DEFAULT '',
		remote_id  TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		msg_id          TEXT NOT NULL,
		type            TEXT NOT NULL,
		data            TEXT NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL,
		UNIQUE(conversation_id, msg_id)
	);

	CREATE TABLE IF NOT EXISTS permission_log (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		kind            TEXT NOT NULL,
		detail          TEXT NOT NULL DEFAULT '',
		decision        TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	CREATE INDEX IF NOT EXISTS idx_permission_log_conversation ON permission_log(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库连接 / Close the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Conversation Operations ---

func (s *SQLiteStore) CreateConversation(meta ConversationMeta) error {
	now := nowUTC()
	if strings.TrimSpace(meta.CreatedAt) == "" {
		meta.CreatedAt = now
	}
	if strings.TrimSpace(meta.UpdatedAt) == "" {
		meta.UpdatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, backend, title, cwd, user_id, remote_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Backend, meta.Title, meta.CWD, meta.UserID, meta.RemoteID,
		meta.CreatedAt, meta.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveConversation(meta ConversationMeta) error {
	meta.UpdatedAt = nowUTC()
	_, err := s.db.Exec(`
		UPDATE conversations SET backend=?, title=?, cwd=?, user_id=?, remote_id=?, updated_at=?
		WHERE id=?`,
		meta.Backend, meta.Title, meta.CWD, meta.UserID, meta.RemoteID, meta.UpdatedAt, meta.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadConversation(id string) (ConversationMeta, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return ConversationMeta{}, fmt.Errorf("conversation id is empty")
	}
	row := s.db.QueryRow(`
		SELECT id, backend, title, cwd, user_id, remote_id, created_at, updated_at
		FROM conversations WHERE id=?`, id)

	var meta ConversationMeta
	err := row.Scan(&meta.ID, &meta.Backend, &meta.Title, &meta.CWD,
		&meta.UserID, &meta.RemoteID, &meta.CreatedAt, &meta.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ConversationMeta{}, fmt.Errorf("conversation not found: %s", id)
		}
		return ConversationMeta{}, fmt.Errorf("load conversation: %w", err)
	}
	return meta, nil
}

func (s *SQLiteStore) ListConversations() ([]ConversationMeta, error) {
	rows, err := s.db.Query(`
		SELECT id, backend, title, cwd, user_id, remote_id, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var metas []ConversationMeta
	for rows.Next() {
		var meta ConversationMeta
		if err := rows.Scan(&meta.ID, &meta.Backend, &meta.Title, &meta.CWD,
			&meta.UserID, &meta.RemoteID, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(id string) error {
	_, err := s.db.Exec("DELETE FROM conversations WHERE id=?", strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// --- Message Operations ---

// SaveMessage 以 (conversation_id, msg_id) 为键插入或更新一条消息
// SaveMessage upserts one message. Ephemeral messages must be filtered by
// the caller; the store never sees them.
func (s *SQLiteStore) SaveMessage(msg chat.Message) error {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return fmt.Errorf("message has no conversation id")
	}
	if strings.TrimSpace(msg.MsgID) == "" {
		return fmt.Errorf("message has no msg id")
	}
	dataJSON := "{}"
	if len(msg.Data) > 0 {
		data, err := json.Marshal(msg.Data)
		if err != nil {
			return fmt.Errorf("marshal message data: %w", err)
		}
		dataJSON = string(data)
	}

	now := nowUTC()
	_, err := s.db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, type, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id)
		DO UPDATE SET type=excluded.type, data=excluded.data`,
		msg.ConversationID, msg.MsgID, string(msg.Type), dataJSON, now)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	_, err = s.db.Exec("UPDATE conversations SET updated_at=? WHERE id=?", now, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// LoadMessages 按插入顺序读取一个对话的消息
// LoadMessages returns the conversation's messages in insertion order.
func (s *SQLiteStore) LoadMessages(conversationID string) ([]chat.Message, error) {
	rows, err := s.db.Query(`
		SELECT msg_id, type, data FROM messages
		WHERE conversation_id=? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var msgID, msgType, dataJSON string
		if err := rows.Scan(&msgID, &msgType, &dataJSON); err != nil {
			continue
		}
		msg := chat.Message{
			Type:           chat.MessageType(msgType),
			ConversationID: conversationID,
			MsgID:          msgID,
		}
		if dataJSON != "" && dataJSON != "{}" {
			var data map[string]any
			if err := json.Unmarshal([]byte(dataJSON), &data); err == nil {
				msg.Data = data
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// --- Permission Log ---

func (s *SQLiteStore) LogPermission(entry PermissionEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO permission_log (conversation_id, kind, detail, decision, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ConversationID, entry.Kind, entry.Detail, entry.Decision, nowUTC())
	if err != nil {
		return fmt.Errorf("log permission: %w", err)
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
