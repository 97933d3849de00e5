package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore is the SQLite-backed conversation store. The sql driver
// is registered by the caller (mattn/go-sqlite3 in production,
// modernc.org/sqlite in tests).
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the store at the given DSN using the named
// database/sql driver.
func Open(driver, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// New wraps an already-open database handle. Used by tests.
func New(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	-- Conversation turns (append-only; retention belongs to the operator)
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		persona TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);

	-- Per-conversation user profile
	CREATE TABLE IF NOT EXISTS profiles (
		conversation_id TEXT PRIMARY KEY,
		user_name TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Web login accounts
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT 'Usuário Anônimo',
		login_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_login_at TIMESTAMP
	);

	-- One remote thread per account per persona
	CREATE TABLE IF NOT EXISTS account_threads (
		account_id TEXT NOT NULL,
		persona TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (account_id, persona)
	);

	-- Ingested WhatsApp history
	CREATE TABLE IF NOT EXISTS whatsapp_messages (
		id TEXT PRIMARY KEY,
		sender_name TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		processed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_whatsapp_timestamp ON whatsapp_messages(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendTurn writes one turn. ID and CreatedAt are filled when unset.
// UUIDv7 ids are time-ordered, which gives a stable tiebreak for turns
// created within the same timestamp granularity.
func (s *SQLiteStore) AppendTurn(t *Turn) error {
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		t.ID = id.String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO turns (id, conversation_id, role, content, user_name, persona, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ConversationID, t.Role, t.Content, t.UserName, t.Persona, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// QueryTurns returns a conversation's turns ordered oldest-first
// (non-decreasing created_at, id as tiebreak), optionally filtered.
func (s *SQLiteStore) QueryTurns(conversationID string, f TurnFilter) ([]Turn, error) {
	query := `
		SELECT id, conversation_id, role, content, user_name, persona, created_at
		FROM turns
		WHERE conversation_id = ?`
	args := []any{conversationID}

	if f.Role != "" {
		query += ` AND role = ?`
		args = append(args, f.Role)
	}
	if f.Content != "" {
		query += ` AND content LIKE ?`
		args = append(args, "%"+f.Content+"%")
	}
	if !f.Start.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Start)
	}
	if !f.End.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.End)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &t.UserName, &t.Persona, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// UpdateTurnUserName backfills the user name on a conversation's
// user-authored turns after a late name extraction.
func (s *SQLiteStore) UpdateTurnUserName(conversationID, name string) error {
	_, err := s.db.Exec(`
		UPDATE turns SET user_name = ? WHERE conversation_id = ? AND role = 'user'
	`, name, conversationID)
	if err != nil {
		return fmt.Errorf("backfill user name: %w", err)
	}
	return nil
}

// GetUserName returns the cached user name for a conversation, or
// AnonymousName when nothing real is stored.
func (s *SQLiteStore) GetUserName(conversationID string) string {
	var name string
	err := s.db.QueryRow(`
		SELECT user_name FROM profiles WHERE conversation_id = ?
	`, conversationID).Scan(&name)
	if err != nil || IsAnonymous(name) {
		return AnonymousName
	}
	return name
}

// SetUserName stores the user name for a conversation.
func (s *SQLiteStore) SetUserName(conversationID, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO profiles (conversation_id, user_name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET user_name = excluded.user_name, updated_at = excluded.updated_at
	`, conversationID, name, time.Now())
	if err != nil {
		return fmt.Errorf("set user name: %w", err)
	}
	return nil
}

// AppendWhatsAppMessage stores one ingested WhatsApp record.
func (s *SQLiteStore) AppendWhatsAppMessage(m *WhatsAppMessage) error {
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		m.ID = id.String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.ProcessedAt.IsZero() {
		m.ProcessedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO whatsapp_messages (id, sender_name, content, timestamp, processed_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.SenderName, m.Content, m.Timestamp, m.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert whatsapp message: %w", err)
	}
	return nil
}

// QueryWhatsAppMessages returns matching records newest-first.
func (s *SQLiteStore) QueryWhatsAppMessages(f WhatsAppFilter) ([]WhatsAppMessage, error) {
	query := `
		SELECT id, sender_name, content, timestamp, processed_at
		FROM whatsapp_messages
		WHERE 1=1`
	var args []any

	if f.SenderName != "" {
		query += ` AND sender_name LIKE ? COLLATE NOCASE`
		args = append(args, "%"+f.SenderName+"%")
	}
	if f.Content != "" {
		query += ` AND content LIKE ? COLLATE NOCASE`
		args = append(args, "%"+f.Content+"%")
	}
	if !f.Start.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Start)
	}
	if !f.End.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.End)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query whatsapp messages: %w", err)
	}
	defer rows.Close()

	var msgs []WhatsAppMessage
	for rows.Next() {
		var m WhatsAppMessage
		if err := rows.Scan(&m.ID, &m.SenderName, &m.Content, &m.Timestamp, &m.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan whatsapp message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreateAccount registers a login account with a pre-hashed password.
func (s *SQLiteStore) CreateAccount(email, passwordHash string) (*Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now()

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), email, passwordHash, now)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	return &Account{
		ID:           id.String(),
		Email:        email,
		PasswordHash: passwordHash,
		UserName:     AnonymousName,
		CreatedAt:    now,
	}, nil
}

// GetAccountByEmail looks up an account for login. Returns nil, nil
// when no account exists.
func (s *SQLiteStore) GetAccountByEmail(email string) (*Account, error) {
	row := s.db.QueryRow(`
		SELECT id, email, password_hash, user_name, login_count, created_at
		FROM accounts WHERE email = ?
	`, email)

	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.UserName, &a.LoginCount, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// GetAccountByID looks up an account by primary key. Returns nil, nil
// when no account exists.
func (s *SQLiteStore) GetAccountByID(id string) (*Account, error) {
	row := s.db.QueryRow(`
		SELECT id, email, password_hash, user_name, login_count, created_at
		FROM accounts WHERE id = ?
	`, id)

	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.UserName, &a.LoginCount, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// RecordLogin bumps the login counter and timestamp.
func (s *SQLiteStore) RecordLogin(accountID string) error {
	_, err := s.db.Exec(`
		UPDATE accounts SET login_count = login_count + 1, last_login_at = ? WHERE id = ?
	`, time.Now(), accountID)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return nil
}

// GetThread returns the account's thread for a persona, or "" when the
// account has not chatted with that persona yet.
func (s *SQLiteStore) GetThread(accountID, persona string) (string, error) {
	var threadID string
	err := s.db.QueryRow(`
		SELECT thread_id FROM account_threads WHERE account_id = ? AND persona = ?
	`, accountID, persona).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get thread: %w", err)
	}
	return threadID, nil
}

// SetThread stores the account's thread for a persona.
func (s *SQLiteStore) SetThread(accountID, persona, threadID string) error {
	_, err := s.db.Exec(`
		INSERT INTO account_threads (account_id, persona, thread_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, persona) DO UPDATE SET thread_id = excluded.thread_id
	`, accountID, persona, threadID, time.Now())
	if err != nil {
		return fmt.Errorf("set thread: %w", err)
	}
	return nil
}

// Stats returns aggregate counts for the dashboard.
func (s *SQLiteStore) Stats() map[string]any {
	var accounts, whatsapp int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&accounts)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM whatsapp_messages`).Scan(&whatsapp)

	byPersona := make(map[string]int)
	rows, err := s.db.Query(`SELECT persona, COUNT(*) FROM turns GROUP BY persona`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var persona string
			var count int
			if err := rows.Scan(&persona, &count); err != nil {
				continue
			}
			byPersona[persona] = count
		}
	}

	return map[string]any{
		"accounts":          accounts,
		"whatsapp_messages": whatsapp,
		"turns_by_persona":  byPersona,
	}
}
