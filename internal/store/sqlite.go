package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"gwi.com/persona-assistant/internal/utils"
)

type SQLiteStore struct {
	db      *sql.DB
	counter utils.TokenCounter
	now     func() time.Time
}

// NewSQLiteStore opens the database at dataSourceName and creates the schema.
// counter derives each document's token count.
func NewSQLiteStore(dataSourceName string, counter utils.TokenCounter) (*SQLiteStore, error) {
	if counter == nil {
		return nil, errors.New("store: token counter must not be nil")
	}

	db, err := sql.Open("sqlite3", withPragmas(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if isMemory(dataSourceName) {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{
		db:      db,
		counter: counter,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	params := "_busy_timeout=5000&_foreign_keys=on"
	if !isMemory(dsn) {
		params = "_journal_mode=WAL&" + params
	}
	return dsn + sep + params
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        context TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS documents (
        seq INTEGER PRIMARY KEY AUTOINCREMENT, -- insertion order
        id TEXT UNIQUE NOT NULL, -- UUID
        content TEXT NOT NULL,
        token_count INTEGER NOT NULL,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS bots (
        id TEXT PRIMARY KEY, -- UUID
        system_prompt TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS conversation_turns (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        bot_id TEXT NOT NULL REFERENCES bots (id) ON DELETE CASCADE,
        user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_turns_pair ON conversation_turns (bot_id, user_id, id);
    CREATE INDEX IF NOT EXISTS idx_turns_user ON conversation_turns (user_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func checkAffected(res sql.Result, kind, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return notFound(kind, id)
	}
	return nil
}

// User methods
func (s *SQLiteStore) CreateUser(ctx context.Context, userContext string) (*User, error) {
	now := s.now()
	user := &User{ID: uuid.NewString(), Context: userContext, CreatedAt: now, UpdatedAt: now}

	_, err := s.db.ExecContext(ctx, "INSERT INTO users (id, context, created_at, updated_at) VALUES (?, ?, ?, ?)",
		user.ID, user.Context, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, context, created_at, updated_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.Context, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("user", id)
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// UpdateUser replaces the stored context wholesale.
func (s *SQLiteStore) UpdateUser(ctx context.Context, id, userContext string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET context = ?, updated_at = ? WHERE id = ?", userContext, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return checkAffected(res, "user", id)
}

// DeleteUser removes the user and every conversation the user took part in.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	return s.deleteWithConversations(ctx, "user", "DELETE FROM users WHERE id = ?", "DELETE FROM conversation_turns WHERE user_id = ?", id)
}

// Document methods

// CreateDocuments inserts all contents in one transaction, in the given order.
func (s *SQLiteStore) CreateDocuments(ctx context.Context, contents []string) ([]Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin document insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO documents (id, content, token_count, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare document insert: %w", err)
	}
	defer stmt.Close()

	docs := make([]Document, 0, len(contents))
	now := s.now()
	for _, content := range contents {
		doc := Document{
			ID:         uuid.NewString(),
			Content:    content,
			TokenCount: s.counter.Count(content),
			CreatedAt:  now,
		}
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.Content, doc.TokenCount, doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to execute document insert: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit document insert: %w", err)
	}
	return docs, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, "SELECT id, content, token_count, created_at FROM documents WHERE id = ?", id).
		Scan(&doc.ID, &doc.Content, &doc.TokenCount, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("document", id)
		}
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	return &doc, nil
}

// UpdateDocument replaces the content and recomputes the token count. The
// document keeps its position in the corpus order.
func (s *SQLiteStore) UpdateDocument(ctx context.Context, id, content string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE documents SET content = ?, token_count = ? WHERE id = ?",
		content, s.counter.Count(content), id)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return checkAffected(res, "document", id)
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return checkAffected(res, "document", id)
}

// ListDocuments returns the corpus in insertion order as of the call.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, content, token_count, created_at FROM documents ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Content, &doc.TokenCount, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

func (s *SQLiteStore) DocumentStats(ctx context.Context) (DocumentStats, error) {
	var stats DocumentStats
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(token_count), 0) FROM documents").
		Scan(&stats.Count, &stats.TotalTokens)
	if err != nil {
		return DocumentStats{}, fmt.Errorf("failed to query document stats: %w", err)
	}
	return stats, nil
}

// ClearDocuments empties the corpus in a single statement.
func (s *SQLiteStore) ClearDocuments(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents")
	if err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name='documents'")
	if err != nil && !strings.Contains(err.Error(), "no such table") {
		slog.Warn("could not reset sequence for documents", "error", err)
	}
	return nil
}

// Bot methods
func (s *SQLiteStore) CreateBot(ctx context.Context, systemPrompt string) (*Bot, error) {
	bot := &Bot{ID: uuid.NewString(), SystemPrompt: systemPrompt, CreatedAt: s.now()}

	_, err := s.db.ExecContext(ctx, "INSERT INTO bots (id, system_prompt, created_at) VALUES (?, ?, ?)",
		bot.ID, bot.SystemPrompt, bot.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert bot: %w", err)
	}
	return bot, nil
}

func (s *SQLiteStore) GetBot(ctx context.Context, id string) (*Bot, error) {
	var bot Bot
	err := s.db.QueryRowContext(ctx, "SELECT id, system_prompt, created_at FROM bots WHERE id = ?", id).
		Scan(&bot.ID, &bot.SystemPrompt, &bot.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("bot", id)
		}
		return nil, fmt.Errorf("failed to query bot: %w", err)
	}
	return &bot, nil
}

func (s *SQLiteStore) UpdateBot(ctx context.Context, id, systemPrompt string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE bots SET system_prompt = ? WHERE id = ?", systemPrompt, id)
	if err != nil {
		return fmt.Errorf("failed to update bot: %w", err)
	}
	return checkAffected(res, "bot", id)
}

// DeleteBot removes the bot and every conversation held with it.
func (s *SQLiteStore) DeleteBot(ctx context.Context, id string) error {
	return s.deleteWithConversations(ctx, "bot", "DELETE FROM bots WHERE id = ?", "DELETE FROM conversation_turns WHERE bot_id = ?", id)
}

func (s *SQLiteStore) deleteWithConversations(ctx context.Context, kind, recordQuery, turnsQuery, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin %s delete: %w", kind, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, recordQuery, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	if err := checkAffected(res, kind, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, turnsQuery, id); err != nil {
		return fmt.Errorf("failed to delete %s conversations: %w", kind, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s delete: %w", kind, err)
	}
	return nil
}
