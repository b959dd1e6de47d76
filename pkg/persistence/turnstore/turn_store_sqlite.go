package turnstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteTurnStore struct {
	db *sql.DB
}

var _ TurnStore = &SQLiteTurnStore{}

func NewSQLiteTurnStore(dsn string) (*SQLiteTurnStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite turn store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTurnStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func SQLiteTurnDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite turn store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteTurnStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTurnStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite turn store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			turn_id TEXT NOT NULL PRIMARY KEY,
			nonce TEXT NOT NULL DEFAULT '',
			chat_id INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			message_id INTEGER NOT NULL DEFAULT 0,
			text TEXT NOT NULL DEFAULT '',
			suggested_replies_json TEXT NOT NULL DEFAULT '[]',
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at_ms INTEGER NOT NULL,
			finished_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS turns_by_finished ON turns(finished_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS turns_by_chat ON turns(chat_id, finished_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite turn store: migrate")
		}
	}
	return nil
}

func (s *SQLiteTurnStore) Save(ctx context.Context, rec TurnRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite turn store: db is nil")
	}
	if strings.TrimSpace(rec.TurnID) == "" {
		return errors.New("sqlite turn store: turnID is empty")
	}
	if rec.Status != StatusCompleted && rec.Status != StatusFailed {
		return errors.Errorf("sqlite turn store: invalid status %q", rec.Status)
	}
	replies := rec.SuggestedReplies
	if replies == nil {
		replies = []string{}
	}
	repliesJSON, err := json.Marshal(replies)
	if err != nil {
		return errors.Wrap(err, "sqlite turn store: encode suggested replies")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turns(
			turn_id, nonce, chat_id, status, error_kind, error, prompt, prompt_tokens,
			message_id, text, suggested_replies_json, attempts, started_at_ms, finished_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO UPDATE SET
			nonce = excluded.nonce,
			chat_id = excluded.chat_id,
			status = excluded.status,
			error_kind = excluded.error_kind,
			error = excluded.error,
			prompt = excluded.prompt,
			prompt_tokens = excluded.prompt_tokens,
			message_id = excluded.message_id,
			text = excluded.text,
			suggested_replies_json = excluded.suggested_replies_json,
			attempts = excluded.attempts,
			started_at_ms = excluded.started_at_ms,
			finished_at_ms = excluded.finished_at_ms
	`,
		rec.TurnID, rec.Nonce, rec.ChatID, rec.Status, rec.ErrorKind, rec.Error, rec.Prompt, rec.PromptTokens,
		rec.MessageID, rec.Text, string(repliesJSON), rec.Attempts, rec.StartedAtMs, rec.FinishedAtMs,
	)
	if err != nil {
		return errors.Wrap(err, "sqlite turn store: save")
	}
	return nil
}

const selectColumns = `turn_id, nonce, chat_id, status, error_kind, error, prompt, prompt_tokens,
	message_id, text, suggested_replies_json, attempts, started_at_ms, finished_at_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (TurnRecord, error) {
	var rec TurnRecord
	var repliesJSON string
	if err := row.Scan(
		&rec.TurnID, &rec.Nonce, &rec.ChatID, &rec.Status, &rec.ErrorKind, &rec.Error, &rec.Prompt, &rec.PromptTokens,
		&rec.MessageID, &rec.Text, &repliesJSON, &rec.Attempts, &rec.StartedAtMs, &rec.FinishedAtMs,
	); err != nil {
		return TurnRecord{}, err
	}
	if repliesJSON != "" && repliesJSON != "[]" {
		if err := json.Unmarshal([]byte(repliesJSON), &rec.SuggestedReplies); err != nil {
			return TurnRecord{}, errors.Wrap(err, "sqlite turn store: decode suggested replies")
		}
	}
	return rec, nil
}

func (s *SQLiteTurnStore) Get(ctx context.Context, turnID string) (TurnRecord, bool, error) {
	if s == nil || s.db == nil {
		return TurnRecord{}, false, errors.New("sqlite turn store: db is nil")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM turns WHERE turn_id = ?`, turnID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TurnRecord{}, false, nil
	}
	if err != nil {
		return TurnRecord{}, false, errors.Wrap(err, "sqlite turn store: get")
	}
	return rec, true, nil
}

func (s *SQLiteTurnStore) List(ctx context.Context, q TurnQuery) ([]TurnRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite turn store: db is nil")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	clauses := []string{}
	args := []any{}
	if q.ChatID != 0 {
		clauses = append(clauses, "chat_id = ?")
		args = append(args, q.ChatID)
	}
	if v := strings.TrimSpace(q.Status); v != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, v)
	}
	if q.SinceMs > 0 {
		clauses = append(clauses, "finished_at_ms >= ?")
		args = append(args, q.SinceMs)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM turns
		%s
		ORDER BY finished_at_ms DESC, turn_id DESC
		LIMIT ?
	`, selectColumns, where), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite turn store: list")
	}
	defer func() { _ = rows.Close() }()

	var items []TurnRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
