// Package turnstore journals finished turns.
package turnstore

import "context"

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TurnRecord is the journal entry of one finished turn.
type TurnRecord struct {
	TurnID           string   `json:"turn_id"`
	Nonce            string   `json:"nonce"`
	ChatID           int64    `json:"chat_id"`
	Status           string   `json:"status"`
	ErrorKind        string   `json:"error_kind,omitempty"`
	Error            string   `json:"error,omitempty"`
	Prompt           string   `json:"prompt"`
	PromptTokens     int      `json:"prompt_tokens,omitempty"`
	MessageID        int64    `json:"message_id,omitempty"`
	Text             string   `json:"text,omitempty"`
	SuggestedReplies []string `json:"suggested_replies,omitempty"`
	Attempts         int      `json:"attempts"`
	StartedAtMs      int64    `json:"started_at_ms"`
	FinishedAtMs     int64    `json:"finished_at_ms"`
}

// TurnQuery describes filters for loading journaled turns. Results are newest first.
type TurnQuery struct {
	ChatID  int64
	Status  string
	SinceMs int64
	Limit   int
}

// TurnStore journals finished turns for inspection.
type TurnStore interface {
	Save(ctx context.Context, rec TurnRecord) error
	Get(ctx context.Context, turnID string) (TurnRecord, bool, error)
	List(ctx context.Context, q TurnQuery) ([]TurnRecord, error)
	Close() error
}
