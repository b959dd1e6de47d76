package channel

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// MessageID is the backend-assigned message identifier. The backend sends it as
// a JSON number, history pages sometimes quote it.
type MessageID int64

func (id *MessageID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		b = []byte(s)
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid message id %q", string(b))
	}
	*id = MessageID(v)
	return nil
}

func (id MessageID) String() string { return strconv.FormatInt(int64(id), 10) }

const (
	StateComplete   = "complete"
	StateIncomplete = "incomplete"

	AuthorHuman = "human"
)

// Frame is one messageAdded update from the push channel. Text is cumulative.
type Frame struct {
	ID               string    `json:"id,omitempty"`
	MessageID        MessageID `json:"messageId"`
	State            string    `json:"state"`
	Author           string    `json:"author"`
	Text             string    `json:"text"`
	LinkifiedText    string    `json:"linkifiedText,omitempty"`
	ContentType      string    `json:"contentType,omitempty"`
	SuggestedReplies []string  `json:"suggestedReplies,omitempty"`
	CreationTime     int64     `json:"creationTime,omitempty"`
	ClientNonce      string    `json:"clientNonce,omitempty"`
}

func (f Frame) IsComplete() bool { return f.State == StateComplete }

func (f Frame) IsHuman() bool { return f.Author == AuthorHuman }
