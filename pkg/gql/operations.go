package gql

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnsync/pkg/channel"
	"github.com/go-go-golems/turnsync/pkg/errkind"
)

const serverError = "Server Error"

type SendMessageInput struct {
	ChatID        int64
	Bot           string
	Query         string
	ClientNonce   string
	DeviceID      string
	WithChatBreak bool
}

// SendMessage posts a user message and returns the id the backend gave it.
// A missing message in the answer means the account hit its message cap.
func (c *Client) SendMessage(ctx context.Context, in SendMessageInput) (channel.MessageID, error) {
	resp, err := c.Do(ctx, QuerySendMessage, map[string]any{
		"bot":           in.Bot,
		"query":         in.Query,
		"chatId":        in.ChatID,
		"source":        nil,
		"clientNonce":   in.ClientNonce,
		"sdid":          in.DeviceID,
		"withChatBreak": in.WithChatBreak,
	})
	if err != nil {
		return 0, err
	}
	if resp.HasError(serverError) {
		return 0, errkind.Newf(errkind.TransportFailure, "server error while sending message")
	}

	var data struct {
		MessageEdgeCreate *struct {
			Message *struct {
				Node struct {
					MessageID channel.MessageID `json:"messageId"`
				} `json:"node"`
			} `json:"message"`
		} `json:"messageEdgeCreate"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return 0, errkind.New(errkind.ProtocolViolation, errors.Wrap(err, "decode send message response"))
	}
	if data.MessageEdgeCreate == nil || data.MessageEdgeCreate.Message == nil {
		return 0, errkind.Newf(errkind.RateLimited, "daily limit reached for %s", in.Bot)
	}
	id := data.MessageEdgeCreate.Message.Node.MessageID
	if id == 0 {
		return 0, errkind.Newf(errkind.ProtocolViolation, "send message response has no message id")
	}
	return id, nil
}

type HistoryNode struct {
	ID               string            `json:"id"`
	MessageID        channel.MessageID `json:"messageId"`
	Text             string            `json:"text"`
	LinkifiedText    string            `json:"linkifiedText,omitempty"`
	Author           string            `json:"author"`
	State            string            `json:"state"`
	ContentType      string            `json:"contentType,omitempty"`
	CreationTime     int64             `json:"creationTime,omitempty"`
	ClientNonce      string            `json:"clientNonce,omitempty"`
	SuggestedReplies []string          `json:"suggestedReplies,omitempty"`
}

// Edge is one entry of a history page, oldest first.
type Edge struct {
	Node   HistoryNode `json:"node"`
	Cursor string      `json:"cursor"`
	ID     string      `json:"id"`
}

// History returns up to count messages of the chat node before cursor. An
// empty cursor starts from the newest message.
func (c *Client) History(ctx context.Context, nodeID string, count int, cursor string) ([]Edge, error) {
	vars := map[string]any{
		"count":  count,
		"cursor": nil,
		"id":     nodeID,
	}
	if cursor != "" {
		vars["cursor"] = cursor
	}
	resp, err := c.Do(ctx, QueryHistory, vars)
	if err != nil {
		return nil, err
	}
	var data struct {
		Node *struct {
			MessagesConnection struct {
				Edges []Edge `json:"edges"`
			} `json:"messagesConnection"`
		} `json:"node"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, errkind.New(errkind.ProtocolViolation, errors.Wrap(err, "decode history response"))
	}
	if data.Node == nil {
		return nil, nil
	}
	return data.Node.MessagesConnection.Edges, nil
}

// DeleteMessages removes ids in one request. An empty list sends nothing.
func (c *Client) DeleteMessages(ctx context.Context, ids []channel.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]int64, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, int64(id))
	}
	_, err := c.Do(ctx, QueryDeleteMessages, map[string]any{"messageIds": raw})
	return err
}

// BreakMessage clears the backend's conversation context for chatID.
func (c *Client) BreakMessage(ctx context.Context, chatID int64) error {
	_, err := c.Do(ctx, QueryMessageBreak, map[string]any{"chatId": chatID})
	return err
}

// DeleteAll removes every message of the account.
func (c *Client) DeleteAll(ctx context.Context) error {
	_, err := c.Do(ctx, QueryDeleteAll, map[string]any{})
	return err
}

// Subscribe registers the push channel subscriptions for this session.
func (c *Client) Subscribe(ctx context.Context) error {
	subs := []struct{ name, query string }{
		{"messageAdded", SubMessageAdded},
		{"viewerStateUpdated", SubViewerState},
		{"viewerMessageLimitUpdated", SubViewerMessageLimit},
	}
	list := make([]map[string]any, 0, len(subs))
	for _, s := range subs {
		doc, err := Query(s.query)
		if err != nil {
			return err
		}
		list = append(list, map[string]any{"subscriptionName": s.name, "query": doc})
	}
	_, err := c.Do(ctx, QuerySubscriptions, map[string]any{"subscriptions": list}, WithQueryName("subscriptionsMutation"))
	return err
}
