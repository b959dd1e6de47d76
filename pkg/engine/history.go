package engine

import (
	"context"

	"github.com/go-go-golems/turnsync/pkg/channel"
	"github.com/go-go-golems/turnsync/pkg/gql"
)

// Edge is one entry of a history page.
type Edge = gql.Edge

// History returns up to count messages of the current chat, oldest first,
// ending before cursor. An empty cursor ends at the newest message.
func (e *Engine) History(ctx context.Context, count int, cursor string) ([]Edge, error) {
	chat, err := e.ready()
	if err != nil {
		return nil, err
	}
	return e.client.History(ctx, chat.NodeID, count, cursor)
}

func (e *Engine) DeleteMessages(ctx context.Context, ids ...channel.MessageID) error {
	if _, err := e.ready(); err != nil {
		return err
	}
	return e.client.DeleteMessages(ctx, ids)
}

// Purge deletes up to count of the newest messages, all of them when count is
// negative. Each page of history is deleted with one request; it stops on an
// empty page. It returns how many messages were deleted.
func (e *Engine) Purge(ctx context.Context, count int) (int, error) {
	if _, err := e.ready(); err != nil {
		return 0, err
	}
	pageSize := e.cfg.Purge.PageSize
	deleted := 0
	for count < 0 || deleted < count {
		page, err := e.History(ctx, pageSize, "")
		if err != nil {
			return deleted, err
		}
		if len(page) == 0 {
			break
		}

		ids := make([]channel.MessageID, 0, len(page))
		for i := len(page) - 1; i >= 0; i-- {
			if count >= 0 && deleted+len(ids) >= count {
				break
			}
			ids = append(ids, page[i].Node.MessageID)
		}
		if len(ids) == 0 {
			break
		}
		if err := e.client.DeleteMessages(ctx, ids); err != nil {
			return deleted, err
		}
		deleted += len(ids)
		e.logger.Debug().Int("deleted", deleted).Int("page", len(page)).Msg("purged history page")
	}
	e.logger.Info().Int("deleted", deleted).Msg("purge finished")
	return deleted, nil
}

// PurgeAll deletes every message of the account in one request.
func (e *Engine) PurgeAll(ctx context.Context) error {
	if _, err := e.ready(); err != nil {
		return err
	}
	return e.client.DeleteAll(ctx)
}

// BreakContext makes the backend forget the conversation so far.
func (e *Engine) BreakContext(ctx context.Context) error {
	chat, err := e.ready()
	if err != nil {
		return err
	}
	return e.client.BreakMessage(ctx, chat.ChatID)
}
