// Package session bootstraps what the engine needs before it can talk to the
// backend: the push channel descriptor, the per-request signing seed and the
// chat the turns are sent to.
package session

import (
	"context"

	"github.com/go-go-golems/turnsync/pkg/channel"
)

// ChatTarget identifies the conversation and the bot model turns are sent to.
type ChatTarget struct {
	ChatID int64  `json:"chatId"`
	NodeID string `json:"id"`
	Bot    string `json:"bot"`
}

// Source hands out session values. Every call may refetch; callers treat the
// results as opaque and ask again after a reconnect.
type Source interface {
	ChannelDescriptor(ctx context.Context) (channel.Descriptor, error)
	SigningSeed(ctx context.Context) (string, error)
	Chat(ctx context.Context) (ChatTarget, error)
}
