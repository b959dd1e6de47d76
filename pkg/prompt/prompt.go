// Package prompt turns what a caller wants to say into the single text the
// backend accepts.
package prompt

import (
	"strings"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Prompt is either plain text or a conversation to be flattened by a Renderer.
type Prompt struct {
	text         string
	conversation []Message
	structured   bool
}

func Text(s string) Prompt {
	return Prompt{text: s}
}

func Conversation(msgs ...Message) Prompt {
	return Prompt{conversation: append([]Message(nil), msgs...), structured: true}
}

func (p Prompt) IsConversation() bool { return p.structured }

func (p Prompt) Messages() []Message { return append([]Message(nil), p.conversation...) }

// Renderer flattens a conversation.
type Renderer interface {
	Render(msgs []Message) (string, error)
}

type RendererFunc func(msgs []Message) (string, error)

func (f RendererFunc) Render(msgs []Message) (string, error) { return f(msgs) }

// Render returns the text to send. Plain text passes through unchanged.
func (p Prompt) Render(r Renderer) (string, error) {
	if !p.structured {
		if strings.TrimSpace(p.text) == "" {
			return "", errors.New("prompt is empty")
		}
		return p.text, nil
	}
	if len(p.conversation) == 0 {
		return "", errors.New("conversation is empty")
	}
	if r == nil {
		r = DefaultRenderer{}
	}
	for i, m := range p.conversation {
		switch m.Role {
		case RoleSystem, RoleUser, RoleModel:
		default:
			return "", errors.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return r.Render(p.conversation)
}
