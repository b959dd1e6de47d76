package prompt

import (
	"fmt"
	"strings"
)

const (
	DefaultModelName = "Sage"
	DefaultUserName  = "Unnamed"
	noMessage        = "No message"
)

// DefaultRenderer lays a conversation out as labelled sections: the system
// messages, the history, the latest user message and an open slot for the
// model's answer.
type DefaultRenderer struct {
	// DisplayName labels model messages that carry no name.
	DisplayName string
}

func orNoMessage(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return noMessage
	}
	return s
}

func (r DefaultRenderer) Render(msgs []Message) (string, error) {
	modelName := r.DisplayName
	if modelName == "" {
		modelName = DefaultModelName
	}

	var settings []string
	var history []Message
	for _, m := range msgs {
		if m.Role == RoleSystem {
			settings = append(settings, strings.TrimSpace(m.Content))
			continue
		}
		history = append(history, m)
	}

	latest := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			latest = i
			break
		}
	}
	var latestMsg *Message
	if latest >= 0 {
		m := history[latest]
		latestMsg = &m
		history = append(history[:latest:latest], history[latest+1:]...)
	}

	var b strings.Builder
	b.WriteString("**Prompt Settings**:\n\n")
	b.WriteString(strings.Join(settings, "\n\n"))
	out := strings.TrimSpace(b.String())

	b.Reset()
	b.WriteString(out)
	b.WriteString("\n\n**Conversation History**:\n\n")
	for _, m := range history {
		switch m.Role {
		case RoleModel:
			name := m.Name
			if name == "" {
				name = modelName
			}
			fmt.Fprintf(&b, "[%s - AI Model]: %s\n\n", name, orNoMessage(m.Content))
		case RoleUser:
			name := m.Name
			if name == "" {
				name = DefaultUserName
			}
			fmt.Fprintf(&b, "[%s - User]: %s\n\n", name, orNoMessage(m.Content))
		}
	}
	out = strings.TrimSpace(b.String())

	b.Reset()
	b.WriteString(out)
	b.WriteString("\n\n**Latest User Message**:\n\n")
	if latestMsg != nil {
		b.WriteString(orNoMessage(latestMsg.Content))
	}
	out = strings.TrimSpace(b.String())

	return out + "\n\n**Latest AI Model Response**:", nil
}
