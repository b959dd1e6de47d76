package channel

import (
	"encoding/json"

	"github.com/pkg/errors"
)

const envelopeSubscriptionUpdate = "subscriptionUpdate"

type rawFrame struct {
	Messages json.RawMessage `json:"messages"`
}

type envelope struct {
	MessageType string `json:"message_type"`
	Payload     struct {
		SubscriptionName string `json:"subscription_name"`
		Data             struct {
			MessageAdded *Frame `json:"messageAdded"`
		} `json:"data"`
	} `json:"payload"`
}

// Decode extracts the messageAdded frames carried by one raw channel message.
//
// The raw message is {"messages": ["<json envelope>", ...]}. Envelopes that are
// malformed, are not subscription updates or carry no messageAdded payload are
// skipped. Only a raw message that is not JSON at all is an error.
func Decode(raw []byte) ([]Frame, error) {
	var rf rawFrame
	if err := json.Unmarshal(raw, &rf); err != nil {
		return nil, errors.Wrap(err, "decode channel frame")
	}

	var messages []json.RawMessage
	if len(rf.Messages) == 0 || json.Unmarshal(rf.Messages, &messages) != nil {
		return nil, nil
	}

	var frames []Frame
	for _, m := range messages {
		var s string
		if err := json.Unmarshal(m, &s); err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(s), &env); err != nil {
			continue
		}
		if env.MessageType != envelopeSubscriptionUpdate {
			continue
		}
		added := env.Payload.Data.MessageAdded
		if added == nil || added.MessageID == 0 {
			continue
		}
		frames = append(frames, *added)
	}
	return frames, nil
}
