package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

// UpdateMessage wraps a raw Telegram update with the time the webhook received it.
type UpdateMessage struct {
	ReceivedAt time.Time       `json:"received_at"`
	Update     json.RawMessage `json:"update"`
}

func NewUpdateMessage(update []byte) *UpdateMessage {
	return &UpdateMessage{
		ReceivedAt: time.Now().UTC(),
		Update:     json.RawMessage(update),
	}
}

// ToJSON converts the message to JSON bytes
func (m *UpdateMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// UpdateMessageFromJSON decodes a message and rejects one without an update.
func UpdateMessageFromJSON(data []byte) (*UpdateMessage, error) {
	var msg UpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if len(msg.Update) == 0 || string(msg.Update) == "null" {
		return nil, errors.New("message has no update")
	}
	return &msg, nil
}
