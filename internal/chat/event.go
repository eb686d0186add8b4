package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ChatMessageEvent is the unit produced by a send action and carried by the durable log.
// CreatedAt is epoch milliseconds assigned by the sender and kept verbatim.
type ChatMessageEvent struct {
	EventID       string `json:"eventId,omitempty" validate:"max=64"`
	SenderID      string `json:"senderId" validate:"required,max=190"`
	RecipientID   string `json:"recipientId" validate:"required,max=190,nefield=SenderID"`
	Content       string `json:"content"`
	ChatID        string `json:"chatId,omitempty" validate:"max=64"`
	ShareMediaURL string `json:"shareMediaUrl,omitempty" validate:"max=2048"`
	StoryID       string `json:"storyId,omitempty" validate:"max=64"`
	CreatedAt     int64  `json:"createdAt" validate:"gt=0"`
}

// Validate checks the event against its field rules.
func (e ChatMessageEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// PairKey returns the canonical participant key of the event.
func (e ChatMessageEvent) PairKey() string {
	return PairKey(e.SenderID, e.RecipientID)
}

// RoomID names the realtime room the event is broadcast to: the chat when known,
// otherwise the participant pair.
func (e ChatMessageEvent) RoomID() string {
	if e.ChatID != "" {
		return e.ChatID
	}
	return e.PairKey()
}

// Encode serializes the event for the durable log.
func (e ChatMessageEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses and validates a durable log payload.
func DecodeEvent(payload []byte) (ChatMessageEvent, error) {
	var event ChatMessageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ChatMessageEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	event.Normalize()
	if err := event.Validate(); err != nil {
		return ChatMessageEvent{}, err
	}
	return event, nil
}

// Normalize trims identifier fields in place.
func (e *ChatMessageEvent) Normalize() {
	e.EventID = strings.TrimSpace(e.EventID)
	e.SenderID = strings.TrimSpace(e.SenderID)
	e.RecipientID = strings.TrimSpace(e.RecipientID)
	e.ChatID = strings.TrimSpace(e.ChatID)
	e.StoryID = strings.TrimSpace(e.StoryID)
	e.ShareMediaURL = strings.TrimSpace(e.ShareMediaURL)
}

// PairKey returns the order-independent key for a two-party chat.
func PairKey(first, second string) string {
	if second < first {
		first, second = second, first
	}
	return first + ":" + second
}
