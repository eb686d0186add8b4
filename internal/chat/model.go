package chat

import "time"

// Chat is a two-party conversation. Membership never changes after creation.
type Chat struct {
	ID           string        `gorm:"column:id;primaryKey;size:64" json:"id"`
	PairKey      string        `gorm:"column:pair_key;size:400;not null;uniqueIndex" json:"-"`
	Participants []Participant `gorm:"foreignKey:ChatID;references:ID" json:"participants"`
	CreatedAt    time.Time     `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time     `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName exposes the table backing chats.
func (Chat) TableName() string {
	return "chats"
}

// ParticipantIDs returns the user identifiers of the chat members.
func (c Chat) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, participant := range c.Participants {
		ids = append(ids, participant.UserID)
	}
	return ids
}

// Participant links a user to a chat.
type Participant struct {
	ChatID    string    `gorm:"column:chat_id;primaryKey;size:64" json:"-"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;index" json:"userId"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"-"`
}

// TableName exposes the table backing chat membership.
func (Participant) TableName() string {
	return "chat_participants"
}

// Message is the persisted form of a ChatMessageEvent. CreatedAt is the sender's
// epoch millisecond timestamp.
type Message struct {
	ID            string `gorm:"column:id;primaryKey;size:64" json:"id"`
	EventID       string `gorm:"column:event_id;size:64;not null;uniqueIndex" json:"eventId"`
	ChatID        string `gorm:"column:chat_id;size:64;not null;index:idx_messages_chat_created,priority:1" json:"chatId"`
	SenderID      string `gorm:"column:sender_id;size:190;not null" json:"senderId"`
	RecipientID   string `gorm:"column:recipient_id;size:190;not null" json:"recipientId"`
	Content       string `gorm:"column:content;type:text" json:"content"`
	ShareMediaURL string `gorm:"column:share_media_url;size:2048" json:"shareMediaUrl,omitempty"`
	StoryID       string `gorm:"column:story_id;size:64" json:"storyId,omitempty"`
	IsSeen        bool   `gorm:"column:is_seen;not null;default:false" json:"isSeen"`
	CreatedAt     int64  `gorm:"column:created_at;autoCreateTime:milli;not null;index:idx_messages_chat_created,priority:2" json:"createdAt"`
	UpdatedAt     int64  `gorm:"column:updated_at;autoUpdateTime:milli" json:"updatedAt"`
}

// TableName exposes the table backing messages.
func (Message) TableName() string {
	return "messages"
}

// DeadLetter quarantines an event that exhausted its retry budget.
type DeadLetter struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	EventID   string    `gorm:"column:event_id;size:64;index"`
	Topic     string    `gorm:"column:topic;size:255;not null"`
	Partition int32     `gorm:"column:log_partition;not null"`
	Offset    int64     `gorm:"column:log_offset;not null"`
	Payload   string    `gorm:"column:payload;type:text"`
	Reason    string    `gorm:"column:reason;type:text"`
	Attempts  int       `gorm:"column:attempts;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing quarantined events.
func (DeadLetter) TableName() string {
	return "dead_letters"
}

// Summary is a chat as listed for one of its participants.
type Summary struct {
	Chat
	LastMessage *Message `json:"lastMessage,omitempty"`
}
