package chat

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%03d", p.next), nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "chat.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&Chat{}, &Participant{}, &Message{}, &DeadLetter{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	database := openTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   database,
		IDProvider: &sequenceIDProvider{},
		Clock:      func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service, database
}

func mustEvent(eventID, sender, recipient, content string, createdAt int64) ChatMessageEvent {
	return ChatMessageEvent{
		EventID:     eventID,
		SenderID:    sender,
		RecipientID: recipient,
		Content:     content,
		CreatedAt:   createdAt,
	}
}
