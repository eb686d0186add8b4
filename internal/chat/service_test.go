package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()}); err == nil {
		t.Fatalf("expected missing database error")
	}
	var serviceErr *ServiceError
	_, err := NewService(ServiceConfig{Database: openTestDatabase(t)})
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "chat.service.new.missing_id_provider" {
		t.Fatalf("expected missing id provider code, got %v", err)
	}
}

func TestFindOrCreatePairChatCreatesOnce(t *testing.T) {
	service, database := newTestService(t)
	ctx := context.Background()

	created, wasCreated, err := service.FindOrCreatePairChat(ctx, "A", "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wasCreated {
		t.Fatalf("expected first call to create the chat")
	}
	if len(created.Participants) != 2 {
		t.Fatalf("expected two participants, got %+v", created.Participants)
	}

	again, wasCreated, err := service.FindOrCreatePairChat(ctx, "B", "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wasCreated || again.ID != created.ID {
		t.Fatalf("expected reversed pair to resolve to %s, got %s (created=%v)", created.ID, again.ID, wasCreated)
	}

	var chatCount int64
	database.Model(&Chat{}).Count(&chatCount)
	if chatCount != 1 {
		t.Fatalf("expected exactly one chat, got %d", chatCount)
	}
}

func TestFindOrCreatePairChatConcurrentCallersShareChat(t *testing.T) {
	service, database := newTestService(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]struct{}{}
	)
	for index := 0; index < 8; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chat, _, err := service.FindOrCreatePairChat(ctx, "A", "B")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			ids[chat.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("expected a single chat id, got %v", ids)
	}
	var chatCount int64
	database.Model(&Chat{}).Count(&chatCount)
	if chatCount != 1 {
		t.Fatalf("expected exactly one chat, got %d", chatCount)
	}
}

func TestPersistMessagePreservesCreatedAtAndDeduplicates(t *testing.T) {
	service, database := newTestService(t)
	ctx := context.Background()

	chat, _, err := service.FindOrCreatePairChat(ctx, "A", "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := mustEvent("evt-1", "A", "B", "hi", 1714557600123)
	message, inserted, err := service.PersistMessage(ctx, chat.ID, event)
	if err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first persist to insert")
	}
	if message.CreatedAt != 1714557600123 || message.ChatID != chat.ID || message.Content != "hi" {
		t.Fatalf("unexpected message %+v", message)
	}

	duplicate, inserted, err := service.PersistMessage(ctx, chat.ID, event)
	if err != nil {
		t.Fatalf("unexpected duplicate persist error: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate event to be ignored")
	}
	if duplicate.ID != message.ID {
		t.Fatalf("expected duplicate to resolve to stored message %s, got %s", message.ID, duplicate.ID)
	}

	var stored Message
	if err := database.Where("event_id = ?", "evt-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload message: %v", err)
	}
	if stored.CreatedAt != 1714557600123 {
		t.Fatalf("expected createdAt preserved, got %d", stored.CreatedAt)
	}
	var messageCount int64
	database.Model(&Message{}).Count(&messageCount)
	if messageCount != 1 {
		t.Fatalf("expected one message, got %d", messageCount)
	}
}

func TestPersistMessageRequiresEventID(t *testing.T) {
	service, _ := newTestService(t)
	_, _, err := service.PersistMessage(context.Background(), "chat-1", mustEvent("", "A", "B", "hi", 1))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed event error, got %v", err)
	}
}

func TestChatExists(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	exists, err := service.ChatExists(ctx, "missing")
	if err != nil || exists {
		t.Fatalf("expected missing chat, got exists=%v err=%v", exists, err)
	}
	chat, _, err := service.FindOrCreatePairChat(ctx, "A", "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exists, err = service.ChatExists(ctx, chat.ID)
	if err != nil || !exists {
		t.Fatalf("expected chat to exist, got exists=%v err=%v", exists, err)
	}
}

func TestStoreFailuresWrapPersistenceError(t *testing.T) {
	service, database := newTestService(t)
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	_ = sqlDB.Close()

	_, err = service.ChatExists(context.Background(), "chat-1")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestListChatsOrdersByLastMessage(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	withB, _, _ := service.FindOrCreatePairChat(ctx, "A", "B")
	withC, _, _ := service.FindOrCreatePairChat(ctx, "A", "C")
	if _, _, err := service.PersistMessage(ctx, withB.ID, mustEvent("evt-1", "A", "B", "older", 1000)); err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}
	if _, _, err := service.PersistMessage(ctx, withC.ID, mustEvent("evt-2", "C", "A", "newer", 2000)); err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}

	summaries, err := service.ListChats(ctx, "A")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected two chats, got %d", len(summaries))
	}
	if summaries[0].ID != withC.ID || summaries[0].LastMessage == nil || summaries[0].LastMessage.Content != "newer" {
		t.Fatalf("expected chat with newest message first, got %+v", summaries[0])
	}
	if len(summaries[0].Participants) != 2 {
		t.Fatalf("expected participants to be loaded")
	}

	others, err := service.ListChats(ctx, "B")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(others) != 1 || others[0].ID != withB.ID {
		t.Fatalf("expected only the A/B chat for B, got %+v", others)
	}
}

func TestListMessagesPagesNewestFirst(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	chat, _, _ := service.FindOrCreatePairChat(ctx, "A", "B")
	for index, content := range []string{"one", "two", "three"} {
		event := mustEvent("evt-"+content, "A", "B", content, int64(1000+index))
		if _, _, err := service.PersistMessage(ctx, chat.ID, event); err != nil {
			t.Fatalf("unexpected persist error: %v", err)
		}
	}

	page, err := service.ListMessages(ctx, chat.ID, 2, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(page) != 2 || page[0].Content != "three" || page[1].Content != "two" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = service.ListMessages(ctx, chat.ID, 2, 2)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(page) != 1 || page[0].Content != "one" {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestIsParticipant(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	chat, _, _ := service.FindOrCreatePairChat(ctx, "A", "B")

	if ok, err := service.IsParticipant(ctx, chat.ID, "A"); err != nil || !ok {
		t.Fatalf("expected A to participate, got %v %v", ok, err)
	}
	if ok, err := service.IsParticipant(ctx, chat.ID, "Z"); err != nil || ok {
		t.Fatalf("expected Z not to participate, got %v %v", ok, err)
	}
}

func TestRecordDeadLetterAssignsID(t *testing.T) {
	service, database := newTestService(t)
	err := service.RecordDeadLetter(context.Background(), DeadLetter{
		EventID:  "evt-9",
		Topic:    "_MESSAGES",
		Payload:  `{"senderId":"A"}`,
		Reason:   "chat doesn't exist",
		Attempts: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stored DeadLetter
	if err := database.Where("event_id = ?", "evt-9").Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload dead letter: %v", err)
	}
	if stored.ID == "" || stored.Attempts != 5 {
		t.Fatalf("unexpected dead letter %+v", stored)
	}
}

func TestListPairMessagesWithoutChatID(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	pair, _, err := service.FindOrCreatePairChat(ctx, "A", "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	other, _, err := service.FindOrCreatePairChat(ctx, "A", "C")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, step := range []struct {
		chatID string
		event  ChatMessageEvent
	}{
		{pair.ID, mustEvent("e1", "A", "B", "one", 1000)},
		{pair.ID, mustEvent("e2", "B", "A", "two", 2000)},
		{other.ID, mustEvent("e3", "A", "C", "elsewhere", 3000)},
	} {
		if _, _, err := service.PersistMessage(ctx, step.chatID, step.event); err != nil {
			t.Fatalf("persist %s: %v", step.event.EventID, err)
		}
	}

	messages, err := service.ListPairMessages(ctx, "B", "A", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 || messages[0].EventID != "e2" || messages[1].EventID != "e1" {
		t.Fatalf("expected both directions newest first, got %+v", messages)
	}

	page, err := service.ListPairMessages(ctx, "A", "B", 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 1 || page[0].EventID != "e1" {
		t.Fatalf("unexpected page: %+v", page)
	}

	if _, err := service.ListPairMessages(ctx, "A", " ", 10, 0); err == nil {
		t.Fatalf("expected missing user error")
	}
}

func TestListSharedMediaReturnsOnlyMediaMessages(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	created, _, err := service.FindOrCreatePairChat(ctx, "A", "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plain := mustEvent("e1", "A", "B", "text only", 1000)
	photo := mustEvent("e2", "B", "A", "", 2000)
	photo.ShareMediaURL = "https://media.example.com/photo.png"
	clip := mustEvent("e3", "A", "B", "look", 3000)
	clip.ShareMediaURL = "https://media.example.com/clip.mp4"
	for _, event := range []ChatMessageEvent{plain, photo, clip} {
		if _, _, err := service.PersistMessage(ctx, created.ID, event); err != nil {
			t.Fatalf("persist %s: %v", event.EventID, err)
		}
	}

	media, err := service.ListSharedMedia(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(media) != 2 || media[0].EventID != "e3" || media[1].EventID != "e2" {
		t.Fatalf("expected the two media messages newest first, got %+v", media)
	}
	if _, err := service.ListSharedMedia(ctx, ""); err == nil {
		t.Fatalf("expected missing chat error")
	}
}

func TestMarkSeenFlagsReceivedMessages(t *testing.T) {
	service, database := newTestService(t)
	ctx := context.Background()

	created, _, err := service.FindOrCreatePairChat(ctx, "A", "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, event := range []ChatMessageEvent{
		mustEvent("e1", "A", "B", "one", 1000),
		mustEvent("e2", "A", "B", "two", 2000),
		mustEvent("e3", "B", "A", "reply", 3000),
	} {
		if _, _, err := service.PersistMessage(ctx, created.ID, event); err != nil {
			t.Fatalf("persist %s: %v", event.EventID, err)
		}
	}

	changed, err := service.MarkSeen(ctx, created.ID, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 2 {
		t.Fatalf("expected two messages marked seen, got %d", changed)
	}

	var unseen []Message
	database.Where("is_seen = ?", false).Find(&unseen)
	if len(unseen) != 1 || unseen[0].EventID != "e3" {
		t.Fatalf("expected only the reader's own message to stay unseen, got %+v", unseen)
	}

	changed, err = service.MarkSeen(ctx, created.ID, "B")
	if err != nil || changed != 0 {
		t.Fatalf("expected a repeat to change nothing, got %d (%v)", changed, err)
	}
	if _, err := service.MarkSeen(ctx, created.ID, ""); err == nil {
		t.Fatalf("expected missing user error")
	}
}
