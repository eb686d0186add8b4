package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 200
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the chat store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the store of record for chats, messages and dead letters.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ChatExists reports whether chatID names a stored chat.
func (s *Service) ChatExists(ctx context.Context, chatID string) (bool, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return false, newServiceError(opChatExists, "missing_chat_id", errMissingChatID)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Chat{}).Where("id = ?", chatID).Count(&count).Error; err != nil {
		s.logError(opChatExists, "query_failed", err, zap.String("chat_id", chatID))
		return false, newServiceError(opChatExists, "query_failed", storeFailure(err))
	}
	return count > 0, nil
}

// FindOrCreatePairChat returns the two-party chat of first and second, creating it
// when the pair has never exchanged a message. The boolean reports creation.
func (s *Service) FindOrCreatePairChat(ctx context.Context, first, second string) (Chat, bool, error) {
	first = strings.TrimSpace(first)
	second = strings.TrimSpace(second)
	if first == "" || second == "" {
		return Chat{}, false, newServiceError(opFindOrCreatePair, "missing_user_id", errMissingUserID)
	}
	key := PairKey(first, second)

	var (
		result  Chat
		created bool
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Preload("Participants").Where("pair_key = ?", key).Take(&result).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opFindOrCreatePair, "chat_select_failed", err, zap.String("pair_key", key))
			return newServiceError(opFindOrCreatePair, "chat_select_failed", storeFailure(err))
		}

		chatID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opFindOrCreatePair, "id_generation_failed", err)
			return newServiceError(opFindOrCreatePair, "id_generation_failed", err)
		}
		result = Chat{
			ID:      chatID,
			PairKey: key,
			Participants: []Participant{
				{ChatID: chatID, UserID: first},
				{ChatID: chatID, UserID: second},
			},
		}
		if err := tx.Create(&result).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if txErr == nil {
		return result, created, nil
	}

	var serviceErr *ServiceError
	if errors.As(txErr, &serviceErr) {
		return Chat{}, false, txErr
	}

	// A concurrent creator won the unique pair key.
	var existing Chat
	if err := s.db.WithContext(ctx).Preload("Participants").Where("pair_key = ?", key).Take(&existing).Error; err == nil {
		return existing, false, nil
	}
	s.logError(opFindOrCreatePair, "chat_insert_failed", txErr, zap.String("pair_key", key))
	return Chat{}, false, newServiceError(opFindOrCreatePair, "chat_insert_failed", storeFailure(txErr))
}

// PersistMessage stores event in chatID. Inserts are idempotent on the event id;
// the boolean is false when the event had already been stored.
func (s *Service) PersistMessage(ctx context.Context, chatID string, event ChatMessageEvent) (Message, bool, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return Message{}, false, newServiceError(opPersistMessage, "missing_chat_id", errMissingChatID)
	}
	if strings.TrimSpace(event.EventID) == "" {
		return Message{}, false, newServiceError(opPersistMessage, "missing_event_id", ErrMalformedEvent)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPersistMessage, "id_generation_failed", err)
		return Message{}, false, newServiceError(opPersistMessage, "id_generation_failed", err)
	}

	message := Message{
		ID:            messageID,
		EventID:       event.EventID,
		ChatID:        chatID,
		SenderID:      event.SenderID,
		RecipientID:   event.RecipientID,
		Content:       event.Content,
		ShareMediaURL: event.ShareMediaURL,
		StoryID:       event.StoryID,
		CreatedAt:     event.CreatedAt,
	}

	var inserted bool
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(&message)
		if result.Error != nil {
			s.logError(opPersistMessage, "message_insert_failed", result.Error,
				zap.String("chat_id", chatID),
				zap.String("event_id", event.EventID))
			return newServiceError(opPersistMessage, "message_insert_failed", storeFailure(result.Error))
		}
		inserted = result.RowsAffected > 0
		if !inserted {
			return nil
		}
		if err := tx.Model(&Chat{}).Where("id = ?", chatID).Update("updated_at", s.clock().UTC()).Error; err != nil {
			s.logError(opPersistMessage, "chat_touch_failed", err, zap.String("chat_id", chatID))
			return newServiceError(opPersistMessage, "chat_touch_failed", storeFailure(err))
		}
		return nil
	})
	if txErr != nil {
		return Message{}, false, txErr
	}

	if !inserted {
		var existing Message
		if err := s.db.WithContext(ctx).Where("event_id = ?", event.EventID).Take(&existing).Error; err != nil {
			s.logError(opPersistMessage, "message_select_failed", err, zap.String("event_id", event.EventID))
			return Message{}, false, newServiceError(opPersistMessage, "message_select_failed", storeFailure(err))
		}
		return existing, false, nil
	}
	return message, true, nil
}

// RecordDeadLetter quarantines an event that will not be retried.
func (s *Service) RecordDeadLetter(ctx context.Context, letter DeadLetter) error {
	if letter.ID == "" {
		letterID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opRecordDeadLetter, "id_generation_failed", err)
			return newServiceError(opRecordDeadLetter, "id_generation_failed", err)
		}
		letter.ID = letterID
	}
	if err := s.db.WithContext(ctx).Create(&letter).Error; err != nil {
		s.logError(opRecordDeadLetter, "insert_failed", err, zap.String("event_id", letter.EventID))
		return newServiceError(opRecordDeadLetter, "insert_failed", storeFailure(err))
	}
	return nil
}

// ListChats returns the chats userID participates in, most recent activity first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newServiceError(opListChats, "missing_user_id", errMissingUserID)
	}

	var chats []Chat
	if err := s.db.WithContext(ctx).
		Joins("JOIN chat_participants ON chat_participants.chat_id = chats.id").
		Where("chat_participants.user_id = ?", userID).
		Preload("Participants").
		Order("chats.updated_at DESC").
		Find(&chats).Error; err != nil {
		s.logError(opListChats, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListChats, "query_failed", storeFailure(err))
	}

	summaries := lo.Map(chats, func(item Chat, _ int) Summary {
		return Summary{Chat: item}
	})
	for index := range summaries {
		var last Message
		err := s.db.WithContext(ctx).
			Where("chat_id = ?", summaries[index].ID).
			Order("created_at DESC").
			Order("id DESC").
			Take(&last).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			s.logError(opListChats, "last_message_failed", err, zap.String("chat_id", summaries[index].ID))
			return nil, newServiceError(opListChats, "last_message_failed", storeFailure(err))
		}
		summaries[index].LastMessage = &last
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return lastActivity(summaries[i]) > lastActivity(summaries[j])
	})
	return summaries, nil
}

// ListMessages returns a page of chatID's messages, newest first.
func (s *Service) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, newServiceError(opListMessages, "missing_chat_id", errMissingChatID)
	}
	limit, offset = NormalizePage(limit, offset)

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error; err != nil {
		s.logError(opListMessages, "query_failed", err, zap.String("chat_id", chatID))
		return nil, newServiceError(opListMessages, "query_failed", storeFailure(err))
	}
	return messages, nil
}

// ListPairMessages returns a page of the messages exchanged between userID and
// otherID, newest first, without requiring the chat identifier.
func (s *Service) ListPairMessages(ctx context.Context, userID, otherID string, limit, offset int) ([]Message, error) {
	userID = strings.TrimSpace(userID)
	otherID = strings.TrimSpace(otherID)
	if userID == "" || otherID == "" {
		return nil, newServiceError(opListPair, "missing_user_id", errMissingUserID)
	}
	limit, offset = NormalizePage(limit, offset)

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", userID, otherID, otherID, userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error; err != nil {
		s.logError(opListPair, "query_failed", err, zap.String("user_id", userID), zap.String("other_id", otherID))
		return nil, newServiceError(opListPair, "query_failed", storeFailure(err))
	}
	return messages, nil
}

// ListSharedMedia returns chatID's messages that carry a media URL, newest first.
func (s *Service) ListSharedMedia(ctx context.Context, chatID string) ([]Message, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, newServiceError(opListSharedMedia, "missing_chat_id", errMissingChatID)
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("chat_id = ? AND share_media_url <> ''", chatID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&messages).Error; err != nil {
		s.logError(opListSharedMedia, "query_failed", err, zap.String("chat_id", chatID))
		return nil, newServiceError(opListSharedMedia, "query_failed", storeFailure(err))
	}
	return messages, nil
}

// MarkSeen flags the unseen messages userID received in chatID as seen and
// returns how many changed.
func (s *Service) MarkSeen(ctx context.Context, chatID, userID string) (int64, error) {
	chatID = strings.TrimSpace(chatID)
	userID = strings.TrimSpace(userID)
	if chatID == "" {
		return 0, newServiceError(opMarkSeen, "missing_chat_id", errMissingChatID)
	}
	if userID == "" {
		return 0, newServiceError(opMarkSeen, "missing_user_id", errMissingUserID)
	}

	result := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("chat_id = ? AND recipient_id = ? AND is_seen = ?", chatID, userID, false).
		Update("is_seen", true)
	if result.Error != nil {
		s.logError(opMarkSeen, "update_failed", result.Error, zap.String("chat_id", chatID))
		return 0, newServiceError(opMarkSeen, "update_failed", storeFailure(result.Error))
	}
	return result.RowsAffected, nil
}

// IsParticipant reports whether userID is a member of chatID.
func (s *Service) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error; err != nil {
		s.logError(opIsParticipant, "query_failed", err, zap.String("chat_id", chatID))
		return false, newServiceError(opIsParticipant, "query_failed", storeFailure(err))
	}
	return count > 0, nil
}

// NormalizePage clamps paging parameters to the supported range.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func lastActivity(summary Summary) int64 {
	if summary.LastMessage != nil {
		return summary.LastMessage.CreatedAt
	}
	return summary.CreatedAt.UnixMilli()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}
