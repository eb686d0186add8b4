package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrChatNotFound reports that an event referenced a chat the store does not know.
	ErrChatNotFound = errors.New("chat: chat doesn't exist")
	// ErrPersistence wraps store failures on the durable path.
	ErrPersistence = errors.New("chat: persistence failure")
	// ErrMalformedEvent reports an event that cannot be decoded or fails validation.
	ErrMalformedEvent = errors.New("chat: malformed event")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingChatID     = errors.New("chat identifier is required")
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "chat.service.new"
	opChatExists       = "chat.chat_exists"
	opFindOrCreatePair = "chat.find_or_create_pair"
	opPersistMessage   = "chat.persist_message"
	opRecordDeadLetter = "chat.record_dead_letter"
	opListChats        = "chat.list_chats"
	opListMessages     = "chat.list_messages"
	opIsParticipant    = "chat.is_participant"
	opListPair         = "chat.list_pair_messages"
	opListSharedMedia  = "chat.list_shared_media"
	opMarkSeen         = "chat.mark_seen"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func storeFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
