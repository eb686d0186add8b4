package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/priyanshuxkumar/quicky-server/internal/admission"
	"github.com/priyanshuxkumar/quicky-server/internal/cache"
	"github.com/priyanshuxkumar/quicky-server/internal/chat"
	"github.com/priyanshuxkumar/quicky-server/internal/users"
)

type stubChatReader struct {
	mu        sync.Mutex
	summaries []chat.Summary
	messages  []chat.Message
	members   map[string]bool
	listCalls int
	pairCalls []string
	seen      []string
}

func (s *stubChatReader) ListChats(context.Context, string) ([]chat.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	return append([]chat.Summary(nil), s.summaries...), nil
}

func (s *stubChatReader) ListMessages(_ context.Context, _ string, limit, _ int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit < len(s.messages) {
		return append([]chat.Message(nil), s.messages[:limit]...), nil
	}
	return append([]chat.Message(nil), s.messages...), nil
}

func (s *stubChatReader) ListPairMessages(_ context.Context, userID, otherID string, _, _ int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairCalls = append(s.pairCalls, userID+"/"+otherID)
	return append([]chat.Message(nil), s.messages...), nil
}

func (s *stubChatReader) ListSharedMedia(_ context.Context, chatID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var media []chat.Message
	for _, message := range s.messages {
		if message.ChatID == chatID && message.ShareMediaURL != "" {
			media = append(media, message)
		}
	}
	return media, nil
}

func (s *stubChatReader) MarkSeen(_ context.Context, chatID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, chatID+"/"+userID)
	return 2, nil
}

func (s *stubChatReader) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	return s.members[chatID+"/"+userID], nil
}

type stubProfiles struct {
	profiles map[string]users.Profile
}

func (s *stubProfiles) GetProfile(_ context.Context, userID string) (users.Profile, error) {
	profile, ok := s.profiles[userID]
	if !ok {
		return users.Profile{}, users.ErrProfileNotFound
	}
	return profile, nil
}

func (s *stubProfiles) UpsertProfile(_ context.Context, profile users.Profile) (users.Profile, error) {
	s.profiles[profile.UserID] = profile
	return profile, nil
}

type stubSender struct {
	sent []chat.ChatMessageEvent
}

func (s *stubSender) BroadcastSend(_ context.Context, _ string, event chat.ChatMessageEvent) (chat.ChatMessageEvent, error) {
	if err := event.Validate(); err != nil {
		return event, err
	}
	event.EventID = "evt-1"
	s.sent = append(s.sent, event)
	return event, nil
}

type routerFixture struct {
	handler  http.Handler
	chats    *stubChatReader
	profiles *stubProfiles
	sender   *stubSender
}

func newRouterFixture(t *testing.T, capacity int) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bucket, err := admission.NewBucket(admission.Config{Capacity: capacity, DrainInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to build bucket: %v", err)
	}
	memory, err := cache.NewMemory(1 << 20)
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	t.Cleanup(func() { _ = memory.Close() })

	fixture := &routerFixture{
		chats:    &stubChatReader{members: map[string]bool{"chat-1/A": true}},
		profiles: &stubProfiles{profiles: map[string]users.Profile{}},
		sender:   &stubSender{},
	}
	handler, err := NewHTTPHandler(Dependencies{
		Admission:   bucket,
		Tokens:      stubTokenValidator{subject: "A"},
		Chats:       fixture.chats,
		Profiles:    fixture.profiles,
		Sender:      fixture.sender,
		Cache:       memory,
		ChatsTTL:    time.Minute,
		MessagesTTL: time.Minute,
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}

func (f *routerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer token")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestAdmissionRejectsRequestBeyondCapacity(t *testing.T) {
	fixture := newRouterFixture(t, 10)

	for index := 0; index < 10; index++ {
		recorder := fixture.do(http.MethodGet, "/healthz", "")
		if recorder.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", index+1, recorder.Code)
		}
		if recorder.Header().Get(requestIDHeader) == "" {
			t.Fatalf("expected request id header")
		}
	}

	recorder := fixture.do(http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the eleventh request, got %d", recorder.Code)
	}
	if recorder.Body.String() != "Too many requests" {
		t.Fatalf("unexpected rejection body %q", recorder.Body.String())
	}
	if recorder.Header().Get("Retry-After") != "" {
		t.Fatalf("expected no Retry-After header")
	}
}

func TestSendMessageAcceptsAndReturnsEventID(t *testing.T) {
	fixture := newRouterFixture(t, 10)

	recorder := fixture.do(http.MethodPost, "/messages", `{"recipientId":"B","content":"hi","createdAt":1700000000000}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.EventID != "evt-1" {
		t.Fatalf("unexpected event id %q", response.EventID)
	}
	if len(fixture.sender.sent) != 1 || fixture.sender.sent[0].SenderID != "A" {
		t.Fatalf("expected sender to come from the token, got %+v", fixture.sender.sent)
	}
	if fixture.sender.sent[0].CreatedAt != 1700000000000 {
		t.Fatalf("expected createdAt to be preserved")
	}
}

func TestSendMessageRejectsSelfMessage(t *testing.T) {
	fixture := newRouterFixture(t, 10)

	recorder := fixture.do(http.MethodPost, "/messages", `{"recipientId":"A","content":"me"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestListChatsServesCachedResult(t *testing.T) {
	fixture := newRouterFixture(t, 10)
	fixture.chats.summaries = []chat.Summary{{Chat: chat.Chat{ID: "chat-1"}}}

	first := fixture.do(http.MethodGet, "/chats", "")
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}

	fixture.chats.mu.Lock()
	fixture.chats.summaries = append(fixture.chats.summaries, chat.Summary{Chat: chat.Chat{ID: "chat-2"}})
	fixture.chats.mu.Unlock()

	second := fixture.do(http.MethodGet, "/chats", "")
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected cached body within ttl, got %s", second.Body.String())
	}
	if fixture.chats.listCalls != 1 {
		t.Fatalf("expected one store read, got %d", fixture.chats.listCalls)
	}
}

func TestListMessagesChecksMembership(t *testing.T) {
	fixture := newRouterFixture(t, 10)
	fixture.chats.messages = []chat.Message{{ID: "m2", ChatID: "chat-1"}, {ID: "m1", ChatID: "chat-1"}}

	recorder := fixture.do(http.MethodGet, "/chats/chat-1/messages?limit=1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Messages) != 1 || response.Messages[0].ID != "m2" {
		t.Fatalf("unexpected page: %+v", response.Messages)
	}

	if recorder := fixture.do(http.MethodGet, "/chats/chat-9/messages", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign chat, got %d", recorder.Code)
	}
	if recorder := fixture.do(http.MethodGet, "/chats/chat-1/messages?limit=abc", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", recorder.Code)
	}
}

func TestListPairMessagesByRecipient(t *testing.T) {
	fixture := newRouterFixture(t, 10)
	fixture.chats.messages = []chat.Message{{ID: "m1", SenderID: "B", RecipientID: "A"}}

	recorder := fixture.do(http.MethodGet, "/messages?recipientId=B&limit=20", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"id":"m1"`) {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
	if len(fixture.chats.pairCalls) != 1 || fixture.chats.pairCalls[0] != "A/B" {
		t.Fatalf("expected a pair lookup for the token subject, got %v", fixture.chats.pairCalls)
	}

	if recorder := fixture.do(http.MethodGet, "/messages", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without recipientId, got %d", recorder.Code)
	}
}

func TestSharedMediaAndSeenRequireMembership(t *testing.T) {
	fixture := newRouterFixture(t, 10)
	fixture.chats.messages = []chat.Message{
		{ID: "m2", ChatID: "chat-1", ShareMediaURL: "https://media.example.com/a.png"},
		{ID: "m1", ChatID: "chat-1"},
	}

	recorder := fixture.do(http.MethodGet, "/chats/chat-1/media", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Messages) != 1 || response.Messages[0].ID != "m2" {
		t.Fatalf("expected only the media message, got %+v", response.Messages)
	}

	recorder = fixture.do(http.MethodPut, "/chats/chat-1/seen", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"updated":2`) {
		t.Fatalf("unexpected seen response %d %s", recorder.Code, recorder.Body.String())
	}
	if len(fixture.chats.seen) != 1 || fixture.chats.seen[0] != "chat-1/A" {
		t.Fatalf("expected seen update for the token subject, got %v", fixture.chats.seen)
	}

	if recorder := fixture.do(http.MethodGet, "/chats/chat-9/media", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign chat media, got %d", recorder.Code)
	}
	if recorder := fixture.do(http.MethodPut, "/chats/chat-9/seen", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign chat seen, got %d", recorder.Code)
	}
	if len(fixture.chats.seen) != 1 {
		t.Fatalf("expected no seen update for a foreign chat")
	}
}

func TestProfileRoutes(t *testing.T) {
	fixture := newRouterFixture(t, 10)

	if recorder := fixture.do(http.MethodGet, "/users/B", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown profile, got %d", recorder.Code)
	}

	recorder := fixture.do(http.MethodPut, "/users/me", `{"username":"alice","firstName":"Alice"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if fixture.profiles.profiles["A"].Username != "alice" {
		t.Fatalf("expected profile to be stored under the token subject")
	}

	recorder = fixture.do(http.MethodGet, "/users/A", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"username":"alice"`) {
		t.Fatalf("unexpected profile response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	fixture := newRouterFixture(t, 10)
	request := httptest.NewRequest(http.MethodGet, "/chats", http.NoBody)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingAdmission) {
		t.Fatalf("expected missing admission error, got %v", err)
	}
}
