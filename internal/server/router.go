package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/priyanshuxkumar/quicky-server/internal/cache"
	"github.com/priyanshuxkumar/quicky-server/internal/chat"
	"github.com/priyanshuxkumar/quicky-server/internal/users"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "quicky_user_id"
	requestIDContextKey = "quicky_request_id"
	requestIDHeader     = "X-Request-ID"

	defaultChatsTTL    = 5 * time.Second
	defaultMessagesTTL = 5 * time.Second
)

var (
	errMissingAdmission     = errors.New("admission controller dependency required")
	errMissingTokenManager  = errors.New("token validator dependency required")
	errMissingChatReader    = errors.New("chat reader dependency required")
	errMissingProfiles      = errors.New("profile store dependency required")
	errMissingSender        = errors.New("message sender dependency required")
	errMissingCache         = errors.New("read cache dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Admitter decides whether a request enters the system.
type Admitter interface {
	Admit(requestID string) bool
}

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// ChatReader serves chat and message reads and the seen flag.
type ChatReader interface {
	ListChats(ctx context.Context, userID string) ([]chat.Summary, error)
	ListMessages(ctx context.Context, chatID string, limit, offset int) ([]chat.Message, error)
	ListPairMessages(ctx context.Context, userID, otherID string, limit, offset int) ([]chat.Message, error)
	ListSharedMedia(ctx context.Context, chatID string) ([]chat.Message, error)
	MarkSeen(ctx context.Context, chatID, userID string) (int64, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

// ProfileStore serves profile reads and writes.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (users.Profile, error)
	UpsertProfile(ctx context.Context, profile users.Profile) (users.Profile, error)
}

// MessageSender broadcasts a message to live peers and hands it to the pipeline.
type MessageSender interface {
	BroadcastSend(ctx context.Context, connID string, event chat.ChatMessageEvent) (chat.ChatMessageEvent, error)
}

// Dependencies wires the HTTP edge.
type Dependencies struct {
	Admission   Admitter
	Tokens      TokenValidator
	Chats       ChatReader
	Profiles    ProfileStore
	Sender      MessageSender
	Cache       cache.Cache
	ChatsTTL    time.Duration
	MessagesTTL time.Duration
	// Realtime serves the Socket.IO transport when set.
	Realtime http.Handler
	// Metrics serves the Prometheus exposition when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewHTTPHandler builds the gin router for the HTTP edge.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Admission == nil {
		return nil, errMissingAdmission
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Chats == nil {
		return nil, errMissingChatReader
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.Sender == nil {
		return nil, errMissingSender
	}
	if deps.Cache == nil {
		return nil, errMissingCache
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	chatsTTL := deps.ChatsTTL
	if chatsTTL <= 0 {
		chatsTTL = defaultChatsTTL
	}
	messagesTTL := deps.MessagesTTL
	if messagesTTL <= 0 {
		messagesTTL = defaultMessagesTTL
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		admission:   deps.Admission,
		tokens:      deps.Tokens,
		chats:       deps.Chats,
		profiles:    deps.Profiles,
		sender:      deps.Sender,
		cache:       deps.Cache,
		chatsTTL:    chatsTTL,
		messagesTTL: messagesTTL,
		logger:      logger,
	}
	router.Use(handler.admitRequest)

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.Realtime != nil {
		router.Any("/socket.io/*any", gin.WrapH(deps.Realtime))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/messages", handler.handleSendMessage)
	protected.GET("/messages", handler.handleListPairMessages)
	protected.GET("/chats", handler.handleListChats)
	protected.GET("/chats/:id/messages", handler.handleListMessages)
	protected.GET("/chats/:id/media", handler.handleListSharedMedia)
	protected.PUT("/chats/:id/seen", handler.handleMarkSeen)
	protected.GET("/users/:id", handler.handleGetProfile)
	protected.PUT("/users/me", handler.handleUpsertProfile)

	return router, nil
}

type httpHandler struct {
	admission   Admitter
	tokens      TokenValidator
	chats       ChatReader
	profiles    ProfileStore
	sender      MessageSender
	cache       cache.Cache
	chatsTTL    time.Duration
	messagesTTL time.Duration
	logger      *zap.Logger
}

func (h *httpHandler) admitRequest(c *gin.Context) {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	c.Header(requestIDHeader, requestID)

	if !h.admission.Admit(requestID) {
		h.logger.Debug("request rejected by admission controller",
			zap.String("request_id", requestID),
			zap.String("path", c.Request.URL.Path))
		c.Abort()
		c.String(http.StatusTooManyRequests, "Too many requests")
		return
	}
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sendMessagePayload struct {
	EventID       string `json:"eventId"`
	RecipientID   string `json:"recipientId"`
	Content       string `json:"content"`
	ChatID        string `json:"chatId"`
	ShareMediaURL string `json:"shareMediaUrl"`
	StoryID       string `json:"storyId"`
	CreatedAt     int64  `json:"createdAt"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	createdAt := request.CreatedAt
	if createdAt <= 0 {
		createdAt = time.Now().UnixMilli()
	}

	event, err := h.sender.BroadcastSend(c.Request.Context(), "", chat.ChatMessageEvent{
		EventID:       request.EventID,
		SenderID:      userID,
		RecipientID:   request.RecipientID,
		Content:       request.Content,
		ChatID:        request.ChatID,
		ShareMediaURL: request.ShareMediaURL,
		StoryID:       request.StoryID,
		CreatedAt:     createdAt,
	})
	if errors.Is(err, chat.ErrMalformedEvent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message"})
		return
	}
	if err != nil {
		h.logger.Error("failed to accept message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "send_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"eventId": event.EventID})
}

func (h *httpHandler) handleListChats(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	summaries, err := cache.Fetch(c.Request.Context(), h.cache, cache.ChatsKey(userID), h.chatsTTL,
		func(ctx context.Context) ([]chat.Summary, error) {
			return h.chats.ListChats(ctx, userID)
		})
	if err != nil {
		h.logger.Error("failed to list chats", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": summaries})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	chatID := strings.TrimSpace(c.Param("id"))
	limit, limitErr := queryInt(c, "limit")
	offset, offsetErr := queryInt(c, "offset")
	if chatID == "" || limitErr != nil || offsetErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	limit, offset = chat.NormalizePage(limit, offset)
	if !h.requireMember(c, chatID) {
		return
	}

	messages, err := cache.Fetch(c.Request.Context(), h.cache, cache.MessagesKey(chatID, limit, offset), h.messagesTTL,
		func(ctx context.Context) ([]chat.Message, error) {
			return h.chats.ListMessages(ctx, chatID, limit, offset)
		})
	if err != nil {
		h.logger.Error("failed to list messages", zap.String("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleListPairMessages(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	recipientID := strings.TrimSpace(c.Query("recipientId"))
	limit, limitErr := queryInt(c, "limit")
	offset, offsetErr := queryInt(c, "offset")
	if recipientID == "" || limitErr != nil || offsetErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	limit, offset = chat.NormalizePage(limit, offset)

	key := cache.PairMessagesKey(chat.PairKey(userID, recipientID), limit, offset)
	messages, err := cache.Fetch(c.Request.Context(), h.cache, key, h.messagesTTL,
		func(ctx context.Context) ([]chat.Message, error) {
			return h.chats.ListPairMessages(ctx, userID, recipientID, limit, offset)
		})
	if err != nil {
		h.logger.Error("failed to list pair messages", zap.String("recipient_id", recipientID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleListSharedMedia(c *gin.Context) {
	chatID := strings.TrimSpace(c.Param("id"))
	if !h.requireMember(c, chatID) {
		return
	}

	media, err := cache.Fetch(c.Request.Context(), h.cache, cache.MediaKey(chatID), h.messagesTTL,
		func(ctx context.Context) ([]chat.Message, error) {
			return h.chats.ListSharedMedia(ctx, chatID)
		})
	if err != nil {
		h.logger.Error("failed to list shared media", zap.String("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": media})
}

func (h *httpHandler) handleMarkSeen(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	chatID := strings.TrimSpace(c.Param("id"))
	if !h.requireMember(c, chatID) {
		return
	}

	updated, err := h.chats.MarkSeen(c.Request.Context(), chatID, userID)
	if err != nil {
		h.logger.Error("failed to mark messages seen", zap.String("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "seen_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// requireMember writes the response and returns false unless the caller
// belongs to chatID. Non-members see the chat as missing.
func (h *httpHandler) requireMember(c *gin.Context, chatID string) bool {
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	member, err := h.chats.IsParticipant(c.Request.Context(), chatID, c.GetString(userIDContextKey))
	if err != nil {
		h.logger.Error("failed to check chat membership", zap.String("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership_failed"})
		return false
	}
	if !member {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat_not_found"})
		return false
	}
	return true
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	profile, err := h.profiles.GetProfile(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, profile)
	case errors.Is(err, users.ErrProfileNotFound), errors.Is(err, users.ErrInvalidIdentity):
		c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found"})
	default:
		h.logger.Error("failed to load profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
	}
}

type profilePayload struct {
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AvatarURL string `json:"avatarUrl"`
}

func (h *httpHandler) handleUpsertProfile(c *gin.Context) {
	var request profilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.profiles.UpsertProfile(c.Request.Context(), users.Profile{
		UserID:    c.GetString(userIDContextKey),
		Username:  request.Username,
		FirstName: request.FirstName,
		LastName:  request.LastName,
		AvatarURL: request.AvatarURL,
	})
	if err != nil {
		h.logger.Error("failed to store profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	})
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
