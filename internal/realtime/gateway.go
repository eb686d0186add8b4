// Package realtime delivers chat events to live connections: room broadcast
// for messages and targeted delivery for typing indicators.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/priyanshuxkumar/quicky-server/internal/chat"
	"github.com/priyanshuxkumar/quicky-server/internal/presence"
	"go.uber.org/zap"
)

// Event names exchanged with clients.
const (
	EventSetup           = "setup"
	EventJoinChat        = "join chat"
	EventSendMessage     = "sendMessage"
	EventReceivedMessage = "receivedMessage"
	EventTyping          = "typing"
	EventStopTyping      = "stop typing"
	EventDisconnect      = "disconnect"
)

var (
	errMissingRegistry  = errors.New("realtime: presence registry is required")
	errMissingPublisher = errors.New("realtime: publisher is required")
	errUnknownConn      = errors.New("realtime: unknown connection")
	errMissingGateway   = errors.New("realtime: gateway is required")
)

// Conn is a live client connection.
type Conn interface {
	ID() string
	Emit(event string, payload any)
}

// Publisher hands accepted events to the durable pipeline.
type Publisher interface {
	Publish(ctx context.Context, event chat.ChatMessageEvent) (chat.ChatMessageEvent, error)
}

// Observer receives delivery counts.
type Observer interface {
	ObserveBroadcast(recipients int)
	ObserveDelivery()
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Registry   *presence.Registry
	Publisher  Publisher
	IDProvider chat.IDProvider
	Logger     *zap.Logger
	Observer   Observer
}

// TypingPayload is sent with typing and stop typing events.
type TypingPayload struct {
	UserID string `json:"userId"`
}

// Gateway tracks live connections and their rooms.
type Gateway struct {
	registry   *presence.Registry
	publisher  Publisher
	idProvider chat.IDProvider
	logger     *zap.Logger
	observer   Observer

	mu          sync.RWMutex
	conns       map[string]Conn
	rooms       map[string]map[string]struct{}
	memberships map[string]map[string]struct{}
}

// NewGateway validates cfg and constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = chat.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registry:    cfg.Registry,
		publisher:   cfg.Publisher,
		idProvider:  idProvider,
		logger:      logger,
		observer:    cfg.Observer,
		conns:       make(map[string]Conn),
		rooms:       make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}, nil
}

// Connect registers conn as live.
func (g *Gateway) Connect(conn Conn) {
	g.mu.Lock()
	g.conns[conn.ID()] = conn
	g.mu.Unlock()
	g.logger.Debug("connection opened", zap.String("conn_id", conn.ID()))
}

// Identify binds connID to userID in the presence registry. A previous
// connection of the same user stops receiving targeted events.
func (g *Gateway) Identify(connID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return presence.ErrPresenceMiss
	}
	if !g.known(connID) {
		return errUnknownConn
	}
	g.registry.Identify(connID, userID)
	g.logger.Debug("connection identified", zap.String("conn_id", connID), zap.String("user_id", userID))
	return nil
}

// JoinRoom adds connID to roomID. Membership is additive and unchecked.
func (g *Gateway) JoinRoom(connID, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[connID]; !ok {
		return errUnknownConn
	}
	members, ok := g.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		g.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	joined, ok := g.memberships[connID]
	if !ok {
		joined = make(map[string]struct{})
		g.memberships[connID] = joined
	}
	joined[roomID] = struct{}{}
	return nil
}

// BroadcastSend emits event to every connection in its room and then hands it
// to the publisher. A connection bound to a user can only send as that user.
// Publish failures are logged and never reach the sender; only an invalid
// event is returned as an error, and it is neither broadcast nor published.
func (g *Gateway) BroadcastSend(ctx context.Context, connID string, event chat.ChatMessageEvent) (chat.ChatMessageEvent, error) {
	event.Normalize()
	if userID, ok := g.registry.UserOf(connID); ok {
		if event.SenderID != "" && event.SenderID != userID {
			g.logger.Warn("rejecting message sent as another user",
				zap.String("conn_id", connID),
				zap.String("user_id", userID),
				zap.String("sender_id", event.SenderID))
			return event, fmt.Errorf("%w: sender does not match connection", chat.ErrMalformedEvent)
		}
		event.SenderID = userID
	}
	if err := event.Validate(); err != nil {
		g.logger.Warn("rejecting invalid message", zap.String("conn_id", connID), zap.Error(err))
		return event, err
	}
	if event.EventID == "" {
		eventID, err := g.idProvider.NewID()
		if err != nil {
			return event, err
		}
		event.EventID = eventID
	}

	recipients := g.members(event.RoomID())
	for _, conn := range recipients {
		conn.Emit(EventReceivedMessage, event)
	}
	if g.observer != nil {
		g.observer.ObserveBroadcast(len(recipients))
	}

	if _, err := g.publisher.Publish(ctx, event); err != nil {
		g.logger.Error("message hand-off failed",
			zap.String("event_id", event.EventID),
			zap.String("room", event.RoomID()),
			zap.Error(err))
	}
	return event, nil
}

// RouteTyping tells targetUserID that the user behind senderConnID is typing.
func (g *Gateway) RouteTyping(senderConnID, targetUserID string) error {
	return g.route(EventTyping, senderConnID, targetUserID)
}

// RouteStopTyping tells targetUserID that the user behind senderConnID stopped typing.
func (g *Gateway) RouteStopTyping(senderConnID, targetUserID string) error {
	return g.route(EventStopTyping, senderConnID, targetUserID)
}

func (g *Gateway) route(event, senderConnID, targetUserID string) error {
	senderID, ok := g.registry.UserOf(senderConnID)
	if !ok {
		return presence.ErrPresenceMiss
	}
	targetConnID, ok := g.registry.Lookup(strings.TrimSpace(targetUserID))
	if !ok {
		return presence.ErrPresenceMiss
	}
	g.mu.RLock()
	target, ok := g.conns[targetConnID]
	g.mu.RUnlock()
	if !ok {
		return presence.ErrPresenceMiss
	}
	target.Emit(event, TypingPayload{UserID: senderID})
	if g.observer != nil {
		g.observer.ObserveDelivery()
	}
	return nil
}

// Disconnect forgets connID, its presence binding and its rooms.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	delete(g.conns, connID)
	for roomID := range g.memberships[connID] {
		members := g.rooms[roomID]
		delete(members, connID)
		if len(members) == 0 {
			delete(g.rooms, roomID)
		}
	}
	delete(g.memberships, connID)
	g.mu.Unlock()

	if userID, removed := g.registry.Remove(connID); removed {
		g.logger.Debug("connection closed", zap.String("conn_id", connID), zap.String("user_id", userID))
	}
}

// Connections returns the number of live connections.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// RoomSize returns the number of connections in roomID.
func (g *Gateway) RoomSize(roomID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[roomID])
}

func (g *Gateway) known(connID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[connID]
	return ok
}

func (g *Gateway) members(roomID string) []Conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members := g.rooms[roomID]
	conns := make([]Conn, 0, len(members))
	for connID := range members {
		if conn, ok := g.conns[connID]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}
