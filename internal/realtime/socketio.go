package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/priyanshuxkumar/quicky-server/internal/chat"
	socket "github.com/zishang520/socket.io/servers/socket/v3"
	sockettypes "github.com/zishang520/socket.io/v3/pkg/types"
	"go.uber.org/zap"
)

const defaultSocketPath = "/socket.io/"

// TokenValidator resolves a bearer token to its user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SocketConfig configures the Socket.IO transport.
type SocketConfig struct {
	Gateway      *Gateway
	Tokens       TokenValidator
	Path         string
	PingInterval time.Duration
	PingTimeout  time.Duration
	Logger       *zap.Logger
}

// SocketServer adapts Socket.IO connections onto a Gateway.
type SocketServer struct {
	server  *socket.Server
	gateway *Gateway
	tokens  TokenValidator
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSocketServer builds the Socket.IO server and registers its handlers.
func NewSocketServer(cfg SocketConfig) (*SocketServer, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.Path
	if path == "" {
		path = defaultSocketPath
	}

	opts := socket.DefaultServerOptions()
	opts.SetCors(&sockettypes.Cors{
		Origin:      "*",
		Credentials: false,
	})
	if cfg.PingInterval > 0 {
		opts.SetPingInterval(cfg.PingInterval)
	}
	if cfg.PingTimeout > 0 {
		opts.SetPingTimeout(cfg.PingTimeout)
	}
	opts.SetPath(path)

	ctx, cancel := context.WithCancel(context.Background())
	s := &SocketServer{
		server:  socket.NewServer(nil, opts),
		gateway: cfg.Gateway,
		tokens:  cfg.Tokens,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.server.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.handleConnection(client)
	})
	return s, nil
}

// Handler serves the Socket.IO protocol.
func (s *SocketServer) Handler() http.Handler {
	return s.server.ServeHandler(nil)
}

// Close disconnects every client and stops in-flight hand-offs.
func (s *SocketServer) Close() {
	s.cancel()
	s.server.Close(nil)
}

func (s *SocketServer) handleConnection(client *socket.Socket) {
	conn := socketConn{client: client}
	connID := conn.ID()
	s.gateway.Connect(conn)

	if token := handshakeToken(client.Handshake().Auth); token != "" && s.tokens != nil {
		userID, err := s.tokens.ValidateToken(token)
		if err != nil {
			s.logger.Warn("socket handshake token rejected", zap.String("conn_id", connID), zap.Error(err))
			client.Emit("error", map[string]string{"message": "Invalid authentication token"})
			s.gateway.Disconnect(connID)
			client.Disconnect(true)
			return
		}
		_ = s.gateway.Identify(connID, userID)
	}

	client.On(EventSetup, func(data ...any) {
		userID := stringArg(data, "userId")
		if err := s.gateway.Identify(connID, userID); err != nil {
			s.logger.Debug("setup ignored", zap.String("conn_id", connID), zap.Error(err))
		}
	})

	client.On(EventJoinChat, func(data ...any) {
		roomID := stringArg(data, "chatId")
		if err := s.gateway.JoinRoom(connID, roomID); err != nil {
			s.logger.Debug("join ignored", zap.String("conn_id", connID), zap.Error(err))
		}
	})

	client.On(EventSendMessage, func(data ...any) {
		if len(data) == 0 {
			return
		}
		var event chat.ChatMessageEvent
		if err := decodeAny(data[0], &event); err != nil {
			s.logger.Warn("message decode failed", zap.String("conn_id", connID), zap.Error(err))
			return
		}
		_, _ = s.gateway.BroadcastSend(s.ctx, connID, event)
	})

	client.On(EventTyping, func(data ...any) {
		if err := s.gateway.RouteTyping(connID, stringArg(data, "userId")); err != nil {
			s.logger.Debug("typing not routed", zap.String("conn_id", connID), zap.Error(err))
		}
	})

	client.On(EventStopTyping, func(data ...any) {
		if err := s.gateway.RouteStopTyping(connID, stringArg(data, "userId")); err != nil {
			s.logger.Debug("stop typing not routed", zap.String("conn_id", connID), zap.Error(err))
		}
	})

	client.On(EventDisconnect, func(...any) {
		s.gateway.Disconnect(connID)
	})
}

type socketConn struct {
	client *socket.Socket
}

func (c socketConn) ID() string {
	return string(c.client.Id())
}

func (c socketConn) Emit(event string, payload any) {
	c.client.Emit(event, payload)
}

func handshakeToken(auth map[string]any) string {
	raw, ok := auth["token"].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
}

// stringArg reads the first event argument as a string, or as field of an
// object argument.
func stringArg(data []any, field string) string {
	if len(data) == 0 {
		return ""
	}
	switch value := data[0].(type) {
	case string:
		return strings.TrimSpace(value)
	case map[string]any:
		if text, ok := value[field].(string); ok {
			return strings.TrimSpace(text)
		}
	}
	return ""
}

func decodeAny(input any, out any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
