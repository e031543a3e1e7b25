// Package ws is the gateway's WebSocket server. It upgrades HTTP requests,
// keeps the registry of live sessions, reads client frames on one goroutine
// per connection and routes them through a MessageDispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/logging"
	"github.com/heartline/presence/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // largest accepted data frame in bytes
	ReadTimeout    time.Duration // max silence before a read fails
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 10000,
		MaxMessageSize: 64 << 10,
		ReadTimeout:    90 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts gateway WebSocket connections.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	logger       logrus.FieldLogger
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	admit        func(r *http.Request) bool
	httpServer   *http.Server
	startedAt    time.Time
	done         chan struct{}
	closeOnce    sync.Once
}

// NewServer creates a Server. onMessage is called from the connection's read
// goroutine for every complete text or binary frame, so messages from one
// client are handled in order.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), logger logrus.FieldLogger) *Server {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultServerConfig().MaxMessageSize
	}
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		logger:    logging.Component(logger, "ws"),
		onMessage: onMessage,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after session_created was sent.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, heartbeat timeout, close frame or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetAdmission registers a check run before every upgrade. Requests it
// rejects get 429.
func (s *Server) SetAdmission(fn func(r *http.Request) bool) {
	s.admit = fn
}

// Handler returns the gateway HTTP routes: /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens on ListenAddr, starts the heartbeat monitor and serves until
// Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.config.Heartbeat.Interval > 0 {
		s.startHeartbeat(s.config.Heartbeat)
	}

	s.logger.WithField("addr", s.config.ListenAddr).WithField("max_conns", s.config.MaxConnections).Info("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.admit != nil && !s.admit(r) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.WithError(err).Debug("upgrade failed")
		return
	}

	c := newConnection(uuid.New().String(), conn, RemoteHost(r), s.config.WriteTimeout)
	s.conns.Add(c)

	Send(c, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID})
	s.logger.WithField("session", c.ID).WithField("remote", c.RemoteAddr).WithField("total", s.conns.Count()).Info("new connection")

	if s.onConnect != nil {
		s.onConnect(c)
	}
	go s.readLoop(c)
}

// readLoop reads frames until the connection fails. Control frames are
// answered here so pongs and client pings count as activity.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.WithField("session", c.ID).Debug("read timeout")
			}
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				payload, err := io.ReadAll(reader)
				if err != nil {
					return
				}
				if err := c.writeControl(ws.NewPongFrame(payload)); err != nil {
					return
				}
			default:
				if _, err := io.Copy(io.Discard, reader); err != nil {
					return
				}
			}
			continue
		}

		if header.Length > s.config.MaxMessageSize {
			s.logger.WithField("session", c.ID).WithField("size", header.Length).Warn("frame too large")
			_ = c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "message too large")))
			return
		}

		data, err := io.ReadAll(reader)
		if err != nil {
			return
		}
		if len(data) == 0 || s.onMessage == nil {
			continue
		}
		s.onMessage(c, data)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// RemoveConnection unregisters and closes c, then runs the disconnect
// callback. Only the first call for a connection has any effect.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	s.logger.WithField("session", c.ID).WithField("total", s.conns.Count()).Info("connection closed")
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and closes every live one, running
// the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("ws: http shutdown: %w", shutdownErr)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	s.logger.Info("server stopped")
	return err
}

// RemoteHost returns the client address of r, preferring the first
// X-Forwarded-For hop set by the load balancer.
func RemoteHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
