package ws

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/logging"
	"github.com/heartline/presence/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming messages to handlers by type. It answers
// pings itself and replies with a structured error to malformed or
// unsupported messages.
type MessageDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
	logger   logrus.FieldLogger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger logrus.FieldLogger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logging.Component(logger, "dispatch"),
	}
}

// Register associates a handler with a message type, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.mu.Lock()
	d.handlers[msgType] = handler
	d.mu.Unlock()
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.WithError(err).WithField("session", conn.ID).Debug("parse error")
		SendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	d.mu.RLock()
	handler, ok := d.handlers[msgType]
	d.mu.RUnlock()
	if !ok {
		d.logger.WithField("session", conn.ID).WithField("msg_type", msgType).Debug("unsupported message type")
		SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Send encodes payload as a msgType server message and writes it to conn.
// Failures are logged, not returned.
func Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		logrus.WithError(err).WithField("msg_type", msgType).Error("failed to build server message")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		logrus.WithError(err).WithField("session", conn.ID).WithField("msg_type", msgType).Debug("write failed")
	}
}

// SendError sends a structured error message.
func SendError(conn *Connection, code, message string) {
	Send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch()
	Send(conn, protocol.TypePong, protocol.PongMsg{})
}
