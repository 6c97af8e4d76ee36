package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is the part of *websocket.Conn a session needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// Serve runs the message protocol for one connection of identity until the
// connection fails or closes. It emits a stats snapshot first, then answers
// every inbound message in arrival order. Bad messages are answered with an
// error message and never end the session. Closing the connection does not
// affect the identity's agent.
func (d *Dispatcher) Serve(ctx context.Context, identity string, conn Conn) error {
	d.metrics.ConnectionOpened()
	defer d.metrics.ConnectionClosed()

	logger := d.logger.With(zap.String("identity", identity))
	logger.Info("Connection opened")

	if err := d.write(conn, d.Stats(ctx, identity)); err != nil {
		logger.Info("Connection closed", zap.Error(err))
		return err
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("Connection closed")
				return nil
			}
			logger.Info("Connection closed", zap.Error(err))
			return err
		}

		var reply any
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			reply = NewErrorMessage(fmt.Errorf("%w: unsupported frame type %d", ErrMalformedMessage, msgType))
		} else {
			reply = d.Handle(ctx, identity, data)
		}

		if err := d.write(conn, reply); err != nil {
			logger.Info("Connection closed", zap.Error(err))
			return err
		}
	}
}

func (d *Dispatcher) write(conn Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", MessageType(msg), err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	d.metrics.ObserveMessage(MessageType(msg))
	return nil
}
