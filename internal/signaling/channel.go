// Package signaling is the websocket control connection to the relay. It
// only carries handshake and candidate exchange messages.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
	"github.com/rudransh-shrivastava/peer-sync/internal/transport"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

var ErrNotOpen = errors.New("signaling: channel not open")

type Handler func(msg protocol.SignalMessage)

type Options struct {
	URL string
	// Greeting is sent as soon as the socket opens.
	Greeting protocol.SignalMessage
	// OnMessage receives every decoded frame in arrival order.
	OnMessage Handler
	// OnClose is called once when the socket is lost or closed.
	OnClose func(err error)
	Dialer  *websocket.Dialer
	Logger  *logrus.Logger
}

// ClientGreeting announces a client that wants to reach deviceID. The shared
// secret is not part of it.
func ClientGreeting(deviceID string) protocol.SignalMessage {
	return protocol.SignalMessage{
		Event: protocol.EventConnect,
		To:    deviceID,
		From:  protocol.ClientTag,
		Data:  protocol.StringPayload(""),
	}
}

// StorageGreeting registers a storage device with the relay.
func StorageGreeting(deviceID string) protocol.SignalMessage {
	return protocol.SignalMessage{
		Event: protocol.EventRegister,
		Data:  protocol.StringPayload(deviceID),
	}
}

var _ transport.Signaler = (*Channel)(nil)

type Channel struct {
	conn  *websocket.Conn
	codec *protocol.Codec
	log   *logrus.Logger

	writeMu sync.Mutex

	mu      sync.RWMutex
	handler Handler
	onClose func(error)

	open      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens the socket, sends the greeting and starts reading.
func Dial(ctx context.Context, opts Options) (*Channel, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", opts.URL, err)
	}

	c := &Channel{
		conn:    conn,
		codec:   protocol.NewCodec(),
		log:     log,
		handler: opts.OnMessage,
		onClose: opts.OnClose,
		done:    make(chan struct{}),
	}
	c.open.Store(true)
	log.WithField("url", opts.URL).Info("Connected to relay")

	if opts.Greeting.Event != "" {
		if err := c.Send(opts.Greeting); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to greet relay: %w", err)
		}
	}

	go c.readLoop()
	return c, nil
}

// OnMessage replaces the message handler.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.open.Load() {
				c.log.WithError(err).Warn("Lost connection to relay")
			}
			c.shutdown(err)
			return
		}

		msg, err := c.codec.DecodeSignal(data)
		if err != nil {
			c.log.WithError(err).WithField("frame", string(data)).Warn("Dropping malformed relay message")
			continue
		}
		c.log.WithFields(logrus.Fields{"event": msg.Event.String(), "from": msg.From}).Debug("Relay message")

		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h != nil {
			h(msg)
		}
	}
}

// Send writes one message. Nothing is buffered: when the socket is not open
// the message is dropped and ErrNotOpen returned.
func (c *Channel) Send(msg protocol.SignalMessage) error {
	if !c.open.Load() {
		c.log.WithField("event", msg.Event.String()).Error("Relay connection not open, dropping message")
		return ErrNotOpen
	}
	data, err := c.codec.EncodeSignal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write to relay: %w", err)
	}
	return nil
}

// Done is closed once the socket is gone.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err is the error that ended the read loop, nil after Close.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		wasOpen := c.open.Swap(false)
		if wasOpen && err == nil {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		_ = c.conn.Close()
		c.err = err
		close(c.done)

		c.mu.RLock()
		onClose := c.onClose
		c.mu.RUnlock()
		if onClose != nil {
			onClose(err)
		}
	})
}
