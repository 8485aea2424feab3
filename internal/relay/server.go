// Package relay routes handshake messages between one storage device and
// the client trying to reach it, until they have a direct channel.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Addr string
	// Devices is the allow-list of storage device ids. Empty allows any.
	Devices []string
	Logger  *logrus.Logger
}

type role int

const (
	roleStorage role = iota + 1
	roleClient
)

func (r role) String() string {
	if r == roleStorage {
		return "storage"
	}
	return "client"
}

type party struct {
	conn   *websocket.Conn
	device string
	role   role

	writeMu sync.Mutex
}

func (p *party) send(msg protocol.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

type Server struct {
	config   Config
	log      *logrus.Logger
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader
	codec    *protocol.Codec

	mu       sync.Mutex
	storages map[string]*party
	clients  map[string]*party

	closed    chan struct{}
	closeOnce sync.Once
}

func NewServer(cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	s := &Server{
		config:   cfg,
		log:      log,
		listener: listener,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		codec:    protocol.NewCodec(),
		storages: make(map[string]*party),
		clients:  make(map[string]*party),
		closed:   make(chan struct{}),
	}
	s.http = &http.Server{Handler: http.HandlerFunc(s.handle), ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// URL is the websocket address peers dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/"
}

// Start serves until ctx is done or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.log.WithField("addr", s.Addr()).Info("Relay server started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return s.Shutdown()
		case <-s.closed:
			return nil
		}
	})

	return g.Wait()
}

func (s *Server) Shutdown() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.closed)
	})
	if !first {
		return nil
	}

	s.mu.Lock()
	parties := make([]*party, 0, len(s.storages)+len(s.clients))
	for _, p := range s.storages {
		parties = append(parties, p)
	}
	for _, p := range s.clients {
		parties = append(parties, p)
	}
	s.mu.Unlock()

	for _, p := range parties {
		_ = p.conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	s.log.Info("Relay server stopped")
	return nil
}

func (s *Server) fail(p *party, code protocol.ErrorCode) {
	if err := p.send(protocol.SignalMessage{
		Event: protocol.EventError,
		Data:  protocol.ErrorPayload(code),
		From:  protocol.RelayTag,
	}); err != nil {
		s.log.WithError(err).Debug("Failed to send error")
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Failed to upgrade connection")
		return
	}
	defer func() { _ = conn.Close() }()

	log := s.log.WithField("remote", r.RemoteAddr)

	p, code := s.admit(conn)
	if p == nil {
		log.WithField("code", code.String()).Info("Rejected connection")
		s.fail(&party{conn: conn}, code)
		return
	}
	log = log.WithFields(logrus.Fields{"device": p.device, "role": p.role.String()})
	log.Info("Party joined")
	defer func() {
		s.leave(p)
		log.Info("Party left")
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			s.fail(p, protocol.ErrProtocolMismatch)
			continue
		}
		if len(data) == 0 {
			s.fail(p, protocol.ErrEmptyMessage)
			continue
		}
		msg, err := s.codec.DecodeSignal(data)
		if err != nil {
			s.fail(p, protocol.ErrUnsupportedMessageFormat)
			continue
		}
		s.forward(p, msg, log)
	}
}

// admit reads the first frame, which decides who the party is.
func (s *Server) admit(conn *websocket.Conn) (*party, protocol.ErrorCode) {
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return nil, protocol.ErrUnsupportedAccessType
	}
	if mt != websocket.TextMessage {
		return nil, protocol.ErrProtocolMismatch
	}
	if len(data) == 0 {
		return nil, protocol.ErrEmptyMessage
	}
	msg, err := s.codec.DecodeSignal(data)
	if err != nil {
		return nil, protocol.ErrUnsupportedMessageType
	}

	switch msg.Event {
	case protocol.EventRegister:
		var device string
		if err := json.Unmarshal(msg.Data, &device); err != nil || device == "" {
			return nil, protocol.ErrUnsupportedMessageType
		}
		if !s.allowed(device) {
			return nil, protocol.ErrDeviceNotFound
		}
		p := &party{conn: conn, device: device, role: roleStorage}
		s.join(p)
		if err := p.send(protocol.SignalMessage{Event: protocol.EventOnline, From: protocol.RelayTag}); err != nil {
			s.leave(p)
			return nil, protocol.ErrUnsupportedAccessType
		}
		return p, 0
	case protocol.EventConnect:
		if !s.allowed(msg.To) {
			return nil, protocol.ErrDeviceNotFound
		}
		if !s.online(msg.To) {
			return nil, protocol.ErrDeviceOffline
		}
		p := &party{conn: conn, device: msg.To, role: roleClient}
		s.join(p)
		if err := p.send(protocol.SignalMessage{Event: protocol.EventConnect, From: protocol.RelayTag, To: msg.From}); err != nil {
			s.leave(p)
			return nil, protocol.ErrUnsupportedAccessType
		}
		return p, 0
	default:
		return nil, protocol.ErrUnsupportedCommand
	}
}

func (s *Server) allowed(device string) bool {
	if device == "" {
		return false
	}
	return len(s.config.Devices) == 0 || slices.Contains(s.config.Devices, device)
}

func (s *Server) online(device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.storages[device]
	return ok
}

// join binds the party to its device, replacing an earlier connection of
// the same role.
func (s *Server) join(p *party) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parties := s.clients
	if p.role == roleStorage {
		parties = s.storages
	}
	if old, ok := parties[p.device]; ok && old != p {
		_ = old.conn.Close()
	}
	parties[p.device] = p
}

func (s *Server) leave(p *party) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parties := s.clients
	if p.role == roleStorage {
		parties = s.storages
	}
	if parties[p.device] == p {
		delete(parties, p.device)
	}
}

func (s *Server) counterpart(p *party) *party {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.role == roleStorage {
		return s.clients[p.device]
	}
	return s.storages[p.device]
}

func (s *Server) forward(p *party, msg protocol.SignalMessage, log *logrus.Entry) {
	switch msg.Event {
	case protocol.EventExchange, protocol.EventNode, protocol.EventP2PError:
	default:
		s.fail(p, protocol.ErrUnsupportedCommand)
		return
	}

	target := s.counterpart(p)
	if target == nil {
		log.WithField("event", msg.Event.String()).Debug("Target offline")
		s.fail(p, protocol.ErrDeviceOffline)
		return
	}
	if err := target.send(msg); err != nil {
		log.WithError(err).Warn("Failed to forward message")
		s.fail(p, protocol.ErrDeviceOffline)
	}
}

// Online lists the registered storage devices.
func (s *Server) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make([]string, 0, len(s.storages))
	for d := range s.storages {
		devices = append(devices, d)
	}
	slices.Sort(devices)
	return devices
}
