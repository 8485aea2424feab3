package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
)

func TestNewServer(t *testing.T) {
	srv, err := NewServer(Config{Addr: "127.0.0.1:0", Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer func() { _ = srv.Shutdown() }()

	if srv.Addr() == "" {
		t.Error("Expected non-empty address")
	}
	if got := srv.URL(); got != "ws://"+srv.Addr()+"/" {
		t.Errorf("URL() = %q", got)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	srv, err := NewServer(Config{Addr: "127.0.0.1:0", Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func setupServer(t *testing.T, devices ...string) *Server {
	t.Helper()

	srv, err := NewServer(Config{Addr: "127.0.0.1:0", Devices: devices, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown()
	})
	return srv
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(srv.URL(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, msg protocol.SignalMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) protocol.SignalMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var msg protocol.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return msg
}

func expectError(t *testing.T, conn *websocket.Conn, code protocol.ErrorCode) {
	t.Helper()
	msg := read(t, conn)
	if msg.Event != protocol.EventError {
		t.Fatalf("Expected error event, got %q", msg.Event)
	}
	if got := protocol.ParseSignalError(msg.Event, msg.Data).Code; got != code {
		t.Errorf("Expected %s, got %s", code, got)
	}
}

func register(t *testing.T, srv *Server, device string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv)
	write(t, conn, protocol.SignalMessage{Event: protocol.EventRegister, Data: protocol.StringPayload(device)})
	if msg := read(t, conn); msg.Event != protocol.EventOnline {
		t.Fatalf("Expected online, got %q", msg.Event)
	}
	return conn
}

func connect(t *testing.T, srv *Server, device string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv)
	write(t, conn, protocol.SignalMessage{Event: protocol.EventConnect, To: device, From: protocol.ClientTag})
	msg := read(t, conn)
	if msg.Event != protocol.EventConnect {
		t.Fatalf("Expected connect ack, got %q", msg.Event)
	}
	if msg.From != protocol.RelayTag {
		t.Errorf("Expected ack from %s, got %q", protocol.RelayTag, msg.From)
	}
	return conn
}

func TestRegisterStorage(t *testing.T) {
	srv := setupServer(t)
	register(t, srv, "000123")

	online := srv.Online()
	if len(online) != 1 || online[0] != "000123" {
		t.Errorf("Online() = %v", online)
	}
}

func TestForwardBetweenPair(t *testing.T) {
	srv := setupServer(t)
	storage := register(t, srv, "000123")
	client := connect(t, srv, "000123")

	offer := protocol.SignalMessage{
		Event: protocol.EventExchange,
		To:    "000123",
		From:  protocol.ClientTag,
		Pass:  "secret",
		Data:  json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	write(t, client, offer)

	got := read(t, storage)
	if got.Event != protocol.EventExchange || got.Pass != "secret" || got.From != protocol.ClientTag {
		t.Errorf("Storage received %+v", got)
	}

	write(t, storage, protocol.SignalMessage{
		Event: protocol.EventNode,
		To:    protocol.ClientTag,
		From:  protocol.StorageTag,
		Data:  json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`),
	})

	got = read(t, client)
	if got.Event != protocol.EventNode || got.From != protocol.StorageTag {
		t.Errorf("Client received %+v", got)
	}
	cand, err := protocol.ParseCandidate(got.Data)
	if err != nil {
		t.Fatalf("ParseCandidate failed: %v", err)
	}
	if cand.Candidate == "" {
		t.Error("Expected candidate to survive forwarding")
	}
}

func TestForwardPasswordError(t *testing.T) {
	srv := setupServer(t)
	storage := register(t, srv, "000123")
	client := connect(t, srv, "000123")

	write(t, storage, protocol.SignalMessage{
		Event: protocol.EventP2PError,
		From:  protocol.StorageTag,
		Data:  protocol.PasswordErrorPayload(),
	})

	got := read(t, client)
	if got.Event != protocol.EventP2PError {
		t.Fatalf("Expected p2p-error, got %q", got.Event)
	}
	if code := protocol.ParseSignalError(got.Event, got.Data).Code; code != protocol.ErrPassword {
		t.Errorf("Expected PASSWORD_ERROR, got %s", code)
	}
}

func TestConnectRejections(t *testing.T) {
	srv := setupServer(t, "000123", "000456")
	register(t, srv, "000123")

	tests := []struct {
		name  string
		frame []byte
		code  protocol.ErrorCode
	}{
		{"offline device", []byte(`{"event":"connect","to":"000456","from":"NSC"}`), protocol.ErrDeviceOffline},
		{"unknown device", []byte(`{"event":"connect","to":"999999","from":"NSC"}`), protocol.ErrDeviceNotFound},
		{"unknown register", []byte(`{"event":"register","data":"999999"}`), protocol.ErrDeviceNotFound},
		{"unknown first event", []byte(`{"event":"p2p-node","to":"000123"}`), protocol.ErrUnsupportedCommand},
		{"unparsable first frame", []byte(`not json`), protocol.ErrUnsupportedMessageType},
		{"empty first frame", []byte{}, protocol.ErrEmptyMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, srv)
			if err := conn.WriteMessage(websocket.TextMessage, tt.frame); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			expectError(t, conn, tt.code)
		})
	}
}

func TestBinaryFirstFrameRejected(t *testing.T) {
	srv := setupServer(t)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectError(t, conn, protocol.ErrProtocolMismatch)
}

func TestMalformedFrameAfterJoin(t *testing.T) {
	srv := setupServer(t)
	storage := register(t, srv, "000123")

	if err := storage.WriteMessage(websocket.TextMessage, []byte(`{broken`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectError(t, storage, protocol.ErrUnsupportedMessageFormat)

	write(t, storage, protocol.SignalMessage{Event: protocol.EventRegister, Data: protocol.StringPayload("000123")})
	expectError(t, storage, protocol.ErrUnsupportedCommand)
}

func TestForwardWithoutCounterpart(t *testing.T) {
	srv := setupServer(t)
	storage := register(t, srv, "000123")

	write(t, storage, protocol.SignalMessage{
		Event: protocol.EventExchange,
		From:  protocol.StorageTag,
		Data:  json.RawMessage(`{"sdp":{"type":"answer","sdp":"v=0"}}`),
	})
	expectError(t, storage, protocol.ErrDeviceOffline)
}

func TestStorageLeaveMarksOffline(t *testing.T) {
	srv := setupServer(t)
	storage := register(t, srv, "000123")
	_ = storage.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Online()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected no storage online, got %v", srv.Online())
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn := dial(t, srv)
	write(t, conn, protocol.SignalMessage{Event: protocol.EventConnect, To: "000123", From: protocol.ClientTag})
	expectError(t, conn, protocol.ErrDeviceOffline)
}
