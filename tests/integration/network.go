package integration

import (
	"context"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-sync/internal/config"
	"github.com/rudransh-shrivastava/peer-sync/internal/filestore"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/rudransh-shrivastava/peer-sync/internal/notify"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
	"github.com/rudransh-shrivastava/peer-sync/internal/relay"
	"github.com/rudransh-shrivastava/peer-sync/internal/session"
	"github.com/spf13/afero"
)

const (
	DeviceID = "000123"
	Password = "secret"
)

// Network is one relay plus the peers started against it.
type Network struct {
	relay    *relay.Server
	sessions []*session.Session
	done     []chan error
	cancel   context.CancelFunc
	ctx      context.Context
	t        *testing.T
}

func NewNetwork(t *testing.T) *Network {
	t.Helper()

	srv, err := relay.NewServer(relay.Config{
		Addr:   "127.0.0.1:0",
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)

	go func() {
		_ = srv.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)

	n := &Network{
		relay:  srv,
		cancel: cancel,
		ctx:    ctx,
		t:      t,
	}
	t.Cleanup(n.Close)
	return n
}

func (n *Network) Relay() *relay.Server {
	return n.relay
}

func (n *Network) Config(role config.Role) *config.Config {
	return &config.Config{
		Role:   role,
		Signal: config.SignalConfig{URL: n.relay.URL()},
		Device: config.DeviceConfig{ID: DeviceID, Password: Password},
		Vault:  config.VaultConfig{Reserved: ".obsidian"},
		Sync: config.SyncConfig{
			UpdateDelay:    2 * time.Second,
			GuardWindow:    2 * time.Second,
			MtimeThreshold: 3 * time.Second,
			ChunkSize:      protocol.ChunkSize,
		},
		Reconnect: config.ReconnectConfig{MaxRetries: 3, Delay: 3 * time.Second},
		WebRTC:    config.WebRTCConfig{GatherTimeout: 2 * time.Second},
	}
}

func NewVault() *filestore.Vault {
	return filestore.NewVaultFs(afero.NewMemMapFs(), "", logger.Discard())
}

// NewPeer runs a session over vault until the network closes.
func (n *Network) NewPeer(cfg *config.Config, vault *filestore.Vault) *session.Session {
	n.t.Helper()

	log := logger.Discard()
	s, err := session.New(session.Options{
		Config:   cfg,
		Store:    vault,
		Notifier: notify.NewLogNotifier(log, nil),
		Logger:   log,
	})
	if err != nil {
		n.t.Fatalf("Failed to create session: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(n.ctx) }()

	n.sessions = append(n.sessions, s)
	n.done = append(n.done, done)
	return s
}

func (n *Network) Context() context.Context {
	return n.ctx
}

func (n *Network) Close() {
	for _, s := range n.sessions {
		_ = s.Close()
	}
	for _, done := range n.done {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			n.t.Error("session did not stop")
		}
	}
	n.sessions, n.done = nil, nil
	n.cancel()
	_ = n.relay.Shutdown()
}
