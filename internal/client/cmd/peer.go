package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-sync/internal/config"
	"github.com/rudransh-shrivastava/peer-sync/internal/db"
	"github.com/rudransh-shrivastava/peer-sync/internal/filestore"
	"github.com/rudransh-shrivastava/peer-sync/internal/notify"
	"github.com/rudransh-shrivastava/peer-sync/internal/session"
	"github.com/rudransh-shrivastava/peer-sync/internal/store"
	"github.com/sirupsen/logrus"
)

// runPeer opens the vault and the journal and runs a session in role until
// ctx is done.
func runPeer(ctx context.Context, role config.Role) error {
	cfg.Role = role
	if err := cfg.Validate(); err != nil {
		return err
	}

	vault, err := filestore.NewVault(cfg.Vault.Root, log)
	if err != nil {
		return err
	}

	gormDB, err := db.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() {
		if err := db.Close(gormDB); err != nil {
			log.WithError(err).Warn("Failed to close journal")
		}
	}()

	s, err := session.New(session.Options{
		Config:   cfg,
		Store:    vault,
		Journal:  store.NewJournalStore(gormDB),
		Notifier: notify.NewTerminalNotifier(log),
		Logger:   log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reconnectOn(ctx, hup, s, log)

	log.WithFields(logrus.Fields{
		"role":   string(role),
		"device": cfg.Device.ID,
		"vault":  vault.Root(),
	}).Info("Starting peer")
	return s.Run(ctx)
}

type reconnector interface {
	Reconnect()
}

// reconnectOn restarts the session with a fresh retry budget for every
// signal received, e.g. SIGHUP after the daemon gave up.
func reconnectOn(ctx context.Context, sigs <-chan os.Signal, r reconnector, log *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			log.WithField("signal", sig.String()).Info("Reconnecting")
			r.Reconnect()
		}
	}
}
