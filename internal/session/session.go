// Package session ties the relay connection, the direct channel, the
// reconnect policy and the sync engine together for one configured peer.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/peer-sync/internal/config"
	"github.com/rudransh-shrivastava/peer-sync/internal/filestore"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/rudransh-shrivastava/peer-sync/internal/notify"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
	"github.com/rudransh-shrivastava/peer-sync/internal/signaling"
	"github.com/rudransh-shrivastava/peer-sync/internal/store"
	"github.com/rudransh-shrivastava/peer-sync/internal/supervisor"
	"github.com/rudransh-shrivastava/peer-sync/internal/syncer"
	rtc "github.com/rudransh-shrivastava/peer-sync/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	dialTimeout  = 10 * time.Second
	eventBacklog = 256
)

var errClosed = errors.New("session: closed")

type Options struct {
	Config   *config.Config
	Store    filestore.Store
	Journal  store.JournalRepository
	Notifier notify.Notifier
	Clock    clockwork.Clock
	Logger   *logrus.Logger
	Dialer   *websocket.Dialer
}

// watchable is implemented by stores backed by a real directory.
type watchable interface {
	Watch(ctx context.Context, opts filestore.WatchOptions) error
}

// Session is one configured peer. All connection state is owned by a single
// dispatcher goroutine; callbacks from the socket, the peer connection, the
// watcher and the timers only post events to it.
type Session struct {
	cfg      *config.Config
	store    filestore.Store
	journal  store.JournalRepository
	notifier notify.Notifier
	clock    clockwork.Clock
	log      *logrus.Logger
	dialer   *websocket.Dialer

	guard      *syncer.Guard
	excluder   *syncer.Excluder
	supervisor *supervisor.Supervisor

	events    chan event
	done      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	state     atomic.Int32

	// owned by the dispatcher
	ctx     context.Context
	id      string
	channel *signaling.Channel
	conn    *rtc.Establisher
	engine  *syncer.Engine
}

func New(opts Options) (*Session, error) {
	if opts.Config == nil {
		return nil, errors.New("session: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(opts.Logger, nil)
	}

	cfg := opts.Config
	window := cfg.Sync.GuardWindow
	if window <= 0 {
		window = syncer.DefaultGuardWindow
	}
	s := &Session{
		cfg:      cfg,
		store:    opts.Store,
		journal:  opts.Journal,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		log:      opts.Logger,
		dialer:   opts.Dialer,
		guard:    syncer.NewGuard(opts.Clock, window),
		excluder: syncer.NewExcluder(cfg.Vault.Reserved, cfg.Vault.Ignore...),
		events:   make(chan event, eventBacklog),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
	s.state.Store(int32(rtc.StateNew))
	s.supervisor = supervisor.New(supervisor.Options{
		MaxRetries: cfg.Reconnect.MaxRetries,
		Delay:      cfg.Reconnect.Delay,
		Clock:      opts.Clock,
		Notifier:   opts.Notifier,
		Logger:     opts.Logger,
		Rebuild:    func() { s.post(rebuildEvent{}) },
	})
	s.store.OnChange(func(c filestore.Change) { s.post(localChangeEvent{change: c}) })
	return s, nil
}

func (s *Session) client() bool {
	return s.cfg.Role == config.RoleClient
}

// Run connects and serves until ctx is done or Close is called.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatch(ctx) })

	if w, ok := s.store.(watchable); ok {
		g.Go(func() error {
			err := w.Watch(ctx, filestore.WatchOptions{
				Ignore:   s.excluder.Excluded,
				Suppress: s.guard.Active,
				Clock:    s.clock,
				Logger:   s.log,
			})
			switch {
			case errors.Is(err, filestore.ErrWatchUnsupported):
				s.log.Debug("Store cannot be watched, relying on periodic checks")
				return nil
			case err != nil && ctx.Err() == nil:
				return fmt.Errorf("watcher: %w", err)
			}
			return nil
		})
	}

	if s.client() && s.cfg.Sync.Interval > 0 {
		g.Go(func() error { return s.tick(ctx) })
	}

	s.post(rebuildEvent{})

	err := g.Wait()
	if errors.Is(err, errClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) tick(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Sync.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.post(checkEvent{})
		}
	}
}

// Reconnect starts over with a fresh retry budget.
func (s *Session) Reconnect() {
	s.supervisor.Reconnect()
}

// Check asks the peer whether anything changed. It is a no-op while the
// direct channel is down.
func (s *Session) Check() {
	s.post(checkEvent{})
}

// State is the direct channel state of the current attempt.
func (s *Session) State() rtc.State {
	return rtc.State(s.state.Load())
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// post hands an event to the dispatcher. It never blocks the caller, which
// may be the dispatcher itself.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	default:
		go func() {
			select {
			case s.events <- ev:
			case <-s.quit:
			}
		}()
	}
}

func (s *Session) dispatch(ctx context.Context) error {
	s.ctx = ctx
	defer func() {
		s.teardown()
		s.supervisor.Stop()
		s.guard.Stop()
		close(s.quit)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errClosed
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case rebuildEvent:
		s.rebuild()
	case dialedEvent:
		s.onDialed(ev)
	case signalEvent:
		if ev.id == s.id {
			s.onSignal(ev.msg)
		}
	case signalLostEvent:
		if ev.id == s.id {
			s.onSignalLost(ev.err)
		}
	case stateEvent:
		if ev.conn == s.conn {
			s.onState(ev.state)
		}
	case dataEvent:
		if ev.conn == s.conn {
			s.onData(ev.data)
		}
	case failedEvent:
		if ev.conn == s.conn {
			s.onFailed(ev.err)
		}
	case localChangeEvent:
		if s.engine != nil {
			s.engine.HandleLocalChange(s.ctx, ev.change)
		}
	case checkEvent:
		s.onCheck()
	}
}

func (s *Session) fields() logrus.Fields {
	return logrus.Fields{"session": s.id, "role": string(s.cfg.Role)}
}

func (s *Session) teardown() {
	s.closeEngine()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	s.state.Store(int32(rtc.StateNew))
}

func (s *Session) closeEngine() {
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
}

// rebuild drops the current attempt and dials the relay again.
func (s *Session) rebuild() {
	s.teardown()
	s.id = uuid.NewString()
	s.log.WithFields(s.fields()).Info("Connecting to relay")
	s.notifier.Status("connecting")

	id, ctx := s.id, s.ctx
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		ch, err := signaling.Dial(dialCtx, signaling.Options{
			URL:       s.cfg.Signal.URL,
			OnMessage: func(msg protocol.SignalMessage) { s.post(signalEvent{id: id, msg: msg}) },
			OnClose:   func(err error) { s.post(signalLostEvent{id: id, err: err}) },
			Dialer:    s.dialer,
			Logger:    s.log,
		})
		s.post(dialedEvent{id: id, channel: ch, err: err})
	}()
}

func (s *Session) onDialed(ev dialedEvent) {
	if ev.id != s.id {
		if ev.channel != nil {
			_ = ev.channel.Close()
		}
		return
	}
	if ev.err != nil {
		s.log.WithFields(s.fields()).WithError(ev.err).Warn("Relay unreachable")
		s.notifier.Status("relay unreachable")
		s.supervisor.Disconnected()
		return
	}

	s.channel = ev.channel
	s.conn = s.newEstablisher()

	greeting := signaling.ClientGreeting(s.cfg.Device.ID)
	if !s.client() {
		greeting = signaling.StorageGreeting(s.cfg.Device.ID)
	}
	if err := s.channel.Send(greeting); err != nil {
		s.log.WithFields(s.fields()).WithError(err).Warn("Failed to greet relay")
		s.supervisor.Disconnected()
	}
}

func (s *Session) newEstablisher() *rtc.Establisher {
	var conn *rtc.Establisher
	opts := rtc.Options{
		Signaler:      s.channel,
		STUNServers:   s.cfg.STUNServers(),
		GatherTimeout: s.cfg.WebRTC.GatherTimeout,
		Logger:        s.log,
		OnStateChange: func(st rtc.State) { s.post(stateEvent{conn: conn, state: st}) },
		OnMessage:     func(data []byte) { s.post(dataEvent{conn: conn, data: data}) },
	}
	if s.client() {
		opts.To = s.cfg.Device.ID
		opts.From = protocol.ClientTag
		opts.Secret = s.cfg.Device.Password
	} else {
		opts.To = protocol.ClientTag
		opts.From = protocol.StorageTag
	}
	conn = rtc.NewEstablisher(opts)
	s.state.Store(int32(rtc.StateNew))
	return conn
}

func (s *Session) onSignal(msg protocol.SignalMessage) {
	log := s.log.WithFields(s.fields()).WithField("event", msg.Event.String())

	switch msg.Event {
	case protocol.EventOnline:
		log.Info("Registered with relay")
		if !s.client() {
			s.supervisor.Connected()
		}
		s.notifier.Status("waiting for peer")
	case protocol.EventConnect:
		if !s.client() || s.conn == nil {
			return
		}
		s.notifier.Status("negotiating")
		s.startOffer(s.conn)
	case protocol.EventExchange:
		ex, err := protocol.ParseExchange(msg.Data)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed exchange")
			return
		}
		if ex.Candidate != nil {
			s.onCandidate(*ex.Candidate)
			return
		}
		s.onDescription(msg, *ex.Description)
	case protocol.EventNode:
		cand, err := protocol.ParseCandidate(msg.Data)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed candidate")
			return
		}
		s.onCandidate(cand)
	case protocol.EventError, protocol.EventP2PError:
		s.onSignalError(protocol.ParseSignalError(msg.Event, msg.Data))
	default:
		log.Debug("Ignoring relay message")
	}
}

func (s *Session) startOffer(conn *rtc.Establisher) {
	ctx := s.ctx
	go func() {
		err := conn.Start(ctx)
		if err == nil {
			err = conn.SendDescription()
		}
		if err != nil {
			s.post(failedEvent{conn: conn, err: err})
		}
	}()
}

func (s *Session) onDescription(msg protocol.SignalMessage, desc protocol.SessionDescription) {
	log := s.log.WithFields(s.fields())

	if s.client() {
		if s.conn == nil {
			return
		}
		if err := s.conn.HandleRemoteDescription(desc); err != nil {
			log.WithError(err).Warn("Failed to apply answer")
		}
		return
	}

	if subtle.ConstantTimeCompare([]byte(msg.Pass), []byte(s.cfg.Device.Password)) != 1 {
		log.Warn("Rejecting offer with wrong password")
		s.notifier.Notify(protocol.ErrPassword.Description())
		if err := s.channel.Send(protocol.SignalMessage{
			Event: protocol.EventP2PError,
			To:    msg.From,
			From:  protocol.StorageTag,
			Data:  protocol.PasswordErrorPayload(),
		}); err != nil {
			log.WithError(err).Warn("Failed to report password error")
		}
		return
	}

	// A fresh offer replaces whatever negotiation came before.
	if s.conn == nil || s.conn.State() != rtc.StateNew {
		s.closeEngine()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.conn = s.newEstablisher()
	}
	s.notifier.Status("negotiating")

	conn, ctx := s.conn, s.ctx
	go func() {
		if err := conn.Accept(ctx, desc); err != nil {
			s.post(failedEvent{conn: conn, err: err})
		}
	}()
}

func (s *Session) onCandidate(c protocol.ICECandidate) {
	if s.conn == nil {
		s.log.WithFields(s.fields()).Debug("Dropping candidate without peer connection")
		return
	}
	s.conn.HandleRemoteCandidate(c)
}

func (s *Session) onSignalError(serr *protocol.SignalError) {
	if !s.client() && serr.Code == protocol.ErrDeviceOffline {
		s.onPeerGone()
		return
	}

	s.log.WithFields(s.fields()).WithField("code", serr.Code.String()).Warn("Relay reported an error")
	s.notifier.Status(serr.Code.String())
	s.notifier.Notify(serr.Code.Description())

	if serr.Retryable() {
		// The relay hangs up after this; that loss belongs to this attempt.
		s.teardown()
		s.id = ""
		s.supervisor.DeviceOffline()
	}
}

// onPeerGone handles the relay telling a storage device its client left.
// The registration stays up for the next client.
func (s *Session) onPeerGone() {
	s.log.WithFields(s.fields()).Info("Client left the relay")
	if s.engine != nil {
		return
	}
	if s.conn != nil && s.conn.State() != rtc.StateNew && s.channel != nil {
		_ = s.conn.Close()
		s.conn = s.newEstablisher()
	}
	s.notifier.Status("waiting for peer")
}

func (s *Session) onSignalLost(err error) {
	s.channel = nil
	if s.engine != nil {
		s.log.WithFields(s.fields()).WithError(err).Info("Relay connection lost, direct channel still up")
		return
	}
	s.log.WithFields(s.fields()).WithError(err).Warn("Relay connection lost")
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.supervisor.Disconnected()
}

func (s *Session) onState(st rtc.State) {
	s.state.Store(int32(st))
	log := s.log.WithFields(s.fields()).WithField("state", st.String())

	switch st {
	case rtc.StateConnected:
		log.Info("Direct channel connected")
		s.supervisor.Connected()
		s.notifier.Status("connected")
		s.engine = syncer.New(s.conn, syncer.Options{
			Store:          s.store,
			Journal:        s.journal,
			Notifier:       s.notifier,
			Guard:          s.guard,
			Clock:          s.clock,
			Logger:         s.log,
			Reserved:       s.cfg.Vault.Reserved,
			Ignore:         s.cfg.Vault.Ignore,
			UpdateDelay:    s.cfg.Sync.UpdateDelay,
			GuardWindow:    s.cfg.Sync.GuardWindow,
			MtimeThreshold: s.cfg.Sync.MtimeThreshold,
			ChunkSize:      s.cfg.Sync.ChunkSize,
			MaxFileSize:    s.cfg.Sync.MaxFileSize,
		})
		if s.client() {
			s.onCheck()
		}
	case rtc.StateDisconnected:
		log.Warn("Direct channel lost")
		s.closeEngine()
		if s.client() || s.channel == nil {
			s.supervisor.Disconnected()
			return
		}
		_ = s.conn.Close()
		s.conn = s.newEstablisher()
		s.notifier.Status("waiting for peer")
	default:
		log.Debug("Negotiation progressed")
	}
}

func (s *Session) onData(data []byte) {
	if s.engine == nil {
		s.log.WithFields(s.fields()).Debug("Dropping message before channel setup")
		return
	}
	s.engine.Handle(s.ctx, data)
}

func (s *Session) onFailed(err error) {
	if errors.Is(err, rtc.ErrClosed) || errors.Is(err, context.Canceled) {
		return
	}
	s.log.WithFields(s.fields()).WithError(err).Warn("Negotiation failed")
	if s.client() || s.channel == nil {
		s.supervisor.Disconnected()
		return
	}
	_ = s.conn.Close()
	s.conn = s.newEstablisher()
}

func (s *Session) onCheck() {
	if s.engine == nil || !s.client() {
		return
	}
	if err := s.engine.Check(s.ctx); err != nil {
		s.log.WithFields(s.fields()).WithError(err).Warn("Check failed")
	}
}
