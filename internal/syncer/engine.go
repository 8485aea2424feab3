// Package syncer implements the file sync protocol spoken over the direct
// channel once two peers are connected.
package syncer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/peer-sync/internal/filestore"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/rudransh-shrivastava/peer-sync/internal/notify"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
	"github.com/rudransh-shrivastava/peer-sync/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	DefaultUpdateDelay    = 2 * time.Second
	DefaultGuardWindow    = 2 * time.Second
	DefaultMtimeThreshold = 3 * time.Second
)

var ErrClosed = errors.New("syncer: engine closed")

// Sender delivers encoded sync messages to the peer.
type Sender interface {
	Send(data []byte) error
}

type Options struct {
	Store    filestore.Store
	Journal  store.JournalRepository
	Notifier notify.Notifier
	// Guard is shared with the file watcher. When nil the engine owns one.
	Guard  *Guard
	Clock  clockwork.Clock
	Logger *logrus.Logger

	Reserved       string
	Ignore         []string
	UpdateDelay    time.Duration
	GuardWindow    time.Duration
	MtimeThreshold time.Duration
	ChunkSize      int
	// MaxFileSize bounds a single inbound transfer.
	MaxFileSize int64
}

// Engine applies sync messages from the peer to the store and turns local
// changes and tree diffs into outgoing messages. Every entry point runs
// under one lock, so messages and timer callbacks are handled one at a time.
type Engine struct {
	sender   Sender
	store    filestore.Store
	journal  store.JournalRepository
	notifier notify.Notifier
	guard    *Guard
	ownGuard bool
	clock    clockwork.Clock
	log      *logrus.Logger
	codec    *protocol.Codec
	exclude  *Excluder
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	reassembly *Reassembler
	trees      *Reassembler
	scheduled  map[string]clockwork.Timer
	reconciled bool
	closed     bool
}

func New(sender Sender, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(opts.Logger, nil)
	}
	if opts.UpdateDelay <= 0 {
		opts.UpdateDelay = DefaultUpdateDelay
	}
	if opts.GuardWindow <= 0 {
		opts.GuardWindow = DefaultGuardWindow
	}
	if opts.MtimeThreshold <= 0 {
		opts.MtimeThreshold = DefaultMtimeThreshold
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = protocol.ChunkSize
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}

	guard, ownGuard := opts.Guard, false
	if guard == nil {
		guard, ownGuard = NewGuard(opts.Clock, opts.GuardWindow), true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		sender:     sender,
		store:      opts.Store,
		journal:    opts.Journal,
		notifier:   opts.Notifier,
		guard:      guard,
		ownGuard:   ownGuard,
		clock:      opts.Clock,
		log:        opts.Logger,
		codec:      protocol.NewCodec(),
		exclude:    NewExcluder(opts.Reserved, opts.Ignore...),
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		reassembly: NewReassembler(MaxChunks(opts.MaxFileSize, opts.ChunkSize)),
		trees:      NewReassembler(MaxChunks(opts.MaxFileSize, protocol.ChunkSize)),
		scheduled:  make(map[string]clockwork.Timer),
	}
}

func (e *Engine) Guard() *Guard { return e.guard }

// Handle decodes and applies one message from the peer. Malformed messages
// are logged and dropped.
func (e *Engine) Handle(ctx context.Context, data []byte) {
	msg, err := e.codec.DecodeSync(data)
	if err != nil {
		e.log.WithError(err).Warn("Dropping malformed sync message")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.handle(ctx, msg)
}

func (e *Engine) handle(ctx context.Context, msg protocol.SyncMessage) {
	log := e.log.WithFields(logrus.Fields{"operate": msg.Operate.String(), "path": msg.Path})

	switch msg.Operate {
	case protocol.OpCreate, protocol.OpUpdate, protocol.OpDelete, protocol.OpRename:
		if e.exclude.Excluded(msg.Path) || (msg.Operate == protocol.OpRename && e.exclude.Excluded(msg.Data)) {
			log.Debug("Ignoring excluded path")
			return
		}
	}

	switch msg.Operate {
	case protocol.OpCreate:
		e.applyCreate(ctx, msg)
	case protocol.OpUpdate:
		e.applyUpdate(ctx, msg)
	case protocol.OpDelete:
		e.apply(ctx, msg, func() error {
			err := e.store.Delete(msg.Path)
			if errors.Is(err, filestore.ErrNotFound) {
				log.Debug("Delete target already gone")
				return nil
			}
			return err
		})
	case protocol.OpRename:
		e.apply(ctx, msg, func() error { return e.store.Rename(msg.Data, msg.Path) })
	case protocol.OpCheck:
		e.answerCheck(msg.Data)
	case protocol.OpTree:
		switch {
		case msg.Data == "":
			e.sendTree()
		case strings.HasPrefix(msg.Data, "["):
			e.reconcile(ctx, msg.Data)
		default:
			e.collectTree(ctx, msg.Data)
		}
	case protocol.OpTreeNone:
		e.markSynced(ctx)
	case protocol.OpUnknown:
		log.Warn("Dropping message with unknown operate")
	default:
		log.Warn("Dropping message with unhandled operate")
	}
}

// apply runs a store mutation with the guard raised and journals it.
func (e *Engine) apply(ctx context.Context, msg protocol.SyncMessage, mutate func() error) {
	e.guard.Hold()
	err := mutate()
	e.guard.Release()

	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"operate": msg.Operate.String(),
			"path":    msg.Path,
		}).Error("Failed to apply change from peer")
		return
	}
	e.record(ctx, msg.Operate, msg.Path, store.Inbound)
}

func (e *Engine) applyCreate(ctx context.Context, msg protocol.SyncMessage) {
	if msg.Type == protocol.KindDirectory {
		e.apply(ctx, msg, func() error { return e.store.Mkdir(msg.Path) })
		return
	}
	e.apply(ctx, msg, func() error { return e.store.Create(msg.Path, nil) })
	if msg.Data != "" {
		e.applyUpdate(ctx, msg)
	}
}

func (e *Engine) applyUpdate(ctx context.Context, msg protocol.SyncMessage) {
	kind := msg.Type
	if kind == protocol.KindNone {
		kind = KindOf(msg.Path)
	}
	update := msg
	update.Operate = protocol.OpUpdate

	switch kind {
	case protocol.KindDirectory:
		e.apply(ctx, update, func() error { return e.store.Mkdir(msg.Path) })
	case protocol.KindText:
		content, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			e.log.WithError(err).WithField("path", msg.Path).Warn("Dropping text update with bad encoding")
			return
		}
		e.apply(ctx, update, func() error { return e.store.WriteText(msg.Path, string(content)) })
	case protocol.KindBinary:
		chunk, err := protocol.ParseChunk(msg.Data)
		if err != nil {
			e.log.WithError(err).WithField("path", msg.Path).Warn("Dropping malformed chunk")
			return
		}
		data, done, err := e.reassembly.Add(msg.Path, chunk)
		if err != nil {
			e.log.WithError(err).WithField("path", msg.Path).Warn("Dropping malformed chunk")
			return
		}
		if !done {
			e.log.WithFields(logrus.Fields{"path": msg.Path, "index": chunk.Index, "total": chunk.Total}).Debug("Buffered chunk")
			return
		}
		e.apply(ctx, update, func() error { return e.store.WriteBinary(msg.Path, data) })
	}
}

func (e *Engine) listing() ([]protocol.TreeEntry, error) {
	entries, err := e.store.List()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, entry := range entries {
		if !e.exclude.Excluded(entry.Path) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func changedSince(entries []protocol.TreeEntry, since time.Time) bool {
	for _, entry := range entries {
		if !entry.IsDir() && entry.ModTime() >= since.Unix() {
			return true
		}
	}
	return false
}

// answerCheck replies with the full tree when anything changed after the
// peer's last sync, and with tree-none otherwise.
func (e *Engine) answerCheck(data string) {
	entries, err := e.listing()
	if err != nil {
		e.log.WithError(err).Error("Failed to list store")
		return
	}

	since, err := time.Parse(time.RFC3339, data)
	if data == "" || err != nil || changedSince(entries, since) {
		e.sendTreeEntries(entries)
		return
	}
	e.sendOrLog(protocol.SyncMessage{Operate: protocol.OpTreeNone})
}

func (e *Engine) sendTree() {
	entries, err := e.listing()
	if err != nil {
		e.log.WithError(err).Error("Failed to list store")
		return
	}
	e.sendTreeEntries(entries)
}

// sendTreeEntries sends the listing in one frame, or as numbered chunks of
// the encoded listing when it is larger than a chunk.
func (e *Engine) sendTreeEntries(entries []protocol.TreeEntry) {
	data, err := protocol.EncodeTree(entries)
	if err != nil {
		e.log.WithError(err).Error("Failed to encode tree")
		return
	}
	if len(data) <= protocol.ChunkSize {
		e.sendOrLog(protocol.SyncMessage{Operate: protocol.OpTree, Data: data})
		return
	}
	chunks := SplitChunks([]byte(data), protocol.ChunkSize)
	for _, c := range chunks {
		if err := e.send(protocol.SyncMessage{Operate: protocol.OpTree, Data: c.String()}); err != nil {
			e.log.WithError(err).WithField("index", c.Index).Error("Failed to send tree chunk")
			return
		}
	}
	e.log.WithFields(logrus.Fields{"entries": len(entries), "chunks": len(chunks)}).Debug("Sent chunked tree")
}

func (e *Engine) collectTree(ctx context.Context, data string) {
	chunk, err := protocol.ParseChunk(data)
	if err != nil {
		e.log.WithError(err).Warn("Dropping malformed tree")
		return
	}
	tree, done, err := e.trees.Add("", chunk)
	if err != nil {
		e.log.WithError(err).Warn("Dropping malformed tree chunk")
		return
	}
	if done {
		e.reconcile(ctx, string(tree))
	}
}

func (e *Engine) reconcile(ctx context.Context, data string) {
	remote, err := protocol.DecodeTree(data)
	if err != nil {
		e.log.WithError(err).Warn("Dropping malformed tree")
		return
	}
	local, err := e.listing()
	if err != nil {
		e.log.WithError(err).Error("Failed to list store")
		return
	}

	plan := Diff(local, remote, DiffOptions{Excluder: e.exclude, MtimeThreshold: e.opts.MtimeThreshold})
	if plan.Empty() {
		e.sendOrLog(protocol.SyncMessage{Operate: protocol.OpTreeNone})
		e.markSynced(ctx)
		return
	}

	e.log.WithFields(logrus.Fields{
		"creates": len(plan.Creates),
		"updates": len(plan.Updates),
		"deletes": len(plan.Deletes),
	}).Info("Reconciling with peer")
	e.notifier.Status(fmt.Sprintf("syncing %d changes", len(plan.Creates)+len(plan.Updates)+len(plan.Deletes)))

	for _, entry := range plan.Deletes {
		kind := protocol.KindNone
		if entry.IsDir() {
			kind = protocol.KindDirectory
		}
		e.emit(ctx, protocol.OpDelete, kind, entry.Path, "")
	}
	for _, entry := range plan.Creates {
		kind := kindOfEntry(entry)
		if e.emit(ctx, protocol.OpCreate, kind, entry.Path, "") && kind != protocol.KindDirectory {
			e.scheduleUpdate(entry.Path)
		}
	}
	for _, entry := range plan.Updates {
		e.sendContent(ctx, entry.Path)
	}

	e.reconciled = true
	if len(e.scheduled) == 0 {
		e.finishReconcile(ctx)
	}
}

func (e *Engine) finishReconcile(ctx context.Context) {
	if !e.reconciled {
		return
	}
	e.reconciled = false
	e.markSynced(ctx)
}

// scheduleUpdate sends the content of a freshly created path after the
// update delay, replacing any update already pending for it.
func (e *Engine) scheduleUpdate(p string) {
	if t, ok := e.scheduled[p]; ok {
		t.Stop()
	}
	var timer clockwork.Timer
	timer = e.clock.AfterFunc(e.opts.UpdateDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed || e.scheduled[p] != timer {
			return
		}
		delete(e.scheduled, p)
		e.sendContent(e.ctx, p)
		if len(e.scheduled) == 0 {
			e.finishReconcile(e.ctx)
		}
	})
	e.scheduled[p] = timer
}

// sendContent sends a file's current content: text whole in one update,
// binary and text larger than a chunk as numbered binary chunks.
func (e *Engine) sendContent(ctx context.Context, p string) {
	log := e.log.WithField("path", p)

	if kind := KindOf(p); kind == protocol.KindText {
		content, err := e.store.ReadText(p)
		if err != nil {
			log.WithError(err).Error("Failed to read file")
			return
		}
		if len(content) <= e.opts.ChunkSize {
			e.emit(ctx, protocol.OpUpdate, kind, p, base64.StdEncoding.EncodeToString([]byte(content)))
			return
		}
		e.sendChunks(ctx, p, []byte(content))
		return
	}

	data, err := e.store.ReadBinary(p)
	if err != nil {
		log.WithError(err).Error("Failed to read file")
		return
	}
	e.sendChunks(ctx, p, data)
}

func (e *Engine) sendChunks(ctx context.Context, p string, data []byte) {
	log := e.log.WithField("path", p)

	chunks := SplitChunks(data, e.opts.ChunkSize)
	progress := notify.Start(e.notifier, "sending "+p, len(chunks))
	defer progress.Done()
	for _, c := range chunks {
		msg := protocol.SyncMessage{
			Type:    protocol.KindBinary,
			Operate: protocol.OpUpdate,
			Path:    p,
			Name:    path.Base(p),
			Data:    c.String(),
		}
		if err := e.send(msg); err != nil {
			log.WithError(err).WithField("index", c.Index).Error("Failed to send chunk")
			return
		}
		progress.Add(1)
	}
	log.WithField("chunks", len(chunks)).Debug("Sent chunked content")
	e.record(ctx, protocol.OpUpdate, p, store.Outbound)
}

// emit sends one structural or text message and journals it.
func (e *Engine) emit(ctx context.Context, op protocol.Operate, kind protocol.ContentKind, p, data string) bool {
	msg := protocol.SyncMessage{Type: kind, Operate: op, Path: p, Name: path.Base(p), Data: data}
	if err := e.send(msg); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"operate": op.String(), "path": p}).Error("Failed to send to peer")
		return false
	}
	e.record(ctx, op, p, store.Outbound)
	return true
}

func (e *Engine) send(msg protocol.SyncMessage) error {
	data, err := e.codec.EncodeSync(msg)
	if err != nil {
		return err
	}
	return e.sender.Send(data)
}

func (e *Engine) sendOrLog(msg protocol.SyncMessage) {
	if err := e.send(msg); err != nil {
		e.log.WithError(err).WithField("operate", msg.Operate.String()).Error("Failed to send to peer")
	}
}

// HandleLocalChange forwards a change reported by the file watcher. Changes
// seen while the guard is up are dropped.
func (e *Engine) HandleLocalChange(ctx context.Context, c filestore.Change) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.guard.Active() {
		e.log.WithField("path", c.Path).Debug("Skipping change applied by peer")
		return
	}
	if e.exclude.Excluded(c.Path) {
		return
	}

	dirKind := func(fallback protocol.ContentKind) protocol.ContentKind {
		if c.IsDir {
			return protocol.KindDirectory
		}
		return fallback
	}

	switch c.Kind {
	case filestore.ChangeCreate:
		e.forwardCreate(ctx, c)
	case filestore.ChangeModify:
		if !c.IsDir {
			e.sendContent(ctx, c.Path)
		}
	case filestore.ChangeDelete:
		e.emit(ctx, protocol.OpDelete, dirKind(protocol.KindNone), c.Path, "")
	case filestore.ChangeRename:
		if c.PreviousPath == "" || e.exclude.Excluded(c.PreviousPath) {
			e.forwardCreate(ctx, c)
			return
		}
		e.emit(ctx, protocol.OpRename, dirKind(KindOf(c.Path)), c.Path, c.PreviousPath)
	default:
		e.log.WithField("kind", c.Kind.String()).Warn("Ignoring unknown change kind")
	}
}

func (e *Engine) forwardCreate(ctx context.Context, c filestore.Change) {
	if c.IsDir {
		e.emit(ctx, protocol.OpCreate, protocol.KindDirectory, c.Path, "")
		return
	}
	if e.emit(ctx, protocol.OpCreate, KindOf(c.Path), c.Path, "") {
		e.scheduleUpdate(c.Path)
	}
}

// Check asks the peer whether anything needs syncing. With local changes
// since the last sync the full tree is requested straight away.
func (e *Engine) Check(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	last := e.lastSync(ctx)
	entries, err := e.listing()
	if err != nil {
		return fmt.Errorf("failed to list store: %w", err)
	}

	if changedSince(entries, last) {
		return e.send(protocol.SyncMessage{Operate: protocol.OpTree})
	}
	since := ""
	if !last.IsZero() {
		since = last.UTC().Format(time.RFC3339)
	}
	return e.send(protocol.SyncMessage{Operate: protocol.OpCheck, Data: since})
}

// RequestTree asks the peer for its full listing.
func (e *Engine) RequestTree() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.send(protocol.SyncMessage{Operate: protocol.OpTree})
}

func (e *Engine) lastSync(ctx context.Context) time.Time {
	if e.journal == nil {
		return time.Time{}
	}
	last, err := e.journal.LastSync(ctx)
	if err != nil {
		e.log.WithError(err).Warn("Failed to read last sync time")
		return time.Time{}
	}
	return last
}

func (e *Engine) markSynced(ctx context.Context) {
	e.notifier.Status("synced")
	if e.journal == nil {
		return
	}
	if err := e.journal.MarkSynced(ctx, e.clock.Now()); err != nil {
		e.log.WithError(err).Warn("Failed to record sync time")
	}
}

func (e *Engine) record(ctx context.Context, op protocol.Operate, p string, dir store.Direction) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(ctx, op.String(), p, dir, e.clock.Now()); err != nil {
		e.log.WithError(err).Warn("Failed to journal operation")
	}
}

// Pending reports scheduled content updates and unfinished chunk transfers.
func (e *Engine) Pending() (updates, transfers int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.scheduled), e.reassembly.Pending()
}

// Close cancels scheduled updates and drops partial transfers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for p, t := range e.scheduled {
		t.Stop()
		delete(e.scheduled, p)
	}
	e.reassembly.Reset()
	e.trees.Reset()
	if e.ownGuard {
		e.guard.Stop()
	}
	e.cancel()
}
