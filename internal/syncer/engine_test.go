package syncer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/peer-sync/internal/db"
	"github.com/rudransh-shrivastava/peer-sync/internal/filestore"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
	"github.com/rudransh-shrivastava/peer-sync/internal/store"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []protocol.SyncMessage
	err  error
}

func (s *recordingSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	var msg protocol.SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) messages() []protocol.SyncMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SyncMessage(nil), s.msgs...)
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
}

// framedSender refuses frames the data channel could not carry.
type framedSender struct {
	Sender
	limit int
}

func (s framedSender) Send(data []byte) error {
	if len(data) > s.limit {
		return fmt.Errorf("outbound packet larger than maximum message size: %d", s.limit)
	}
	return s.Sender.Send(data)
}

type fakeJournal struct {
	mu      sync.Mutex
	records []db.SyncRecord
	last    time.Time
	marked  int
}

var _ store.JournalRepository = (*fakeJournal)(nil)

func (j *fakeJournal) Record(_ context.Context, operate, path string, dir store.Direction, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, db.SyncRecord{Operate: operate, Path: path, Direction: string(dir), At: at.Unix()})
	return nil
}

func (j *fakeJournal) Recent(_ context.Context, limit int) ([]db.SyncRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]db.SyncRecord(nil), j.records...), nil
}

func (j *fakeJournal) LastSync(context.Context) (time.Time, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, nil
}

func (j *fakeJournal) MarkSynced(_ context.Context, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.last = at
	j.marked++
	return nil
}

func (j *fakeJournal) markedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.marked
}

type testPeer struct {
	fs      afero.Fs
	vault   *filestore.Vault
	sender  *recordingSender
	journal *fakeJournal
	clock   clockwork.Clock
	engine  *Engine
}

func newTestPeer(t *testing.T, clock clockwork.Clock) *testPeer {
	t.Helper()
	return newSizedPeer(t, clock, 16)
}

func newSizedPeer(t *testing.T, clock clockwork.Clock, chunkSize int) *testPeer {
	t.Helper()
	fs := afero.NewMemMapFs()
	p := &testPeer{
		fs:      fs,
		vault:   filestore.NewVaultFs(fs, "", logger.Discard()),
		sender:  &recordingSender{},
		journal: &fakeJournal{},
		clock:   clock,
	}
	p.engine = New(framedSender{Sender: p.sender, limit: protocol.MaxFrameSize}, Options{
		Store:     p.vault,
		Journal:   p.journal,
		Clock:     clock,
		Logger:    logger.Discard(),
		Reserved:  ".obsidian",
		ChunkSize: chunkSize,
	})
	t.Cleanup(p.engine.Close)
	return p
}

func (p *testPeer) write(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, p.vault.WriteText(path, content))
	require.NoError(t, p.fs.Chtimes("/"+path, mtime, mtime))
}

func encodeMsg(t *testing.T, msg protocol.SyncMessage) []byte {
	t.Helper()
	data, err := protocol.NewCodec().EncodeSync(msg)
	require.NoError(t, err)
	return data
}

func treeMsg(t *testing.T, entries ...protocol.TreeEntry) []byte {
	t.Helper()
	data, err := protocol.EncodeTree(entries)
	require.NoError(t, err)
	return encodeMsg(t, protocol.SyncMessage{Operate: protocol.OpTree, Data: data})
}

func TestEngine_TreeRequestRepliesWithListing(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())
	p.write(t, "a.md", "hello", time.Unix(100, 0))
	p.write(t, ".obsidian/app.json", "{}", time.Unix(100, 0))

	p.engine.Handle(context.Background(), encodeMsg(t, protocol.SyncMessage{Operate: protocol.OpTree}))

	msgs := p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.OpTree, msgs[0].Operate)

	entries, err := protocol.DecodeTree(msgs[0].Data)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.md", entries[0].Path)
	assert.Equal(t, int64(100), entries[0].ModTime())
	assert.Equal(t, int64(5), entries[0].SizeBytes())
}

func TestEngine_LocalOnlyCreatesThenUpdatesAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPeer(t, clock)
	p.write(t, "a.md", "0123456789", time.Unix(100, 0))

	p.engine.Handle(context.Background(), treeMsg(t))

	msgs := p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.OpCreate, msgs[0].Operate)
	assert.Equal(t, "a.md", msgs[0].Path)
	assert.Equal(t, "a.md", msgs[0].Name)
	assert.Equal(t, protocol.KindText, msgs[0].Type)
	assert.Equal(t, 0, p.journal.markedCount())

	clock.Advance(1999 * time.Millisecond)
	assert.Len(t, p.sender.messages(), 1)

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return len(p.sender.messages()) == 2 }, time.Second, 5*time.Millisecond)

	update := p.sender.messages()[1]
	assert.Equal(t, protocol.OpUpdate, update.Operate)
	assert.Equal(t, protocol.KindText, update.Type)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("0123456789")), update.Data)
	assert.Eventually(t, func() bool { return p.journal.markedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_RemoteOnlyDeletes(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())

	p.engine.Handle(context.Background(), treeMsg(t, protocol.FileEntry("b.md", 50, 5)))

	msgs := p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.OpDelete, msgs[0].Operate)
	assert.Equal(t, "b.md", msgs[0].Path)
	assert.Equal(t, 1, p.journal.markedCount())
}

func TestEngine_UpdateRespectsMtimeThreshold(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())
	p.write(t, "a.md", "0123456789", time.Unix(104, 0))

	p.engine.Handle(context.Background(), treeMsg(t, protocol.FileEntry("a.md", 100, 4)))
	msgs := p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.OpUpdate, msgs[0].Operate)

	p.sender.reset()
	p.engine.Handle(context.Background(), treeMsg(t, protocol.FileEntry("a.md", 101, 4)))
	msgs = p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.OpTreeNone, msgs[0].Operate)
}

func TestEngine_BinaryTransferReassembles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := newTestPeer(t, clock)
	receiver := newTestPeer(t, clock)

	payload := testPayload(50)
	require.NoError(t, sender.vault.WriteBinary("img/pic.png", payload))
	sender.engine.HandleLocalChange(context.Background(), filestore.Change{Kind: filestore.ChangeModify, Path: "img/pic.png"})

	msgs := sender.sender.messages()
	require.Len(t, msgs, 4)

	// deliver out of order
	for _, i := range []int{2, 0, 3, 1} {
		assert.Equal(t, protocol.KindBinary, msgs[i].Type)
		receiver.engine.Handle(context.Background(), encodeMsg(t, msgs[i]))
		if i != 1 {
			_, err := receiver.vault.Stat("img/pic.png")
			assert.ErrorIs(t, err, filestore.ErrNotFound)
		}
	}

	got, err := receiver.vault.ReadBinary("img/pic.png")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, transfers := receiver.engine.Pending()
	assert.Equal(t, 0, transfers)
}

func TestEngine_LargeTextIsChunked(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := newSizedPeer(t, clock, protocol.ChunkSize)
	receiver := newSizedPeer(t, clock, protocol.ChunkSize)

	content := strings.Repeat("a line of notes\n", 200*1024/16)
	require.NoError(t, sender.vault.WriteText("big.md", content))
	sender.engine.HandleLocalChange(context.Background(), filestore.Change{Kind: filestore.ChangeModify, Path: "big.md"})

	msgs := sender.sender.messages()
	require.Len(t, msgs, 5)
	for _, msg := range msgs {
		assert.Equal(t, protocol.KindBinary, msg.Type)
		assert.Equal(t, protocol.OpUpdate, msg.Operate)
		receiver.engine.Handle(context.Background(), encodeMsg(t, msg))
	}

	got, err := receiver.vault.ReadText("big.md")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEngine_LargeTreeIsChunked(t *testing.T) {
	clock := clockwork.NewFakeClock()
	storage := newSizedPeer(t, clock, protocol.ChunkSize)
	client := newSizedPeer(t, clock, protocol.ChunkSize)

	const files = 1500
	for i := 0; i < files; i++ {
		storage.write(t, fmt.Sprintf("notes/daily/entry-%04d.md", i), "x", time.Unix(100, 0))
	}

	storage.engine.Handle(context.Background(), encodeMsg(t, protocol.SyncMessage{Operate: protocol.OpTree}))

	msgs := storage.sender.messages()
	require.Greater(t, len(msgs), 1)
	for _, msg := range msgs {
		assert.Equal(t, protocol.OpTree, msg.Operate)
		client.engine.Handle(context.Background(), encodeMsg(t, msg))
	}

	deletes := 0
	for _, msg := range client.sender.messages() {
		if msg.Operate == protocol.OpDelete {
			deletes++
		}
	}
	// the directories go too
	assert.GreaterOrEqual(t, deletes, files)
	assert.Equal(t, 1, client.journal.markedCount())
}

func TestEngine_SmallBinaryIsSingleChunk(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())
	require.NoError(t, p.vault.WriteBinary("x.bin", []byte("abc")))

	p.engine.HandleLocalChange(context.Background(), filestore.Change{Kind: filestore.ChangeModify, Path: "x.bin"})

	msgs := p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "1:1:"+base64.StdEncoding.EncodeToString([]byte("abc")), msgs[0].Data)
}

func TestEngine_AppliesStructuralOperations(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())
	ctx := context.Background()

	p.engine.Handle(ctx, encodeMsg(t, protocol.SyncMessage{Type: protocol.KindDirectory, Operate: protocol.OpCreate, Path: "dir", Name: "dir"}))
	entry, err := p.vault.Stat("dir")
	require.NoError(t, err)
	assert.True(t, entry.IsDir())

	p.engine.Handle(ctx, encodeMsg(t, protocol.SyncMessage{Type: protocol.KindText, Operate: protocol.OpCreate, Path: "dir/a.md", Name: "a.md"}))
	p.engine.Handle(ctx, encodeMsg(t, protocol.SyncMessage{
		Type:    protocol.KindText,
		Operate: protocol.OpUpdate,
		Path:    "dir/a.md",
		Name:    "a.md",
		Data:    base64.StdEncoding.EncodeToString([]byte("text")),
	}))
	text, err := p.vault.ReadText("dir/a.md")
	require.NoError(t, err)
	assert.Equal(t, "text", text)

	p.engine.Handle(ctx, encodeMsg(t, protocol.SyncMessage{Operate: protocol.OpRename, Path: "dir/b.md", Name: "b.md", Data: "dir/a.md"}))
	text, err = p.vault.ReadText("dir/b.md")
	require.NoError(t, err)
	assert.Equal(t, "text", text)

	p.engine.Handle(ctx, encodeMsg(t, protocol.SyncMessage{Type: protocol.KindDirectory, Operate: protocol.OpDelete, Path: "dir", Name: "dir"}))
	_, err = p.vault.Stat("dir/b.md")
	assert.ErrorIs(t, err, filestore.ErrNotFound)

	// deleting something already gone is not an error
	p.engine.Handle(ctx, encodeMsg(t, protocol.SyncMessage{Operate: protocol.OpDelete, Path: "dir", Name: "dir"}))

	assert.Empty(t, p.sender.messages())
	assert.Len(t, p.journal.records, 6)
}

func TestEngine_GuardSuppressesEcho(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPeer(t, clock)
	ctx := context.Background()

	p.engine.Handle(ctx, encodeMsg(t, protocol.SyncMessage{Type: protocol.KindDirectory, Operate: protocol.OpCreate, Path: "echo", Name: "echo"}))
	assert.True(t, p.engine.Guard().Active())

	p.engine.HandleLocalChange(ctx, filestore.Change{Kind: filestore.ChangeCreate, Path: "echo", IsDir: true})
	assert.Empty(t, p.sender.messages())

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return !p.engine.Guard().Active() }, time.Second, 5*time.Millisecond)

	p.engine.HandleLocalChange(ctx, filestore.Change{Kind: filestore.ChangeCreate, Path: "local", IsDir: true})
	msgs := p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KindDirectory, msgs[0].Type)
}

func TestEngine_LocalChanges(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())
	ctx := context.Background()

	p.engine.HandleLocalChange(ctx, filestore.Change{Kind: filestore.ChangeRename, Path: "new.md", PreviousPath: "old.md"})
	p.engine.HandleLocalChange(ctx, filestore.Change{Kind: filestore.ChangeDelete, Path: "gone.md"})
	p.engine.HandleLocalChange(ctx, filestore.Change{Kind: filestore.ChangeCreate, Path: ".obsidian/workspace.json"})

	msgs := p.sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.OpRename, msgs[0].Operate)
	assert.Equal(t, "new.md", msgs[0].Path)
	assert.Equal(t, "old.md", msgs[0].Data)
	assert.Equal(t, protocol.OpDelete, msgs[1].Operate)
	assert.Equal(t, "gone.md", msgs[1].Path)
}

func TestEngine_AnswerCheck(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())
	p.write(t, "a.md", "x", time.Unix(1000, 0))
	ctx := context.Background()

	tests := []struct {
		name     string
		since    string
		expected protocol.Operate
	}{
		{"never synced", "", protocol.OpTree},
		{"unparsable", "yesterday", protocol.OpTree},
		{"changed after", time.Unix(500, 0).UTC().Format(time.RFC3339), protocol.OpTree},
		{"changed in the sync second", time.Unix(1000, 0).UTC().Format(time.RFC3339), protocol.OpTree},
		{"nothing new", time.Unix(2000, 0).UTC().Format(time.RFC3339), protocol.OpTreeNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.sender.reset()
			p.engine.Handle(ctx, encodeMsg(t, protocol.SyncMessage{Operate: protocol.OpCheck, Data: tt.since}))
			msgs := p.sender.messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.expected, msgs[0].Operate)
		})
	}
}

func TestEngine_Check(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())
	ctx := context.Background()

	require.NoError(t, p.engine.Check(ctx))
	msgs := p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.OpCheck, msgs[0].Operate)
	assert.Equal(t, "", msgs[0].Data)

	p.write(t, "a.md", "x", time.Unix(1000, 0))
	p.journal.last = time.Unix(500, 0)
	p.sender.reset()
	require.NoError(t, p.engine.Check(ctx))
	msgs = p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.OpTree, msgs[0].Operate)
	assert.Empty(t, msgs[0].Data)

	p.journal.last = time.Unix(1000, int64(500*time.Millisecond))
	p.sender.reset()
	require.NoError(t, p.engine.Check(ctx))
	msgs = p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.OpTree, msgs[0].Operate, "edit in the same second as the last sync")

	p.journal.last = time.Unix(2000, 0)
	p.sender.reset()
	require.NoError(t, p.engine.Check(ctx))
	msgs = p.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.OpCheck, msgs[0].Operate)
	assert.Equal(t, time.Unix(2000, 0).UTC().Format(time.RFC3339), msgs[0].Data)
}

func TestEngine_TreeNoneMarksSynced(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())

	p.engine.Handle(context.Background(), encodeMsg(t, protocol.SyncMessage{Operate: protocol.OpTreeNone}))

	assert.Equal(t, 1, p.journal.markedCount())
	assert.Empty(t, p.sender.messages())
}

func TestEngine_DropsMalformed(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())
	ctx := context.Background()

	p.engine.Handle(ctx, []byte("{"))
	p.engine.Handle(ctx, []byte(`{"operate":"explode","path":"a"}`))
	p.engine.Handle(ctx, []byte(`{"type":"video","operate":"update","path":"a"}`))
	p.engine.Handle(ctx, encodeMsg(t, protocol.SyncMessage{Type: protocol.KindBinary, Operate: protocol.OpUpdate, Path: "a.png", Data: "nope"}))
	p.engine.Handle(ctx, encodeMsg(t, protocol.SyncMessage{Operate: protocol.OpTree, Data: "not json"}))

	assert.Empty(t, p.sender.messages())
	entries, err := p.vault.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngine_SendFailureIsLogged(t *testing.T) {
	p := newTestPeer(t, clockwork.NewFakeClock())
	p.sender.err = errors.New("channel closed")

	p.engine.HandleLocalChange(context.Background(), filestore.Change{Kind: filestore.ChangeDelete, Path: "a.md"})

	assert.Empty(t, p.journal.records)
}

func TestEngine_CloseCancelsScheduledUpdates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPeer(t, clock)
	p.write(t, "a.md", "x", time.Unix(100, 0))

	p.engine.Handle(context.Background(), treeMsg(t))
	updates, _ := p.engine.Pending()
	assert.Equal(t, 1, updates)

	p.engine.Close()
	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, p.sender.messages(), 1)
	assert.ErrorIs(t, p.engine.Check(context.Background()), ErrClosed)
}
