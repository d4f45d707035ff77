package replication

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"gotest.tools/v3/assert"
)

type fakeSnapshot struct {
	offset int64
	body   []byte
}

func (f *fakeSnapshot) SnapshotToDisk(path string) (int64, error) {
	return f.offset, nil
}

func (f *fakeSnapshot) SnapshotToSocket(w io.Writer) (int64, error) {
	_, err := w.Write(f.body)
	return f.offset, err
}

func newTestCoordinator(t *testing.T) (*Coordinator, *IDManager, *Backlog) {
	t.Helper()
	ids := NewIDManager()
	backlog := NewBacklog(MinBacklogSize)
	scripts := NewScriptCache(10)
	enc := &StreamEncoder{MVCC: NewMVCCClock(func() int64 { return 1 })}
	prop := NewPropagator(enc, backlog)

	coord := &Coordinator{
		IDs:        ids,
		Backlog:    backlog,
		Scripts:    scripts,
		Propagator: prop,
		Snapshot:   &fakeSnapshot{offset: 0, body: []byte("REDIS0011fakerdbcontents")},
		Log:        slog.Default(),
	}
	return coord, ids, backlog
}

// TestHandlePSync_FreshFullResync is S1: an empty backlog and offset 0
// means any PSYNC ? -1 falls through to a full resync.
func TestHandlePSync_FreshFullResync(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	result, err := coord.HandlePSync(nil, "?", -1)
	assert.NilError(t, err)
	assert.Assert(t, result.NeedFull)
	assert.Assert(t, !result.Partial)
}

// TestHandlePSync_PartialResyncAfterBlip is S2: after 1000 bytes of stream
// with the replica consuming 400, a reconnect at offset 401 gets +CONTINUE
// with exactly the remaining 600 bytes.
func TestHandlePSync_PartialResyncAfterBlip(t *testing.T) {
	coord, ids, backlog := newTestCoordinator(t)
	replID := ids.ReplID()

	chunk := bytes.Repeat([]byte("x"), 100)
	for i := 0; i < 10; i++ {
		backlog.Feed(chunk)
	}
	assert.Equal(t, backlog.MasterOffset(), int64(1000))

	r := NewReplica("replica-1", nil)
	result, err := coord.HandlePSync(r, replID, 401)
	assert.NilError(t, err)
	assert.Assert(t, result.Partial)
	assert.Equal(t, len(result.Backlog), 600)
	assert.Equal(t, r.State(), ReplicaOnline)
}

// TestHandlePSync_BacklogMiss is S3: the backlog has aged out the
// requested offset, so the coordinator must fall through to full resync.
// NewBacklog raises the requested 256 bytes to MinBacklogSize, so more than
// that is fed to push offset 401 out.
func TestHandlePSync_BacklogMiss(t *testing.T) {
	ids := NewIDManager()
	backlog := NewBacklog(256)
	scripts := NewScriptCache(10)
	enc := &StreamEncoder{MVCC: NewMVCCClock(func() int64 { return 1 })}
	prop := NewPropagator(enc, backlog)
	coord := &Coordinator{IDs: ids, Backlog: backlog, Scripts: scripts, Propagator: prop, Log: slog.Default()}

	oldReplID := ids.ReplID()
	backlog.Feed(bytes.Repeat([]byte("y"), MinBacklogSize+1000))

	r := NewReplica("replica-1", nil)
	result, err := coord.HandlePSync(r, oldReplID, 401)
	assert.NilError(t, err)
	assert.Assert(t, result.NeedFull)
}

func TestHandlePSync_OffsetBeyondMasterOffsetRefusesPartial(t *testing.T) {
	coord, ids, backlog := newTestCoordinator(t)
	backlog.Feed([]byte("abc"))

	r := NewReplica("replica-1", nil)
	result, err := coord.HandlePSync(r, ids.ReplID(), 1000)
	assert.NilError(t, err)
	assert.Assert(t, result.NeedFull)
}

func TestCoordinator_DiskBGSaveAttachesWaitingReplica(t *testing.T) {
	coord, ids, backlog := newTestCoordinator(t)
	_ = ids
	_ = backlog
	coord.RDBPath = "testdata/snapshot.rdb"

	var buf bytes.Buffer
	r := NewReplica("replica-1", nil)
	err := coord.StartFullResync(r, &buf)
	assert.NilError(t, err)
	assert.Equal(t, r.State(), ReplicaOnline)
	assert.Assert(t, bytes.Contains(buf.Bytes(), []byte("+FULLRESYNC")))
	assert.Assert(t, bytes.Contains(buf.Bytes(), []byte("REDIS0011")))
}

// TestCoordinator_DiskBGSavePiggybacks verifies that a second replica
// arriving mid-BGSAVE with a capability subset of one already waiting on
// the same disk snapshot is attached to it rather than queued for a fresh
// one (§4.5 step 3, disk-running branch).
func TestCoordinator_DiskBGSavePiggybacks(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	coord.RDBPath = "testdata/snapshot.rdb"
	coord.mu.Lock()
	coord.bgState = bgSaveRunning
	coord.bgTarget = BGSaveDisk
	waiting := NewReplica("waiting", nil)
	waiting.Capabilities = Capabilities{EOF: true, PSync2: true}
	coord.waitingEnd = append(coord.waitingEnd, waiting)
	coord.mu.Unlock()

	var buf bytes.Buffer
	r := NewReplica("newcomer", nil)
	r.Capabilities = Capabilities{PSync2: true}
	err := coord.StartFullResync(r, &buf)
	assert.NilError(t, err)
	assert.Equal(t, r.State(), ReplicaWaitBGSaveEnd)
	assert.Equal(t, buf.Len(), 0)
}
