package server

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/awinterman/anarchoredis/replication"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	store := NewStore(4)
	ids := replication.NewIDManager()
	backlog := replication.NewBacklog(replication.MinBacklogSize)
	scripts := replication.NewScriptCache(replication.DefaultScriptCacheCap)
	clock := replication.NewMVCCClock(func() int64 { return 1 })
	enc := &replication.StreamEncoder{MVCC: clock}
	prop := replication.NewPropagator(enc, backlog)

	coord := &replication.Coordinator{
		IDs:        ids,
		Backlog:    backlog,
		Scripts:    scripts,
		Propagator: prop,
		Snapshot:   &StoreSnapshot{Store: store, Backlog: backlog},
		Log:        slog.Default(),
	}

	return &Dispatcher{
		Store:       store,
		Coordinator: coord,
		Propagator:  prop,
		Filter:      replication.LoopFilter{LocalUUID: "local"},
		Clock:       clock,
		NodeUUID:    "local",
		DBCount:     4,
		Log:         slog.Default(),
	}
}

func dial(t *testing.T, d *Dispatcher) (net.Conn, func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		_ = d.Handle(ctx, conn)
	}()
	conn, err := net.Dial("tcp", l.Addr().String())
	assert.NilError(t, err)
	return conn, func() { cancel(); conn.Close(); l.Close() }
}

func TestDispatcher_SetGetRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	conn, cleanup := dial(t, d)
	defer cleanup()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	writeCommand(t, rw, "SET", "k", "v")
	assert.Equal(t, readLine(t, rw), "+OK")

	writeCommand(t, rw, "GET", "k")
	assert.Equal(t, readLine(t, rw), "$1")
	assert.Equal(t, readLine(t, rw), "v")
}

func TestDispatcher_GetMissingKeyReturnsNull(t *testing.T) {
	d := newTestDispatcher(t)
	conn, cleanup := dial(t, d)
	defer cleanup()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	writeCommand(t, rw, "GET", "missing")
	assert.Equal(t, readLine(t, rw), "_")
}

func TestDispatcher_SetPropagatesToAttachedReplica(t *testing.T) {
	d := newTestDispatcher(t)

	r := replication.NewReplica("replica-1", nil)
	r.SetState(replication.ReplicaOnline)
	d.Propagator.AttachReplica(r)

	conn, cleanup := dial(t, d)
	defer cleanup()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	writeCommand(t, rw, "SET", "k", "v")
	assert.Equal(t, readLine(t, rw), "+OK")

	select {
	case b := <-r.Queue:
		assert.Assert(t, len(b) > 0)
	case <-time.After(time.Second):
		t.Fatal("expected the attached replica to receive the propagated write")
	}
}

func TestDispatcher_RoleReportsMaster(t *testing.T) {
	d := newTestDispatcher(t)
	conn, cleanup := dial(t, d)
	defer cleanup()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	writeCommand(t, rw, "ROLE")
	assert.Equal(t, readLine(t, rw), "*3")
	assert.Equal(t, readLine(t, rw), "$6")
	assert.Equal(t, readLine(t, rw), "master")
}

func TestDispatcher_WaitWithNoReplicasReturnsZeroImmediately(t *testing.T) {
	d := newTestDispatcher(t)
	conn, cleanup := dial(t, d)
	defer cleanup()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	writeCommand(t, rw, "WAIT", "0", "100")
	assert.Equal(t, readLine(t, rw), ":0")
}

func TestDispatcher_ReplicaOfNoOneWithoutLinkIsANoop(t *testing.T) {
	d := newTestDispatcher(t)
	conn, cleanup := dial(t, d)
	defer cleanup()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	writeCommand(t, rw, "REPLICAOF", "NO", "ONE")
	assert.Equal(t, readLine(t, rw), "+OK")
}

func writeCommand(t *testing.T, rw *bufio.ReadWriter, argv ...string) {
	t.Helper()
	rw.WriteString("*" + strconv.Itoa(len(argv)) + "\r\n")
	for _, a := range argv {
		rw.WriteString("$" + strconv.Itoa(len(a)) + "\r\n" + a + "\r\n")
	}
	assert.NilError(t, rw.Flush())
}

func readLine(t *testing.T, rw *bufio.ReadWriter) string {
	t.Helper()
	line, err := rw.ReadString('\n')
	assert.NilError(t, err)
	return strings.TrimRight(line, "\r\n")
}
