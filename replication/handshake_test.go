package replication

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// fakePrimary plays the primary side of the handshake protocol against a
// real TCP connection, so Link.Connect exercises its actual dial/read/write
// path without a live Redis-compatible server.
type fakePrimary struct {
	t        *testing.T
	listener net.Listener
}

func newFakePrimary(t *testing.T) *fakePrimary {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	return &fakePrimary{t: t, listener: l}
}

func (f *fakePrimary) addr() string { return f.listener.Addr().String() }

// serveFullResync accepts one connection and drives it through PING, UUID,
// port, capa, and PSYNC -> +FULLRESYNC with a disk-framed snapshot body.
func (f *fakePrimary) serveFullResync(replID string, offset int64, body []byte) {
	go func() {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

		f.expectAndReply(rw, "+PONG\r\n")            // PING
		f.expectAndReply(rw, "+OK\r\n")              // REPLCONF uuid
		f.expectAndReply(rw, "+OK\r\n")              // REPLCONF listening-port
		f.expectAndReply(rw, "+OK\r\n")              // REPLCONF capa
		f.expectAndReply(rw, "")                     // PSYNC: no canned reply, custom below

		reply := fmt.Sprintf("+FULLRESYNC %s %d\r\n", replID, offset)
		rw.WriteString(reply)
		rw.WriteString(fmt.Sprintf("$%d\r\n", len(body)))
		rw.Write(body)
		rw.Flush()
	}()
}

// serveContinue accepts one connection and replies +CONTINUE to PSYNC.
func (f *fakePrimary) serveContinue(newReplID string) {
	go func() {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

		f.expectAndReply(rw, "+PONG\r\n")
		f.expectAndReply(rw, "+OK\r\n")
		f.expectAndReply(rw, "+OK\r\n")
		f.expectAndReply(rw, "+OK\r\n")

		f.readLine(rw) // PSYNC
		reply := "+CONTINUE"
		if newReplID != "" {
			reply += " " + newReplID
		}
		rw.WriteString(reply + "\r\n")
		rw.Flush()
	}()
}

// expectAndReply drains one full RESP array command off rw (however many
// lines it takes) and, if reply is non-empty, writes it back.
func (f *fakePrimary) expectAndReply(rw *bufio.ReadWriter, reply string) {
	f.readLine(rw)
	if reply != "" {
		rw.WriteString(reply)
		rw.Flush()
	}
}

// readLine consumes one full multi-bulk array command: a "*N" header line
// followed by N pairs of ($len / payload) lines.
func (f *fakePrimary) readLine(rw *bufio.ReadWriter) {
	header, err := rw.ReadString('\n')
	if err != nil {
		return
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "*") {
		return
	}
	var n int
	fmt.Sscanf(header, "*%d", &n)
	for i := 0; i < n; i++ {
		rw.ReadString('\n') // $len
		rw.ReadString('\n') // payload
	}
}

func newTestLink(t *testing.T, primaryAddr string) *Link {
	t.Helper()
	return &Link{
		PrimaryAddr: primaryAddr,
		MyAddr:      "127.0.0.1:6380",
		LocalUUID:   "11111111-1111-1111-1111-111111111111",
		Logger:      slog.Default(),
		IDs:         NewIDManager(),
		Backlog:     NewBacklog(MinBacklogSize),
		Cached:      &CachedMasterSlot{},
	}
}

func TestLink_FullResyncHandshakeReachesConnected(t *testing.T) {
	fp := newFakePrimary(t)
	defer fp.listener.Close()
	fp.serveFullResync("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", 0, []byte("REDIS0011fakepayload"))

	link := newTestLink(t, fp.addr())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := link.Connect(ctx)
	assert.NilError(t, err)
	assert.Equal(t, link.State(), StateConnected)
	assert.Equal(t, link.IDs.ReplID(), "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	assert.Equal(t, link.Offset(), int64(0))
}

func TestLink_ContinueResurrectsCachedMaster(t *testing.T) {
	fp := newFakePrimary(t)
	defer fp.listener.Close()
	fp.serveContinue("")

	link := newTestLink(t, fp.addr())
	link.Cached.Cache(CachedMaster{ReplID: link.IDs.ReplID(), Offset: 999, UUID: "peer"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := link.Connect(ctx)
	assert.NilError(t, err)
	assert.Equal(t, link.State(), StateConnected)
	_, cached := link.Cached.Get()
	assert.Assert(t, !cached)
}

func TestLink_CancelHandshakeIsIdempotent(t *testing.T) {
	link := newTestLink(t, "127.0.0.1:0")
	link.CancelHandshake()
	assert.Equal(t, link.State(), StateNone)
	link.CancelHandshake()
	assert.Equal(t, link.State(), StateNone)
}
