package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/awinterman/anarchoredis/protocol"
	"github.com/awinterman/anarchoredis/replication"
)

func nowNanos() int64 { return time.Now().UnixNano() }

// Dispatcher turns wire commands into Store mutations and, on a primary,
// drives the Sync Coordinator for REPLCONF/PSYNC/SYNC. It is the glue
// between clients and the replication core: everything replication.Cron and
// replication.Coordinator do only matters if writes actually flow through
// here into the backlog.
type Dispatcher struct {
	Store       *Store
	Coordinator *replication.Coordinator // nil unless this instance serves replicas
	Propagator  *replication.Propagator
	Filter      replication.LoopFilter // populated when active-replica mode is on
	Clock       *replication.MVCCClock
	NodeUUID    string
	DBCount     int
	Log         *slog.Logger

	// StartLink constructs and launches a new upstream replication link for
	// REPLICAOF host port, returning the link (for ROLE reporting and Cron
	// wiring) and a cancel func that tears down the goroutine driving it.
	// Nil if the embedding Run doesn't support becoming a replica at
	// runtime (e.g. a build that never wires replica-of at all).
	StartLink func(addr string) (*replication.Link, context.CancelFunc, error)

	linkMu     sync.Mutex
	link       *replication.Link
	linkCancel context.CancelFunc
}

// SetLink installs the upstream link Run started at startup (if
// Config.ReplicaOf was set), so ROLE and REPLICAOF NO ONE can see and tear
// it down. Called once during wiring, before any connection is accepted.
func (d *Dispatcher) SetLink(link *replication.Link, cancel context.CancelFunc) {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	d.link = link
	d.linkCancel = cancel
}

var okReply = protocol.NewSimpleString("OK")
var pong = protocol.NewSimpleString("PONG")

func errReply(err error) *protocol.Message { return protocol.NewError(err) }

// Handle is the connFunc wired into Server.New: one goroutine per accepted
// connection, reading commands until the client disconnects or a fatal
// write error occurs.
func (d *Dispatcher) Handle(ctx context.Context, conn net.Conn) error {
	c := protocol.NewConnection(conn)
	db := 0
	var pendingCapa []string
	var pendingUUID, pendingPort, pendingIP string
	var replica *replication.Replica

	for ctx.Err() == nil {
		msg, err := c.Read()
		if err != nil {
			if replica != nil {
				d.Propagator.DetachReplica(replica.ID)
				replica.Close()
			}
			return nil
		}

		cmd, err := msg.Cmd()
		if err != nil {
			d.reply(c, errReply(err))
			continue
		}

		switch cmd.Name {
		case "PING":
			d.reply(c, pong)

		case "SELECT":
			n, err := parseDBIndex(cmd.Args, d.DBCount)
			if err != nil {
				d.reply(c, errReply(err))
				continue
			}
			db = n
			d.reply(c, okReply)

		case "GET":
			if len(cmd.Args) != 1 {
				d.reply(c, errReply(fmt.Errorf("wrong number of arguments for 'get'")))
				continue
			}
			v, found := d.Store.Get(db, cmd.Args[0])
			if !found {
				d.reply(c, &protocol.Message{Indicator: protocol.Null})
				continue
			}
			d.reply(c, protocol.NewBulkString(v))

		case "SET":
			if len(cmd.Args) < 2 {
				d.reply(c, errReply(fmt.Errorf("wrong number of arguments for 'set'")))
				continue
			}
			d.Store.Set(db, cmd.Args[0], cmd.Args[1])
			d.propagate(db, cmd.Args)
			d.reply(c, okReply)

		case "DEL":
			if len(cmd.Args) < 1 {
				d.reply(c, errReply(fmt.Errorf("wrong number of arguments for 'del'")))
				continue
			}
			removed := 0
			for _, key := range cmd.Args {
				if d.Store.Del(db, key) {
					removed++
				}
			}
			if removed > 0 {
				d.propagate(db, cmd.Args)
			}
			d.reply(c, protocol.NewInt(removed))

		case "REPLCONF":
			d.handleReplconf(c, cmd, replica, &pendingCapa, &pendingUUID, &pendingPort, &pendingIP)

		case "SYNC", "PSYNC":
			r, err := d.handleSync(ctx, c, conn, cmd, pendingCapa, pendingUUID, pendingPort, pendingIP)
			if err != nil {
				d.reply(c, errReply(err))
				continue
			}
			replica = r

		case "RREPLAY":
			if err := d.applyRREPLAY(msg); err != nil {
				d.Log.Warn("dropping malformed RREPLAY", "error", err)
			}

		case "ROLE":
			d.reply(c, d.roleReply())

		case "WAIT":
			n, err := d.handleWait(ctx, cmd)
			if err != nil {
				d.reply(c, errReply(err))
				continue
			}
			d.reply(c, protocol.NewInt(n))

		case "REPLICAOF", "SLAVEOF":
			if err := d.handleReplicaOf(cmd); err != nil {
				d.reply(c, errReply(err))
				continue
			}
			d.reply(c, okReply)

		default:
			d.reply(c, errReply(fmt.Errorf("unknown command '%s'", cmd.Name)))
		}
	}
	return ctx.Err()
}

func (d *Dispatcher) reply(c *protocol.Conn, m *protocol.Message) {
	if _, err := c.Write(m); err != nil {
		return
	}
	_ = c.Flush()
}

func (d *Dispatcher) propagate(db int, argv []string) {
	if d.Propagator == nil {
		return
	}
	d.Propagator.Feed(db, argv, d.NodeUUID)
}

func parseDBIndex(args []string, dbCount int) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("wrong number of arguments for 'select'")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid DB index")
	}
	if n < 0 || n >= dbCount {
		return 0, fmt.Errorf("DB index is out of range")
	}
	return n, nil
}

// roleReply implements ROLE: "master" plus each attached replica's
// address/port/ack-offset, or "slave" plus the upstream primary's
// address/link-state/consumed-offset, mirroring §6's client command list.
func (d *Dispatcher) roleReply() *protocol.Message {
	d.linkMu.Lock()
	link := d.link
	d.linkMu.Unlock()

	if link != nil {
		host, port, err := net.SplitHostPort(link.PrimaryAddr)
		if err != nil {
			host, port = link.PrimaryAddr, ""
		}
		return protocol.NewArray(
			protocol.NewBulkString("slave"),
			protocol.NewBulkString(host),
			protocol.NewBulkString(port),
			protocol.NewBulkString(link.State().String()),
			protocol.NewInt(int(link.Offset())),
		)
	}

	var offset int64
	replicas := make([]*protocol.Message, 0)
	if d.Coordinator != nil {
		offset = d.Coordinator.Backlog.MasterOffset()
	}
	if d.Propagator != nil {
		for _, r := range d.Propagator.Replicas() {
			host := r.AdvertisedIP
			if host == "" {
				if h, _, err := net.SplitHostPort(r.ID); err == nil {
					host = h
				} else {
					host = r.ID
				}
			}
			replicas = append(replicas, protocol.NewArray(
				protocol.NewBulkString(host),
				protocol.NewBulkString(r.ListeningPort),
				protocol.NewBulkString(strconv.FormatInt(r.AckOffset(), 10)),
			))
		}
	}
	return protocol.NewArray(
		protocol.NewBulkString("master"),
		protocol.NewInt(int(offset)),
		protocol.NewArray(replicas...),
	)
}

// handleWait implements WAIT numreplicas timeout-ms: polls attached
// replicas' ack offsets against the offset in effect when WAIT was issued.
// Per spec.md §1's non-goal, this never gates the write path itself -- it
// only blocks the client that issued WAIT, and only until numreplicas have
// acked or timeout-ms elapses (0 means wait indefinitely).
func (d *Dispatcher) handleWait(ctx context.Context, cmd *protocol.Command) (int, error) {
	if len(cmd.Args) != 2 {
		return 0, fmt.Errorf("wrong number of arguments for 'wait'")
	}
	numReplicas, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid numreplicas")
	}
	timeoutMS, err := strconv.Atoi(cmd.Args[1])
	if err != nil {
		return 0, fmt.Errorf("invalid timeout")
	}
	if d.Coordinator == nil || d.Propagator == nil {
		return 0, nil
	}

	target := d.Coordinator.Backlog.MasterOffset()

	var deadline <-chan time.Time
	if timeoutMS > 0 {
		timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		acked := 0
		for _, r := range d.Propagator.Replicas() {
			if r.AckOffset() >= target {
				acked++
			}
		}
		if acked >= numReplicas {
			return acked, nil
		}
		select {
		case <-ctx.Done():
			return acked, nil
		case <-deadline:
			return acked, nil
		case <-ticker.C:
		}
	}
}

// handleReplicaOf implements REPLICAOF/SLAVEOF. "NO ONE" tears down the
// upstream link in place (spec.md §4.7's self-synthesis keeps the existing
// IDManager lineage, so a subsequent PSYNC from the old primary can still
// +CONTINUE against it); pointing at a new host:port is only supported when
// this instance wasn't already replicating, since re-pointing a live link
// while Cron is ticking it needs synchronization Cron's single-owner Link
// field doesn't provide -- a deliberate scope decision, see DESIGN.md.
func (d *Dispatcher) handleReplicaOf(cmd *protocol.Command) error {
	if len(cmd.Args) != 2 {
		return fmt.Errorf("wrong number of arguments for 'replicaof'")
	}
	if cmd.Args[0] == "NO" && cmd.Args[1] == "ONE" {
		d.linkMu.Lock()
		defer d.linkMu.Unlock()
		if d.link == nil {
			return nil
		}
		d.link.CancelHandshake()
		if d.linkCancel != nil {
			d.linkCancel()
		}
		d.link = nil
		d.linkCancel = nil
		return nil
	}

	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	if d.link != nil {
		return fmt.Errorf("already replicating from %s; issue REPLICAOF NO ONE first", d.link.PrimaryAddr)
	}
	if d.StartLink == nil {
		return fmt.Errorf("this instance does not support becoming a replica at runtime")
	}
	link, cancel, err := d.StartLink(net.JoinHostPort(cmd.Args[0], cmd.Args[1]))
	if err != nil {
		return err
	}
	d.link = link
	d.linkCancel = cancel
	return nil
}

func (d *Dispatcher) applyRREPLAY(msg *protocol.Message) error {
	_, _, err := replication.ApplyRREPLAY(msg, d.Filter, d.Clock, func(db int, cmd *protocol.Command, mvcc int64) error {
		if len(cmd.Args) == 0 {
			return nil
		}
		switch cmd.Name {
		case "SET":
			if len(cmd.Args) >= 2 {
				d.Store.Set(db, cmd.Args[0], cmd.Args[1])
			}
		case "DEL":
			for _, key := range cmd.Args {
				d.Store.Del(db, key)
			}
		}
		return nil
	})
	return err
}

func (d *Dispatcher) handleReplconf(c *protocol.Conn, cmd *protocol.Command, replica *replication.Replica,
	pendingCapa *[]string, pendingUUID, pendingPort, pendingIP *string) {
	if len(cmd.Args) < 2 {
		d.reply(c, okReply)
		return
	}
	option := strings.ToLower(cmd.Args[0])
	switch option {
	case "listening-port":
		*pendingPort = cmd.Args[1]
	case "ip-address":
		*pendingIP = cmd.Args[1]
	case "uuid":
		*pendingUUID = cmd.Args[1]
	case "capa":
		*pendingCapa = append(*pendingCapa, cmd.Args[1:]...)
	case "ack":
		if replica != nil {
			if offset, err := strconv.ParseInt(cmd.Args[1], 10, 64); err == nil {
				replica.SetAck(offset, nowNanos())
			}
		}
		return // REPLCONF ACK gets no reply, per doc.go
	case "getack":
		return
	}
	d.reply(c, okReply)
}

// handleSync services SYNC and PSYNC, streaming a full or partial resync
// and, on success, spawning the pump that drains the attached replica's
// Queue to its socket for the lifetime of the connection.
func (d *Dispatcher) handleSync(ctx context.Context, c *protocol.Conn, conn net.Conn, cmd *protocol.Command,
	pendingCapa []string, pendingUUID, pendingPort, pendingIP string) (*replication.Replica, error) {
	if d.Coordinator == nil {
		return nil, fmt.Errorf("this instance is not serving replicas")
	}

	r := replication.NewReplica(conn.RemoteAddr().String(), c)
	r.Capabilities = replication.ParseCapabilities(pendingCapa)
	r.UUID = pendingUUID
	r.ListeningPort = pendingPort
	r.AdvertisedIP = pendingIP

	w := c.RW.Writer

	if cmd.Name == "SYNC" {
		if err := d.Coordinator.StartFullResync(r, w); err != nil {
			return nil, err
		}
		_ = w.Flush()
		go d.pumpReplica(ctx, r, w)
		return r, nil
	}

	if len(cmd.Args) != 2 {
		return nil, fmt.Errorf("wrong number of arguments for 'psync'")
	}
	requestedOffset := int64(-1)
	if cmd.Args[1] != "-1" {
		off, err := strconv.ParseInt(cmd.Args[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid PSYNC offset")
		}
		requestedOffset = off
	}

	result, err := d.Coordinator.HandlePSync(r, cmd.Args[0], requestedOffset)
	if err != nil {
		return nil, err
	}
	if result.Partial {
		if _, err := w.Write(result.Reply); err != nil {
			return nil, err
		}
		if _, err := w.Write(result.Backlog); err != nil {
			return nil, err
		}
		_ = w.Flush()
		go d.pumpReplica(ctx, r, w)
		return r, nil
	}

	if err := d.Coordinator.StartFullResync(r, w); err != nil {
		return nil, err
	}
	_ = w.Flush()
	go d.pumpReplica(ctx, r, w)
	return r, nil
}

// pumpReplica drains r.Queue to w for as long as the connection and
// context stay alive, closing r once either gives out.
func (d *Dispatcher) pumpReplica(ctx context.Context, r *replication.Replica, w interface {
	Write([]byte) (int, error)
	Flush() error
}) {
	defer func() {
		d.Propagator.DetachReplica(r.ID)
		r.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case b, open := <-r.Queue:
			if !open {
				return
			}
			if _, err := w.Write(b); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}
