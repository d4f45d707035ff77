// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"sync"
	"sync/atomic"

	"github.com/awinterman/anarchoredis/protocol"
)

// ReplicaConnState is the primary's view of a per-replica state machine,
// driven by the Sync Coordinator (C5).
type ReplicaConnState int32

const (
	ReplicaWaitBGSaveStart ReplicaConnState = iota
	ReplicaWaitBGSaveEnd
	ReplicaSendBulk
	ReplicaOnline
)

func (s ReplicaConnState) String() string {
	switch s {
	case ReplicaWaitBGSaveStart:
		return "wait_bgsave_start"
	case ReplicaWaitBGSaveEnd:
		return "wait_bgsave_end"
	case ReplicaSendBulk:
		return "send_bulk"
	case ReplicaOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Capabilities is the bitset a replica advertises via REPLCONF capa.
type Capabilities struct {
	EOF          bool
	PSync2       bool
	ActiveExpire bool
}

// Superset reports whether c can serve everything other advertises,
// used by the Sync Coordinator when deciding whether a newly attached
// replica can piggyback on an in-flight disk BGSAVE.
func (c Capabilities) Superset(other Capabilities) bool {
	if other.EOF && !c.EOF {
		return false
	}
	if other.PSync2 && !c.PSync2 {
		return false
	}
	if other.ActiveExpire && !c.ActiveExpire {
		return false
	}
	return true
}

// ParseCapabilities turns repeated REPLCONF capa values into a bitset.
func ParseCapabilities(values []string) Capabilities {
	var c Capabilities
	for _, v := range values {
		switch v {
		case "eof":
			c.EOF = true
		case "psync2":
			c.PSync2 = true
		case "activeExpire":
			c.ActiveExpire = true
		}
	}
	return c
}

// Replica is the primary's record of one attached replica connection.
type Replica struct {
	ID   string
	Conn *protocol.Conn

	state atomic.Int32

	Capabilities  Capabilities
	UUID          string
	ListeningPort string
	AdvertisedIP  string

	InitialOffset int64
	ackOffset     atomic.Int64
	ackTime       atomic.Int64 // unix nanos
	skippedOffset atomic.Int64

	dbSelectorMu sync.Mutex
	dbSelector   int
	dbSelectorOK bool

	// Queue carries fully-encoded wire bytes waiting to be flushed to
	// Conn. Replicas in WAIT_BGSAVE_START do not have their queue
	// drained until the coordinator attaches a snapshot.
	Queue chan []byte

	closed atomic.Bool
}

// NewReplica constructs a replica record in WAIT_BGSAVE_START.
func NewReplica(id string, conn *protocol.Conn) *Replica {
	r := &Replica{ID: id, Conn: conn, Queue: make(chan []byte, 1024)}
	r.state.Store(int32(ReplicaWaitBGSaveStart))
	r.ackTime.Store(0)
	return r
}

func (r *Replica) State() ReplicaConnState { return ReplicaConnState(r.state.Load()) }
func (r *Replica) SetState(s ReplicaConnState) { r.state.Store(int32(s)) }

// AckOffset is the last offset acknowledged by REPLCONF ACK. It must be
// monotonically non-decreasing within a connection (invariant I4); SetAck
// enforces that by ignoring any value lower than the current one.
func (r *Replica) AckOffset() int64 { return r.ackOffset.Load() }

// SetAck records offset as the replica's acknowledged offset iff it is
// not less than the current value, preserving monotonicity even if a
// stale ACK is replayed out of order.
func (r *Replica) SetAck(offset int64, now int64) {
	for {
		cur := r.ackOffset.Load()
		if offset <= cur {
			break
		}
		if r.ackOffset.CompareAndSwap(cur, offset) {
			break
		}
	}
	r.ackTime.Store(now)
}

func (r *Replica) AckTime() int64 { return r.ackTime.Load() }

func (r *Replica) SkippedOffset() int64 { return r.skippedOffset.Load() }
func (r *Replica) AddSkipped(n int64)   { r.skippedOffset.Add(n) }

// LastDB returns the db selector last written to this replica and whether
// one has been written yet.
func (r *Replica) LastDB() (int, bool) {
	r.dbSelectorMu.Lock()
	defer r.dbSelectorMu.Unlock()
	return r.dbSelector, r.dbSelectorOK
}

func (r *Replica) SetLastDB(db int) {
	r.dbSelectorMu.Lock()
	defer r.dbSelectorMu.Unlock()
	r.dbSelector = db
	r.dbSelectorOK = true
}

func (r *Replica) Closed() bool { return r.closed.Load() }
func (r *Replica) Close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.Queue)
	}
}

// Send enqueues b for delivery to this replica unless it is closed or in
// WAIT_BGSAVE_START (per C3: replicas awaiting a snapshot accumulate
// nothing until the coordinator attaches them).
func (r *Replica) Send(b []byte) {
	if r.Closed() || r.State() == ReplicaWaitBGSaveStart {
		return
	}
	select {
	case r.Queue <- b:
	default:
		// Slow replica; drop the connection rather than buffer
		// unboundedly. The coordinator observes Closed() and reaps it.
		r.Close()
	}
}
