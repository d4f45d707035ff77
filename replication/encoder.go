// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"sync"

	"github.com/awinterman/anarchoredis/protocol"
)

// MVCCClock hands out a strictly increasing logical timestamp used to
// stamp active-replica mutations for last-writer-wins convergence.
type MVCCClock struct {
	mu   sync.Mutex
	last int64
	now  func() int64
}

// NewMVCCClock builds a clock backed by now, normally time.Now().UnixNano.
// Passing the source in keeps the clock itself trivially testable.
func NewMVCCClock(now func() int64) *MVCCClock {
	return &MVCCClock{now: now}
}

// Next returns a value strictly greater than every value previously
// returned, even if the wall clock does not advance between calls.
func (c *MVCCClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now()
	if n <= c.last {
		n = c.last + 1
	}
	c.last = n
	return n
}

// Observe folds an externally-seen MVCC timestamp (e.g. from an incoming
// RREPLAY envelope) into the clock so subsequently minted timestamps stay
// ahead of anything the local instance has already witnessed.
func (c *MVCCClock) Observe(seen int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seen > c.last {
		c.last = seen
	}
}

// StreamEncoder converts a write command (db, argv) into the canonical
// RESP wire form (C3). It tracks the last db it emitted a SELECT for, and
// when active-replica mode is enabled wraps output in the RREPLAY
// envelope for loop-suppressed active-active fan-out.
type StreamEncoder struct {
	mu          sync.Mutex
	lastEmitted int
	haveEmitted bool

	ActiveReplica bool
	LocalUUID     string
	MVCC          *MVCCClock
}

// EncodeCommand renders argv as a RESP multi-bulk array.
func EncodeCommand(argv []string) []byte {
	msg := protocol.NewOutgoingCommand(argv...)
	var buf bytes.Buffer
	w := bufio.NewReadWriter(bufio.NewReader(&buf), bufio.NewWriter(&buf))
	if _, err := protocol.Write(w, msg); err != nil {
		panic(err) // encoding to an in-memory buffer cannot fail
	}
	_ = w.Flush()
	return buf.Bytes()
}

// EncodeSelect renders the SELECT <db> command.
func EncodeSelect(db int) []byte {
	return EncodeCommand([]string{"SELECT", strconv.Itoa(db)})
}

// Encode produces the bytes to append to the backlog and fan out to
// replicas for a write to db with the given argv: a leading SELECT iff db
// differs from the last db this encoder emitted, then the command itself.
// In active-replica mode the whole thing is wrapped in an RREPLAY
// envelope carrying the local UUID and a fresh MVCC timestamp.
func (e *StreamEncoder) Encode(db int, argv []string) []byte {
	e.mu.Lock()
	needSelect := !e.haveEmitted || e.lastEmitted != db
	e.lastEmitted = db
	e.haveEmitted = true
	e.mu.Unlock()

	var payload []byte
	if needSelect {
		payload = append(payload, EncodeSelect(db)...)
	}
	payload = append(payload, EncodeCommand(argv)...)

	if !e.ActiveReplica {
		return payload
	}
	return EncodeRREPLAY(e.LocalUUID, payload, db, e.MVCC.Next())
}

// EncodeRREPLAY wraps payload in the active-replica envelope:
// *5\r\n$7\r\nRREPLAY\r\n$<L>\r\n<uuid>\r\n$<M>\r\n<payload>\r\n$<D>\r\n<db>\r\n$<N>\r\n<mvcc>\r\n
func EncodeRREPLAY(sourceUUID string, payload []byte, db int, mvcc int64) []byte {
	msg := protocol.NewArray(
		protocol.NewBulkString("RREPLAY"),
		protocol.NewBulkString(sourceUUID),
		protocol.NewBulkString(string(payload)),
		protocol.NewBulkString(strconv.Itoa(db)),
		protocol.NewBulkString(strconv.FormatInt(mvcc, 10)),
	)
	var buf bytes.Buffer
	w := bufio.NewReadWriter(bufio.NewReader(&buf), bufio.NewWriter(&buf))
	if _, err := protocol.Write(w, msg); err != nil {
		panic(err)
	}
	_ = w.Flush()
	return buf.Bytes()
}

// RREPLAYEnvelope is a parsed RREPLAY command.
type RREPLAYEnvelope struct {
	SourceUUID string
	Payload    []byte
	DB         int
	MVCC       int64
}

// DecodeRREPLAY parses an already-decoded RREPLAY array Message.
func DecodeRREPLAY(msg *protocol.Message) (*RREPLAYEnvelope, error) {
	if msg.Indicator != protocol.Array || len(msg.Array) != 5 {
		return nil, fmt.Errorf("replication: malformed RREPLAY envelope")
	}
	if msg.Array[0].Str != "RREPLAY" {
		return nil, fmt.Errorf("replication: expected RREPLAY, got %q", msg.Array[0].Str)
	}
	db, err := strconv.Atoi(msg.Array[3].Str)
	if err != nil {
		return nil, fmt.Errorf("replication: bad RREPLAY db field: %w", err)
	}
	mvcc, err := strconv.ParseInt(msg.Array[4].Str, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("replication: bad RREPLAY mvcc field: %w", err)
	}
	return &RREPLAYEnvelope{
		SourceUUID: msg.Array[1].Str,
		Payload:    []byte(msg.Array[2].Str),
		DB:         db,
		MVCC:       mvcc,
	}, nil
}
