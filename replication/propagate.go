// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"sync"
)

// Watcher receives a human-readable rendering of every propagated command,
// independent of the replica stream (MONITOR-style clients).
type Watcher chan string

// Propagator is the write side of C3: it renders a command once via the
// StreamEncoder, appends the bytes to the backlog, and fans them out to
// every attached replica's queue and every watcher. In active-replica
// mode it also implements loop suppression: a command whose origin UUID
// matches a given downstream replica's peer UUID is never re-sent to that
// replica, and its length is credited to that replica's skipped offset
// instead (so ack accounting still lines up with what the primary emits
// process-wide, per S5).
type Propagator struct {
	Encoder *StreamEncoder
	Backlog *Backlog

	mu       sync.RWMutex
	replicas map[string]*Replica
	watchers map[string]Watcher
}

func NewPropagator(enc *StreamEncoder, backlog *Backlog) *Propagator {
	return &Propagator{
		Encoder:  enc,
		Backlog:  backlog,
		replicas: make(map[string]*Replica),
		watchers: make(map[string]Watcher),
	}
}

func (p *Propagator) AttachReplica(r *Replica) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replicas[r.ID] = r
}

func (p *Propagator) DetachReplica(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.replicas, id)
}

func (p *Propagator) Replicas() []*Replica {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Replica, 0, len(p.replicas))
	for _, r := range p.replicas {
		out = append(out, r)
	}
	return out
}

func (p *Propagator) AttachWatcher(id string, w Watcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchers[id] = w
}

func (p *Propagator) DetachWatcher(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.watchers[id]; ok {
		delete(p.watchers, id)
		close(w)
	}
}

// Feed encodes (db, argv), appends it to the backlog, and fans it out.
// originUUID is empty for locally-originated writes; for writes replayed
// from an upstream active peer, it is that peer's UUID, used to suppress
// mirror-bounce back to the same peer.
func (p *Propagator) Feed(db int, argv []string, originUUID string) []byte {
	encoded := p.Encoder.Encode(db, argv)
	p.Backlog.Feed(encoded)

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, r := range p.replicas {
		if originUUID != "" && r.UUID == originUUID {
			// Mirror-bounce suppression (S5): don't hand the peer back
			// its own write; its consumed offset is still credited so
			// ack bookkeeping is not thrown off by the omission.
			r.AddSkipped(int64(len(encoded)))
			continue
		}
		r.Send(encoded)
	}

	rendered := renderWatcherLine(db, argv)
	for _, w := range p.watchers {
		select {
		case w <- rendered:
		default:
		}
	}

	return encoded
}

// Ping broadcasts a bare PING to every online replica, independent of the
// db selector, as the cron's repl_ping_slave_period heartbeat (§4.9).
func (p *Propagator) Ping() {
	p.FeedRaw(EncodeCommand([]string{"PING"}))
}

// FeedRaw appends already-encoded bytes verbatim without re-encoding
// (S4's chained-replica path: replicationFeedSlavesFromMasterStream).
func (p *Propagator) FeedRaw(encoded []byte) {
	p.Backlog.Feed(encoded)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.replicas {
		r.Send(encoded)
	}
}

func renderWatcherLine(db int, argv []string) string {
	line := ""
	for i, a := range argv {
		if i > 0 {
			line += " "
		}
		line += a
	}
	return line
}
