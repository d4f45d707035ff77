// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// BGSaveTarget distinguishes a disk-backed RDB (written once, then
// streamed to every waiting replica) from a diskless/socket target
// (streamed directly, once per replica, with no intermediate file).
type BGSaveTarget int

const (
	BGSaveDisk BGSaveTarget = iota
	BGSaveSocket
)

type bgSaveState int

const (
	bgSaveIdle bgSaveState = iota
	bgSaveRunning
)

// SnapshotProducer is the out-of-scope (per §1) RDB producer: it can
// write a full snapshot either to a file (disk target, shared across every
// replica waiting on the current BGSAVE) or straight to a replica's
// socket (diskless target, one stream per replica).
type SnapshotProducer interface {
	// SnapshotToDisk writes a full snapshot to path and returns the
	// master offset it represents (captured at fork time).
	SnapshotToDisk(path string) (offset int64, err error)
	// SnapshotToSocket streams a full snapshot directly to w, framed with
	// the diskless EOF marker, and returns the represented offset.
	SnapshotToSocket(w io.Writer) (offset int64, err error)
}

// Coordinator is the primary-side Sync Coordinator (C5): it handles
// incoming SYNC/PSYNC, decides partial vs full resync, attaches replicas
// to in-flight or fresh BGSAVEs (disk or socket target), and drives
// per-replica state through to ONLINE.
type Coordinator struct {
	IDs        *IDManager
	Backlog    *Backlog
	Scripts    *ScriptCache
	Propagator *Propagator
	Snapshot   SnapshotProducer
	Log        *slog.Logger

	// DisklessPreferred mirrors repl_diskless_sync: when true and a
	// replica advertises EOF capability, BGSAVE targets the socket
	// instead of disk.
	DisklessPreferred bool
	// DisklessSyncDelay mirrors repl_diskless_sync_delay: a queued
	// diskless BGSAVE waits this long for further arrivals before the
	// cron (C9) starts it, so a burst of reconnecting replicas shares one
	// fork instead of one each.
	DisklessSyncDelay time.Duration
	// RDBPath is where a disk-target BGSAVE writes its snapshot.
	RDBPath string

	mu           sync.Mutex
	bgState      bgSaveState
	bgTarget     BGSaveTarget
	bgOffset     int64
	waitingEnd   []*Replica // WAIT_BGSAVE_END, disk target, sharing the in-flight snapshot
	waitingNext  []*Replica // arrived while a BGSAVE already in flight; queued for the next one
	pendingSince atomic.Int64
}

// PSyncResult describes what HandlePSync decided.
type PSyncResult struct {
	Partial  bool
	Reply    []byte // the inline reply line(s) to write immediately
	Backlog  []byte // for a partial resync, the backlog suffix to stream after Reply
	NeedFull bool   // caller must now drive a full resync (BGSAVE attach)
}

// HandleSync services a legacy SYNC: always a full resync.
func (c *Coordinator) HandleSync(r *Replica) (*PSyncResult, error) {
	return &PSyncResult{NeedFull: true}, nil
}

// HandlePSync implements masterTryPartialResynchronization (§4.5 step 1-2):
// attempts a partial resync and, failing that, signals the caller to fall
// through to full-resync/BGSAVE-attach handling.
func (c *Coordinator) HandlePSync(r *Replica, requestedID string, requestedOffset int64) (*PSyncResult, error) {
	if requestedOffset > c.Backlog.MasterOffset()+1 {
		c.Log.Warn("psync requested offset beyond master_offset+1; refusing partial resync",
			"requested", requestedOffset, "master_offset", c.Backlog.MasterOffset())
		return &PSyncResult{NeedFull: true}, nil
	}

	if c.IDs.AcceptsPartial(requestedID, requestedOffset) && c.Backlog.Serviceable(requestedOffset) {
		suffix, err := c.Backlog.ReadRange(requestedOffset)
		if err != nil {
			return &PSyncResult{NeedFull: true}, nil
		}
		reply := []byte(fmt.Sprintf("+CONTINUE %s\r\n", c.IDs.ReplID()))
		r.SetState(ReplicaOnline)
		c.Propagator.AttachReplica(r)
		return &PSyncResult{Partial: true, Reply: reply, Backlog: suffix}, nil
	}

	return &PSyncResult{NeedFull: true}, nil
}

// StartFullResync implements §4.5 step 3-4: decide disk vs socket target,
// start or piggyback a BGSAVE, and drive r to ONLINE (disk path directly
// via SEND_BULK, or via the caller's REPLCONF ACK handling for socket
// path's put_online_on_ack). w is the replica's connection writer.
func (c *Coordinator) StartFullResync(r *Replica, w io.Writer) error {
	c.mu.Lock()

	if c.bgState == bgSaveIdle {
		target := BGSaveDisk
		if c.DisklessPreferred && r.Capabilities.EOF {
			target = BGSaveSocket
		}

		if target == BGSaveSocket && c.DisklessSyncDelay > 0 {
			if c.pendingSince.Load() == 0 {
				c.pendingSince.Store(time.Now().UnixNano())
			}
			r.SetState(ReplicaWaitBGSaveStart)
			c.waitingNext = append(c.waitingNext, r)
			c.mu.Unlock()
			return nil
		}

		c.bgState = bgSaveRunning
		c.bgTarget = target
		c.mu.Unlock()

		return c.runBGSave(r, w, target)
	}

	if c.bgTarget == BGSaveSocket {
		// Diskless BGSAVEs are per-replica; always queue for the next
		// run rather than sharing an in-flight stream.
		r.SetState(ReplicaWaitBGSaveStart)
		c.waitingNext = append(c.waitingNext, r)
		c.mu.Unlock()
		return nil
	}

	// Disk BGSAVE in flight: piggyback on it if a superset-capable
	// replica is already WAIT_BGSAVE_END.
	for _, other := range c.waitingEnd {
		if other.Capabilities.Superset(r.Capabilities) {
			r.SetState(ReplicaWaitBGSaveEnd)
			c.waitingEnd = append(c.waitingEnd, r)
			c.mu.Unlock()
			return nil
		}
	}
	r.SetState(ReplicaWaitBGSaveStart)
	c.waitingNext = append(c.waitingNext, r)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) runBGSave(r *Replica, w io.Writer, target BGSaveTarget) error {
	c.Scripts.Flush()

	if target == BGSaveSocket {
		reply := fmt.Sprintf("+FULLRESYNC %s %d\r\n", c.IDs.ReplID(), c.Backlog.MasterOffset())
		if _, err := io.WriteString(w, reply); err != nil {
			return err
		}
		offset, err := c.Snapshot.SnapshotToSocket(w)
		c.finishBGSave(target, offset)
		if err != nil {
			return err
		}
		r.SetState(ReplicaOnline)
		c.Propagator.AttachReplica(r)
		return nil
	}

	offset, err := c.Snapshot.SnapshotToDisk(c.RDBPath)
	c.finishBGSave(target, offset)
	if err != nil {
		return err
	}
	return c.sendDiskSnapshot(r, w, offset)
}

func (c *Coordinator) sendDiskSnapshot(r *Replica, w io.Writer, offset int64) error {
	reply := fmt.Sprintf("+FULLRESYNC %s %d\r\n", c.IDs.ReplID(), offset)
	if _, err := io.WriteString(w, reply); err != nil {
		return err
	}
	r.SetState(ReplicaSendBulk)

	f, err := openRDB(c.RDBPath)
	if err != nil {
		r.SetState(ReplicaWaitBGSaveEnd)
		return err
	}
	defer f.Close()

	size, err := rdbSize(f)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "$"+strconv.FormatInt(size, 10)+"\r\n"); err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return err
	}

	r.SetState(ReplicaOnline)
	c.Propagator.AttachReplica(r)
	return nil
}

// SendPresyncKeepAlives writes a raw "\n" to every replica in
// WAIT_BGSAVE_END on the disk path, so an idle TCP connection doesn't time
// out on the replica side while it waits for the fork to finish.
func (c *Coordinator) SendPresyncKeepAlives() {
	c.mu.Lock()
	waiting := append([]*Replica(nil), c.waitingEnd...)
	c.mu.Unlock()

	for _, r := range waiting {
		if r.State() != ReplicaWaitBGSaveEnd || r.Closed() {
			continue
		}
		if _, err := io.WriteString(r.Conn.RW.Writer, "\n"); err != nil {
			r.Close()
			continue
		}
		_ = r.Conn.RW.Writer.Flush()
	}
}

// finishBGSave transitions waitingEnd replicas out of the completed
// BGSAVE and requeues waitingNext for a fresh one (updateSlavesWaitingBgsave).
func (c *Coordinator) finishBGSave(target BGSaveTarget, offset int64) {
	c.mu.Lock()
	c.bgState = bgSaveIdle
	c.bgOffset = offset
	pending := c.waitingNext
	c.waitingNext = nil
	c.waitingEnd = nil
	c.mu.Unlock()

	// Replicas queued while this BGSAVE ran get a fresh one on the next
	// cron tick (C9) rather than recursing here.
	for _, r := range pending {
		r.SetState(ReplicaWaitBGSaveStart)
	}
}

// PendingFullResync reports replicas queued for the next BGSAVE, for the
// cron to service.
func (c *Coordinator) PendingFullResync() []*Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Replica, len(c.waitingNext))
	copy(out, c.waitingNext)
	return out
}

func (c *Coordinator) BGSaveInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bgState == bgSaveRunning
}

// DisklessDelayElapsed reports whether a queued diskless BGSAVE has waited
// out DisklessSyncDelay since the first replica arrived, and is thus due to
// start (cron-driven, C9).
func (c *Coordinator) DisklessDelayElapsed() bool {
	since := c.pendingSince.Load()
	if since == 0 {
		return false
	}
	return time.Since(time.Unix(0, since)) >= c.DisklessSyncDelay
}

// DrainPendingDiskless hands the cron every replica queued for a delayed
// diskless BGSAVE and clears the queue; the cron starts one socket stream
// per returned replica via StartQueuedDiskless.
func (c *Coordinator) DrainPendingDiskless() []*Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bgState != bgSaveIdle {
		return nil
	}
	pending := c.waitingNext
	c.waitingNext = nil
	c.pendingSince.Store(0)
	return pending
}

// StartQueuedDiskless streams a fresh diskless snapshot to r outside the
// shared bgState gate: diskless BGSAVEs are per-replica, so several may
// legitimately run at once once their shared delay window has elapsed.
func (c *Coordinator) StartQueuedDiskless(r *Replica) {
	w := r.Conn.RW.Writer
	reply := fmt.Sprintf("+FULLRESYNC %s %d\r\n", c.IDs.ReplID(), c.Backlog.MasterOffset())
	if _, err := io.WriteString(w, reply); err != nil {
		c.Log.Warn("delayed diskless resync failed", "replica", r.ID, "err", err)
		r.Close()
		return
	}
	offset, err := c.Snapshot.SnapshotToSocket(w)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		c.Log.Warn("delayed diskless snapshot failed", "replica", r.ID, "err", err)
		r.Close()
		return
	}
	c.mu.Lock()
	c.bgOffset = offset
	c.mu.Unlock()
	r.SetState(ReplicaOnline)
	c.Propagator.AttachReplica(r)
}
