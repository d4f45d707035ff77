// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

// CronConfig carries the timeouts and periods §6 lists as the knobs the
// cron (C9) consumes.
type CronConfig struct {
	ReplTimeout           time.Duration
	ReplPingSlavePeriod   time.Duration
	ReplBacklogTimeLimit  time.Duration
	ReplDisklessSyncDelay time.Duration
	AOFEnabled            bool
	DBCount               int
}

// Cron is the one-hertz supervisor (C9). It is constructed with whichever
// of Coordinator (primary role) and Link (replica role) apply to this
// instance -- an active-replica instance runs both at once.
type Cron struct {
	Config CronConfig
	Log    *slog.Logger

	Coordinator *Coordinator
	Propagator  *Propagator
	Backlog     *Backlog
	IDs         *IDManager
	Scripts     *ScriptCache
	Stale       *StaleKeyMap

	Link *Link

	loops        atomic.Int64
	goodReplicas atomic.Int32
}

// Run drives Tick once a second until ctx is cancelled.
func (c *Cron) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

// GoodReplicasCount reports the number of ONLINE replicas whose last ACK
// is within ReplTimeout, refreshed by the most recent Tick.
func (c *Cron) GoodReplicasCount() int { return int(c.goodReplicas.Load()) }

// Tick runs every responsibility exactly once, per tick. The link check and
// the primary-side checks (replica bookkeeping, BGSAVE kick, backlog aging,
// stale-key drain) touch disjoint state, so they run as independent
// goroutines under a conc.WaitGroup: a panic in one (a bad replica record, a
// badger read gone wrong) is recovered and logged rather than taking the
// whole cron goroutine down and stopping every other check with it. It is
// exported and takes an explicit "now" so it is exercisable without a live
// ticker.
func (c *Cron) Tick(now time.Time) {
	loop := c.loops.Add(1)

	var wg conc.WaitGroup
	if c.Link != nil {
		wg.Go(func() { c.guarded("link", func() { c.tickLink(now) }) })
	}
	if c.Coordinator != nil {
		wg.Go(func() { c.guarded("primary", func() { c.tickPrimary(now, loop) }) })
	}
	if c.Stale != nil && c.Config.DBCount > 0 {
		wg.Go(func() { c.guarded("stale-key drain", c.drainStaleKeys) })
	}
	wg.Wait()
}

// guarded runs f and turns a panic into a logged error, so one broken check
// never stops the cron goroutine or the other checks running alongside it
// in the same tick.
func (c *Cron) guarded(check string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.Log.Error("cron tick check panicked", "check", check, "recovered", r)
		}
	}()
	f()
}

func (c *Cron) tickLink(now time.Time) {
	l := c.Link
	timeout := c.Config.ReplTimeout

	switch l.State() {
	case StateNone:
		return

	case StateConnect:
		return // caller (the instance's replication supervisor) drives the actual dial

	case StateConnecting, StateReceivePong, StateSendAuth, StateReceiveAuth,
		StateSendUUID, StateReceiveUUID, StateSendKey, StateKeyAck,
		StateSendPort, StateReceivePort, StateSendIP, StateReceiveIP,
		StateSendCapa, StateReceiveCapa, StateSendPsync, StateReceivePsync:
		if timeout > 0 && l.StateAge() > timeout {
			c.Log.Warn("handshake stalled, resetting", "state", l.State().String(), "age", l.StateAge())
			l.CancelHandshake()
		}

	case StateTransfer:
		if timeout > 0 && l.StateAge() > timeout {
			c.Log.Warn("bulk transfer stalled, cancelling", "age", l.StateAge())
			l.CancelHandshake()
		}

	case StateConnected:
		if timeout > 0 && l.IdleFor() > timeout {
			c.Log.Warn("primary link idle, caching and dropping", "idle", l.IdleFor())
			l.CancelHandshake()
			return
		}
		if err := l.SendCommand("REPLCONF", "ACK", strconv.FormatInt(l.Offset(), 10)); err != nil {
			c.Log.Warn("failed to send periodic ack", "err", err)
		}
	}
}

func (c *Cron) tickPrimary(now time.Time, loop int64) {
	coord := c.Coordinator

	if c.Config.ReplPingSlavePeriod > 0 {
		periodTicks := int64(c.Config.ReplPingSlavePeriod / time.Second)
		if periodTicks <= 0 {
			periodTicks = 1
		}
		if loop%periodTicks == 0 {
			c.Propagator.Ping()
		}
	}

	coord.SendPresyncKeepAlives()

	timeout := c.Config.ReplTimeout
	var good int32
	for _, r := range c.Propagator.Replicas() {
		if r.Closed() {
			c.Propagator.DetachReplica(r.ID)
			continue
		}
		if r.State() != ReplicaOnline {
			continue
		}
		age := time.Duration(now.UnixNano()-r.AckTime()) * time.Nanosecond
		if timeout > 0 && r.AckTime() > 0 && age > timeout {
			c.Log.Warn("replica ack stale, disconnecting", "replica", r.ID, "age", age)
			r.Close()
			c.Propagator.DetachReplica(r.ID)
			continue
		}
		good++
	}
	c.goodReplicas.Store(good)

	if coord.DisklessDelayElapsed() {
		for _, r := range coord.DrainPendingDiskless() {
			go coord.StartQueuedDiskless(r)
		}
	}

	noReplicas := len(c.Propagator.Replicas()) == 0
	if noReplicas && c.Link == nil && c.Backlog != nil && !c.Backlog.Freed() &&
		c.Config.ReplBacklogTimeLimit > 0 && c.Backlog.IdleFor() > c.Config.ReplBacklogTimeLimit {
		c.Log.Info("backlog idle past limit, freeing", "idle", c.Backlog.IdleFor())
		c.IDs.ChangeReplicationID()
		c.IDs.ClearReplicationID2()
		c.Backlog.Free()
	}

	if noReplicas && !c.Config.AOFEnabled && c.Scripts != nil {
		c.Scripts.Flush()
	}
}

func (c *Cron) drainStaleKeys() {
	if c.Link == nil || c.Link.State() != StateConnected {
		return
	}
	drained, err := c.Stale.DrainAll(c.Config.DBCount)
	if err != nil {
		c.Log.Warn("stale key drain failed", "err", err)
		return
	}
	if len(drained) == 0 {
		return
	}
	for db, keys := range drained {
		if err := c.Link.SendCommand("SELECT", strconv.Itoa(db)); err != nil {
			c.Log.Warn("stale key drain: select failed", "db", db, "err", err)
			continue
		}
		for _, key := range keys {
			if err := c.Link.SendCommand("DEL", key); err != nil {
				c.Log.Warn("stale key drain: del failed", "db", db, "key", key, "err", err)
			}
		}
	}
}
