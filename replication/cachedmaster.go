// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import "sync/atomic"

// CachedMaster preserves the previous primary link's consumed offset and
// replication id across a transient disconnect so PSYNC can resume
// without a full resync (C7). It is a value snapshot, not a live
// connection: the live client is a separate handle indexed elsewhere, per
// the spec's guidance to break cyclic pointer references with opaque ids.
type CachedMaster struct {
	ReplID string
	Offset int64
	UUID   string
}

// CachedMasterSlot holds at most one CachedMaster at a time.
type CachedMasterSlot struct {
	present atomic.Bool
	value   atomic.Pointer[CachedMaster]
}

// Cache retains cm for a subsequent PSYNC resume attempt.
func (s *CachedMasterSlot) Cache(cm CachedMaster) {
	s.value.Store(&cm)
	s.present.Store(true)
}

// Get returns the cached master and whether one is present.
func (s *CachedMasterSlot) Get() (CachedMaster, bool) {
	if !s.present.Load() {
		return CachedMaster{}, false
	}
	v := s.value.Load()
	if v == nil {
		return CachedMaster{}, false
	}
	return *v, true
}

// Discard drops the cached master. Called on any handshake outcome other
// than a successful +CONTINUE.
func (s *CachedMasterSlot) Discard() {
	s.present.Store(false)
	s.value.Store(nil)
}

// SelfSynthesize builds a cached master from this instance's own current
// lineage, used when a primary is demoted to replica (REPLICAOF host
// port) so the new upstream may accept a +CONTINUE of its own history.
func SelfSynthesize(ids *IDManager, backlog *Backlog, uuid string) CachedMaster {
	return CachedMaster{
		ReplID: ids.ReplID(),
		Offset: backlog.MasterOffset(),
		UUID:   uuid,
	}
}
