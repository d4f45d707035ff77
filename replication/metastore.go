// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

// Persisted state keys, the counterparts of the RDB auxiliary fields
// (§6): repl-id, repl-offset, repl-stream-db, and, in active mode, the
// upstream's MVCC minimum. The snapshot format does not carry them; they
// live only in badger. Storing them in the same badger database as
// StaleKeyMap keeps a single durable file per instance rather than a
// second store for a handful of scalars.
const (
	metaReplID     = "anarcho:meta:repl-id"
	metaReplID2    = "anarcho:meta:repl-id2"
	metaSecondOff  = "anarcho:meta:second-repl-offset"
	metaOffset     = "anarcho:meta:repl-offset"
	metaStreamDB   = "anarcho:meta:repl-stream-db"
	metaMVCCMinKey = "anarcho:meta:mvcc-min"
)

// MetaStore persists the handful of scalars that let PSYNC resume across a
// process restart without reloading the dataset over the wire: the
// replication identifiers, the master offset, the last selected db, and
// (active mode only) the MVCC watermark used to gate an incoming
// snapshot's overwrite of newer local keys.
type MetaStore struct {
	DB *badger.DB
}

func (m *MetaStore) putString(key, value string) error {
	return m.DB.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), []byte(value)))
	})
}

func (m *MetaStore) getString(key string) (string, bool, error) {
	var value string
	err := m.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return value, value != "", nil
}

func (m *MetaStore) putInt64(key string, value int64) error {
	return m.putString(key, strconv.FormatInt(value, 10))
}

func (m *MetaStore) getInt64(key string) (int64, bool, error) {
	s, ok, err := m.getString(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Save persists the current lineage and offset. server.Run calls it once,
// on a clean shutdown; nothing saves periodically, so after a crash the
// instance restarts from the state of its last clean shutdown.
func (m *MetaStore) Save(ids *IDManager, backlog *Backlog, streamDB int) error {
	if err := m.putString(metaReplID, ids.ReplID()); err != nil {
		return err
	}
	if err := m.putString(metaReplID2, ids.ReplID2()); err != nil {
		return err
	}
	if err := m.putInt64(metaSecondOff, ids.SecondReplOffset()); err != nil {
		return err
	}
	if err := m.putInt64(metaOffset, backlog.MasterOffset()); err != nil {
		return err
	}
	return m.putInt64(metaStreamDB, int64(streamDB))
}

// PersistedState is what Load returns: the previous process's lineage,
// offset, and last selected db, or ok=false if nothing was ever saved.
type PersistedState struct {
	ReplID           string
	ReplID2          string
	SecondReplOffset int64
	Offset           int64
	StreamDB         int
}

// Load reads back whatever Save last wrote. ok is false only if no prior
// state exists (a brand-new instance); a fresh instance always starts with
// full resync regardless.
func (m *MetaStore) Load() (PersistedState, bool, error) {
	var st PersistedState
	replID, ok, err := m.getString(metaReplID)
	if err != nil || !ok {
		return st, false, err
	}
	st.ReplID = replID

	if st.ReplID2, _, err = m.getString(metaReplID2); err != nil {
		return st, false, err
	}
	if st.SecondReplOffset, _, err = m.getInt64(metaSecondOff); err != nil {
		return st, false, err
	}
	if st.Offset, _, err = m.getInt64(metaOffset); err != nil {
		return st, false, err
	}
	streamDB, _, err := m.getInt64(metaStreamDB)
	if err != nil {
		return st, false, err
	}
	st.StreamDB = int(streamDB)
	return st, true, nil
}

// SaveMVCCMin persists the MVCC watermark below which an active replica's
// locally-held keys were considered authoritative during its last snapshot
// merge (§4.6's mi.mvcc_last_sync).
func (m *MetaStore) SaveMVCCMin(mvcc int64) error {
	return m.putInt64(metaMVCCMinKey, mvcc)
}

// LoadMVCCMin returns the persisted watermark, or ok=false if none has
// been saved yet.
func (m *MetaStore) LoadMVCCMin() (int64, bool, error) {
	return m.getInt64(metaMVCCMinKey)
}
