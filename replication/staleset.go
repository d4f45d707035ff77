// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// staleKeyPrefix namespaces stale-key entries within the shared badger
// store also used by MetaStore, mirroring the teacher's localstate
// package's key-prefixing convention.
const staleKeyPrefix = "anarcho:stale:"

// StaleKeyMap is the active-replica-only per-db queue of keys resurrected
// by this instance's MVCC-aware merge that must be deleted on the
// upstream primary before it accepts that primary's stream again (C8).
// It is backed by badger so the queue survives a restart between the
// merge that populated it and the cron tick that drains it -- adapted
// from the teacher's badger-backed localstate.Store, which used the same
// database for a conceptually unrelated key-lock; here it exists purely
// to make stale-key membership durable.
type StaleKeyMap struct {
	DB  *badger.DB
	Log *slog.Logger
}

func staleKey(db int, key string) []byte {
	return []byte(staleKeyPrefix + strconv.Itoa(db) + ":" + key)
}

// Mark records key in dbIndex as stale: the incoming snapshot's copy is
// older (by MVCC) than what this instance already has, so the upstream
// primary needs to be told to delete it.
func (m *StaleKeyMap) Mark(dbIndex int, key string) error {
	return m.DB.Update(func(txn *badger.Txn) error {
		m.Log.Debug("marking stale key", "db", dbIndex, "key", key)
		return txn.SetEntry(badger.NewEntry(staleKey(dbIndex, key), []byte{1}))
	})
}

// Drain returns and removes every key queued for dbIndex. The cron (C9)
// calls this once per tick and synthesizes a DEL for each returned key on
// the replica channel associated with the upstream peer.
func (m *StaleKeyMap) Drain(dbIndex int) ([]string, error) {
	prefix := []byte(staleKeyPrefix + strconv.Itoa(dbIndex) + ":")
	var keys []string

	err := m.DB.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw := string(it.Item().KeyCopy(nil))
			key := strings.TrimPrefix(raw, string(prefix))
			keys = append(keys, key)
		}
		for _, k := range keys {
			if err := txn.Delete(staleKey(dbIndex, k)); err != nil {
				return fmt.Errorf("deleting drained stale key %q: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DrainAll drains every db's queue, returning a map from db index to the
// keys that were queued for it.
func (m *StaleKeyMap) DrainAll(dbCount int) (map[int][]string, error) {
	out := make(map[int][]string)
	for db := 0; db < dbCount; db++ {
		keys, err := m.Drain(db)
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			out[db] = keys
		}
	}
	return out, nil
}
