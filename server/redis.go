package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/awinterman/anarchoredis/protocol"
	"github.com/awinterman/anarchoredis/replication"
)

// Run parses Config from the command line/environment, wires the store, the
// replication core, and the connection dispatcher together, and serves
// until ctx is cancelled. This is the anarchoredis binary's whole job.
func Run(ctx context.Context) error {
	cfg := &Config{}
	if err := cfg.Parse(); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	log := slog.Default()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	db, err := badger.Open(badger.DefaultOptions(filepath.Join(cfg.DataDir, "meta")).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("opening local state store: %w", err)
	}
	defer db.Close()

	meta := &replication.MetaStore{DB: db}
	ids := replication.NewIDManager()
	backlog := replication.NewBacklog(cfg.ReplBacklogSize)
	if persisted, found, err := meta.Load(); err != nil {
		log.Warn("loading persisted replication state failed", "error", err)
	} else if found {
		ids.RestoreState(persisted.ReplID, persisted.ReplID2, persisted.SecondReplOffset)
		backlog.RestoreOffset(persisted.Offset)
	}

	nodeUUID := cfg.NodeUUID
	if nodeUUID == "" {
		nodeUUID = uuid.NewString()
	}

	clock := replication.NewMVCCClock(func() int64 { return time.Now().UnixNano() })
	if mvccMin, found, err := meta.LoadMVCCMin(); err == nil && found {
		clock.Observe(mvccMin)
	}

	enc := &replication.StreamEncoder{
		ActiveReplica: cfg.ActiveReplica,
		LocalUUID:     nodeUUID,
		MVCC:          clock,
	}
	prop := replication.NewPropagator(enc, backlog)

	scripts := replication.NewScriptCache(replication.DefaultScriptCacheCap)
	store := NewStore(cfg.DBCount)

	coord := &replication.Coordinator{
		IDs:               ids,
		Backlog:           backlog,
		Scripts:           scripts,
		Propagator:        prop,
		Snapshot:          &StoreSnapshot{Store: store, Backlog: backlog},
		Log:               log,
		DisklessPreferred: cfg.ReplDisklessSync,
		DisklessSyncDelay: cfg.ReplDisklessSyncDelayDuration(),
		RDBPath:           filepath.Join(cfg.DataDir, "dump.arsn"),
	}

	stale := &replication.StaleKeyMap{DB: db, Log: log}

	var link *replication.Link
	var linkCancel context.CancelFunc
	if cfg.ReplicaOf != "" {
		link = buildLink(cfg, cfg.ReplicaOf, ids, backlog, nodeUUID, log)
		var linkCtx context.Context
		linkCtx, linkCancel = context.WithCancel(ctx)
		go runReplicaLink(linkCtx, link, store, prop, nodeUUID, log)
	}

	cron := &replication.Cron{
		Config:      cfg.CronConfig(false, cfg.DBCount),
		Log:         log,
		Coordinator: coord,
		Propagator:  prop,
		Backlog:     backlog,
		IDs:         ids,
		Scripts:     scripts,
		Stale:       stale,
		Link:        link,
	}
	go cron.Run(ctx)

	dispatcher := &Dispatcher{
		Store:       store,
		Coordinator: coord,
		Propagator:  prop,
		Filter:      replication.LoopFilter{LocalUUID: nodeUUID},
		Clock:       clock,
		NodeUUID:    nodeUUID,
		DBCount:     cfg.DBCount,
		Log:         log,
		StartLink: func(addr string) (*replication.Link, context.CancelFunc, error) {
			l := buildLink(cfg, addr, ids, backlog, nodeUUID, log)
			l.Cached.Cache(replication.SelfSynthesize(ids, backlog, nodeUUID))
			lctx, cancel := context.WithCancel(ctx)
			go runReplicaLink(lctx, l, store, prop, nodeUUID, log)
			return l, cancel, nil
		},
	}
	dispatcher.SetLink(link, linkCancel)

	srv, err := New(ctx, cfg, dispatcher.Handle)
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}

	serveErr := srv.Serve(ctx)

	if err := meta.Save(ids, backlog, 0); err != nil {
		log.Warn("persisting replication state on shutdown failed", "error", err)
	}
	if ctx.Err() != nil && errors.Is(serveErr, ctx.Err()) {
		return nil
	}
	return serveErr
}

// buildLink constructs the upstream Link for primaryAddr, sharing this
// instance's IDManager and Backlog so a promotion back to primary (or a
// REPLICAOF NO ONE) leaves a coherent lineage behind, per spec.md §4.7.
func buildLink(cfg *Config, primaryAddr string, ids *replication.IDManager, backlog *replication.Backlog, nodeUUID string, log *slog.Logger) *replication.Link {
	return &replication.Link{
		PrimaryAddr:  primaryAddr,
		MyAddr:       cfg.Address,
		AnnounceIP:   cfg.SlaveAnnounceIP,
		AuthUser:     cfg.MasterUser,
		AuthPassword: cfg.MasterAuth,
		LocalUUID:    nodeUUID,
		Active:       cfg.ActiveReplica,
		Logger:       log,
		IDs:          ids,
		Backlog:      backlog,
		Cached:       &replication.CachedMasterSlot{},
	}
}

// runReplicaLink drives the upstream handshake to completion and then
// streams applied commands into store for as long as ctx allows,
// reconnecting on any transient error.
func runReplicaLink(ctx context.Context, link *replication.Link, store *Store, prop *replication.Propagator, nodeUUID string, log *slog.Logger) {
	for ctx.Err() == nil {
		if err := link.Connect(ctx); err != nil {
			log.Warn("replica handshake failed", "primary", link.PrimaryAddr, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		selectedDB := 0
		err := link.StreamUpdates(ctx, func(msg *protocol.Message) error {
			cmd, err := msg.Cmd()
			if err != nil {
				return err
			}
			return applyUpstreamCommand(store, prop, nodeUUID, &selectedDB, cmd)
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("replica stream ended", "primary", link.PrimaryAddr, "error", err)
		}
		link.CancelHandshake()
	}
}

// applyUpstreamCommand applies one command received over an upstream Link
// to store, and re-propagates it to this instance's own attached replicas
// so replication chains (A -> B -> C) work without extra configuration.
func applyUpstreamCommand(store *Store, prop *replication.Propagator, nodeUUID string, selectedDB *int, cmd *protocol.Command) error {
	switch cmd.Name {
	case "SELECT":
		if len(cmd.Args) == 1 {
			if n, err := parseDBIndex(cmd.Args, len(store.dbs)); err == nil {
				*selectedDB = n
			}
		}
		return nil
	case "SET":
		if len(cmd.Args) >= 2 {
			store.Set(*selectedDB, cmd.Args[0], cmd.Args[1])
			prop.Feed(*selectedDB, cmd.Args, nodeUUID)
		}
	case "DEL":
		for _, key := range cmd.Args {
			store.Del(*selectedDB, key)
		}
		if len(cmd.Args) > 0 {
			prop.Feed(*selectedDB, cmd.Args, nodeUUID)
		}
	}
	return nil
}
