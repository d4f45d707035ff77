// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import "time"

// Config enumerates the replication core's external knobs (§6), parsed
// with the same struct-tag-driven go-arg convention the server package
// uses for its own top-level Config.
type Config struct {
	ReplBacklogSize       int  `arg:"--repl-backlog-size" default:"1048576" help:"replication backlog size in bytes"`
	ReplBacklogTimeLimit  int  `arg:"--repl-backlog-time-limit" default:"3600" help:"seconds an idle backlog is retained before being freed"`
	ReplTimeout           int  `arg:"--repl-timeout" default:"60" help:"seconds before a stalled handshake, transfer, or idle link is torn down"`
	ReplPingSlavePeriod   int  `arg:"--repl-ping-slave-period" default:"10" help:"seconds between PING broadcasts to attached replicas"`
	ReplDisklessSync      bool `arg:"--repl-diskless-sync" default:"true" help:"prefer streaming a full resync straight to sockets over a disk RDB"`
	ReplDisklessSyncDelay int  `arg:"--repl-diskless-sync-delay" default:"5" help:"seconds a diskless BGSAVE waits for further replica arrivals before starting"`
	ReplDisableTCPNoDelay bool `arg:"--repl-disable-tcp-nodelay" default:"false" help:"disable TCP_NODELAY on replica sockets once ONLINE, trading latency for fewer packets"`
	ReplMinSlavesToWrite  int  `arg:"--repl-min-slaves-to-write" default:"0" help:"minimum number of good replicas required to accept writes; 0 disables the check"`
	ReplMinSlavesMaxLag   int  `arg:"--repl-min-slaves-max-lag" default:"10" help:"seconds a replica's ACK may lag before it no longer counts as good"`

	ActiveReplica     bool `arg:"--active-replica" default:"false" help:"accept writes while replicating, wrapping propagated commands in RREPLAY envelopes"`
	EnableMultimaster bool `arg:"--enable-multimaster" default:"false" help:"permit more than one upstream primary link at once"`

	MasterAuth        string `arg:"--masterauth" help:"password sent via AUTH when connecting to a primary"`
	MasterUser        string `arg:"--masteruser" help:"username sent via AUTH when connecting to a primary"`
	SlaveAnnounceIP   string `arg:"--slave-announce-ip" help:"IP advertised to the primary via REPLCONF ip-address, overriding the socket's local address"`
	SlaveAnnouncePort int    `arg:"--slave-announce-port" help:"port advertised to the primary via REPLCONF listening-port, overriding the accept socket's port"`

	ReplSlaveLazyFlush bool `arg:"--repl-slave-lazy-flush" default:"false" help:"flush the existing dataset asynchronously before loading a full resync's snapshot"`
}

// ReplTimeoutDuration and friends convert the second-granularity config
// fields into the time.Duration values the rest of the package works in.
func (c Config) ReplTimeoutDuration() time.Duration {
	return time.Duration(c.ReplTimeout) * time.Second
}

func (c Config) ReplPingSlavePeriodDuration() time.Duration {
	return time.Duration(c.ReplPingSlavePeriod) * time.Second
}

func (c Config) ReplBacklogTimeLimitDuration() time.Duration {
	return time.Duration(c.ReplBacklogTimeLimit) * time.Second
}

func (c Config) ReplDisklessSyncDelayDuration() time.Duration {
	return time.Duration(c.ReplDisklessSyncDelay) * time.Second
}

// CronConfig projects the fields Cron actually consumes out of Config.
func (c Config) CronConfig(aofEnabled bool, dbCount int) CronConfig {
	return CronConfig{
		ReplTimeout:           c.ReplTimeoutDuration(),
		ReplPingSlavePeriod:   c.ReplPingSlavePeriodDuration(),
		ReplBacklogTimeLimit:  c.ReplBacklogTimeLimitDuration(),
		ReplDisklessSyncDelay: c.ReplDisklessSyncDelayDuration(),
		AOFEnabled:            aofEnabled,
		DBCount:               dbCount,
	}
}
