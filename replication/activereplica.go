// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import "github.com/awinterman/anarchoredis/protocol"

// LoopFilter implements the receive side of C8's loop suppression: a
// replica applying an RREPLAY envelope must drop anything it originated
// itself (invariant I6), and must not mirror a command straight back to
// the peer it just received it from.
type LoopFilter struct {
	LocalUUID string
	PeerUUID  string
}

// Accept reports whether env should be applied locally, and whether it
// should subsequently be re-exported to this instance's own downstream
// replicas. A self-originated command (env.SourceUUID == LocalUUID) is
// never applied (loop freedom) and never re-exported. A command that
// originated at the direct peer is applied (Q applies P's write in S5)
// but is still eligible for re-export to Q's *other* replicas -- just not
// back to P, which Propagator.Feed already handles via originUUID.
func (f LoopFilter) Accept(env *RREPLAYEnvelope) (apply bool, reexport bool) {
	if env.SourceUUID == f.LocalUUID {
		return false, false
	}
	return true, true
}

// ApplyFunc executes a decoded command against the local keyspace. It is
// supplied by the (out-of-scope, per §1) command dispatcher.
type ApplyFunc func(db int, cmd *protocol.Command, mvcc int64) error

// ApplyRREPLAY decodes msg, applies it through apply unless loop
// suppression drops it, folds its MVCC timestamp into clock so future
// locally-minted timestamps stay ahead of it, and returns the envelope so
// the caller can decide on re-export via a Propagator.
func ApplyRREPLAY(msg *protocol.Message, filter LoopFilter, clock *MVCCClock, apply ApplyFunc) (*RREPLAYEnvelope, bool, error) {
	env, err := DecodeRREPLAY(msg)
	if err != nil {
		return nil, false, err
	}

	ok, reexport := filter.Accept(env)
	if !ok {
		return env, false, nil
	}

	clock.Observe(env.MVCC)

	payloadMsg, err := decodeCommandBytes(env.Payload)
	if err != nil {
		return env, false, err
	}
	cmd, err := payloadMsg.Cmd()
	if err != nil {
		return env, false, err
	}

	if err := apply(env.DB, cmd, env.MVCC); err != nil {
		return env, false, err
	}
	return env, reexport, nil
}

func decodeCommandBytes(b []byte) (*protocol.Message, error) {
	return protocol.Read(newBufReadWriter(b))
}
