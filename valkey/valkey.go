// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package valkey:
package valkey

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync/atomic"
)

// Valkey drives a real valkey-server subprocess so replication.Link can be
// exercised against a genuine PSYNC-speaking primary, as a supplement to
// the in-package fakePrimary harness used by the unit tests.
type Valkey struct {
	RedisAddress string

	// ReplicaOf, if set, is passed as --replicaof "<host> <port>" so the
	// spawned server comes up already streaming from another instance.
	ReplicaOf string

	cmd atomic.Pointer[exec.Cmd]
}

func (v *Valkey) GetRedisAddress() string {
	return v.RedisAddress
}

func (v *Valkey) Start(ctx context.Context) error {
	_, port, err := net.SplitHostPort(v.RedisAddress)
	if err != nil {
		return fmt.Errorf("parsing redis address %q: %w", v.RedisAddress, err)
	}

	args := []string{
		`--save`, ``,
		`--port`, port,
	}
	if v.ReplicaOf != "" {
		host, rport, err := net.SplitHostPort(v.ReplicaOf)
		if err != nil {
			return fmt.Errorf("parsing replicaof address %q: %w", v.ReplicaOf, err)
		}
		args = append(args, `--replicaof`, host, rport)
	}

	cmd := exec.CommandContext(ctx, "valkey-server", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	v.cmd.Store(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	return nil
}

// Stop valkey
func (v *Valkey) Stop() error {
	cmd := v.cmd.Load()
	err := cmd.Cancel()
	if err != nil {
		return err
	}
	err = cmd.Wait()
	if err != nil {
		return err
	}
	v.cmd.Store(nil)
	return nil
}
