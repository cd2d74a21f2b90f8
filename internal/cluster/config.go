package cluster

import (
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"time"
)

// Defaults applied by Validate to zero-valued timing fields.
const (
	DefaultHeartbeatTimeout  = time.Second
	DefaultElectionTimeout   = time.Second
	DefaultSnapshotInterval  = 2 * time.Minute
	DefaultSnapshotThreshold = 8192
)

// Config describes one recorder node's place in the replication group.
type Config struct {
	// RaftID names the node in logs and /health.
	RaftID string

	// BindAddr is the host:port Raft listens on. Voters are identified by
	// address, so it must also appear in Peers.
	BindAddr string

	// Peers lists the host:port of every voter, this node included.
	Peers []string

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64

	// LogLevel is the hclog level for Raft's own logs; empty disables them.
	LogLevel string
	// LogOutput receives Raft's own logs; stderr when nil.
	LogOutput io.Writer
}

// Validate rejects unusable membership settings and fills timing defaults.
func (c *Config) Validate() error {
	if c.RaftID == "" {
		return errors.New("raft-id is required")
	}
	if err := checkAddr("raft-bind", c.BindAddr); err != nil {
		return err
	}
	if len(c.Peers) == 0 {
		return errors.New("raft-peers must list at least this node")
	}
	for _, peer := range c.Peers {
		if err := checkAddr("raft peer", peer); err != nil {
			return err
		}
	}
	if !slices.Contains(c.Peers, c.BindAddr) {
		return fmt.Errorf("raft-peers %v must include raft-bind %s", c.Peers, c.BindAddr)
	}

	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = DefaultElectionTimeout
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = DefaultSnapshotThreshold
	}
}

func checkAddr(what, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", what)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", what, addr, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("invalid %s %q: host and port are required", what, addr)
	}
	return nil
}
