package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/hlsrecorder/internal/segment"
	"github.com/agleyzer/hlsrecorder/internal/session"
)

// ErrNotLeader is returned when an append is submitted to a follower.
var ErrNotLeader = errors.New("not the cluster leader")

var (
	errNotStarted = errors.New("cluster not started")
	errClosed     = errors.New("cluster is shut down")
)

const (
	// applyTimeout bounds how long an append waits to be committed.
	applyTimeout = 5 * time.Second

	maxTransportPool = 3
	transportTimeout = 10 * time.Second
)

var stateNames = map[raft.RaftState]string{
	raft.Follower:  "Follower",
	raft.Candidate: "Candidate",
	raft.Leader:    "Leader",
	raft.Shutdown:  "Shutdown",
}

// Manager replicates session appends through Raft. Every node applies
// committed entries to its own session logs.
type Manager struct {
	cfg    Config
	fsm    *SessionFSM
	log    SessionLog
	logger *slog.Logger

	mu        sync.RWMutex
	node      *raft.Raft
	transport *raft.NetworkTransport
	closed    bool

	// next holds the index the following append of each session will
	// claim. Guarded by seqMu, which also serializes Apply calls.
	seqMu sync.Mutex
	next  map[session.Key]int
}

// NewManager validates cfg and returns a Manager applying committed
// entries to log. Start must be called before appending.
func NewManager(cfg Config, log SessionLog, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		fsm:    NewSessionFSM(log, logger),
		log:    log,
		logger: logger,
		next:   make(map[session.Key]int),
	}, nil
}

// Start opens the Raft transport and joins the configured voters. The
// first start of a fresh cluster bootstraps it; later starts find the
// configuration already present and carry on.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.node != nil {
		return errors.New("cluster already started")
	}
	if m.closed {
		return errClosed
	}

	transport, err := m.openTransport()
	if err != nil {
		return err
	}

	// Session logs on disk are the durable copy; Raft state only needs to
	// outlive a leader change.
	node, err := raft.NewRaft(m.raftConfig(), m.fsm,
		raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.node, m.transport = node, transport

	if err := node.BootstrapCluster(m.voters()).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		m.logger.Warn("bootstrap failed, waiting to be contacted by peers", "error", err)
	}

	m.logger.Info("cluster node started",
		"node_id", m.cfg.RaftID,
		"bind", m.cfg.BindAddr,
		"voters", len(m.cfg.Peers))
	return nil
}

func (m *Manager) raftConfig() *raft.Config {
	rc := raft.DefaultConfig()
	// voters are identified by address, so the local id must be one too
	rc.LocalID = raft.ServerID(m.cfg.BindAddr)
	rc.HeartbeatTimeout = m.cfg.HeartbeatTimeout
	rc.ElectionTimeout = m.cfg.ElectionTimeout
	rc.LeaderLeaseTimeout = m.cfg.HeartbeatTimeout
	rc.SnapshotInterval = m.cfg.SnapshotInterval
	rc.SnapshotThreshold = m.cfg.SnapshotThreshold
	rc.Logger = newRaftLogger(m.cfg.LogLevel, m.cfg.LogOutput)
	return rc
}

func (m *Manager) openTransport() (*raft.NetworkTransport, error) {
	advertise, err := net.ResolveTCPAddr("tcp", m.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind %q: %w", m.cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(m.cfg.BindAddr, advertise, maxTransportPool, transportTimeout, nil)
	if err != nil {
		return nil, fmt.Errorf("open raft transport: %w", err)
	}
	return transport, nil
}

func (m *Manager) voters() raft.Configuration {
	servers := make([]raft.Server, 0, len(m.cfg.Peers))
	for _, peer := range m.cfg.Peers {
		servers = append(servers, raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		})
	}
	return raft.Configuration{Servers: servers}
}

// raftNode returns the running Raft instance, or nil before Start.
func (m *Manager) raftNode() (*raft.Raft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	if m.node == nil {
		return nil, errNotStarted
	}
	return m.node, nil
}

// Append replicates e to every node. Only the leader accepts appends; the
// entry reaches the local session log through the FSM once committed.
func (m *Manager) Append(k session.Key, e segment.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	node, err := m.raftNode()
	if err != nil {
		return err
	}
	if node.State() != raft.Leader {
		return ErrNotLeader
	}

	// one producer per session, so indexes are handed out in append order
	m.seqMu.Lock()
	defer m.seqMu.Unlock()

	idx, ok := m.next[k]
	if !ok {
		idx = m.log.Appended(k)
	}

	data, err := EncodeCommand(Command{
		Type: CommandAppendEntry,
		Data: AppendEntryCommand{Session: k, Index: idx, Line: e.Encode()},
	})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	future := node.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			// the next leader may have committed more; recount from disk
			delete(m.next, k)
			return ErrNotLeader
		}
		return fmt.Errorf("apply append: %w", err)
	}
	m.next[k] = idx + 1

	if resp, ok := future.Response().(error); ok && resp != nil {
		return resp
	}
	return nil
}

// Appended reports the local entry count of a session.
func (m *Manager) Appended(k session.Key) int {
	return m.log.Appended(k)
}

// IsLeader reports whether this node currently accepts appends.
func (m *Manager) IsLeader() bool {
	node, err := m.raftNode()
	return err == nil && node.State() == raft.Leader
}

// LeaderAddr returns the Raft address of the current leader, or "" when
// none is known.
func (m *Manager) LeaderAddr() string {
	node, err := m.raftNode()
	if err != nil {
		return ""
	}
	addr, _ := node.LeaderWithID()
	return string(addr)
}

// State names the Raft role of this node.
func (m *Manager) State() string {
	node, err := m.raftNode()
	switch {
	case errors.Is(err, errNotStarted):
		return "NotStarted"
	case errors.Is(err, errClosed):
		return stateNames[raft.Shutdown]
	}
	if name, ok := stateNames[node.State()]; ok {
		return name
	}
	return "Unknown"
}

// Peers returns the configured voter addresses.
func (m *Manager) Peers() []string {
	return slices.Clone(m.cfg.Peers)
}

// NodeID returns the operator-facing name of this node.
func (m *Manager) NodeID() string {
	return m.cfg.RaftID
}

// Shutdown stops Raft and closes the transport. Calling it again is a
// no-op.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.node != nil {
		if err := m.node.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			return fmt.Errorf("close raft transport: %w", err)
		}
	}

	m.logger.Info("cluster node stopped", "node_id", m.cfg.RaftID)
	return nil
}

// WaitForLeader blocks until some node is leader and returns its address.
// It follows Raft leader observations rather than polling.
func (m *Manager) WaitForLeader(ctx context.Context) (string, error) {
	node, err := m.raftNode()
	if err != nil {
		return "", err
	}

	changes := make(chan raft.Observation, 1)
	observer := raft.NewObserver(changes, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	node.RegisterObserver(observer)
	defer node.DeregisterObserver(observer)

	for {
		// checked after registering so an election in between is not missed
		if addr, _ := node.LeaderWithID(); addr != "" {
			return string(addr), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-changes:
		}
	}
}
