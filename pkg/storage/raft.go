package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

const (
	fsmFileName     = "fsm.db"
	defaultApplyTTL = 5 * time.Second
)

// RaftPeer is a voting member of the replicated store
type RaftPeer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// RaftConfig configures a replicated store
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	Peers     []RaftPeer
	LogOutput io.Writer
}

// RaftStore implements Store replicated through hashicorp/raft. Each commit
// becomes one log entry; the FSM validates it against its local bolt copy,
// so a conflict is decided identically on every member. Reads are served
// from the local copy.
type RaftStore struct {
	engine
	raft  *raft.Raft
	local *BoltStore
	close []func() error
}

// NewRaftStore opens a replicated store backed by a TCP transport and
// raft-boltdb log and stable stores under cfg.DataDir
func NewRaftStore(cfg RaftConfig) (*RaftStore, error) {
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stderr
	}

	// The FSM copy is rebuilt from the latest snapshot and the log.
	fsmPath := filepath.Join(cfg.DataDir, fsmFileName)
	if err := os.Remove(fsmPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to reset fsm database: %w", err)
	}
	local, err := OpenBoltStore(fsmPath, nil)
	if err != nil {
		return nil, err
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, cfg.LogOutput)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, cfg.LogOutput)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		local.Close()
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	s, err := newRaftStore(raftConfig(cfg.NodeID, cfg.LogOutput), local, logStore, stableStore, snapshots, transport)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		local.Close()
		return nil, err
	}
	s.close = append(s.close, transport.Close, logStore.Close, stableStore.Close)

	if cfg.Bootstrap {
		servers := []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}}
		for _, p := range cfg.Peers {
			servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Address)})
		}
		if err := s.bootstrap(servers); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

func raftConfig(nodeID string, logOutput io.Writer) *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)
	config.LogOutput = logOutput

	// LAN timeouts; node state writes are small and infrequent
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func newRaftStore(config *raft.Config, local *BoltStore, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, trans raft.Transport) (*RaftStore, error) {
	r, err := raft.NewRaft(config, &fsm{local: local}, logs, stable, snaps, trans)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	s := &RaftStore{raft: r, local: local}
	s.engine = engine{read: local.get, commit: s.apply}
	return s, nil
}

func (s *RaftStore) bootstrap(servers []raft.Server) error {
	future := s.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// IsLeader reports whether this member currently accepts commits
func (s *RaftStore) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Leader returns the address of the current leader, if known
func (s *RaftStore) Leader() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

// List returns the local copy of every record
func (s *RaftStore) List() (map[string]Record, error) {
	return s.local.List()
}

// Close shuts down raft and releases the stores
func (s *RaftStore) Close() error {
	var errs []error
	if err := s.raft.Shutdown().Error(); err != nil {
		errs = append(errs, err)
	}
	for _, fn := range s.close {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.local.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *RaftStore) apply(ctx context.Context, ops []Op) error {
	if s.raft.State() != raft.Leader {
		return ErrNotLeader
	}

	data, err := json.Marshal(command{Op: "apply", Ops: ops})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	ttl := defaultApplyTTL
	if deadline, ok := ctx.Deadline(); ok {
		ttl = time.Until(deadline)
		if ttl <= 0 {
			return context.DeadlineExceeded
		}
	}

	future := s.raft.Apply(data, ttl)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return ErrNotLeader
		}
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// command is one raft log entry
type command struct {
	Op  string `json:"op"`
	Ops []Op   `json:"ops"`
}

// fsm applies committed batches to the local bolt copy
type fsm struct {
	mu    sync.Mutex
	local *BoltStore
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "apply":
		return f.local.apply(context.Background(), cmd.Ops)
	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.local.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return &snapshot{Records: records}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local.replace(snap.Records)
}

// snapshot is a point-in-time copy of the bucket
type snapshot struct {
	Records map[string]Record `json:"records"`
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}
