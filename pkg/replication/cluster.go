package replication

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/fluxgate/fabric/pkg/registry"
)

// ClusterConfig names the knobs Bootstrap needs, generalized from the
// teacher's Manager{nodeID, bindAddr, dataDir} fields into a standalone
// struct since this package has no long-lived Manager type of its own.
type ClusterConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Bootstrap stands up a single-node Raft cluster fronting reg, mirroring
// the teacher's Manager.Bootstrap: a TCP transport, a BoltDB-backed log
// and stable store, a file snapshot store, and a one-member configuration
// bootstrap. Joining additional voters onto the returned *raft.Raft is the
// caller's responsibility (AddVoter), same as the teacher's separate
// Join path.
func Bootstrap(cfg ClusterConfig, reg *registry.Registry) (*raft.Raft, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("replication: create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("replication: resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("replication: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("replication: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("replication: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("replication: create stable store: %w", err)
	}

	fsm := NewFSM(reg)
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("replication: create raft: %w", err)
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raftCfg.LocalID, Address: transport.LocalAddr()},
		},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		return nil, fmt.Errorf("replication: bootstrap cluster: %w", err)
	}

	return r, nil
}

// IsLeader reports whether r currently holds Raft leadership, mirroring
// the teacher's Manager.IsLeader convenience wrapper.
func IsLeader(r *raft.Raft) bool {
	return r.State() == raft.Leader
}
