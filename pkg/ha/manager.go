package ha

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/storage"
	"github.com/cuemby/weir/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Config configures a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Manager is the high-availability service spec.md §6 describes: per-role
// leader election backed by Raft, plus the FSM-replicated job graph,
// registry, checkpoint, and lease state in pkg/storage. One Manager per
// process backs the Dispatcher's and Resource Manager's singleton
// leadership and every Job Master's per-job lease.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	store storage.Store

	logger zerolog.Logger
}

// NewManager opens the durable store and FSM for cfg, without yet starting
// Raft. Call Bootstrap or Join next.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	return &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
		logger:   log.WithComponent("ha"),
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tuned for LAN/edge deployments rather than Raft's WAN-oriented
	// defaults (HeartbeatTimeout=1s, ElectionTimeout=1s,
	// LeaderLeaseTimeout=500ms): the job master lease and slot pool both
	// need failover well inside the heartbeat_timeout budget spec.md §5
	// recommends (>= 5x heartbeat_interval).
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (m *Manager) newRaft(config *raft.Config) (*raft.Raft, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}
	return r, nil
}

// Bootstrap initializes a brand-new single-node cluster with this node as
// its only voter.
func (m *Manager) Bootstrap() error {
	config := m.raftConfig()
	r, err := m.newRaft(config)
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: config.LocalID, Address: raft.ServerAddress(m.bindAddr)},
		},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	m.logger.Info().Str("node_id", m.nodeID).Msg("bootstrapped single-node HA cluster")
	return nil
}

// JoinRequester asks an existing cluster leader to add this node as a
// voter. It is implemented by pkg/rpc on top of whatever transport the
// process uses to reach the leader.
type JoinRequester interface {
	RequestJoin(leaderAddr, nodeID, bindAddr string) error
}

// Join starts Raft for this node and asks the leader at leaderAddr (via
// requester) to admit it as a voter.
func (m *Manager) Join(leaderAddr string, requester JoinRequester) error {
	config := m.raftConfig()
	r, err := m.newRaft(config)
	if err != nil {
		return err
	}
	m.raft = r

	if err := requester.RequestJoin(leaderAddr, m.nodeID, m.bindAddr); err != nil {
		return fmt.Errorf("request join from leader %s: %w", leaderAddr, err)
	}
	m.logger.Info().Str("node_id", m.nodeID).Str("leader", leaderAddr).Msg("requested to join HA cluster")
	return nil
}

// AddVoter is called on the current leader in response to a peer's
// RequestJoin. It is a no-op error if id is already a voter at addr.
func (m *Manager) AddVoter(id, addr string) error {
	future := m.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	return future.Error()
}

// Shutdown stops Raft and closes the underlying store.
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	return m.store.Close()
}

// IsLeader reports whether this node currently holds cluster leadership.
// Singleton control-plane roles (dispatcher, resource manager) are leader
// exactly when their hosting process is the Raft leader.
func (m *Manager) IsLeader() bool {
	return m.raft.State() == raft.Leader
}

// LeaderCh forwards Raft's leadership-change notifications.
func (m *Manager) LeaderCh() <-chan bool {
	return m.raft.LeaderCh()
}

// AppliedIndex returns the last Raft log index applied to the FSM.
func (m *Manager) AppliedIndex() uint64 {
	return m.raft.AppliedIndex()
}

// Store exposes the durable state backing this Manager's FSM for read-only
// queries; mutations must go through Apply so every replica agrees.
func (m *Manager) Store() storage.Store {
	return m.store
}

func (m *Manager) apply(op string, payload interface{}, timeout time.Duration) (interface{}, error) {
	if m.raft.State() != raft.Leader {
		return nil, fmt.Errorf("not leader")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	cmd := Command{Op: op, Data: data}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	future := m.raft.Apply(encoded, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("apply %s: %w", op, err)
	}
	if fsmErr, ok := future.Response().(error); ok && fsmErr != nil {
		return nil, fmt.Errorf("apply %s: %w", op, fsmErr)
	}
	return future.Response(), nil
}

// PutJobGraph replicates a job graph through the FSM (spec.md §4.1, §4.2).
func (m *Manager) PutJobGraph(jobId types.JobId, graph []byte, timeout time.Duration) error {
	_, err := m.apply(opPutJobGraph, putJobGraphArgs{JobId: jobId, Graph: graph}, timeout)
	return err
}

// DeleteJobGraph removes a job graph once its job reaches a terminal state.
func (m *Manager) DeleteJobGraph(jobId types.JobId, timeout time.Duration) error {
	_, err := m.apply(opDeleteJobGraph, deleteJobGraphArgs{JobId: jobId}, timeout)
	return err
}

// SetJobRegistryState records jobId's coarse recovery status.
func (m *Manager) SetJobRegistryState(jobId types.JobId, state storage.JobRegistryState, timeout time.Duration) error {
	_, err := m.apply(opSetJobRegistryState, setJobRegistryStateArgs{JobId: jobId, State: state}, timeout)
	return err
}

// NextCheckpointId mints the next monotonic checkpoint id for jobId
// (spec.md §4.7).
func (m *Manager) NextCheckpointId(jobId types.JobId, timeout time.Duration) (types.CheckpointId, error) {
	resp, err := m.apply(opNextCheckpointId, nextCheckpointIdArgs{JobId: jobId}, timeout)
	if err != nil {
		return 0, err
	}
	id, ok := resp.(types.CheckpointId)
	if !ok {
		return 0, fmt.Errorf("unexpected response type %T for next_checkpoint_id", resp)
	}
	return id, nil
}

// PutCheckpointMetadata replicates a completed checkpoint's metadata
// pointer.
func (m *Manager) PutCheckpointMetadata(meta storage.CheckpointMetadata, timeout time.Duration) error {
	_, err := m.apply(opPutCheckpointMeta, meta, timeout)
	return err
}

// PutArchivedExecutionGraph replicates a terminal execution graph snapshot.
func (m *Manager) PutArchivedExecutionGraph(graph storage.ArchivedExecutionGraph, timeout time.Duration) error {
	_, err := m.apply(opPutArchivedGraph, graph, timeout)
	return err
}

// AcquireJobMasterLease records holder as the current fencing-token holder
// for jobId, implicitly invalidating any previous holder's token (spec.md
// §4.4, §5).
func (m *Manager) AcquireJobMasterLease(jobId types.JobId, holder types.JobMasterId, timeout time.Duration) error {
	_, err := m.apply(opAcquireJobMasterLease, acquireJobMasterLeaseArgs{JobId: jobId, Holder: holder}, timeout)
	return err
}
