package raft

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"time"

	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/phonghmnguyen/ke0lock/ownership"
	"github.com/phonghmnguyen/ke0lock/telemetry"
)

const (
	RaftTimeOut         = 15 * time.Second
	ConfigChangeTimeOut = 0
	RetainSnapshotCount = 2
)

var (
	ErrNotRaftLeader          = errors.New("state machine is not Raft leader")
	ErrReplicationUnavailable = errors.New("replication is temporarily unavailable")
)

var _ ownership.Oracle = (*Instance)(nil)

// Instance is a Raft node replicating container changes. The leader is the primary owner of every key.
type Instance struct {
	raft *hraft.Raft

	fsm *FSM

	// Address other nodes reach this one at, used as the origin of replicated writes
	addr string

	breaker *gobreaker.CircuitBreaker

	logger telemetry.Logger
}

type Config struct {
	RaftBindAddr, RaftDir, FQDN, ID string

	BootstrapCluster bool
}

func (c *Config) validate() error {
	if c.RaftBindAddr == "" || c.RaftDir == "" || c.FQDN == "" || c.ID == "" {
		return errors.New("RaftAddr, RaftDir, RaftFQDN, RaftID must be provided")
	}

	return nil
}

// NewInstance starts a Raft node persisting its log in a bolt database under cfg.RaftDir
func NewInstance(cfg Config, fsm *FSM, logger telemetry.Logger) (*Instance, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	clusterAddr, err := net.ResolveTCPAddr("tcp", cfg.FQDN)
	if err != nil {
		return nil, err
	}
	transport, err := hraft.NewTCPTransport(cfg.RaftBindAddr, clusterAddr, 4, 15*time.Second, os.Stderr)
	if err != nil {
		return nil, err
	}

	snapshots, err := hraft.NewFileSnapshotStore(cfg.RaftDir, RetainSnapshotCount, os.Stderr)
	if err != nil {
		return nil, err
	}

	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(cfg.RaftDir, "raft.db"),
	})
	if err != nil {
		return nil, err
	}

	raftCfg := hraft.DefaultConfig()
	raftCfg.LocalID = hraft.ServerID(cfg.ID)

	return newInstance(raftCfg, fsm, boltDB, boltDB, snapshots, transport, cfg.BootstrapCluster, logger)
}

func newInstance(raftCfg *hraft.Config, fsm *FSM, logs hraft.LogStore, stable hraft.StableStore,
	snapshots hraft.SnapshotStore, transport hraft.Transport, bootstrap bool, logger telemetry.Logger) (*Instance, error) {
	if logger == nil {
		logger = telemetry.Log()
	}

	node, err := hraft.NewRaft(raftCfg, fsm, logs, stable, snapshots, transport)
	if err != nil {
		return nil, err
	}

	if bootstrap {
		clusterCfg := hraft.Configuration{
			Servers: []hraft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := node.BootstrapCluster(clusterCfg).Error(); err != nil && !errors.Is(err, hraft.ErrCantBootstrap) {
			return nil, err
		}
	}

	ri := &Instance{
		raft:   node,
		fsm:    fsm,
		addr:   string(transport.LocalAddr()),
		logger: logger,
	}

	ri.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "raft-apply",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	})

	return ri, nil
}

// IsPrimaryOwner reports whether the local node is the Raft leader
func (ri *Instance) IsPrimaryOwner(string) bool {
	return ri.IsLeader()
}

func (ri *Instance) IsLeader() bool {
	return ri.raft.State() == hraft.Leader
}

func (ri *Instance) LocalAddress() string {
	return ri.addr
}

func (ri *Instance) DiscoverLeader() (hraft.ServerAddress, hraft.ServerID) {
	return ri.raft.LeaderWithID()
}

func (ri *Instance) Join(addr, nodeID string) error {
	ri.logger.Infof("Received join request from node %s at %s", nodeID, addr)
	if !ri.IsLeader() {
		ri.logger.Errorf("Calling Join on follower")
		return ErrNotRaftLeader
	}
	configFuture := ri.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		ri.logger.Errorf("Failed to get raft configuration: %v", err)
		return err
	}

	for _, srv := range configFuture.Configuration().Servers {
		if srv.ID == hraft.ServerID(nodeID) || srv.Address == hraft.ServerAddress(addr) {
			if srv.ID == hraft.ServerID(nodeID) && srv.Address == hraft.ServerAddress(addr) {
				ri.logger.Infof("node %s at %s is already a member", nodeID, addr)
				return nil
			}

			future := ri.raft.RemoveServer(srv.ID, 0, ConfigChangeTimeOut)
			if err := future.Error(); err != nil {
				ri.logger.Errorf("Failed to remove existing node %s at %s: %v", nodeID, addr, err)
				return err
			}
		}
	}

	future := ri.raft.AddVoter(hraft.ServerID(nodeID), hraft.ServerAddress(addr), 0, ConfigChangeTimeOut)
	if err := future.Error(); err != nil {
		ri.logger.Errorf("Failed to join node %s at %s: %v", nodeID, addr, err)
		return err
	}

	ri.logger.Infof("Successfully join node %s at %s", nodeID, addr)
	return nil
}

// replicateAndApplyOnQuorum replicates an event to followers and returns the result of applying it
// once it is committed by a quorum of the cluster
func (ri *Instance) replicateAndApplyOnQuorum(event Event) (interface{}, error) {
	if !ri.IsLeader() {
		return nil, ErrNotRaftLeader
	}

	b, err := encode(event)
	if err != nil {
		return nil, err
	}

	res, err := ri.breaker.Execute(func() (interface{}, error) {
		future := ri.raft.Apply(b, RaftTimeOut)
		if err := future.Error(); err != nil {
			return nil, err
		}

		return future.Response(), nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, pkgerrors.Wrap(ErrReplicationUnavailable, err.Error())

	case errors.Is(err, hraft.ErrNotLeader), errors.Is(err, hraft.ErrLeadershipLost):
		return nil, pkgerrors.Wrap(ErrNotRaftLeader, err.Error())

	case err != nil:
		ri.logger.Errorf("Encountered an error during Raft operation: %v", err)
		return nil, err
	}

	// the state machine reports failures through the response
	if applyErr, ok := res.(error); ok {
		return nil, applyErr
	}

	ri.logger.Debugf("Succesfully replicate and apply event: %+v", event)
	return res, nil
}

func (ri *Instance) Shutdown() error {
	return ri.raft.Shutdown().Error()
}
