// Package replication supplies the replication hooks the fabric's non-goals
// call for without committing to a cluster: an FSM that applies Registry
// mutations through a Raft log, generalized from the teacher's
// manager.WarrenFSM (a single Apply switch over a fixed command set keyed
// by entity type) to the fabric's three registry operations. Bootstrap
// (cluster.go) wires this FSM into a single-node raft.Raft; adding further
// voters to that cluster is left to the caller.
package replication

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/fluxgate/fabric/pkg/registry"
	"github.com/fluxgate/fabric/pkg/types"
)

// Op names the registry mutation a Command carries.
type Op string

const (
	OpRegister   Op = "register"
	OpDeregister Op = "deregister"
	OpHeartbeat  Op = "heartbeat"
)

// Command is one Raft log entry: an operation plus its JSON-encoded
// payload, mirroring the teacher's manager.Command{Op, Data} shape.
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// registerPayload is Command.Data for OpRegister. Register always mints a
// fresh instance_id on apply (the Registry has no caller-assigned-id path),
// so a real multi-node deployment of this FSM would need the leader to
// broadcast the minted id back out-of-band; this module never bootstraps
// that deployment, so Apply's returned id is the single source of truth.
type registerPayload struct {
	Config registry.InstanceConfig `json:"config"`
}

type deregisterPayload struct {
	InstanceID string `json:"instance_id"`
}

type heartbeatPayload struct {
	InstanceID string                `json:"instance_id"`
	Metrics    *types.InstanceMetrics `json:"metrics,omitempty"`
}

// EncodeRegister builds the []byte to hand to raft.Raft.Apply for a
// register operation.
func EncodeRegister(cfg registry.InstanceConfig) ([]byte, error) {
	data, err := json.Marshal(registerPayload{Config: cfg})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Op: OpRegister, Data: data})
}

// EncodeDeregister builds the []byte for a deregister operation.
func EncodeDeregister(instanceID string) ([]byte, error) {
	data, err := json.Marshal(deregisterPayload{InstanceID: instanceID})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Op: OpDeregister, Data: data})
}

// EncodeHeartbeat builds the []byte for a heartbeat operation.
func EncodeHeartbeat(instanceID string, metrics *types.InstanceMetrics) ([]byte, error) {
	data, err := json.Marshal(heartbeatPayload{InstanceID: instanceID, Metrics: metrics})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Op: OpHeartbeat, Data: data})
}

// FSM implements raft.FSM over a *registry.Registry: every committed log
// entry is replayed as the corresponding Registry call, so every node in a
// cluster (were one ever assembled) converges on the same instance table.
type FSM struct {
	mu  sync.Mutex
	reg *registry.Registry
}

// NewFSM wraps reg for replicated application. reg is otherwise used
// directly (selection/discovery reads never go through Raft).
func NewFSM(reg *registry.Registry) *FSM {
	return &FSM{reg: reg}
}

// Apply decodes one Raft log entry and replays it against the Registry.
// Returned values are whatever the underlying Registry call returns,
// surfaced to raft.ApplyFuture.Response() for callers that care.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("replication: decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpRegister:
		var p registerPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		id, err := f.reg.Register(p.Config)
		if err != nil {
			return err
		}
		return id

	case OpDeregister:
		var p deregisterPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		ok, err := f.reg.Deregister(p.InstanceID)
		if err != nil {
			return err
		}
		return ok

	case OpHeartbeat:
		var p heartbeatPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.reg.Heartbeat(p.InstanceID, p.Metrics)

	default:
		return fmt.Errorf("replication: unknown command %q", cmd.Op)
	}
}

// Snapshot captures every currently-registered instance, mirroring the
// teacher's WarrenFSM.Snapshot (collect-then-serialize) but over the
// fabric's single entity type instead of six.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	instances := f.reg.Discover(registry.Query{})
	return &snapshot{instances: instances}, nil
}

// Restore replays a snapshot's instances back into the Registry, used when
// a node joins a cluster after the log has been compacted.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var instances []*types.ServiceInstance
	if err := json.NewDecoder(rc).Decode(&instances); err != nil {
		return fmt.Errorf("replication: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, inst := range instances {
		cfg := registry.InstanceConfig{
			ServiceName: inst.ServiceName,
			Version:     inst.Version,
			Host:        inst.Host,
			Port:        inst.Port,
			Protocol:    inst.Protocol,
			Tags:        inst.Tags,
			Metadata:    inst.Metadata,
			HealthCheck: inst.HealthCheck,
		}
		if _, err := f.reg.Register(cfg); err != nil {
			return fmt.Errorf("replication: restore instance %s: %w", inst.InstanceID, err)
		}
	}
	return nil
}

// snapshot implements raft.FSMSnapshot over a point-in-time instance list.
type snapshot struct {
	instances []*types.ServiceInstance
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.instances); err != nil {
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
