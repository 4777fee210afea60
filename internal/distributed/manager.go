// Package distributed tracks a small fleet of cooperating nodes and the
// tasks dispatched between them. All state lives in one JSON file guarded by
// an advisory file lock, so several processes on one host (or a shared
// filesystem) can coordinate without a broker. This is best-effort fleet
// bookkeeping, not consensus.
package distributed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/miniclaw/miniclaw/internal/config"
)

// TaskStatus is the lifecycle state of a distributed task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError
}

// Node is one fleet member.
type Node struct {
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
	Address      string   `json:"address,omitempty"`
	Status       string   `json:"status,omitempty"`

	LastHeartbeatMS int64 `json:"last_heartbeat_ms"`
}

// Alive reports whether the node heartbeated within the timeout.
func (n *Node) Alive(now time.Time, timeout time.Duration) bool {
	return now.UnixMilli()-n.LastHeartbeatMS <= timeout.Milliseconds()
}

// Task is one dispatched unit of work.
type Task struct {
	TaskID               string         `json:"task_id"`
	AssignedNodeID       string         `json:"assigned_node_id,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Status               TaskStatus     `json:"status"`
	Payload              map[string]any `json:"payload,omitempty"`
	Result               string         `json:"result,omitempty"`
	Error                string         `json:"error,omitempty"`

	CreatedAtMS int64 `json:"created_at_ms"`
	UpdatedAtMS int64 `json:"updated_at_ms"`
}

// state is the on-disk document.
type state struct {
	Nodes map[string]*Node `json:"nodes"`
	Tasks map[string]*Task `json:"tasks"`
}

// Manager mediates all reads and writes of the cluster file.
type Manager struct {
	cfg    config.DistributedConfig
	flk    *flock.Flock
	logger *slog.Logger
	now    func() time.Time
}

// NewManager prepares the state file location.
func NewManager(cfg config.DistributedConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StatePath == "" {
		return nil, fmt.Errorf("distributed: state path required")
	}
	if cfg.HeartbeatTimeoutSeconds <= 0 {
		cfg.HeartbeatTimeoutSeconds = 30
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 1000
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o755); err != nil {
		return nil, fmt.Errorf("distributed: create state dir: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		flk:    flock.New(cfg.StatePath + ".lock"),
		logger: logger,
		now:    time.Now,
	}, nil
}

func (m *Manager) heartbeatTimeout() time.Duration {
	return time.Duration(m.cfg.HeartbeatTimeoutSeconds) * time.Second
}

// withState runs fn under the file lock with the loaded state, persisting it
// afterwards when fn reports a mutation.
func (m *Manager) withState(fn func(st *state) (bool, error)) error {
	if err := m.flk.Lock(); err != nil {
		return fmt.Errorf("distributed: lock: %w", err)
	}
	defer m.flk.Unlock()

	st, err := m.loadLocked()
	if err != nil {
		return err
	}
	dirty, err := fn(st)
	if err != nil {
		return err
	}
	if dirty {
		return m.saveLocked(st)
	}
	return nil
}

func (m *Manager) loadLocked() (*state, error) {
	st := &state{Nodes: map[string]*Node{}, Tasks: map[string]*Task{}}
	data, err := os.ReadFile(m.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("distributed: read state: %w", err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("distributed: parse state: %w", err)
	}
	if st.Nodes == nil {
		st.Nodes = map[string]*Node{}
	}
	if st.Tasks == nil {
		st.Tasks = map[string]*Task{}
	}
	return st, nil
}

func (m *Manager) saveLocked(st *state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("distributed: marshal state: %w", err)
	}
	tmp := m.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("distributed: write state: %w", err)
	}
	if err := os.Rename(tmp, m.cfg.StatePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("distributed: write state: %w", err)
	}
	return nil
}

// peerAllowed checks the registration allowlist: the local node plus any
// explicitly listed peers.
func (m *Manager) peerAllowed(nodeID string) bool {
	if nodeID == m.cfg.NodeID {
		return true
	}
	for _, peer := range m.cfg.AllowedPeers {
		if peer == nodeID {
			return true
		}
	}
	return false
}

// RegisterNode upserts a node record.
func (m *Manager) RegisterNode(nodeID string, capabilities []string, address string) error {
	if !m.peerAllowed(nodeID) {
		return fmt.Errorf("distributed: node %q not in peer allowlist", nodeID)
	}
	return m.withState(func(st *state) (bool, error) {
		st.Nodes[nodeID] = &Node{
			NodeID:          nodeID,
			Capabilities:    capabilities,
			Address:         address,
			Status:          "online",
			LastHeartbeatMS: m.now().UnixMilli(),
		}
		return true, nil
	})
}

// Heartbeat refreshes a node's liveness.
func (m *Manager) Heartbeat(nodeID, status string) error {
	return m.withState(func(st *state) (bool, error) {
		node, ok := st.Nodes[nodeID]
		if !ok {
			return false, fmt.Errorf("distributed: unknown node %q", nodeID)
		}
		node.LastHeartbeatMS = m.now().UnixMilli()
		if status != "" {
			node.Status = status
		}
		return true, nil
	})
}

// Nodes returns all nodes with liveness computed against now.
func (m *Manager) Nodes() ([]*Node, error) {
	var out []*Node
	err := m.withState(func(st *state) (bool, error) {
		for _, n := range st.Nodes {
			out = append(out, n)
		}
		return false, nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, err
}

func covers(have, need []string) bool {
	set := map[string]bool{}
	for _, c := range have {
		set[c] = true
	}
	for _, c := range need {
		if !set[c] {
			return false
		}
	}
	return true
}

// DispatchTask queues a task on a capable, alive node. The preferred node is
// used when it qualifies; otherwise the first alive node (by id) whose
// capability set covers the requirement wins.
func (m *Manager) DispatchTask(required []string, payload map[string]any, preferredNodeID string) (*Task, error) {
	var task *Task
	err := m.withState(func(st *state) (bool, error) {
		now := m.now()
		timeout := m.heartbeatTimeout()

		qualifies := func(n *Node) bool {
			return n != nil && n.Alive(now, timeout) && covers(n.Capabilities, required)
		}

		var target *Node
		if preferredNodeID != "" && qualifies(st.Nodes[preferredNodeID]) {
			target = st.Nodes[preferredNodeID]
		} else {
			ids := make([]string, 0, len(st.Nodes))
			for id := range st.Nodes {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				if qualifies(st.Nodes[id]) {
					target = st.Nodes[id]
					break
				}
			}
		}
		if target == nil {
			return false, fmt.Errorf("distributed: no alive node with capabilities %v", required)
		}

		task = &Task{
			TaskID:               uuid.NewString(),
			AssignedNodeID:       target.NodeID,
			RequiredCapabilities: required,
			Status:               TaskQueued,
			Payload:              payload,
			CreatedAtMS:          now.UnixMilli(),
			UpdatedAtMS:          now.UnixMilli(),
		}
		st.Tasks[task.TaskID] = task
		m.pruneLocked(st)
		return true, nil
	})
	return task, err
}

// ClaimTask transitions the node's oldest queued task to running and
// returns it, or nil when nothing is queued for the node.
func (m *Manager) ClaimTask(nodeID string) (*Task, error) {
	var claimed *Task
	err := m.withState(func(st *state) (bool, error) {
		var oldest *Task
		for _, t := range st.Tasks {
			if t.Status != TaskQueued || t.AssignedNodeID != nodeID {
				continue
			}
			if oldest == nil || t.CreatedAtMS < oldest.CreatedAtMS {
				oldest = t
			}
		}
		if oldest == nil {
			return false, nil
		}
		oldest.Status = TaskRunning
		oldest.UpdatedAtMS = m.now().UnixMilli()
		claimed = oldest
		return true, nil
	})
	return claimed, err
}

// CompleteTask records a terminal result for a task owned by nodeID.
func (m *Manager) CompleteTask(taskID, nodeID, result, errMsg string) error {
	return m.withState(func(st *state) (bool, error) {
		task, ok := st.Tasks[taskID]
		if !ok {
			return false, fmt.Errorf("distributed: unknown task %q", taskID)
		}
		if task.AssignedNodeID != nodeID {
			return false, fmt.Errorf("distributed: task %q assigned to %q, not %q", taskID, task.AssignedNodeID, nodeID)
		}
		if errMsg != "" {
			task.Status = TaskError
			task.Error = errMsg
		} else {
			task.Status = TaskCompleted
			task.Result = result
		}
		task.UpdatedAtMS = m.now().UnixMilli()
		return true, nil
	})
}

// Task returns one task by id.
func (m *Manager) Task(taskID string) (*Task, error) {
	var out *Task
	err := m.withState(func(st *state) (bool, error) {
		t, ok := st.Tasks[taskID]
		if !ok {
			return false, fmt.Errorf("distributed: unknown task %q", taskID)
		}
		out = t
		return false, nil
	})
	return out, err
}

// pruneLocked bounds the task table: every non-terminal task survives
// unconditionally; terminal tasks are dropped oldest-first until the table
// fits MaxTasks.
func (m *Manager) pruneLocked(st *state) {
	if len(st.Tasks) <= m.cfg.MaxTasks {
		return
	}
	var terminal []*Task
	nonTerminal := 0
	for _, t := range st.Tasks {
		if t.Status.Terminal() {
			terminal = append(terminal, t)
		} else {
			nonTerminal++
		}
	}
	keepTerminal := m.cfg.MaxTasks - nonTerminal
	if keepTerminal < 0 {
		keepTerminal = 0
	}
	if len(terminal) <= keepTerminal {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].UpdatedAtMS > terminal[j].UpdatedAtMS
	})
	for _, t := range terminal[keepTerminal:] {
		delete(st.Tasks, t.TaskID)
	}
}
