// Package orchestration executes declarative workflow DAGs: dependency
// resolution, bounded parallelism, kind-aware retries, failure
// policies, and checkpointed state for crash recovery.
package orchestration

import (
	"sync"

	"github.com/dimensigon/aishell/core"
)

// WorkflowDAG tracks the execution status of a workflow's dependency
// graph.
type WorkflowDAG struct {
	nodes map[string]*DAGNode
	mu    sync.RWMutex
}

// DAGNode represents a node in the workflow DAG
type DAGNode struct {
	ID           string
	Dependencies []string
	Dependents   []string
	Status       NodeStatus
}

// NodeStatus represents the execution status of a DAG node
type NodeStatus int

const (
	NodePending NodeStatus = iota
	NodeRunning
	NodeCompleted
	NodeFailed
	NodeSkipped
	NodeCancelled
)

func (s NodeStatus) terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// NewWorkflowDAG creates a new workflow DAG
func NewWorkflowDAG() *WorkflowDAG {
	return &WorkflowDAG{
		nodes: make(map[string]*DAGNode),
	}
}

// AddNode adds a node to the DAG
func (d *WorkflowDAG) AddNode(id string, dependencies []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, exists := d.nodes[id]; exists {
		existing.Dependencies = dependencies
	} else {
		d.nodes[id] = &DAGNode{
			ID:           id,
			Dependencies: dependencies,
			Dependents:   []string{},
			Status:       NodePending,
		}
	}

	d.rebuildDependents()
}

// rebuildDependents rebuilds the dependents list for all nodes
func (d *WorkflowDAG) rebuildDependents() {
	for _, node := range d.nodes {
		node.Dependents = []string{}
	}

	for nodeID, node := range d.nodes {
		for _, dep := range node.Dependencies {
			depNode, exists := d.nodes[dep]
			if !exists {
				continue
			}
			found := false
			for _, existing := range depNode.Dependents {
				if existing == nodeID {
					found = true
					break
				}
			}
			if !found {
				depNode.Dependents = append(depNode.Dependents, nodeID)
			}
		}
	}
}

// Validate checks that every dependency exists and the graph is
// acyclic. Cycles surface as KindCyclicDependency, dangling references
// as KindUnknownStep.
func (d *WorkflowDAG) Validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for nodeID, node := range d.nodes {
		for _, dep := range node.Dependencies {
			if _, exists := d.nodes[dep]; !exists {
				return core.Errorf(core.KindUnknownStep, "step %s depends on unknown step %s", nodeID, dep)
			}
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	for nodeID := range d.nodes {
		if !visited[nodeID] {
			if d.hasCycleDFS(nodeID, visited, recStack) {
				return core.Errorf(core.KindCyclicDependency, "workflow contains circular dependencies")
			}
		}
	}

	return nil
}

// hasCycleDFS performs depth-first search to detect cycles
func (d *WorkflowDAG) hasCycleDFS(nodeID string, visited, recStack map[string]bool) bool {
	visited[nodeID] = true
	recStack[nodeID] = true

	for _, dependent := range d.nodes[nodeID].Dependents {
		if !visited[dependent] {
			if d.hasCycleDFS(dependent, visited, recStack) {
				return true
			}
		} else if recStack[dependent] {
			return true
		}
	}

	recStack[nodeID] = false
	return false
}

// ReadyNodes returns pending nodes whose dependencies have all reached
// a satisfied terminal state (completed or skipped).
func (d *WorkflowDAG) ReadyNodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []string
	for nodeID, node := range d.nodes {
		if node.Status == NodePending && d.dependenciesSatisfied(nodeID) {
			ready = append(ready, nodeID)
		}
	}
	return ready
}

func (d *WorkflowDAG) dependenciesSatisfied(nodeID string) bool {
	for _, dep := range d.nodes[nodeID].Dependencies {
		depNode := d.nodes[dep]
		if depNode.Status != NodeCompleted && depNode.Status != NodeSkipped {
			return false
		}
	}
	return true
}

// SetStatus transitions a node.
func (d *WorkflowDAG) SetStatus(nodeID string, status NodeStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, exists := d.nodes[nodeID]; exists {
		node.Status = status
	}
}

// Status returns a node's status.
func (d *WorkflowDAG) Status(nodeID string) (NodeStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, exists := d.nodes[nodeID]
	if !exists {
		return NodePending, false
	}
	return node.Status, true
}

// SkipDependents marks every pending transitive dependent of the node
// as skipped. Used when a dependency can never be satisfied: the node
// failed, was cancelled, or its failure policy skips downstream work.
func (d *WorkflowDAG) SkipDependents(nodeID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var skipped []string
	d.skipDependentsLocked(nodeID, &skipped)
	return skipped
}

func (d *WorkflowDAG) skipDependentsLocked(nodeID string, skipped *[]string) {
	node, exists := d.nodes[nodeID]
	if !exists {
		return
	}
	for _, dependent := range node.Dependents {
		depNode := d.nodes[dependent]
		if depNode != nil && depNode.Status == NodePending {
			depNode.Status = NodeSkipped
			*skipped = append(*skipped, dependent)
			d.skipDependentsLocked(dependent, skipped)
		}
	}
}

// SkipBranch marks the node skipped and cascades to dependents whose
// every dependency is itself skipped. Dependents joining a live branch
// stay pending; a skipped dependency counts as satisfied for them.
// Used for the branch a conditional did not take.
func (d *WorkflowDAG) SkipBranch(nodeID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, exists := d.nodes[nodeID]
	if !exists || node.Status != NodePending {
		return nil
	}
	node.Status = NodeSkipped
	skipped := []string{nodeID}
	d.skipBranchCascadeLocked(nodeID, &skipped)
	return skipped
}

func (d *WorkflowDAG) skipBranchCascadeLocked(nodeID string, skipped *[]string) {
	for _, dependent := range d.nodes[nodeID].Dependents {
		depNode := d.nodes[dependent]
		if depNode == nil || depNode.Status != NodePending {
			continue
		}
		allSkipped := true
		for _, dep := range depNode.Dependencies {
			if d.nodes[dep].Status != NodeSkipped {
				allSkipped = false
				break
			}
		}
		if allSkipped {
			depNode.Status = NodeSkipped
			*skipped = append(*skipped, dependent)
			d.skipBranchCascadeLocked(dependent, skipped)
		}
	}
}

// CancelPending marks every non-terminal, non-running node cancelled.
// Running nodes drain on their own; the caller records their outcome.
func (d *WorkflowDAG) CancelPending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cancelled []string
	for nodeID, node := range d.nodes {
		if node.Status == NodePending {
			node.Status = NodeCancelled
			cancelled = append(cancelled, nodeID)
		}
	}
	return cancelled
}

// IsComplete reports whether every node reached a terminal state.
func (d *WorkflowDAG) IsComplete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, node := range d.nodes {
		if !node.Status.terminal() {
			return false
		}
	}
	return true
}

// HasRunningNodes reports whether any node is currently running.
func (d *WorkflowDAG) HasRunningNodes() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, node := range d.nodes {
		if node.Status == NodeRunning {
			return true
		}
	}
	return false
}

// TopologicalOrder returns node IDs in a valid execution order using
// Kahn's algorithm. Only meaningful after Validate.
func (d *WorkflowDAG) TopologicalOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inDegree := make(map[string]int)
	for nodeID, node := range d.nodes {
		inDegree[nodeID] = len(node.Dependencies)
	}

	var queue []string
	for nodeID, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, nodeID)
		}
	}

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dependent := range d.nodes[current].Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	return result
}

// Reset returns every node to pending.
func (d *WorkflowDAG) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, node := range d.nodes {
		node.Status = NodePending
	}
}
