package monitor

import (
	"fmt"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

type AgentNode struct {
	Agent    *models.AgentRecord
	Children []*AgentNode
}

// BuildAgentTree reconstructs the forest from parent links. Records whose
// parent no longer exists are treated as roots so they stay visible.
func (m *Monitor) BuildAgentTree() ([]*AgentNode, error) {
	agents, err := m.GetAllAgents()
	if err != nil {
		return nil, err
	}
	return buildForest(agents), nil
}

func buildForest(agents []*models.AgentRecord) []*AgentNode {
	nodes := make(map[int64]*AgentNode, len(agents))
	for _, a := range agents {
		nodes[a.ID] = &AgentNode{Agent: a}
	}

	var roots []*AgentNode
	for _, a := range agents {
		node := nodes[a.ID]
		if a.ParentID != nil {
			if parent, ok := nodes[*a.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return roots
}

// Walk visits the node and its descendants depth-first.
func (n *AgentNode) Walk(fn func(node *AgentNode, depth int)) {
	var walk func(*AgentNode, int)
	walk = func(node *AgentNode, depth int) {
		fn(node, depth)
		for _, c := range node.Children {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
}

// GetFullSubtree returns the agent followed by all of its descendants in
// breadth-first order.
func (m *Monitor) GetFullSubtree(id int64) ([]*models.AgentRecord, error) {
	agents, err := m.GetAllAgents()
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*models.AgentRecord, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	root, ok := byID[id]
	if !ok {
		return nil, fmt.Errorf("agent %d: %w", id, storage.ErrNotFound)
	}

	out := []*models.AgentRecord{root}
	for i := 0; i < len(out); i++ {
		for _, childID := range out[i].Children {
			if child, ok := byID[childID]; ok {
				out = append(out, child)
			}
		}
	}
	return out, nil
}

// GetAgentsByRoot groups every agent under the root of its tree.
func (m *Monitor) GetAgentsByRoot() (map[int64][]*models.AgentRecord, error) {
	agents, err := m.GetAllAgents()
	if err != nil {
		return nil, err
	}

	groups := make(map[int64][]*models.AgentRecord)
	for _, root := range buildForest(agents) {
		id := root.Agent.ID
		root.Walk(func(node *AgentNode, _ int) {
			groups[id] = append(groups[id], node.Agent)
		})
	}
	return groups, nil
}

// ClearDescendants deletes every record below id, leaving id itself.
func (m *Monitor) ClearDescendants(id int64) (int, error) {
	subtree, err := m.GetFullSubtree(id)
	if err != nil {
		return 0, err
	}
	if len(subtree) <= 1 {
		return 0, nil
	}

	ids := make([]int64, 0, len(subtree)-1)
	for _, a := range subtree[1:] {
		ids = append(ids, a.ID)
	}

	deleted, err := m.store.DeleteAgents(ids)
	if err != nil {
		return 0, fmt.Errorf("failed to clear descendants of %d: %w", id, err)
	}
	m.logger.Info("cleared descendant agents", "agent_id", id, "count", deleted)
	return int(deleted), nil
}
