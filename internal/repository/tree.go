package store

import (
	"context"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// BuildSessionTree links a flat session list into parent/child trees in one
// O(n) pass. Input order does not matter. A session whose parent reference
// points outside the list is treated as a root rather than an error, so a
// damaged trace still renders instead of failing the whole task view.
func BuildSessionTree(sessions []domain.Session) []*domain.Session {
	nodes := make(map[string]*domain.Session, len(sessions))
	order := make([]*domain.Session, 0, len(sessions))
	for i := range sessions {
		node := sessions[i]
		node.Children = nil
		nodes[node.SessionID] = &node
		order = append(order, &node)
	}

	var roots []*domain.Session
	for _, node := range order {
		if node.ParentSessionID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[node.ParentSessionID]
		if !ok {
			// Orphaned parent reference: surface as a root.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	return roots
}

// GetSessionTree fetches all sessions of a task and returns the
// reconstructed trees.
func (s *SQLiteStore) GetSessionTree(ctx context.Context, taskID string) ([]*domain.Session, error) {
	sessions, err := s.ListTaskSessions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return BuildSessionTree(sessions), nil
}
