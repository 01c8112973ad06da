package session

import (
	"errors"
	"fmt"

	"github.com/kilnhq/kiln/internal/storage"
	"github.com/kilnhq/kiln/pkg/protocol"
)

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// Todo is one entry in a session's ordered plan.
type Todo struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// Todos reads the session's plan; a missing plan is an empty list.
func (m *Manager) Todos(sessionID string) ([]Todo, error) {
	var todos []Todo
	if err := m.store.Read(&todos, "plan", sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return todos, nil
}

// UpdateTodos replaces the plan and publishes todo.updated.
func (m *Manager) UpdateTodos(sessionID string, todos []Todo) error {
	if _, err := m.Get(sessionID); err != nil {
		return err
	}
	for i, todo := range todos {
		switch todo.Status {
		case TodoPending, TodoInProgress, TodoCompleted:
		default:
			return fmt.Errorf("todo %d: invalid status %q", i, todo.Status)
		}
	}
	if err := m.store.Write(todos, "plan", sessionID); err != nil {
		return err
	}
	m.bus.Publish(protocol.EventTodoUpdated, map[string]any{
		"sessionID": sessionID,
		"todos":     todos,
	})
	return nil
}
