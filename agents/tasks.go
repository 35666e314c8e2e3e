package agents

import (
	"fmt"
	"time"

	"github.com/Pen-Git/Empire/events"
	"github.com/Pen-Git/Empire/store"
)

// taskIDSpace is the size of the per-agent task ID space. IDs wrap and are
// reused after the wrap; the store replaces the earlier cycle's task and
// result rows under a reused ID.
const taskIDSpace = 65536

// taskingSummaryLen bounds the task body copied into the taskings table; the
// full body still travels to the agent.
const taskingSummaryLen = 100

// Enqueue queues a task for an agent and returns the minted task ID. A blank
// result row is created under the same ID so the reply has a slot waiting.
func (m *Manager) Enqueue(idOrName, taskName, body string, userID int, moduleName string) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID := m.resolveLocked(idOrName)
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrAgentUnknown
	}

	id, err := m.nextTaskIDLocked(sessionID, s)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	summary := body
	if len(summary) > taskingSummaryLen {
		summary = summary[:taskingSummaryLen]
	}
	if err := m.store.AddTask(&store.Task{
		ID:         int(id),
		Agent:      sessionID,
		Data:       summary,
		UserID:     userID,
		Timestamp:  now,
		ModuleName: moduleName,
	}); err != nil {
		return 0, fmt.Errorf("persist task: %w", err)
	}

	a, err := m.agentLocked(sessionID)
	if err != nil {
		return 0, err
	}
	taskings := append(a.Taskings, store.QueuedTask{Name: taskName, Body: body, ID: id})
	if err := m.store.SetTaskings(sessionID, taskings); err != nil {
		return 0, fmt.Errorf("persist taskings: %w", err)
	}

	if err := m.store.TouchUser(userID, now); err != nil {
		m.logger.Warn("touch user", "user_id", userID, "error", err)
	}

	m.emit(sessionID, events.Event{
		Message: fmt.Sprintf("[*] Tasked %s to run %s", sessionID, taskName),
		Print:   true,
	})
	m.emit(sessionID, events.Event{
		EventType: events.TypeTask,
		Message:   fmt.Sprintf("[*] Agent %s tasked with task ID %d", sessionID, id),
		Print:     true,
		TaskName:  taskName,
		TaskID:    int(id),
		Task:      body,
		Timestamp: now,
	})
	return id, nil
}

// nextTaskIDLocked mints the next task ID for one agent: one past the last
// minted ID, modulo the ID space. The counter is seeded from the store so
// restarts continue the sequence.
func (m *Manager) nextTaskIDLocked(sessionID string, s *session) (uint16, error) {
	if !s.taskIDSeeded {
		max, err := m.store.MaxTaskID(sessionID)
		if err != nil {
			return 0, fmt.Errorf("seed task id: %w", err)
		}
		s.lastTaskID = uint16(max % taskIDSpace)
		s.taskIDSeeded = true
	}
	s.lastTaskID = uint16((int(s.lastTaskID) + 1) % taskIDSpace)
	return s.lastTaskID, nil
}

// Drain atomically returns and clears the agent's pending tasks. An agent
// polling concurrently with an operator enqueue sees either the full batch
// or none of it.
func (m *Manager) Drain(idOrName string) ([]store.QueuedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drainLocked(m.resolveLocked(idOrName))
}

func (m *Manager) drainLocked(sessionID string) ([]store.QueuedTask, error) {
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrAgentUnknown
	}
	a, err := m.agentLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if len(a.Taskings) == 0 {
		return nil, nil
	}
	if err := m.store.SetTaskings(sessionID, nil); err != nil {
		return nil, fmt.Errorf("clear taskings: %w", err)
	}
	return a.Taskings, nil
}

// ClearTasks empties an agent's pending queue without delivering it.
func (m *Manager) ClearTasks(idOrName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID := m.resolveLocked(idOrName)
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrAgentUnknown
	}
	if err := m.store.SetTaskings(sessionID, nil); err != nil {
		return fmt.Errorf("clear taskings: %w", err)
	}
	m.emit(sessionID, events.Event{
		Message: fmt.Sprintf("[*] Tasked %s to clear tasks", sessionID),
		Print:   true,
	})
	return nil
}

// AgentsForListener returns the persisted records of every agent currently
// carried by the named listener.
func (m *Manager) AgentsForListener(listener string) ([]*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.store.Agents()
	if err != nil {
		return nil, err
	}
	var out []*store.Agent
	for _, a := range rows {
		if a.Listener == listener {
			out = append(out, a)
		}
	}
	return out, nil
}

// TasksForListener drains the pending queue of every agent on the named
// listener, returning (sessionID, tasks) pairs.
func (m *Manager) TasksForListener(listener string) (map[string][]store.QueuedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.store.Agents()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]store.QueuedTask)
	for _, a := range rows {
		if a.Listener != listener || len(a.Taskings) == 0 {
			continue
		}
		if err := m.store.SetTaskings(a.SessionID, nil); err != nil {
			return nil, fmt.Errorf("clear taskings: %w", err)
		}
		out[a.SessionID] = a.Taskings
	}
	return out, nil
}
