package agents

import "fmt"

// AutorunTask is one initial tasking applied to a freshly staged agent.
type AutorunTask struct {
	Name string
	Body string
}

// AutorunProvider supplies per-language initial taskings. The operator
// console implements it; the core only asks at activation time.
type AutorunProvider interface {
	AutorunTasks(language string) []AutorunTask
}

// autorunUserID attributes autorun taskings to the system rather than an
// operator.
const autorunUserID = 0

// runAutoruns queues the configured initial taskings for a just-activated
// agent: the global autorun from the config row first, then any per-language
// list from the provider.
func (m *Manager) runAutoruns(sessionID, language string) {
	command, data, err := m.store.Autoruns()
	if err != nil {
		m.logger.Warn("load autoruns", "error", err)
	} else if command != "" && data != "" {
		if _, err := m.Enqueue(sessionID, command, data, autorunUserID, ""); err != nil {
			m.logger.Warn("enqueue global autorun", "session_id", sessionID, "error", err)
		}
	}

	if m.autoruns == nil {
		return
	}
	for _, task := range m.autoruns.AutorunTasks(language) {
		if _, err := m.Enqueue(sessionID, task.Name, task.Body, autorunUserID, ""); err != nil {
			m.logger.Warn("enqueue autorun", "session_id", sessionID, "task", task.Name, "error", err)
		}
	}
}

// SetAutoruns records the global autorun command and payload.
func (m *Manager) SetAutoruns(command, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SetAutoruns(command, data); err != nil {
		return fmt.Errorf("set autoruns: %w", err)
	}
	return nil
}

// ClearAutoruns clears the global autorun.
func (m *Manager) ClearAutoruns() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.ClearAutoruns(); err != nil {
		return fmt.Errorf("clear autoruns: %w", err)
	}
	return nil
}

// Autoruns returns the global autorun command and payload.
func (m *Manager) Autoruns() (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Autoruns()
}
