// Package agents owns the authoritative state of every remote agent: the
// staging handshake that establishes a per-agent session key, the per-agent
// task and result queues, and the dispatcher that reacts to the tagged
// result packets agents post back.
//
// All public entry points are safe for concurrent use by listener threads. A
// single coarse mutex guards the in-memory session table and every derived
// mutation; database writes happen inside the same critical section as the
// in-memory update, so the two views never diverge. CPU-bound crypto runs
// outside the lock.
package agents

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Pen-Git/Empire/events"
	"github.com/Pen-Git/Empire/store"
)

// RemoveAll is the wildcard accepted by RemoveAgent to evict every agent.
const RemoveAll = "%"

// session is the hot in-memory slice of an agent row, kept so beacon-path
// lookups never touch the database.
type session struct {
	sessionKey []byte
	language   string
	functions  []string

	// lastTaskID is the most recently minted task ID, seeded lazily from
	// the store's max for this agent.
	lastTaskID   uint16
	taskIDSeeded bool
}

// Config configures a Manager.
type Config struct {
	// InstallPath is the server root; downloads land under
	// <InstallPath>/downloads.
	InstallPath string

	// Store is the persistence adapter. Required.
	Store store.Store

	// Bus receives structured events for every notable action. Required.
	Bus *events.Bus

	// Logger receives structured logs. Optional; discarded when nil.
	Logger *slog.Logger

	// Credentials receives credentials harvested from agent output.
	// Optional.
	Credentials CredentialStore

	// Autoruns supplies per-language initial taskings applied when an agent
	// finishes staging. Optional.
	Autoruns AutorunProvider
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Bus == nil {
		return errors.New("event bus is required")
	}
	if c.InstallPath == "" {
		return errors.New("install path is required")
	}
	return nil
}

// Manager is the agent session manager.
type Manager struct {
	mu sync.Mutex

	cfg      Config
	store    store.Store
	bus      *events.Bus
	logger   *slog.Logger
	creds    CredentialStore
	autoruns AutorunProvider

	// sessions mirrors the persisted agent rows; an ID is present here iff
	// its row exists in the store.
	sessions map[string]*session
}

// NewManager builds a Manager and rehydrates the in-memory session table
// from the store.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Manager{
		cfg:      cfg,
		store:    cfg.Store,
		bus:      cfg.Bus,
		logger:   logger.With("component", "agents"),
		creds:    cfg.Credentials,
		autoruns: cfg.Autoruns,
		sessions: make(map[string]*session),
	}

	rows, err := m.store.Agents()
	if err != nil {
		return nil, fmt.Errorf("rehydrate agents: %w", err)
	}
	for _, a := range rows {
		m.sessions[a.SessionID] = &session{
			sessionKey: a.SessionKey,
			language:   a.Language,
			functions:  a.Functions,
		}
	}
	m.logger.Info("session table rehydrated", "agents", len(rows))

	return m, nil
}

// emit publishes an event attributed to one agent.
func (m *Manager) emit(sessionID string, e events.Event) {
	e.Sender = "agents/" + sessionID
	m.bus.Publish(e)
}

// resolveLocked maps a name to its session ID when a name was supplied.
// Returns the input unchanged if it is already a live session ID.
func (m *Manager) resolveLocked(idOrName string) string {
	if _, ok := m.sessions[idOrName]; ok {
		return idOrName
	}
	if id, err := m.store.SessionIDByName(idOrName); err == nil {
		return id
	}
	return idOrName
}

// IsPresent reports whether a session ID or name corresponds to a live
// agent.
func (m *Manager) IsPresent(idOrName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[m.resolveLocked(idOrName)]
	return ok
}

// SessionIDs returns the live session IDs.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Agent returns the full persisted record for a session ID or name.
func (m *Manager) Agent(idOrName string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentLocked(idOrName)
}

func (m *Manager) agentLocked(idOrName string) (*store.Agent, error) {
	a, err := m.store.Agent(idOrName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentUnknown
	}
	return a, err
}

// AddAgent registers a freshly staged agent in the session table and the
// store. The two writes share one critical section.
func (m *Manager) AddAgent(sessionID, externalIP string, opts ListenerOptions, sessionKey []byte, nonce, language string) error {
	now := time.Now().UTC()

	if len(sessionKey) == 0 {
		return errors.New("agents: empty session key")
	}

	a := &store.Agent{
		SessionID:    sessionID,
		Name:         sessionID,
		Delay:        opts.DefaultDelay,
		Jitter:       opts.DefaultJitter,
		ExternalIP:   externalIP,
		SessionKey:   sessionKey,
		Nonce:        nonce,
		CheckinTime:  now,
		LastseenTime: now,
		Profile:      opts.profile(),
		KillDate:     opts.KillDate,
		WorkingHours: opts.WorkingHours,
		LostLimit:    opts.DefaultLostLimit,
		Listener:     opts.Name,
		Language:     language,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.AddAgent(a); err != nil {
		return fmt.Errorf("persist agent: %w", err)
	}
	m.sessions[sessionID] = &session{sessionKey: sessionKey, language: language}

	m.emit(sessionID, events.Event{
		EventType: events.TypeCheckin,
		Message:   fmt.Sprintf("[*] New agent %s checked in", sessionID),
		Print:     true,
		Timestamp: now,
	})
	m.logger.Info("agent checked in", "session_id", sessionID, "language", language, "external_ip", externalIP)
	return nil
}

// RemoveAgent evicts one agent (by ID or name) from the session table and
// the store, discarding its pending tasks. The wildcard "%" removes every
// agent.
func (m *Manager) RemoveAgent(idOrName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeAgentLocked(idOrName)
}

func (m *Manager) removeAgentLocked(idOrName string) error {
	sessionID := idOrName
	if sessionID == RemoveAll || sessionID == "all" {
		sessionID = RemoveAll
		m.sessions = make(map[string]*session)
	} else {
		sessionID = m.resolveLocked(sessionID)
		delete(m.sessions, sessionID)
	}

	if err := m.store.RemoveAgent(sessionID); err != nil {
		return fmt.Errorf("remove agent: %w", err)
	}

	m.emit(sessionID, events.Event{
		Message: fmt.Sprintf("[*] Agent %s deleted", sessionID),
		Print:   true,
	})
	return nil
}

// RenameAgent gives an agent a new human name and atomically moves its
// download directory. The session ID is unchanged.
func (m *Manager) RenameAgent(oldName, newName string) error {
	if !isAlphanumeric(newName) {
		return ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	oldPath := filepath.Join(m.downloadsRoot(), oldName)
	newPath := filepath.Join(m.downloadsRoot(), newName)

	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("%w: download directory exists", ErrNameTaken)
	}
	if _, err := m.store.SessionIDByName(newName); err == nil {
		return fmt.Errorf("%w: agent name exists", ErrNameTaken)
	}
	if err := m.store.RenameAgent(oldName, newName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentUnknown
		}
		return fmt.Errorf("rename: %w", err)
	}
	if _, err := os.Stat(oldPath); err == nil {
		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("move download directory: %w", err)
		}
	}

	m.saveAgentLogLocked(newName, fmt.Sprintf("[*] Agent renamed from %s to %s", oldName, newName))
	return nil
}

// UpdateLastseen stamps the agent's last checkin time.
func (m *Manager) UpdateLastseen(idOrName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.UpdateLastseen(m.resolveLocked(idOrName), time.Now().UTC())
}

// UpdateListener moves the agent onto a different listener.
func (m *Manager) UpdateListener(idOrName, listener string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.UpdateListener(m.resolveLocked(idOrName), listener)
}

// UpdateSysinfo refreshes the agent's host details and keeps the cached
// language in step.
func (m *Manager) UpdateSysinfo(idOrName string, info store.Sysinfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSysinfoLocked(m.resolveLocked(idOrName), info)
}

func (m *Manager) updateSysinfoLocked(sessionID string, info store.Sysinfo) error {
	if err := m.store.UpdateSysinfo(sessionID, info); err != nil {
		return err
	}
	if s, ok := m.sessions[sessionID]; ok && info.Language != "" {
		s.language = info.Language
	}
	return nil
}

// SetFunctions records the tab-completable function names the agent
// advertises after a script import.
func (m *Manager) SetFunctions(idOrName string, functions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID := m.resolveLocked(idOrName)
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrAgentUnknown
	}
	s.functions = functions
	return m.store.SetFunctions(sessionID, functions)
}

// Functions returns the agent's advertised function names from the cache.
func (m *Manager) Functions(idOrName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[m.resolveLocked(idOrName)]; ok {
		return append([]string(nil), s.functions...)
	}
	return nil
}

// SessionKey returns the agent's symmetric session key.
func (m *Manager) SessionKey(idOrName string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[m.resolveLocked(idOrName)]; ok {
		return s.sessionKey, nil
	}
	return nil, ErrAgentUnknown
}

// IsElevated reports whether the agent runs with high integrity (root on
// unix, high-integrity token on Windows).
func (m *Manager) IsElevated(idOrName string) bool {
	a, err := m.Agent(idOrName)
	return err == nil && a.HighIntegrity
}

// Stale reports whether the agent has missed its expected checkin window:
// no beacon for longer than delay plus jitter slack.
func Stale(a *store.Agent, now time.Time) bool {
	window := float64(a.Delay) * (1 + a.Jitter)
	window += 30 // grace
	return now.Sub(a.LastseenTime) > time.Duration(window*float64(time.Second))
}

// Results drains and returns the agent's accumulated text output.
func (m *Manager) Results(idOrName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID := m.resolveLocked(idOrName)
	if _, ok := m.sessions[sessionID]; !ok {
		return "", ErrAgentUnknown
	}
	a, err := m.agentLocked(sessionID)
	if err != nil {
		return "", err
	}
	if err := m.store.SetResults(sessionID, ""); err != nil {
		return "", err
	}
	return a.Results, nil
}

// appendResultsLocked accumulates text output onto the agent row. Output
// from unknown agents is reported, not stored.
func (m *Manager) appendResultsLocked(sessionID string, data string) {
	a, err := m.agentLocked(sessionID)
	if err != nil {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] Non-existent agent %s returned results", sessionID),
			Print:   true,
		})
		return
	}
	results := a.Results
	if results != "" {
		results += "\n"
	}
	if err := m.store.SetResults(sessionID, results+data); err != nil {
		m.logger.Error("store results", "session_id", sessionID, "error", err)
	}
}

// SaveAgentLog appends a timestamped entry to the agent's console log under
// its download directory.
func (m *Manager) SaveAgentLog(idOrName string, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := idOrName
	if a, err := m.agentLocked(idOrName); err == nil {
		name = a.Name
	}
	m.saveAgentLogLocked(name, data)
}

func (m *Manager) saveAgentLogLocked(name, data string) {
	dir := filepath.Join(m.downloadsRoot(), name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		m.logger.Error("create agent log dir", "agent", name, "error", err)
		return
	}

	f, err := os.OpenFile(filepath.Join(dir, "agent.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		m.logger.Error("open agent log", "agent", name, "error", err)
		return
	}
	defer f.Close()

	stamp := time.Now().UTC().Format("2006-01-02 15:04:05")
	fmt.Fprintf(f, "\n%s :\n%s\n", stamp, data)
}

func (m *Manager) downloadsRoot() string {
	return filepath.Join(m.cfg.InstallPath, "downloads")
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

func parseNonce(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
