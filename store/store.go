// Package store is the persistence adapter for the agent core. All SQL lives
// behind the Store interface; the session manager mirrors every in-memory
// mutation through it within the same critical section, so the in-memory
// table is always reconstructible from the durable rows.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// QueuedTask is one pending entry in an agent's tasking buffer, mirrored into
// the agents.taskings column as JSON.
type QueuedTask struct {
	Name string `json:"name"`
	Body string `json:"body"`
	ID   uint16 `json:"id"`
}

// Agent is the durable form of one agent session.
type Agent struct {
	SessionID       string
	Name            string
	Delay           int
	Jitter          float64
	ExternalIP      string
	InternalIP      string
	SessionKey      []byte
	Nonce           string
	CheckinTime     time.Time
	LastseenTime    time.Time
	Profile         string
	KillDate        string
	WorkingHours    string
	LostLimit       int
	Listener        string
	Language        string
	LanguageVersion string
	Username        string
	Hostname        string
	OSDetails       string
	HighIntegrity   bool
	ProcessName     string
	ProcessID       string
	Taskings        []QueuedTask
	Results         string
	Functions       []string
}

// Sysinfo carries the fields refreshed by a sysinfo checkin.
type Sysinfo struct {
	Listener        string
	InternalIP      string
	Username        string
	Hostname        string
	OSDetails       string
	HighIntegrity   bool
	ProcessName     string
	ProcessID       string
	Language        string
	LanguageVersion string
}

// Task is one row in the taskings table. IDs wrap at 65536 per agent.
type Task struct {
	ID         int
	Agent      string
	Data       string
	UserID     int
	Timestamp  time.Time
	ModuleName string
}

// DirItem is one child reported by a directory listing.
type DirItem struct {
	Name   string
	Path   string
	IsFile bool
}

// DirEntry is one row of the per-agent filesystem mirror.
type DirEntry struct {
	ID        int64
	SessionID string
	ParentID  *int64
	Name      string
	Path      string
	IsFile    bool
}

// Store is the durable half of the agent table plus the task, result,
// filesystem-mirror, and config rows.
type Store interface {
	// Agents returns every persisted agent row, used to rehydrate the
	// in-memory table at startup.
	Agents() ([]*Agent, error)

	AddAgent(a *Agent) error

	// RemoveAgent deletes one agent row; the wildcard "%" removes all.
	RemoveAgent(sessionID string) error

	// Agent fetches a row by session ID or name.
	Agent(idOrName string) (*Agent, error)

	// SessionIDByName resolves a human name to its session ID, or
	// ErrNotFound.
	SessionIDByName(name string) (string, error)

	RenameAgent(oldName, newName string) error
	UpdateSysinfo(sessionID string, info Sysinfo) error
	UpdateLastseen(sessionID string, t time.Time) error
	UpdateListener(sessionID, listener string) error
	SetResults(sessionID, results string) error
	SetTaskings(sessionID string, taskings []QueuedTask) error
	SetFunctions(sessionID string, functions []string) error

	// MaxTaskID returns the highest task id recorded for the agent, or 0.
	MaxTaskID(sessionID string) (int, error)

	// AddTask inserts a task row and its paired blank result row.
	AddTask(t *Task) error

	// TaskData returns the body of one task row, or ErrNotFound.
	TaskData(sessionID string, id int) (string, error)

	// SetResultData fills the result slot for (sessionID, id).
	SetResultData(sessionID string, id int, data string) error

	// AppendResultData concatenates onto the result slot for (sessionID, id).
	AppendResultData(sessionID string, id int, data string) error

	// ReplaceDirectory makes the mirror's children of dirPath exactly items,
	// creating the directory row if it is not yet known. Children of removed
	// entries cascade away.
	ReplaceDirectory(sessionID, dirName, dirPath string, items []DirItem) error

	// Directory returns the mirror rows whose parent is the entry at dirPath.
	Directory(sessionID, dirPath string) ([]*DirEntry, error)

	// Autoruns returns the global autorun command and data, empty when unset.
	Autoruns() (command, data string, err error)
	SetAutoruns(command, data string) error
	ClearAutoruns() error

	// TouchUser stamps the operator's last logon time when they task an agent.
	TouchUser(userID int, t time.Time) error

	Close() error
}
