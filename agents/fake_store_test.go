package agents

import (
	"sync"
	"time"

	"github.com/Pen-Git/Empire/store"
)

// fakeStore is an in-memory store.Store for manager tests.
type fakeStore struct {
	mu sync.Mutex

	agents  map[string]*store.Agent
	tasks   map[string]map[int]*store.Task
	results map[string]map[int]string
	dirs    []*store.DirEntry
	nextDir int64

	autorunCommand string
	autorunData    string
	users          map[int]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:  make(map[string]*store.Agent),
		tasks:   make(map[string]map[int]*store.Task),
		results: make(map[string]map[int]string),
		users:   make(map[int]time.Time),
		nextDir: 1,
	}
}

func copyAgent(a *store.Agent) *store.Agent {
	out := *a
	out.Taskings = append([]store.QueuedTask(nil), a.Taskings...)
	out.Functions = append([]string(nil), a.Functions...)
	return &out
}

func (f *fakeStore) Agents() ([]*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, copyAgent(a))
	}
	return out, nil
}

func (f *fakeStore) AddAgent(a *store.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[a.SessionID] = copyAgent(a)
	return nil
}

func (f *fakeStore) RemoveAgent(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID == "%" {
		f.agents = make(map[string]*store.Agent)
		f.dirs = nil
		return nil
	}
	delete(f.agents, sessionID)
	var kept []*store.DirEntry
	for _, d := range f.dirs {
		if d.SessionID != sessionID {
			kept = append(kept, d)
		}
	}
	f.dirs = kept
	return nil
}

func (f *fakeStore) lookup(idOrName string) *store.Agent {
	if a, ok := f.agents[idOrName]; ok {
		return a
	}
	for _, a := range f.agents {
		if a.Name == idOrName {
			return a
		}
	}
	return nil
}

func (f *fakeStore) Agent(idOrName string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.lookup(idOrName); a != nil {
		return copyAgent(a), nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SessionIDByName(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a.Name == name {
			return a.SessionID, nil
		}
	}
	return "", store.ErrNotFound
}

func (f *fakeStore) RenameAgent(oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a.Name == oldName {
			a.Name = newName
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) UpdateSysinfo(sessionID string, info store.Sysinfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.lookup(sessionID)
	if a == nil {
		return store.ErrNotFound
	}
	a.Listener = info.Listener
	a.InternalIP = info.InternalIP
	a.Username = info.Username
	a.Hostname = info.Hostname
	a.OSDetails = info.OSDetails
	a.HighIntegrity = info.HighIntegrity
	a.ProcessName = info.ProcessName
	a.ProcessID = info.ProcessID
	a.Language = info.Language
	a.LanguageVersion = info.LanguageVersion
	return nil
}

func (f *fakeStore) UpdateLastseen(sessionID string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.lookup(sessionID); a != nil {
		a.LastseenTime = t
	}
	return nil
}

func (f *fakeStore) UpdateListener(sessionID, listener string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.lookup(sessionID); a != nil {
		a.Listener = listener
	}
	return nil
}

func (f *fakeStore) SetResults(sessionID, results string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.lookup(sessionID); a != nil {
		a.Results = results
	}
	return nil
}

func (f *fakeStore) SetTaskings(sessionID string, taskings []store.QueuedTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.lookup(sessionID); a != nil {
		a.Taskings = append([]store.QueuedTask(nil), taskings...)
	}
	return nil
}

func (f *fakeStore) SetFunctions(sessionID string, functions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.lookup(sessionID); a != nil {
		a.Functions = append([]string(nil), functions...)
	}
	return nil
}

func (f *fakeStore) MaxTaskID(sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for id := range f.tasks[sessionID] {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (f *fakeStore) AddTask(t *store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tasks[t.Agent] == nil {
		f.tasks[t.Agent] = make(map[int]*store.Task)
		f.results[t.Agent] = make(map[int]string)
	}
	cp := *t
	f.tasks[t.Agent][t.ID] = &cp
	f.results[t.Agent][t.ID] = ""
	return nil
}

func (f *fakeStore) TaskData(sessionID string, id int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[sessionID][id]; ok {
		return t.Data, nil
	}
	return "", store.ErrNotFound
}

func (f *fakeStore) SetResultData(sessionID string, id int, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results[sessionID] == nil {
		f.results[sessionID] = make(map[int]string)
	}
	f.results[sessionID][id] = data
	return nil
}

func (f *fakeStore) AppendResultData(sessionID string, id int, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results[sessionID] == nil {
		f.results[sessionID] = make(map[int]string)
	}
	f.results[sessionID][id] += data
	return nil
}

func (f *fakeStore) ReplaceDirectory(sessionID, dirName, dirPath string, items []store.DirItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var dir *store.DirEntry
	for _, d := range f.dirs {
		if d.SessionID == sessionID && d.Path == dirPath {
			dir = d
			break
		}
	}
	if dir == nil {
		dir = &store.DirEntry{ID: f.nextDir, SessionID: sessionID, Name: dirName, Path: dirPath}
		f.nextDir++
		f.dirs = append(f.dirs, dir)
	} else {
		// cascade: drop the whole subtree below dir
		doomed := map[int64]struct{}{dir.ID: {}}
		for changed := true; changed; {
			changed = false
			for _, d := range f.dirs {
				if d.ParentID == nil {
					continue
				}
				if _, gone := doomed[*d.ParentID]; gone {
					if _, already := doomed[d.ID]; !already {
						doomed[d.ID] = struct{}{}
						changed = true
					}
				}
			}
		}
		delete(doomed, dir.ID)
		var kept []*store.DirEntry
		for _, d := range f.dirs {
			if _, gone := doomed[d.ID]; !gone {
				kept = append(kept, d)
			}
		}
		f.dirs = kept
	}

	for _, item := range items {
		var kept []*store.DirEntry
		for _, d := range f.dirs {
			if d.SessionID == sessionID && d.Path == item.Path && d.ID != dir.ID {
				continue
			}
			kept = append(kept, d)
		}
		f.dirs = kept
		parentID := dir.ID
		f.dirs = append(f.dirs, &store.DirEntry{
			ID: f.nextDir, SessionID: sessionID, ParentID: &parentID,
			Name: item.Name, Path: item.Path, IsFile: item.IsFile,
		})
		f.nextDir++
	}
	return nil
}

func (f *fakeStore) Directory(sessionID, dirPath string) ([]*store.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var dirID int64 = -1
	for _, d := range f.dirs {
		if d.SessionID == sessionID && d.Path == dirPath {
			dirID = d.ID
			break
		}
	}
	var out []*store.DirEntry
	for _, d := range f.dirs {
		if d.SessionID == sessionID && d.ParentID != nil && *d.ParentID == dirID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) Autoruns() (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autorunCommand, f.autorunData, nil
}

func (f *fakeStore) SetAutoruns(command, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autorunCommand, f.autorunData = command, data
	return nil
}

func (f *fakeStore) ClearAutoruns() error {
	return f.SetAutoruns("", "")
}

func (f *fakeStore) TouchUser(userID int, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID] = t
	return nil
}

func (f *fakeStore) Close() error { return nil }

// resultFor reads a result slot directly, for assertions.
func (f *fakeStore) resultFor(sessionID string, id int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[sessionID][id]
}

// dirPaths lists the mirror paths for one agent, for assertions.
func (f *fakeStore) dirPaths(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.dirs {
		if d.SessionID == sessionID {
			out = append(out, d.Path)
		}
	}
	return out
}
