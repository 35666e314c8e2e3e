package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testAgent(sessionID string) *Agent {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Agent{
		SessionID:    sessionID,
		Name:         sessionID,
		Delay:        5,
		Jitter:       0.1,
		ExternalIP:   "10.0.0.2",
		SessionKey:   []byte("0123456789abcdef0123456789abcdef"),
		Nonce:        "1234567890123456",
		CheckinTime:  now,
		LastseenTime: now,
		Profile:      "/admin/get.php|Mozilla/5.0",
		LostLimit:    60,
		Listener:     "http",
		Language:     "powershell",
	}
}

func TestAgentRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := testAgent("ROUNDTR1")
	in.Taskings = []QueuedTask{{Name: "TASK_SHELL", Body: "whoami", ID: 1}}
	in.Functions = []string{"Invoke-Thing", "Get-Stuff"}
	require.NoError(t, s.AddAgent(in))

	out, err := s.Agent("ROUNDTR1")
	require.NoError(t, err)
	assert.Equal(t, in.SessionID, out.SessionID)
	assert.Equal(t, in.SessionKey, out.SessionKey)
	assert.Equal(t, in.Nonce, out.Nonce)
	assert.Equal(t, in.CheckinTime, out.CheckinTime)
	assert.Equal(t, in.Taskings, out.Taskings)
	assert.Equal(t, in.Functions, out.Functions)

	all, err := s.Agents()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAgentLookupByName(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AddAgent(testAgent("NAMEDAG1")))
	require.NoError(t, s.RenameAgent("NAMEDAG1", "alpha"))

	out, err := s.Agent("alpha")
	require.NoError(t, err)
	assert.Equal(t, "NAMEDAG1", out.SessionID)

	id, err := s.SessionIDByName("alpha")
	require.NoError(t, err)
	assert.Equal(t, "NAMEDAG1", id)

	_, err = s.Agent("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveAgentWildcard(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AddAgent(testAgent("WIPEDBA1")))
	require.NoError(t, s.AddAgent(testAgent("WIPEDBA2")))

	require.NoError(t, s.RemoveAgent("%"))
	all, err := s.Agents()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTasksAndResults(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AddAgent(testAgent("TASKDBA1")))

	max, err := s.MaxTaskID("TASKDBA1")
	require.NoError(t, err)
	assert.Zero(t, max)

	now := time.Now().UTC()
	require.NoError(t, s.AddTask(&Task{ID: 1, Agent: "TASKDBA1", Data: "whoami", UserID: 7, Timestamp: now}))

	max, err = s.MaxTaskID("TASKDBA1")
	require.NoError(t, err)
	assert.Equal(t, 1, max)

	data, err := s.TaskData("TASKDBA1", 1)
	require.NoError(t, err)
	assert.Equal(t, "whoami", data)

	require.NoError(t, s.SetResultData("TASKDBA1", 1, "corp\\alice"))
	require.NoError(t, s.AppendResultData("TASKDBA1", 1, "\nmore"))

	// Task ID reuse after a wrap overwrites in place rather than erroring.
	require.NoError(t, s.AddTask(&Task{ID: 1, Agent: "TASKDBA1", Data: "again", UserID: 7, Timestamp: now}))
	data, err = s.TaskData("TASKDBA1", 1)
	require.NoError(t, err)
	assert.Equal(t, "again", data)
}

func TestUpdateSysinfo(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AddAgent(testAgent("SYSINFO1")))

	require.NoError(t, s.UpdateSysinfo("SYSINFO1", Sysinfo{
		Listener:      "http",
		InternalIP:    "192.168.1.5",
		Username:      `CORP\alice`,
		Hostname:      "WS01",
		OSDetails:     "Windows 10",
		HighIntegrity: true,
		ProcessName:   "powershell",
		ProcessID:     "4242",
		Language:      "powershell",
	}))

	a, err := s.Agent("SYSINFO1")
	require.NoError(t, err)
	assert.Equal(t, "WS01", a.Hostname)
	assert.True(t, a.HighIntegrity)
}

func TestDirectoryMirrorReplace(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AddAgent(testAgent("DIRDBAG1")))

	items := []DirItem{
		{Name: "alice", Path: `C:\Users\alice`, IsFile: false},
		{Name: "notes.txt", Path: `C:\Users\notes.txt`, IsFile: true},
	}
	require.NoError(t, s.ReplaceDirectory("DIRDBAG1", "Users", `C:\Users`, items))

	children, err := s.Directory("DIRDBAG1", `C:\Users`)
	require.NoError(t, err)
	require.Len(t, children, 2)

	// Applying the same listing twice yields the same rows.
	require.NoError(t, s.ReplaceDirectory("DIRDBAG1", "Users", `C:\Users`, items))
	again, err := s.Directory("DIRDBAG1", `C:\Users`)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, children[0].Path, again[0].Path)
	assert.Equal(t, children[1].Path, again[1].Path)

	// A shrunk listing removes the stale child.
	require.NoError(t, s.ReplaceDirectory("DIRDBAG1", "Users", `C:\Users`, items[:1]))
	shrunk, err := s.Directory("DIRDBAG1", `C:\Users`)
	require.NoError(t, err)
	require.Len(t, shrunk, 1)
	assert.Equal(t, `C:\Users\alice`, shrunk[0].Path)
}

func TestDirectoryCascadeDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AddAgent(testAgent("CASCADE1")))

	require.NoError(t, s.ReplaceDirectory("CASCADE1", "Users", `C:\Users`, []DirItem{
		{Name: "alice", Path: `C:\Users\alice`},
	}))
	require.NoError(t, s.ReplaceDirectory("CASCADE1", "alice", `C:\Users\alice`, []DirItem{
		{Name: "secrets.txt", Path: `C:\Users\alice\secrets.txt`, IsFile: true},
	}))

	// Re-listing the root replaces its children; the grandchild cascades
	// away with its parent.
	require.NoError(t, s.ReplaceDirectory("CASCADE1", "Users", `C:\Users`, []DirItem{
		{Name: "bob", Path: `C:\Users\bob`},
	}))

	grand, err := s.Directory("CASCADE1", `C:\Users\alice`)
	require.NoError(t, err)
	assert.Empty(t, grand)
}

func TestAutoruns(t *testing.T) {
	s := openTestStore(t)

	cmd, data, err := s.Autoruns()
	require.NoError(t, err)
	assert.Empty(t, cmd)
	assert.Empty(t, data)

	require.NoError(t, s.SetAutoruns("TASK_SHELL", "whoami"))
	cmd, data, err = s.Autoruns()
	require.NoError(t, err)
	assert.Equal(t, "TASK_SHELL", cmd)
	assert.Equal(t, "whoami", data)

	require.NoError(t, s.ClearAutoruns())
	cmd, _, err = s.Autoruns()
	require.NoError(t, err)
	assert.Empty(t, cmd)
}

func TestTaskingsColumnSurvivesRestart(t *testing.T) {
	s := openTestStore(t)
	a := testAgent("RESTART1")
	require.NoError(t, s.AddAgent(a))

	require.NoError(t, s.SetTaskings("RESTART1", []QueuedTask{{Name: "TASK_SHELL", Body: "whoami", ID: 3}}))

	out, err := s.Agent("RESTART1")
	require.NoError(t, err)
	require.Len(t, out.Taskings, 1)
	assert.Equal(t, uint16(3), out.Taskings[0].ID)

	require.NoError(t, s.SetTaskings("RESTART1", nil))
	out, err = s.Agent("RESTART1")
	require.NoError(t, err)
	assert.Empty(t, out.Taskings)
}

func TestTouchUser(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.TouchUser(1, now))
	require.NoError(t, s.TouchUser(1, now.Add(time.Minute)))
}
