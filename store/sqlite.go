package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    session_id       TEXT PRIMARY KEY,
    name             TEXT UNIQUE NOT NULL,
    delay            INTEGER,
    jitter           REAL,
    external_ip      TEXT,
    internal_ip      TEXT,
    session_key      TEXT,
    nonce            TEXT,
    checkin_time     TEXT,
    lastseen_time    TEXT,
    profile          TEXT,
    kill_date        TEXT,
    working_hours    TEXT,
    lost_limit       INTEGER,
    listener         TEXT,
    language         TEXT,
    language_version TEXT,
    username         TEXT,
    hostname         TEXT,
    os_details       TEXT,
    high_integrity   INTEGER DEFAULT 0,
    process_name     TEXT,
    process_id       TEXT,
    taskings         TEXT,
    results          TEXT,
    functions        TEXT
);
CREATE TABLE IF NOT EXISTS taskings (
    id          INTEGER NOT NULL,
    agent       TEXT NOT NULL,
    data        TEXT,
    user_id     INTEGER,
    timestamp   TEXT,
    module_name TEXT,
    PRIMARY KEY (id, agent)
);
CREATE TABLE IF NOT EXISTS results (
    id      INTEGER NOT NULL,
    agent   TEXT NOT NULL,
    user_id INTEGER,
    data    TEXT,
    PRIMARY KEY (id, agent)
);
CREATE TABLE IF NOT EXISTS file_directory (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    parent_id  INTEGER REFERENCES file_directory (id) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    path       TEXT NOT NULL,
    is_file    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS config (
    autorun_command TEXT,
    autorun_data    TEXT
);
CREATE TABLE IF NOT EXISTS users (
    id              INTEGER PRIMARY KEY,
    last_logon_time TEXT
);
`

// SQLite is the Store implementation backed by a single SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if needed) the database at path. Foreign keys are
// enabled so file_directory deletions cascade.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; serialize at the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	// The config table holds at most one row.
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM config`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("check config: %w", err)
	}
	if n == 0 {
		if _, err := db.Exec(`INSERT INTO config (autorun_command, autorun_data) VALUES ('', '')`); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed config: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const agentColumns = `session_id, name, delay, jitter, external_ip, internal_ip,
	session_key, nonce, checkin_time, lastseen_time, profile, kill_date,
	working_hours, lost_limit, listener, language, language_version, username,
	hostname, os_details, high_integrity, process_name, process_id, taskings,
	results, functions`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var (
		a                           Agent
		sessionKey, checkin, lastseen string
		highIntegrity               int
		taskings, functions         sql.NullString
	)
	err := row.Scan(&a.SessionID, &a.Name, &a.Delay, &a.Jitter, &a.ExternalIP,
		&a.InternalIP, &sessionKey, &a.Nonce, &checkin, &lastseen, &a.Profile,
		&a.KillDate, &a.WorkingHours, &a.LostLimit, &a.Listener, &a.Language,
		&a.LanguageVersion, &a.Username, &a.Hostname, &a.OSDetails,
		&highIntegrity, &a.ProcessName, &a.ProcessID, &taskings, &a.Results,
		&functions)
	if err != nil {
		return nil, err
	}
	a.SessionKey = []byte(sessionKey)
	a.HighIntegrity = highIntegrity == 1
	if a.CheckinTime, err = parseTime(checkin); err != nil {
		return nil, fmt.Errorf("checkin_time: %w", err)
	}
	if a.LastseenTime, err = parseTime(lastseen); err != nil {
		return nil, fmt.Errorf("lastseen_time: %w", err)
	}
	if taskings.Valid && taskings.String != "" {
		if err := json.Unmarshal([]byte(taskings.String), &a.Taskings); err != nil {
			return nil, fmt.Errorf("taskings column: %w", err)
		}
	}
	if functions.Valid && functions.String != "" {
		a.Functions = strings.Split(functions.String, ",")
	}
	return &a, nil
}

func (s *SQLite) Agents() ([]*Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("select agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) AddAgent(a *Agent) error {
	taskings, err := json.Marshal(a.Taskings)
	if err != nil {
		return fmt.Errorf("marshal taskings: %w", err)
	}
	highIntegrity := 0
	if a.HighIntegrity {
		highIntegrity = 1
	}
	_, err = s.db.Exec(`INSERT INTO agents (`+agentColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.SessionID, a.Name, a.Delay, a.Jitter, a.ExternalIP, a.InternalIP,
		string(a.SessionKey), a.Nonce, formatTime(a.CheckinTime),
		formatTime(a.LastseenTime), a.Profile, a.KillDate, a.WorkingHours,
		a.LostLimit, a.Listener, a.Language, a.LanguageVersion, a.Username,
		a.Hostname, a.OSDetails, highIntegrity, a.ProcessName, a.ProcessID,
		string(taskings), a.Results, strings.Join(a.Functions, ","))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *SQLite) RemoveAgent(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM agents WHERE session_id LIKE ?`, sessionID); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM file_directory WHERE session_id LIKE ?`, sessionID); err != nil {
		return fmt.Errorf("delete file mirror: %w", err)
	}
	return nil
}

func (s *SQLite) Agent(idOrName string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE session_id = ? OR name = ?`,
		idOrName, idOrName)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return a, nil
}

func (s *SQLite) SessionIDByName(name string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM agents WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select session id: %w", err)
	}
	return id, nil
}

func (s *SQLite) RenameAgent(oldName, newName string) error {
	res, err := s.db.Exec(`UPDATE agents SET name = ? WHERE name = ?`, newName, oldName)
	if err != nil {
		return fmt.Errorf("rename agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) UpdateSysinfo(sessionID string, info Sysinfo) error {
	highIntegrity := 0
	if info.HighIntegrity {
		highIntegrity = 1
	}
	_, err := s.db.Exec(`UPDATE agents SET listener=?, internal_ip=?, username=?,
		hostname=?, os_details=?, high_integrity=?, process_name=?,
		process_id=?, language=?, language_version=? WHERE session_id=?`,
		info.Listener, info.InternalIP, info.Username, info.Hostname,
		info.OSDetails, highIntegrity, info.ProcessName, info.ProcessID,
		info.Language, info.LanguageVersion, sessionID)
	if err != nil {
		return fmt.Errorf("update sysinfo: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateLastseen(sessionID string, t time.Time) error {
	_, err := s.db.Exec(`UPDATE agents SET lastseen_time=? WHERE session_id=? OR name=?`,
		formatTime(t), sessionID, sessionID)
	if err != nil {
		return fmt.Errorf("update lastseen: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateListener(sessionID, listener string) error {
	_, err := s.db.Exec(`UPDATE agents SET listener=? WHERE session_id=? OR name=?`,
		listener, sessionID, sessionID)
	if err != nil {
		return fmt.Errorf("update listener: %w", err)
	}
	return nil
}

func (s *SQLite) SetResults(sessionID, results string) error {
	_, err := s.db.Exec(`UPDATE agents SET results=? WHERE session_id=?`, results, sessionID)
	if err != nil {
		return fmt.Errorf("set results: %w", err)
	}
	return nil
}

func (s *SQLite) SetTaskings(sessionID string, taskings []QueuedTask) error {
	data, err := json.Marshal(taskings)
	if err != nil {
		return fmt.Errorf("marshal taskings: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE agents SET taskings=? WHERE session_id=?`, string(data), sessionID); err != nil {
		return fmt.Errorf("set taskings: %w", err)
	}
	return nil
}

func (s *SQLite) SetFunctions(sessionID string, functions []string) error {
	_, err := s.db.Exec(`UPDATE agents SET functions=? WHERE session_id=?`,
		strings.Join(functions, ","), sessionID)
	if err != nil {
		return fmt.Errorf("set functions: %w", err)
	}
	return nil
}

func (s *SQLite) MaxTaskID(sessionID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(id) FROM taskings WHERE agent=?`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max task id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

func (s *SQLite) AddTask(t *Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO taskings (id, agent, data, user_id, timestamp, module_name)
		VALUES (?,?,?,?,?,?)`,
		t.ID, t.Agent, t.Data, t.UserID, formatTime(t.Timestamp), t.ModuleName); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO results (id, agent, user_id, data)
		VALUES (?,?,?,'')`, t.ID, t.Agent, t.UserID); err != nil {
		return fmt.Errorf("insert result slot: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) TaskData(sessionID string, id int) (string, error) {
	var data sql.NullString
	err := s.db.QueryRow(`SELECT data FROM taskings WHERE agent=? AND id=?`, sessionID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select task data: %w", err)
	}
	return data.String, nil
}

func (s *SQLite) SetResultData(sessionID string, id int, data string) error {
	_, err := s.db.Exec(`UPDATE results SET data=? WHERE id=? AND agent=?`, data, id, sessionID)
	if err != nil {
		return fmt.Errorf("set result data: %w", err)
	}
	return nil
}

func (s *SQLite) AppendResultData(sessionID string, id int, data string) error {
	_, err := s.db.Exec(`UPDATE results SET data=data||? WHERE id=? AND agent=?`, data, id, sessionID)
	if err != nil {
		return fmt.Errorf("append result data: %w", err)
	}
	return nil
}

func (s *SQLite) ReplaceDirectory(sessionID, dirName, dirPath string, items []DirItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var dirID int64
	err = tx.QueryRow(`SELECT id FROM file_directory WHERE session_id=? AND path=?`,
		sessionID, dirPath).Scan(&dirID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First sighting of this directory. Parent is left unset; a later
		// listing of the parent rewrites this entry with the right link.
		res, err := tx.Exec(`INSERT INTO file_directory (session_id, parent_id, name, path, is_file)
			VALUES (?, NULL, ?, ?, 0)`, sessionID, dirName, dirPath)
		if err != nil {
			return fmt.Errorf("insert directory: %w", err)
		}
		if dirID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("directory id: %w", err)
		}
	case err != nil:
		return fmt.Errorf("select directory: %w", err)
	default:
		// Existing children (and, through the cascade, their subtrees) are
		// replaced wholesale so the mirror self-corrects.
		if _, err := tx.Exec(`DELETE FROM file_directory WHERE session_id=? AND parent_id=?`,
			sessionID, dirID); err != nil {
			return fmt.Errorf("clear children: %w", err)
		}
	}

	for _, item := range items {
		if _, err := tx.Exec(`DELETE FROM file_directory WHERE session_id=? AND path=? AND id<>?`,
			sessionID, item.Path, dirID); err != nil {
			return fmt.Errorf("clear stale path: %w", err)
		}
		isFile := 0
		if item.IsFile {
			isFile = 1
		}
		if _, err := tx.Exec(`INSERT INTO file_directory (session_id, parent_id, name, path, is_file)
			VALUES (?,?,?,?,?)`, sessionID, dirID, item.Name, item.Path, isFile); err != nil {
			return fmt.Errorf("insert child: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Directory(sessionID, dirPath string) ([]*DirEntry, error) {
	rows, err := s.db.Query(`SELECT c.id, c.session_id, c.parent_id, c.name, c.path, c.is_file
		FROM file_directory c
		JOIN file_directory p ON c.parent_id = p.id
		WHERE p.session_id=? AND p.path=?
		ORDER BY c.name`, sessionID, dirPath)
	if err != nil {
		return nil, fmt.Errorf("select directory: %w", err)
	}
	defer rows.Close()

	var out []*DirEntry
	for rows.Next() {
		var (
			e        DirEntry
			parentID sql.NullInt64
			isFile   int
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &parentID, &e.Name, &e.Path, &isFile); err != nil {
			return nil, fmt.Errorf("scan dir entry: %w", err)
		}
		if parentID.Valid {
			v := parentID.Int64
			e.ParentID = &v
		}
		e.IsFile = isFile == 1
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLite) Autoruns() (string, string, error) {
	var command, data sql.NullString
	err := s.db.QueryRow(`SELECT autorun_command, autorun_data FROM config`).Scan(&command, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("select autoruns: %w", err)
	}
	return command.String, data.String, nil
}

func (s *SQLite) SetAutoruns(command, data string) error {
	_, err := s.db.Exec(`UPDATE config SET autorun_command=?, autorun_data=?`, command, data)
	if err != nil {
		return fmt.Errorf("set autoruns: %w", err)
	}
	return nil
}

func (s *SQLite) ClearAutoruns() error {
	return s.SetAutoruns("", "")
}

func (s *SQLite) TouchUser(userID int, t time.Time) error {
	_, err := s.db.Exec(`INSERT INTO users (id, last_logon_time) VALUES (?,?)
		ON CONFLICT(id) DO UPDATE SET last_logon_time=excluded.last_logon_time`,
		userID, formatTime(t))
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
