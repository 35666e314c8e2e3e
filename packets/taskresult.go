package packets

import (
	"encoding/binary"
	"fmt"
)

// Response and task opcodes share one numeric namespace. The numbers are part
// of the wire protocol and must not be renumbered.
const (
	RespError              = "ERROR"
	TaskSysinfo            = "TASK_SYSINFO"
	TaskExit               = "TASK_EXIT"
	TaskSetDelay           = "TASK_SET_DELAY"
	TaskGetDelay           = "TASK_GET_DELAY"
	TaskShell              = "TASK_SHELL"
	TaskDownload           = "TASK_DOWNLOAD"
	TaskUpload             = "TASK_UPLOAD"
	TaskDirList            = "TASK_DIR_LIST"
	TaskGetJobs            = "TASK_GETJOBS"
	TaskStopJob            = "TASK_STOPJOB"
	TaskGetDownloads       = "TASK_GETDOWNLOADS"
	TaskStopDownload       = "TASK_STOPDOWNLOAD"
	TaskCmdWait            = "TASK_CMD_WAIT"
	TaskCmdWaitSave        = "TASK_CMD_WAIT_SAVE"
	TaskCmdJob             = "TASK_CMD_JOB"
	TaskCmdJobSave         = "TASK_CMD_JOB_SAVE"
	TaskScriptImport       = "TASK_SCRIPT_IMPORT"
	TaskScriptCommand      = "TASK_SCRIPT_COMMAND"
	TaskImportModule       = "TASK_IMPORT_MODULE"
	TaskViewModule         = "TASK_VIEW_MODULE"
	TaskRemoveModule       = "TASK_REMOVE_MODULE"
	TaskSwitchListener     = "TASK_SWITCH_LISTENER"
	TaskUpdateListenerName = "TASK_UPDATE_LISTENERNAME"
)

var packetNumbers = map[string]uint16{
	RespError:              0,
	TaskSysinfo:            1,
	TaskExit:               2,
	TaskSetDelay:           10,
	TaskGetDelay:           12,
	TaskShell:              40,
	TaskDownload:           41,
	TaskUpload:             42,
	TaskDirList:            43,
	TaskGetJobs:            50,
	TaskStopJob:            51,
	TaskGetDownloads:       60,
	TaskStopDownload:       61,
	TaskCmdWait:            100,
	TaskCmdWaitSave:        101,
	TaskCmdJob:             110,
	TaskCmdJobSave:         111,
	TaskScriptImport:       120,
	TaskScriptCommand:      121,
	TaskImportModule:       122,
	TaskViewModule:         123,
	TaskRemoveModule:       124,
	TaskSwitchListener:     130,
	TaskUpdateListenerName: 131,
}

var packetNames = func() map[uint16]string {
	m := make(map[uint16]string, len(packetNumbers))
	for name, num := range packetNumbers {
		m[num] = name
	}
	return m
}()

// PacketNumber maps a task/response name to its wire code.
func PacketNumber(name string) (uint16, bool) {
	n, ok := packetNumbers[name]
	return n, ok
}

// PacketName maps a wire code back to its name. Unknown codes yield a
// synthetic name so the dispatcher can still log them.
func PacketName(num uint16) string {
	if s, ok := packetNames[num]; ok {
		return s
	}
	return fmt.Sprintf("TASK_UNKNOWN_%d", num)
}

// TaskPacket is one queued unit of work delivered when the agent polls.
//
//	[2] task opcode (u16 LE)
//	[2] task ID (u16 LE)
//	[4] body length (u32 LE)
//	[n] body
type TaskPacket struct {
	Name   string
	TaskID uint16
	Body   []byte
}

// BuildTaskPacket encodes one task packet.
func BuildTaskPacket(name string, taskID uint16, body []byte) ([]byte, error) {
	num, ok := PacketNumber(name)
	if !ok {
		return nil, fmt.Errorf("packets: unknown task name %q", name)
	}
	out := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint16(out[0:2], num)
	binary.LittleEndian.PutUint16(out[2:4], taskID)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(body)))
	copy(out[8:], body)
	return out, nil
}

// ParseTaskPackets decodes a concatenation of task packets.
func ParseTaskPackets(data []byte) ([]TaskPacket, error) {
	var out []TaskPacket
	for off := 0; off < len(data); {
		if len(data)-off < 8 {
			return nil, fmt.Errorf("%w: task header", ErrTruncated)
		}
		num := binary.LittleEndian.Uint16(data[off : off+2])
		taskID := binary.LittleEndian.Uint16(data[off+2 : off+4])
		length := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += 8
		if len(data)-off < int(length) {
			return nil, fmt.Errorf("%w: task body", ErrTruncated)
		}
		body := make([]byte, length)
		copy(body, data[off:off+int(length)])
		off += int(length)
		out = append(out, TaskPacket{Name: PacketName(num), TaskID: taskID, Body: body})
	}
	return out, nil
}

// ResultPacket is one tagged agent reply. Multi-part downloads are segmented
// at this layer only.
//
//	[2] response opcode (u16 LE)
//	[2] total packets (u16 LE)
//	[2] packet number (u16 LE)
//	[2] task ID (u16 LE)
//	[4] data length (u32 LE)
//	[n] data
type ResultPacket struct {
	Name         string
	TotalPackets uint16
	PacketNum    uint16
	TaskID       uint16
	Data         []byte
}

// BuildResultPacket encodes one result packet.
func BuildResultPacket(name string, totalPackets, packetNum, taskID uint16, data []byte) ([]byte, error) {
	num, ok := PacketNumber(name)
	if !ok {
		return nil, fmt.Errorf("packets: unknown response name %q", name)
	}
	out := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint16(out[0:2], num)
	binary.LittleEndian.PutUint16(out[2:4], totalPackets)
	binary.LittleEndian.PutUint16(out[4:6], packetNum)
	binary.LittleEndian.PutUint16(out[6:8], taskID)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(data)))
	copy(out[12:], data)
	return out, nil
}

// ParseResultPackets decodes a concatenation of result packets.
func ParseResultPackets(data []byte) ([]ResultPacket, error) {
	var out []ResultPacket
	for off := 0; off < len(data); {
		if len(data)-off < 12 {
			return nil, fmt.Errorf("%w: result header", ErrTruncated)
		}
		num := binary.LittleEndian.Uint16(data[off : off+2])
		total := binary.LittleEndian.Uint16(data[off+2 : off+4])
		packetNum := binary.LittleEndian.Uint16(data[off+4 : off+6])
		taskID := binary.LittleEndian.Uint16(data[off+6 : off+8])
		length := binary.LittleEndian.Uint32(data[off+8 : off+12])
		off += 12
		if len(data)-off < int(length) {
			return nil, fmt.Errorf("%w: result data", ErrTruncated)
		}
		payload := make([]byte, length)
		copy(payload, data[off:off+int(length)])
		off += int(length)
		out = append(out, ResultPacket{
			Name:         PacketName(num),
			TotalPackets: total,
			PacketNum:    packetNum,
			TaskID:       taskID,
			Data:         payload,
		})
	}
	return out, nil
}
