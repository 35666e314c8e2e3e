package agents

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/Pen-Git/Empire/events"
	"github.com/Pen-Git/Empire/packets"
)

// SaveDownload assembles one chunk of a file download under the agent's
// download directory. Paths are canonicalized and must stay inside the
// downloads root; anything that resolves outside it is refused loudly but
// without failing the batch. Python agents wrap chunks in a CRC-framed zlib
// envelope that is unwrapped (outside the lock) first.
func (m *Manager) SaveDownload(idOrName, remotePath string, data []byte, totalSize int64, appendChunk bool) error {
	a, err := m.Agent(idOrName)
	if err != nil {
		return err
	}

	// Decompression is CPU-bound; do it before taking the store lock.
	if a.Language == packets.LangPython.String() {
		decompressed, crcOK, err := unwrapZlib(data)
		if err != nil {
			return fmt.Errorf("decompress chunk: %w", err)
		}
		if !crcOK {
			m.emit(a.SessionID, events.Event{
				Message: fmt.Sprintf("[!] WARNING: File from agent %s failed crc32 check during decompression!", a.SessionID),
				Print:   true,
			})
		}
		data = decompressed
	}

	// Remote paths arrive with Windows separators regardless of agent OS.
	rel := strings.ReplaceAll(remotePath, "\\", "/")

	m.mu.Lock()
	defer m.mu.Unlock()

	target, err := m.resolveDownloadPath(a.Name, rel)
	if err != nil {
		m.emit(a.SessionID, events.Event{
			Message: fmt.Sprintf("[!] WARNING: agent %s attempted path traversal!\n[!] attempted overwrite of %s", a.SessionID, remotePath),
			Print:   true,
		})
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendChunk {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(target, flags, 0o640)
	if err != nil {
		return fmt.Errorf("open download: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write download: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close download: %w", err)
	}

	onDisk := int64(len(data))
	if fi, err := os.Stat(target); err == nil {
		onDisk = fi.Size()
	}
	percent := math.Min(100, math.Round(float64(onDisk)/float64(totalSize)*100*100)/100)

	m.emit(a.SessionID, events.Event{
		Message: fmt.Sprintf("[+] Part of file %s from %s saved [%v%%]", filepath.Base(target), a.SessionID, percent),
		Print:   true,
	})
	return nil
}

// SaveModuleFile stores a module output file under the agent's download
// directory and returns the saved path relative to the install root.
func (m *Manager) SaveModuleFile(idOrName, path string, data []byte) (string, error) {
	a, err := m.Agent(idOrName)
	if err != nil {
		return "", err
	}

	if a.Language == packets.LangPython.String() {
		decompressed, crcOK, err := unwrapZlib(data)
		if err != nil {
			return "", fmt.Errorf("decompress module file: %w", err)
		}
		if !crcOK {
			m.emit(a.SessionID, events.Event{
				Message: fmt.Sprintf("[!] WARNING: File from agent %s failed crc32 check during decompression!", a.SessionID),
				Print:   true,
			})
		}
		data = decompressed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	target, err := m.resolveDownloadPath(a.Name, path)
	if err != nil {
		m.emit(a.SessionID, events.Event{
			Message: fmt.Sprintf("[!] WARNING: agent %s attempted path traversal!\n[!] attempted overwrite of %s", a.SessionID, path),
			Print:   true,
		})
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("create module dir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o640); err != nil {
		return "", fmt.Errorf("write module file: %w", err)
	}

	m.emit(a.SessionID, events.Event{
		Message: fmt.Sprintf("\n[+] File %s from %s saved", path, a.SessionID),
		Print:   true,
	})

	rel, err := filepath.Rel(m.cfg.InstallPath, target)
	if err != nil {
		rel = target
	}
	return "/" + rel, nil
}

// keystrokeReplacer strips the logger's control-sequence markers down to
// readable text.
var keystrokeReplacer = strings.NewReplacer(
	"\r\n", "",
	"[SpaceBar]", "",
	"\b", "",
	"[Shift]", "",
	"[Enter]\r", "\r\n",
)

// AppendKeystrokes appends normalized keystroke-logger output to the agent's
// keystrokes file.
func (m *Manager) AppendKeystrokes(idOrName string, data []byte) error {
	a, err := m.Agent(idOrName)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	target, err := m.resolveDownloadPath(a.Name, "keystrokes.txt")
	if err != nil {
		m.emit(a.SessionID, events.Event{
			Message: fmt.Sprintf("[!] WARNING: agent %s attempted path traversal!", a.SessionID),
			Print:   true,
		})
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open keystrokes: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(keystrokeReplacer.Replace(string(data))); err != nil {
		return fmt.Errorf("write keystrokes: %w", err)
	}
	return nil
}

// resolveDownloadPath canonicalizes downloads/<agent>/<rel> and rejects any
// result that escapes the downloads root, whether via dot-dot segments or a
// symlinked ancestor.
func (m *Manager) resolveDownloadPath(agentName, rel string) (string, error) {
	root, err := filepath.Abs(m.downloadsRoot())
	if err != nil {
		return "", fmt.Errorf("resolve downloads root: %w", err)
	}

	// Join collapses any dot-dot segments the agent smuggled in; a path
	// that climbs out of the root is refused, not sanitized back in.
	target, err := filepath.Abs(filepath.Join(root, agentName, rel))
	if err != nil {
		return "", fmt.Errorf("resolve target: %w", err)
	}
	if !within(root, target) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}

	// A symlink planted inside the tree could still point out of it; check
	// the deepest ancestor below the root that exists on disk. Ancestors at
	// or above the root cannot be agent-controlled.
	for anchor := filepath.Dir(target); within(root, anchor); anchor = filepath.Dir(anchor) {
		resolved, err := filepath.EvalSymlinks(anchor)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("resolve symlinks: %w", err)
		}
		rootResolved, rootErr := filepath.EvalSymlinks(root)
		if rootErr != nil {
			rootResolved = root
		}
		if !within(rootResolved, resolved) {
			return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
		}
		break
	}

	return target, nil
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// unwrapZlib unpacks a python-agent compression frame:
// [u32 crc32][zlib stream][u32 crc32], both CRCs little-endian over the
// decompressed payload. Returns the payload and whether the CRCs checked
// out; mismatched CRCs are a warning, not a loss of data.
func unwrapZlib(frame []byte) ([]byte, bool, error) {
	if len(frame) < 8 {
		return nil, false, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	headerCRC := binary.LittleEndian.Uint32(frame[:4])
	trailerCRC := binary.LittleEndian.Uint32(frame[len(frame)-4:])

	r, err := zlib.NewReader(bytes.NewReader(frame[4 : len(frame)-4]))
	if err != nil {
		return nil, false, fmt.Errorf("zlib: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("zlib: %w", err)
	}

	sum := crc32.ChecksumIEEE(data)
	return data, headerCRC == trailerCRC && sum == headerCRC, nil
}
