package agents

import "errors"

// Error kinds of the session manager. Nothing here crosses the listener
// boundary as a panic. The staging failures (unsupported language, malformed
// sysinfo, nonce replay) are not returned by any method: the staging handler
// answers them with "ERROR: ..." reply strings the listener can relay with an
// HTTP error status.
var (
	// ErrAgentUnknown is returned for operations on a session ID or name
	// with no live session.
	ErrAgentUnknown = errors.New("agents: agent unknown")

	// ErrUnsupportedLanguage names a staging request for an agent language
	// the server has no handshake variant for.
	ErrUnsupportedLanguage = errors.New("agents: unsupported language")

	// ErrMalformedSysinfo names a sysinfo checkin that does not carry the
	// expected field count.
	ErrMalformedSysinfo = errors.New("agents: malformed sysinfo")

	// ErrNonceReplay names a STAGE2 nonce that is not the staged nonce plus
	// one.
	ErrNonceReplay = errors.New("agents: invalid nonce")

	// ErrPathEscape is returned when a remote path resolves outside the
	// downloads root. Logged loudly, never fatal.
	ErrPathEscape = errors.New("agents: path escapes downloads root")

	// ErrNameTaken is returned when a rename collides with an existing
	// agent name or download directory.
	ErrNameTaken = errors.New("agents: name already in use")

	// ErrInvalidName is returned for agent names with non-alphanumeric
	// characters.
	ErrInvalidName = errors.New("agents: names must be alphanumeric")
)
