// Package packets implements the wire formats spoken between the server and
// its agents: the routing packet that multiplexes many agents over one
// transport body, and the task/result packets carried inside it. All integer
// fields are little-endian.
package packets

import (
	"errors"
	"fmt"
)

// Language identifies the agent implementation and selects the staging
// variant and result decoding.
type Language byte

const (
	LangNone       Language = 0
	LangPowerShell Language = 1
	LangPython     Language = 2
)

// String returns the lower-case language name used in agent rows.
func (l Language) String() string {
	switch l {
	case LangPowerShell:
		return "powershell"
	case LangPython:
		return "python"
	default:
		return "none"
	}
}

// LanguageFromString maps an agent-row language name back to its wire code.
func LanguageFromString(s string) Language {
	switch s {
	case "powershell":
		return LangPowerShell
	case "python":
		return LangPython
	default:
		return LangNone
	}
}

// Meta tags the purpose of a routing packet.
type Meta byte

const (
	MetaNone           Meta = 0
	MetaStage0         Meta = 1
	MetaStage1         Meta = 2
	MetaStage2         Meta = 3
	MetaTaskingRequest Meta = 4
	MetaResultPost     Meta = 5
	MetaServerResponse Meta = 6
)

var metaNames = map[Meta]string{
	MetaNone:           "NONE",
	MetaStage0:         "STAGE0",
	MetaStage1:         "STAGE1",
	MetaStage2:         "STAGE2",
	MetaTaskingRequest: "TASKING_REQUEST",
	MetaResultPost:     "RESULT_POST",
	MetaServerResponse: "SERVER_RESPONSE",
}

func (m Meta) String() string {
	if s, ok := metaNames[m]; ok {
		return s
	}
	return fmt.Sprintf("META(%d)", byte(m))
}

// Valid reports whether the tag is one the server understands.
func (m Meta) Valid() bool {
	_, ok := metaNames[m]
	return ok && m != MetaNone
}

// IsStaging reports whether the tag belongs to the key-negotiation handshake.
func (m Meta) IsStaging() bool {
	return m == MetaStage0 || m == MetaStage1 || m == MetaStage2
}

// Error kinds surfaced by the codecs. Callers select on these with errors.Is.
var (
	// ErrShortPacket is returned for transport bodies below the minimum
	// routing-header size.
	ErrShortPacket = errors.New("packets: body shorter than routing header")

	// ErrMalformedRouting is returned when any frame in a body fails header
	// validation. Partial acceptance is forbidden, so one bad frame rejects
	// the whole body.
	ErrMalformedRouting = errors.New("packets: malformed routing packet")

	// ErrTruncated is returned when a task or result packet declares more
	// payload than remains in the buffer.
	ErrTruncated = errors.New("packets: truncated packet")
)
