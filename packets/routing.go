package packets

import (
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
)

// Routing packet layout, preserved bit-for-bit for wire compatibility with
// deployed agents:
//
//	[4]  IV
//	[16] RC4(IV||stagingKey) over:
//	       [8] session ID (ASCII alphanumeric)
//	       [1] language
//	       [1] meta
//	       [2] additional (u16 LE)
//	       [4] payload length (u32 LE)
//	[n]  payload
//
// Multiple frames may be concatenated in one transport body.
const (
	routingIVLen     = 4
	routingHeaderLen = 16
	routingFrameMin  = routingIVLen + routingHeaderLen

	// SessionIDLen is the fixed width of the session identifier field.
	SessionIDLen = 8

	// maxPayload bounds a single frame's declared payload. The header
	// carries no MAC, so an insane length is the clearest corruption signal.
	maxPayload = 64 << 20
)

// RoutingFrame is one demultiplexed agent frame.
type RoutingFrame struct {
	SessionID  string
	Language   Language
	Meta       Meta
	Additional uint16
	Payload    []byte
}

// BuildRoutingPacket encodes one outbound frame for sessionID under the
// staging key.
func BuildRoutingPacket(stagingKey []byte, sessionID string, lang Language, meta Meta, additional uint16, payload []byte) ([]byte, error) {
	if len(sessionID) != SessionIDLen {
		return nil, fmt.Errorf("%w: session id %q", ErrMalformedRouting, sessionID)
	}

	header := make([]byte, routingHeaderLen)
	copy(header, sessionID)
	header[8] = byte(lang)
	header[9] = byte(meta)
	binary.LittleEndian.PutUint16(header[10:12], additional)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	iv := make([]byte, routingIVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("routing iv: %w", err)
	}

	enc, err := rc4Apply(append(append([]byte{}, iv...), stagingKey...), header)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, routingFrameMin+len(payload))
	out = append(out, iv...)
	out = append(out, enc...)
	return append(out, payload...), nil
}

// ParseRoutingPacket demultiplexes a transport body into frames keyed by
// session ID. A body below the minimum header size fails with ErrShortPacket;
// any frame that fails validation rejects the entire body with
// ErrMalformedRouting — partial acceptance would let an attacker smuggle
// frames behind a corrupt first one.
func ParseRoutingPacket(stagingKey, data []byte) (map[string]RoutingFrame, error) {
	if len(data) < routingFrameMin {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}

	frames := make(map[string]RoutingFrame)
	for off := 0; off < len(data); {
		if len(data)-off < routingFrameMin {
			return nil, fmt.Errorf("%w: trailing %d bytes", ErrMalformedRouting, len(data)-off)
		}

		iv := data[off : off+routingIVLen]
		header, err := rc4Apply(append(append([]byte{}, iv...), stagingKey...), data[off+routingIVLen:off+routingFrameMin])
		if err != nil {
			return nil, err
		}

		sessionID := string(header[:SessionIDLen])
		lang := Language(header[8])
		meta := Meta(header[9])
		additional := binary.LittleEndian.Uint16(header[10:12])
		length := binary.LittleEndian.Uint32(header[12:16])

		// The header has no MAC; a non-printable session ID, unknown meta
		// tag, or absurd length means the staging key did not decrypt it.
		if !alphanumeric(sessionID) || !meta.Valid() || length > maxPayload {
			return nil, fmt.Errorf("%w: undecryptable header", ErrMalformedRouting)
		}

		off += routingFrameMin
		if len(data)-off < int(length) {
			return nil, fmt.Errorf("%w: payload declares %d, %d remain", ErrMalformedRouting, length, len(data)-off)
		}

		payload := make([]byte, length)
		copy(payload, data[off:off+int(length)])
		off += int(length)

		frames[sessionID] = RoutingFrame{
			SessionID:  sessionID,
			Language:   lang,
			Meta:       meta,
			Additional: additional,
			Payload:    payload,
		}
	}
	return frames, nil
}

func rc4Apply(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rc4: %w", err)
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

func alphanumeric(s string) bool {
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
