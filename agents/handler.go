package agents

import (
	"errors"
	"fmt"

	"github.com/Pen-Git/Empire/encryption"
	"github.com/Pen-Git/Empire/events"
	"github.com/Pen-Git/Empire/packets"
)

// Reply is one per-agent answer produced from a transport body. Data may be
// nil (nothing to say), sealed protocol bytes, or an "ERROR: ..." string the
// listener relays with an error status.
type Reply struct {
	Language string
	Data     []byte
}

// HandleAgentData is the single entry point for listener transports: it
// demultiplexes a raw transport body and routes each frame to staging, task
// delivery, or result ingestion. It never panics or errors across the
// boundary; malformed input yields error-string replies or nothing at all.
func (m *Manager) HandleAgentData(stagingKey, body []byte, opts ListenerOptions, clientIP string, updateLastseen bool) []Reply {
	frames, err := packets.ParseRoutingPacket(stagingKey, body)
	if err != nil {
		if errors.Is(err, packets.ErrShortPacket) {
			m.bus.Publish(events.Event{
				Message: fmt.Sprintf("[!] handle_agent_data(): routing packet wrong length: %d", len(body)),
			})
			return nil
		}
		return []Reply{{Data: []byte("ERROR: invalid routing packet")}}
	}

	var replies []Reply
	for sessionID, frame := range frames {
		lang := frame.Language.String()

		switch {
		case frame.Meta.IsStaging():
			m.emit(sessionID, events.Event{
				Message: fmt.Sprintf("[*] handle_agent_data(): sessionID %s issued a %s request", sessionID, frame.Meta),
			})
			replies = append(replies, Reply{
				Language: lang,
				Data:     m.handleStaging(frame, stagingKey, opts, clientIP),
			})

		case !m.IsPresent(sessionID):
			m.emit(sessionID, events.Event{
				Message: fmt.Sprintf("[!] handle_agent_data(): sessionID %s not present", sessionID),
			})
			replies = append(replies, Reply{
				Data: []byte(fmt.Sprintf("ERROR: sessionID %s not in cache!", sessionID)),
			})

		case frame.Meta == packets.MetaTaskingRequest:
			m.emit(sessionID, events.Event{
				Message: fmt.Sprintf("[*] handle_agent_data(): sessionID %s issued a TASKING_REQUEST", sessionID),
			})
			replies = append(replies, Reply{
				Language: lang,
				Data:     m.handleTaskingRequest(sessionID, frame.Language, stagingKey, updateLastseen),
			})

		case frame.Meta == packets.MetaResultPost:
			m.emit(sessionID, events.Event{
				Message: fmt.Sprintf("[*] handle_agent_data(): sessionID %s issued a RESULT_POST", sessionID),
			})
			replies = append(replies, Reply{
				Language: lang,
				Data:     m.handleResultPost(sessionID, frame.Payload, updateLastseen),
			})

		default:
			m.emit(sessionID, events.Event{
				Message: fmt.Sprintf("[!] handle_agent_data(): sessionID %s gave unhandled meta tag in routing packet: %s", sessionID, frame.Meta),
				Print:   true,
			})
		}
	}
	return replies
}

// handleTaskingRequest answers a beacon: stamp lastseen, drain the queue,
// seal the batch under the session key, and wrap it for the wire. A nil
// return means nothing queued.
func (m *Manager) handleTaskingRequest(sessionID string, lang packets.Language, stagingKey []byte, updateLastseen bool) []byte {
	if updateLastseen {
		if err := m.UpdateLastseen(sessionID); err != nil {
			m.logger.Warn("update lastseen", "session_id", sessionID, "error", err)
		}
	}

	taskings, err := m.Drain(sessionID)
	if err != nil {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] handle_agent_request(): sessionID %s not present", sessionID),
			Print:   true,
		})
		return nil
	}
	if len(taskings) == 0 {
		return nil
	}

	var batch []byte
	for _, t := range taskings {
		pkt, err := packets.BuildTaskPacket(t.Name, t.ID, []byte(t.Body))
		if err != nil {
			m.logger.Error("build task packet", "session_id", sessionID, "task", t.Name, "error", err)
			continue
		}
		batch = append(batch, pkt...)
	}
	if len(batch) == 0 {
		return nil
	}

	sessionKey, err := m.SessionKey(sessionID)
	if err != nil {
		return nil
	}
	sealed, err := encryption.AESEncryptThenHMAC(sessionKey, batch)
	if err != nil {
		m.logger.Error("seal task batch", "session_id", sessionID, "error", err)
		return nil
	}

	out, err := packets.BuildRoutingPacket(stagingKey, sessionID, lang, packets.MetaServerResponse, 0, sealed)
	if err != nil {
		m.logger.Error("build routing packet", "session_id", sessionID, "error", err)
		return nil
	}
	return out
}

// handleResultPost verifies, decrypts, and parses a posted result batch and
// feeds each packet to the dispatcher. A batch that fails authentication or
// parsing is discarded whole; partially applying it would leave the agent
// state inconsistent with what the agent believes it reported.
func (m *Manager) handleResultPost(sessionID string, payload []byte, updateLastseen bool) []byte {
	sessionKey, err := m.SessionKey(sessionID)
	if err != nil {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] handle_agent_response(): sessionID %s not in cache", sessionID),
			Print:   true,
		})
		return nil
	}

	if updateLastseen {
		if err := m.UpdateLastseen(sessionID); err != nil {
			m.logger.Warn("update lastseen", "session_id", sessionID, "error", err)
		}
	}

	plaintext, err := encryption.AESDecryptAndVerify(sessionKey, payload)
	if err != nil {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] Error processing result packet from %s : %v", sessionID, err),
			Print:   true,
		})
		return nil
	}

	results, err := packets.ParseResultPackets(plaintext)
	if err != nil {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] Error processing result packet from %s : %v", sessionID, err),
			Print:   true,
		})
		return nil
	}

	for _, pkt := range results {
		m.dispatchResult(sessionID, pkt)
	}
	if len(results) > 0 {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[*] Agent %s returned results.", sessionID),
		})
	}
	return []byte("VALID")
}
