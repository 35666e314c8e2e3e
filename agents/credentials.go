package agents

import (
	"regexp"
	"strings"
)

// Credential is one secret recovered from agent output.
type Credential struct {
	CredType string // "plaintext" or "hash"
	Domain   string
	Username string
	Password string
	Host     string
	OS       string
	SID      string
	Notes    string
}

// CredentialStore receives harvested credentials. The operator-facing
// credential database implements it; the core only pushes.
type CredentialStore interface {
	AddCredential(c Credential) error
}

// harvestCredentials sweeps agent output for credential material and pushes
// matches to the configured store. Output whose hostname field is blank is
// attributed to the reporting agent.
func (m *Manager) harvestCredentials(sessionID string, data []byte) {
	if m.creds == nil {
		return
	}

	creds := ParseCredentials(string(data))
	if len(creds) == 0 {
		return
	}

	hostname, osDetails := "", ""
	if a, err := m.Agent(sessionID); err == nil {
		hostname, osDetails = a.Hostname, a.OSDetails
	}

	for _, c := range creds {
		if c.Host == "" {
			c.Host = hostname
		}
		c.OS = osDetails
		if err := m.creds.AddCredential(c); err != nil {
			m.logger.Warn("store credential", "session_id", sessionID, "error", err)
		}
	}
	m.logger.Info("credentials harvested", "session_id", sessionID, "count", len(creds))
}

var (
	hashdumpRe = regexp.MustCompile(`(?m)^([^:\r\n]+):\d+:([0-9a-fA-F]{32}):([0-9a-fA-F]{32}):::$`)
	fieldRe    = regexp.MustCompile(`\*\s+(Username|Domain|Password|NTLM|SID)\s+:\s+(.+)`)
	ntlmRe     = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// ParseCredentials applies the recovery heuristics to a block of agent
// output: an interactive-logon dump if it contains a "Hostname:" banner and
// Username fields, otherwise a hashdump if its lines match the
// user:rid:lm:ntlm::: shape.
func ParseCredentials(data string) []Credential {
	if strings.Contains(data, "Hostname:") && strings.Contains(data, "Username") {
		return parseLogonDump(data)
	}
	return parseHashdump(data)
}

// parseLogonDump walks a logon-session memory dump, collecting the
// username/domain/secret triples each provider block reports. Machine
// accounts and null secrets are skipped; a 32-hex secret is a hash, anything
// else plaintext. Oversized "passwords" are provider blobs, not secrets.
func parseLogonDump(data string) []Credential {
	var out []Credential
	seen := make(map[string]struct{})

	var cur Credential
	flush := func() {
		if cur.Username == "" || cur.Password == "" || cur.Password == "(null)" {
			cur = Credential{}
			return
		}
		if strings.HasSuffix(cur.Username, "$") || len(cur.Password) > 127 {
			cur = Credential{}
			return
		}
		key := cur.Domain + "\\" + cur.Username + ":" + cur.Password
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			out = append(out, cur)
		}
		cur = Credential{}
	}

	for _, line := range strings.Split(data, "\n") {
		matches := fieldRe.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		value := strings.TrimSpace(matches[2])
		switch matches[1] {
		case "Username":
			flush()
			cur.Username = value
		case "Domain":
			cur.Domain = value
		case "SID":
			cur.SID = value
		case "NTLM":
			cur.Password = value
			cur.CredType = "hash"
		case "Password":
			cur.Password = value
			if ntlmRe.MatchString(value) {
				cur.CredType = "hash"
			} else {
				cur.CredType = "plaintext"
			}
		}
	}
	flush()
	return out
}

func parseHashdump(data string) []Credential {
	var out []Credential
	for _, match := range hashdumpRe.FindAllStringSubmatch(data, -1) {
		out = append(out, Credential{
			CredType: "hash",
			Username: match[1],
			Password: match[2] + ":" + match[3],
			Notes:    "hashdump",
		})
	}
	return out
}
