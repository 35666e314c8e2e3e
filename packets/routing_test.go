package packets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("Aa1Bb2Cc3Dd4Ee5Ff6Gg7Hh8Ii9Jj0Kl")

func TestRoutingRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		sessionID  string
		lang       Language
		meta       Meta
		additional uint16
		payload    []byte
	}{
		{"staging request", "AAAABBBB", LangPowerShell, MetaStage1, 0, []byte("sealed key material")},
		{"empty payload", "CCCCDDDD", LangPython, MetaTaskingRequest, 7, nil},
		{"binary payload", "EFGH1234", LangPowerShell, MetaResultPost, 65535, []byte{0, 1, 2, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := BuildRoutingPacket(testKey, tt.sessionID, tt.lang, tt.meta, tt.additional, tt.payload)
			require.NoError(t, err)

			frames, err := ParseRoutingPacket(testKey, pkt)
			require.NoError(t, err)
			require.Len(t, frames, 1)

			frame := frames[tt.sessionID]
			assert.Equal(t, tt.sessionID, frame.SessionID)
			assert.Equal(t, tt.lang, frame.Language)
			assert.Equal(t, tt.meta, frame.Meta)
			assert.Equal(t, tt.additional, frame.Additional)
			if len(tt.payload) == 0 {
				assert.Empty(t, frame.Payload)
			} else {
				assert.Equal(t, tt.payload, frame.Payload)
			}
		})
	}
}

func TestRoutingConcatenatedFrames(t *testing.T) {
	a, err := BuildRoutingPacket(testKey, "AGENTAAA", LangPowerShell, MetaTaskingRequest, 0, nil)
	require.NoError(t, err)
	b, err := BuildRoutingPacket(testKey, "AGENTBBB", LangPython, MetaResultPost, 0, []byte("payload"))
	require.NoError(t, err)

	frames, err := ParseRoutingPacket(testKey, append(a, b...))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, MetaTaskingRequest, frames["AGENTAAA"].Meta)
	assert.Equal(t, "payload", string(frames["AGENTBBB"].Payload))
}

func TestRoutingRejectsShortBody(t *testing.T) {
	_, err := ParseRoutingPacket(testKey, make([]byte, 19))
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestRoutingRejectsWrongKey(t *testing.T) {
	pkt, err := BuildRoutingPacket(testKey, "AGENTAAA", LangPowerShell, MetaStage1, 0, nil)
	require.NoError(t, err)

	_, err = ParseRoutingPacket([]byte("WrongKeyWrongKeyWrongKeyWrongKey"), pkt)
	assert.ErrorIs(t, err, ErrMalformedRouting)
}

func TestRoutingBadFrameRejectsWholeBody(t *testing.T) {
	good, err := BuildRoutingPacket(testKey, "AGENTAAA", LangPowerShell, MetaResultPost, 0, []byte("data"))
	require.NoError(t, err)

	// A second frame whose header does not decrypt poisons the whole body;
	// the valid first frame must not survive.
	garbage := make([]byte, 20)
	_, err = ParseRoutingPacket(testKey, append(good, garbage...))
	assert.ErrorIs(t, err, ErrMalformedRouting)
}

func TestRoutingRejectsTruncatedPayload(t *testing.T) {
	pkt, err := BuildRoutingPacket(testKey, "AGENTAAA", LangPowerShell, MetaResultPost, 0, []byte("payload"))
	require.NoError(t, err)

	_, err = ParseRoutingPacket(testKey, pkt[:len(pkt)-3])
	assert.ErrorIs(t, err, ErrMalformedRouting)
}

func TestBuildRoutingRejectsBadSessionID(t *testing.T) {
	_, err := BuildRoutingPacket(testKey, "short", LangPowerShell, MetaStage1, 0, nil)
	assert.ErrorIs(t, err, ErrMalformedRouting)
}
