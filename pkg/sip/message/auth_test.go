package message

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials(t *testing.T) {
	req := testInvite(t)
	const challenge = `Digest realm="pbx.example", nonce="abc123", algorithm=MD5, qop="auth"`

	tests := []struct {
		name      string
		code      int
		challenge string
		header    string
	}{
		{"401", sip.StatusUnauthorized, "WWW-Authenticate", "Authorization"},
		{"407", sip.StatusProxyAuthRequired, "Proxy-Authenticate", "Proxy-Authorization"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sip.NewResponseFromRequest(req, tt.code, "Auth", nil)
			res.AppendHeader(sip.NewHeader(tt.challenge, challenge))
			require.True(t, IsChallenge(res))

			h, err := Credentials(req, res, "100", "secret")
			require.NoError(t, err)
			assert.Equal(t, tt.header, h.Name())
			assert.True(t, strings.HasPrefix(h.Value(), "Digest "))
			assert.Contains(t, h.Value(), `username="100"`)
			assert.Contains(t, h.Value(), `realm="pbx.example"`)
		})
	}
}

func TestCredentials_NoChallenge(t *testing.T) {
	req := testInvite(t)
	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)

	_, err := Credentials(req, res, "100", "secret")
	assert.ErrorIs(t, err, ErrNoChallenge)
	assert.False(t, IsChallenge(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)))
}
