package message

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Credentials answers a 401/407 challenge in res for req.
// Returns the Authorization or Proxy-Authorization header to add to the
// re-sent request.
func Credentials(req *sip.Request, res *sip.Response, username, password string) (sip.Header, error) {
	challengeName, authName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, authName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeName)
	if h == nil {
		return nil, fmt.Errorf("%w: %d without %s", ErrNoChallenge, res.StatusCode, challengeName)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("invalid challenge %q: %w", h.Value(), err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return sip.NewHeader(authName, cred.String()), nil
}

// IsChallenge reports whether res asks for credentials
func IsChallenge(res *sip.Response) bool {
	return res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired
}
