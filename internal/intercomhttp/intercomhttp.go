/*
Package intercomhttp implements an HTTP client for the Intercom REST API.

Status: supports workspace access tokens, which Intercom issues per app
from the Developer Hub.  Tokens do not expire, so the oauth2 token
source is static; Intercom's OAuth flow for public apps yields the same
kind of bearer token and can be passed in the same way.

Every request carries an Intercom-Version header so that response
shapes do not change under us when the workspace default version is
bumped.
*/
package intercomhttp

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// APIVersion is the Intercom REST API version requested.
const APIVersion = "2.11"

var ErrNoToken = errors.New("no Intercom access token configured")

// versionTransport adds the Intercom-Version header.
type versionTransport struct {
	version string
	base    http.RoundTripper
}

func (t *versionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Intercom-Version", t.version)
	return t.base.RoundTrip(r)
}

// New returns a new HTTP client authenticated with token.  base is the
// underlying transport; nil means http.DefaultTransport, which picks up
// tracehttp.WrapDefaultTransport.  A zero timeout means no timeout.
func New(token string, base http.RoundTripper, timeout time.Duration) (*http.Client, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if base == nil {
		base = http.DefaultTransport
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	})

	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
		Base:   &versionTransport{version: APIVersion, base: base},
	}

	return &http.Client{Transport: trans, Timeout: timeout}, nil
}
