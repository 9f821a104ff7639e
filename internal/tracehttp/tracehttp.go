// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracehttp

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"time"
)

// traceTransport is an http.RoundTripper that logs the request and
// response at debug level while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      *slog.Logger
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.  Credentials are never logged.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	logged := req
	if req.Header.Get("Authorization") != "" {
		logged = req.Clone(req.Context())
		logged.Header.Set("Authorization", "REDACTED")
	}
	// The clone shares req's body, so only headers are dumped.
	dump, dumpErr := httputil.DumpRequestOut(logged, false)
	if dumpErr == nil {
		t.log.Debug("http request", "dump", string(dump))
	}
	start := time.Now()
	resp, err = t.delegate.RoundTrip(req)
	if err != nil {
		t.log.Debug("http error", "url", req.URL.String(), "err", err, "elapsed", time.Since(start))
		return resp, err
	}
	dump, dumpErr = httputil.DumpResponse(resp, true)
	if dumpErr == nil {
		t.log.Debug("http response", "elapsed", time.Since(start), "dump", string(dump))
	}
	return resp, err
}

// Wrap returns d with tracing.  A nil logger means slog.Default().
func Wrap(d http.RoundTripper, l *slog.Logger) http.RoundTripper {
	if l == nil {
		l = slog.Default()
	}
	return &traceTransport{delegate: d, log: l}
}

// Inject a traceTransport into http.DefaultTransport
func WrapDefaultTransport(l *slog.Logger) {
	http.DefaultTransport = Wrap(http.DefaultTransport, l)
}
