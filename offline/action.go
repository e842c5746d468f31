// Package offline buffers mutating API calls while the backend is
// unreachable and replays them in order once it is back. It also keeps a
// read-through cache of GET responses for offline reads.
package offline

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jmcleod/ironsession/transport"
)

// PendingAction is a queued, not yet applied, mutating request.
type PendingAction struct {
	ID         string            `json:"id"`
	Endpoint   string            `json:"endpoint"`
	Query      string            `json:"query,omitempty"`
	Method     string            `json:"method"`
	Payload    []byte            `json:"payload,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
	LastError  string            `json:"lastError,omitempty"`
	// Owner is the ID of the user signed in when the action was queued. It
	// is only ever sent on that user's behalf.
	Owner string `json:"owner,omitempty"`
	// FailedAt is set when the action is moved to the dead-letter list.
	FailedAt time.Time `json:"failedAt,omitempty"`
}

// Family is the endpoint family the action belongs to.
func (a PendingAction) Family() string {
	return Family(a.Endpoint)
}

// Request rebuilds the transport request for the action.
func (a PendingAction) Request() *transport.Request {
	req := &transport.Request{
		Method: a.Method,
		Path:   a.Endpoint,
		Header: make(http.Header, len(a.Headers)),
		Body:   append([]byte(nil), a.Payload...),
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	if a.Query != "" {
		if q, err := url.ParseQuery(a.Query); err == nil {
			req.Query = q
		}
	}
	return req
}

func (a PendingAction) clone() PendingAction {
	c := a
	c.Payload = append([]byte(nil), a.Payload...)
	if a.Headers != nil {
		c.Headers = make(map[string]string, len(a.Headers))
		for k, v := range a.Headers {
			c.Headers[k] = v
		}
	}
	return c
}

var apiVersion = regexp.MustCompile(`^v[0-9]+$`)

// Family returns the first path segment after an optional /api/vN prefix,
// e.g. "items" for "/api/v1/items/42".
func Family(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) >= 2 && segs[0] == "api" && apiVersion.MatchString(segs[1]) {
		segs = segs[2:]
	}
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}

// persistedHeaders drops headers that must not be written to disk. The
// bearer is attached again when the action is replayed.
func persistedHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "Cookie") {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = h.Get(k)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
