package transport

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// Request is an API call routed through the gate or the offline queue.
type Request struct {
	Method string
	// Path is relative to the backend base URL, e.g. "/api/v1/items".
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
	// Public requests are sent without a bearer token.
	Public bool
}

// Clone returns a deep copy so a retry never observes headers set by the
// previous attempt.
func (r *Request) Clone() *Request {
	c := *r
	if r.Query != nil {
		c.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			c.Query[k] = append([]string(nil), v...)
		}
	}
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// SetBearer sets the Authorization header.
func (r *Request) SetBearer(token string) {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set("Authorization", "Bearer "+token)
}

// Mutating reports whether the method changes server state.
func (r *Request) Mutating() bool {
	switch strings.ToUpper(r.Method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// Fingerprint identifies a request for caching: method, path and the sorted
// query string.
func (r *Request) Fingerprint() string {
	fp := strings.ToUpper(r.Method) + " " + r.Path
	if len(r.Query) > 0 {
		fp += "?" + r.Query.Encode()
	}
	return fp
}

// Response is the result of Transport.Do.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// ErrorCode is the backend error code from the response envelope, if any.
	ErrorCode string
	// FromCache is set when the gate served the response from the offline cache.
	FromCache bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Unauthorized reports whether the backend rejected the bearer token.
func (r *Response) Unauthorized() bool {
	return r.StatusCode == http.StatusUnauthorized ||
		r.ErrorCode == CodeTokenExpired ||
		r.ErrorCode == CodeInvalidToken
}

// Err returns a *Failure for non-2xx responses, nil otherwise.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return &Failure{
		Kind:       ClassifyStatus(r.StatusCode, r.ErrorCode),
		StatusCode: r.StatusCode,
		Code:       r.ErrorCode,
		Message:    http.StatusText(r.StatusCode),
	}
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}
