package client

import (
	"context"
	"fmt"
	"strings"
)

// Request is an outbound call. URL may be relative; it is resolved against
// the configured origin.
type Request struct {
	Method    string
	URL       string
	Header    map[string]string
	Body      []byte
	SkipCache bool
}

// Response carries a fully read body, so every waiter can be handed an
// independent copy.
type Response struct {
	StatusCode int               `json:"status_code"`
	Header     map[string]string `json:"header"`
	Body       []byte            `json:"body"`
}

// Transport performs a single HTTP exchange.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Doer is anything that executes Requests: a Transport, a Coordinator or an
// APIClient.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

func (r *Request) method() string {
	if r.Method == "" {
		return "GET"
	}
	return strings.ToUpper(r.Method)
}

func (r *Request) clone() *Request {
	c := *r
	c.Header = make(map[string]string, len(r.Header)+2)
	for k, v := range r.Header {
		c.Header[strings.ToLower(k)] = v
	}
	return &c
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}

	c := &Response{
		StatusCode: r.StatusCode,
		Header:     make(map[string]string, len(r.Header)),
		Body:       make([]byte, len(r.Body)),
	}
	for k, v := range r.Header {
		c.Header[k] = v
	}
	copy(c.Body, r.Body)
	return c
}

// HeaderValue looks a header up case-insensitively.
func (r *Response) HeaderValue(name string) string {
	if v, ok := r.Header[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range r.Header {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// RequestError is returned to every caller waiting on a request whose
// exchange failed.
type RequestError struct {
	Method string
	URL    string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
