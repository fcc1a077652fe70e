package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// Client drives an http.Handler in-process as one owner. An empty Token
// sends no Authorization header.
type Client struct {
	t       testing.TB
	handler http.Handler
	Token   string
}

func NewClient(t testing.TB, handler http.Handler, token string) *Client {
	return &Client{t: t, handler: handler, Token: token}
}

// As returns a client for the same handler with another owner's token.
func (c *Client) As(token string) *Client {
	return &Client{t: c.t, handler: c.handler, Token: token}
}

// Do sends body as JSON. A nil body sends nothing; string and []byte bodies
// are sent verbatim so tests can post malformed payloads.
func (c *Client) Do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			c.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)
	return w
}

func (c *Client) Get(path string) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.Do(http.MethodGet, path, nil)
}

func (c *Client) Post(path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.Do(http.MethodPost, path, body)
}

func (c *Client) Delete(path string) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.Do(http.MethodDelete, path, nil)
}

// DecodeJSON fails the test when the recorded body is not a T.
func DecodeJSON[T any](t testing.TB, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", resp.Body.String(), err)
	}
	return out
}
