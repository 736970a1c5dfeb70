// Copyright 2024-2025 Dillon Rush
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testutils

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

/**
 * WebTestResponse - A container object designed to make it easy to make
 * assertions against an HTTP response from a test server
 */
type WebTestResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

/**
 * WebTestClient - An HTTP Client designed for making HTTP requests against a
 * test server.
 */
type WebTestClient struct {
	Server     *httptest.Server
	httpclient *http.Client
	baseURL    string
	t          *testing.T
}

// Execute GET request
func (c *WebTestClient) Get(url string) WebTestResponse {
	return c.Do(c.NewRequest("GET", url, nil))
}

// Execute HEAD request
func (c *WebTestClient) Head(url string) WebTestResponse {
	return c.Do(c.NewRequest("HEAD", url, nil))
}

// Execute request
func (c *WebTestClient) Do(req *http.Request) WebTestResponse {
	// execute request
	resp, err := c.httpclient.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}

	// read body
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatal(err)
	}

	// return response
	return WebTestResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}
}

// Close testserver, etc.
func (c *WebTestClient) Teardown() {
	c.Server.Close()
}

// Generate new request object
func (c *WebTestClient) NewRequest(method, target string, body io.Reader) *http.Request {
	req, err := http.NewRequest(method, c.baseURL+target, body)
	if err != nil {
		c.t.Fatal(err)
	}
	return req
}

// Create new web test client
func NewWebTestClient(t *testing.T, app http.Handler) *WebTestClient {
	testserver := httptest.NewServer(app)

	// copy test server client
	c := testserver.Client()

	// disable redirect-following
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &WebTestClient{
		Server:     testserver,
		httpclient: c,
		baseURL:    testserver.URL,
		t:          t,
	}
}

/**
 * SseFrame - One parsed frame from a text/event-stream body
 */
type SseFrame struct {
	ID    int64
	Event string
	Data  string
}

// Parse a finished event-stream body into frames
func ParseSseFrames(t *testing.T, body []byte) []SseFrame {
	var frames []SseFrame

	for _, block := range strings.Split(string(body), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		var frame SseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
				if err != nil {
					t.Fatalf("bad sse id line %q: %v", line, err)
				}
				frame.ID = id
			case strings.HasPrefix(line, "event: "):
				frame.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				frame.Data = strings.TrimPrefix(line, "data: ")
			default:
				t.Fatalf("unexpected sse line %q", line)
			}
		}
		frames = append(frames, frame)
	}

	return frames
}

// Collect the frames matching an event kind
func FramesOfKind(frames []SseFrame, kind string) []SseFrame {
	var out []SseFrame
	for _, f := range frames {
		if f.Event == kind {
			out = append(out, f)
		}
	}
	return out
}
