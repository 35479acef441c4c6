// Package testutil provides test doubles for the Graph export pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines one scripted Graph response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGraph is a configurable stand-in for the Graph users endpoint and the
// identity token endpoint.
//
// Each mailbox either has scripted responses, consumed in order, or pages of
// messages served by $skiptoken. Unknown mailboxes answer 404.
type MockGraph struct {
	server *httptest.Server

	mu        sync.Mutex
	scripted  map[string][]MockResponse
	pages     map[string][][]json.RawMessage
	requests  map[string]int
	models    map[string][]string
	tokenHits int

	// LastRequestHeader holds the headers of the most recent Graph request.
	LastRequestHeader http.Header
}

// NewMockGraph starts a mock server.
func NewMockGraph() *MockGraph {
	m := &MockGraph{
		scripted: make(map[string][]MockResponse),
		pages:    make(map[string][][]json.RawMessage),
		requests: make(map[string]int),
		models:   make(map[string][]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", m.handleToken)
	mux.HandleFunc("/v1.0/users/", m.handleMessages)
	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the users collection endpoint.
func (m *MockGraph) URL() string {
	return m.server.URL + "/v1.0/users"
}

// TokenURL returns the token endpoint.
func (m *MockGraph) TokenURL() string {
	return m.server.URL + "/token"
}

// Close shuts down the mock server.
func (m *MockGraph) Close() {
	m.server.Close()
}

// SetPages serves pages of raw messages for mailboxID. Every page but the
// last carries a next link.
func (m *MockGraph) SetPages(mailboxID string, pages ...[]json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[mailboxID] = pages
}

// SetResponses scripts responses for mailboxID. They are consumed before any
// configured pages; once exhausted the last one repeats unless pages exist.
func (m *MockGraph) SetResponses(mailboxID string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[mailboxID] = responses
}

// RequestCount returns the number of Graph requests for mailboxID.
func (m *MockGraph) RequestCount(mailboxID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[mailboxID]
}

// Models returns the model parameter of every request for mailboxID.
func (m *MockGraph) Models(mailboxID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.models[mailboxID]...)
}

// TokenRequests returns how many tokens were issued.
func (m *MockGraph) TokenRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenHits
}

func (m *MockGraph) handleToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.tokenHits++
	n := m.tokenHits
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":"mock-token-%d","token_type":"Bearer","expires_in":3600}`, n)
}

func (m *MockGraph) handleMessages(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1.0/users/")
	mailboxID, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix != "chats/getAllMessages" {
		http.NotFound(w, r)
		return
	}
	mailboxID, _ = url.PathUnescape(mailboxID)

	m.mu.Lock()
	m.requests[mailboxID]++
	m.models[mailboxID] = append(m.models[mailboxID], r.URL.Query().Get("model"))
	m.LastRequestHeader = r.Header.Clone()

	var scripted *MockResponse
	if queue := m.scripted[mailboxID]; len(queue) > 0 {
		resp := queue[0]
		if len(queue) > 1 || m.pages[mailboxID] != nil {
			m.scripted[mailboxID] = queue[1:]
		}
		scripted = &resp
	}
	pages, hasPages := m.pages[mailboxID]
	m.mu.Unlock()

	if scripted != nil {
		writeResponse(w, *scripted)
		return
	}
	if !hasPages {
		writeResponse(w, MockResponse{StatusCode: http.StatusNotFound, Body: `{"error":{"code":"ResourceNotFound"}}`})
		return
	}

	index := 0
	if token := r.URL.Query().Get("$skiptoken"); token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 || n >= len(pages) {
			writeResponse(w, MockResponse{StatusCode: http.StatusBadRequest, Body: `{"error":{"code":"BadSkipToken"}}`})
			return
		}
		index = n
	}

	page := map[string]any{"value": pages[index]}
	if pages[index] == nil {
		page["value"] = []json.RawMessage{}
	}
	if index+1 < len(pages) {
		q := r.URL.Query()
		q.Set("$skiptoken", strconv.Itoa(index+1))
		page["@odata.nextLink"] = m.server.URL + r.URL.Path + "?" + q.Encode()
	}

	body, _ := json.Marshal(page)
	writeResponse(w, MockResponse{StatusCode: http.StatusOK, Body: string(body)})
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewThrottledResponse creates a 429 with a Retry-After header.
func NewThrottledResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"code":"TooManyRequests"}}`,
		Headers:    map[string]string{"Retry-After": strconv.Itoa(retryAfter)},
	}
}

// NewStatusResponse creates an error response with status.
func NewStatusResponse(status int) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"error":{"code":"%s"}}`, strings.ReplaceAll(http.StatusText(status), " ", "")),
	}
}

// Message builds a raw chat message as returned by getAllMessages.
func Message(id int64, chatID string, modified time.Time, userID string) json.RawMessage {
	msg := map[string]any{
		"id":                   strconv.FormatInt(id, 10),
		"chatId":               chatID,
		"createdDateTime":      modified.UTC().Format(time.RFC3339Nano),
		"lastModifiedDateTime": modified.UTC().Format(time.RFC3339Nano),
		"messageType":          "message",
		"body":                 map[string]any{"contentType": "text", "content": fmt.Sprintf("message %d", id)},
	}
	if userID != "" {
		msg["from"] = map[string]any{
			"user": map[string]any{
				"id":               userID,
				"displayName":      "User " + userID,
				"userIdentityType": "aadUser",
				"tenantId":         "tenant-1",
			},
		}
	}
	data, _ := json.Marshal(msg)
	return data
}
