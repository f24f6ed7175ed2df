package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockVKServer creates a test server that mocks VK API method responses and
// the long-poll endpoint.
type MockVKServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockVKServer creates a new mock VK API server. Handlers are keyed by
// URL path (e.g. "/method/messages.send" or "/longpoll").
func NewMockVKServer(t *testing.T) *MockVKServer {
	t.Helper()
	m := &MockVKServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Respond registers a handler answering a method with the given "response" payload.
func (m *MockVKServer) Respond(method string, response any) {
	m.Handlers["/method/"+method] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"response": response}) //nolint:errcheck // test mock response
	}
}

// RespondError registers a handler answering a method with a VK error envelope.
func (m *MockVKServer) RespondError(method string, code int, msg string) {
	m.Handlers["/method/"+method] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"error": map[string]any{"error_code": code, "error_msg": msg},
		})
	}
}

// MockLongPollServer registers the session-allocation response pointing at
// this server's /longpoll path plus a long-poll handler.
func (m *MockVKServer) MockLongPollServer(key, ts string, poll http.HandlerFunc) {
	m.Respond("groups.getLongPollServer", map[string]string{
		"server": m.URL + "/longpoll",
		"key":    key,
		"ts":     ts,
	})
	m.Handlers["/longpoll"] = poll
}

// MockUsersResponse answers users.get with a single profile.
func (m *MockVKServer) MockUsersResponse(id int64, first, last string) {
	m.Respond("users.get", []map[string]any{
		{"id": id, "first_name": first, "last_name": last},
	})
}
