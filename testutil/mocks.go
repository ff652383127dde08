package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockGoogleServer creates a test server that mocks the Google OAuth token,
// userinfo, and revoke endpoints.
type MockGoogleServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu      sync.Mutex
	revoked []string
	forms   []map[string]string
}

// NewMockGoogleServer creates a new mock Google server
func NewMockGoogleServer(t *testing.T) *MockGoogleServer {
	t.Helper()
	m := &MockGoogleServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	m.Handlers["/revoke"] = func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		m.mu.Lock()
		m.revoked = append(m.revoked, r.PostForm.Get("token"))
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
	return m
}

// TokenURL is the token endpoint of the mock.
func (m *MockGoogleServer) TokenURL() string { return m.URL + "/token" }

// RevokeURL is the revoke endpoint of the mock.
func (m *MockGoogleServer) RevokeURL() string { return m.URL + "/revoke" }

// UserInfoEndpoint is the API base path to use for the userinfo client.
func (m *MockGoogleServer) UserInfoEndpoint() string { return m.URL + "/" }

// MockTokenResponse adds a handler for the token endpoint. Each request's
// form is recorded for TokenRequests.
func (m *MockGoogleServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := make(map[string]string)
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		m.mu.Lock()
		m.forms = append(m.forms, form)
		m.mu.Unlock()
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
			"scope":        "openid profile",
		}
		if refreshToken != "" {
			response["refresh_token"] = refreshToken
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockTokenError makes the token endpoint fail with an OAuth error code.
func (m *MockGoogleServer) MockTokenError(code string) {
	m.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code}) //nolint:errcheck // test mock response
	}
}

// MockUserInfoResponse adds a handler for the OAuth2 v2 userinfo endpoint.
// An empty picture omits the field.
func (m *MockGoogleServer) MockUserInfoResponse(id, name, picture string) {
	m.Handlers["/oauth2/v2/userinfo"] = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		response := map[string]string{"id": id, "name": name}
		if picture != "" {
			response["picture"] = picture
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// Revoked returns the tokens posted to the revoke endpoint.
func (m *MockGoogleServer) Revoked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.revoked...)
}

// TokenRequests returns the forms posted to the token endpoint.
func (m *MockGoogleServer) TokenRequests() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]string(nil), m.forms...)
}
