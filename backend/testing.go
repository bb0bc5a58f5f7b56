// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package backend

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// TestSessionCookie is the cookie a TestBackend sets on a successful
// callback.
const TestSessionCookie = "test_session"

// TestCallbackRequest is a callback request received by a TestBackend.
type TestCallbackRequest struct {
	IDToken     string
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
}

// TestBackend is a local server implementing the backend session endpoints
// with scripted responses, which makes writing tests much easier.
type TestBackend struct {
	httpServer *httptest.Server

	mu             sync.Mutex
	config         json.RawMessage
	configStatus   int
	callbackStatus int
	callbackBody   string
	requests       []TestCallbackRequest
	configFetches  int
}

// StartTestBackend creates a disposable TestBackend. By default the config
// endpoint returns {"issuer":"https://example.com"} and every callback
// succeeds with a redirect to /dashboard.
func StartTestBackend(t *testing.T) *TestBackend {
	t.Helper()
	b := &TestBackend{
		config:         json.RawMessage(`{"issuer":"https://example.com"}`),
		configStatus:   http.StatusOK,
		callbackStatus: http.StatusOK,
		callbackBody:   `{"success":true,"redirect":"/dashboard"}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultConfigPath, b.handleConfig)
	mux.HandleFunc(DefaultCallbackPath, b.handleCallback)
	b.httpServer = httptest.NewUnstartedServer(mux)
	b.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	b.httpServer.Start()
	t.Cleanup(b.httpServer.Close)
	return b
}

// Addr returns the URL of the backend.
func (b *TestBackend) Addr() string {
	return b.httpServer.URL
}

// Stop stops the running TestBackend.
func (b *TestBackend) Stop() {
	b.httpServer.Close()
}

// SetConfig sets the config endpoint's status and body.
func (b *TestBackend) SetConfig(status int, body json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configStatus, b.config = status, body
}

// SetCallbackResponse sets the callback endpoint's status and raw body.
func (b *TestBackend) SetCallbackResponse(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbackStatus, b.callbackBody = status, body
}

// Requests returns every callback request received.
func (b *TestBackend) Requests() []TestCallbackRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TestCallbackRequest(nil), b.requests...)
}

// ConfigFetches returns the number of config requests received.
func (b *TestBackend) ConfigFetches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configFetches
}

func (b *TestBackend) handleConfig(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configFetches++
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.configStatus)
	_, _ = w.Write(b.config)
}

func (b *TestBackend) handleCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body callbackRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.IDToken == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":"No ID token provided"}`))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, TestCallbackRequest{
		IDToken:     body.IDToken,
		UID:         body.User.UID,
		Email:       body.User.Email,
		DisplayName: body.User.DisplayName,
		PhotoURL:    body.User.PhotoURL,
	})
	if b.callbackStatus == http.StatusOK {
		http.SetCookie(w, &http.Cookie{Name: TestSessionCookie, Value: body.User.UID, Path: "/"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.callbackStatus)
	_, _ = w.Write([]byte(b.callbackBody))
}
