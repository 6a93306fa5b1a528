package remote

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	authv1 "quill/shared/contracts/authevents/v1"
)

// fakeIDP is a minimal identity backend speaking the endpoints Client uses.
type fakeIDP struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	password  string
	user      authv1.User
	access    string
	refresh   string
	sessionID string
	expiresIn int
	codes     map[string]string // code -> challenge
	rejectRef bool
	signups   []map[string]any
	logouts   int
	taken     map[string]bool
	streams   chan *websocket.Conn
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()

	f := &fakeIDP{
		t:         t,
		password:  "correct horse",
		access:    "at-1",
		refresh:   "rt-1",
		sessionID: "sess-1",
		expiresIn: 3600,
		codes:     map[string]string{},
		taken:     map[string]bool{"ada": true},
		streams:   make(chan *websocket.Conn, 4),
	}
	f.user.ID = "u-1"
	f.user.Email = "ada@example.com"
	f.user.Metadata.Username = "ada"

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", f.handleToken)
	mux.HandleFunc("GET /auth/user", f.handleUser)
	mux.HandleFunc("PUT /auth/user", f.handleUpdateUser)
	mux.HandleFunc("POST /auth/signup", f.handleSignup)
	mux.HandleFunc("POST /auth/logout", f.handleLogout)
	mux.HandleFunc("GET /profiles/exists", f.handleExists)
	mux.HandleFunc("GET /auth/events", f.handleEvents)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, code, desc string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code, "error_description": desc})
}

func apiError(w http.ResponseWriter, status int, code, msg, field string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": msg, "field": field}})
}

func (f *fakeIDP) tokenBody() map[string]any {
	return map[string]any{
		"access_token":  f.access,
		"refresh_token": f.refresh,
		"token_type":    "bearer",
		"expires_in":    f.expiresIn,
		"session_id":    f.sessionID,
	}
}

func (f *fakeIDP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "bad form")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.PostForm.Get("client_id") != "quill" {
		oauthError(w, "invalid_client", "unknown client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "password":
		if r.PostForm.Get("username") != f.user.Email || r.PostForm.Get("password") != f.password {
			oauthError(w, "invalid_grant", "Invalid login credentials")
			return
		}
	case "refresh_token":
		if f.rejectRef || r.PostForm.Get("refresh_token") != f.refresh {
			oauthError(w, "invalid_grant", "Invalid Refresh Token")
			return
		}
		f.access = f.access + "+"
		f.refresh = f.refresh + "+"
	case "authorization_code":
		challenge, ok := f.codes[r.PostForm.Get("code")]
		delete(f.codes, r.PostForm.Get("code"))
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if !ok || base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			oauthError(w, "invalid_grant", "PKCE verification failed")
			return
		}
	default:
		oauthError(w, "unsupported_grant_type", "")
		return
	}
	writeJSON(w, http.StatusOK, f.tokenBody())
}

func (f *fakeIDP) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+f.access
}

func (f *fakeIDP) handleUser(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		apiError(w, http.StatusUnauthorized, "bad_jwt", "invalid token", "")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, f.user)
}

func (f *fakeIDP) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		apiError(w, http.StatusUnauthorized, "bad_jwt", "invalid token", "")
		return
	}
	var body struct {
		Data struct {
			FullName string `json:"full_name"`
		} `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.user.Metadata.FullName = body.Data.FullName
	writeJSON(w, http.StatusOK, f.user)
}

func (f *fakeIDP) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.signups = append(f.signups, body)

	data, _ := body["data"].(map[string]any)
	if name, _ := data["username"].(string); f.taken[strings.ToLower(name)] {
		apiError(w, http.StatusConflict, "conflict", "duplicate key value", "username")
		return
	}
	if pw, _ := body["password"].(string); len(pw) < 6 {
		apiError(w, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters.", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": "u-2"})
}

func (f *fakeIDP) handleLogout(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.logouts++
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeIDP) handleExists(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(r.URL.Query().Get("username"))
	if name == "boom" {
		apiError(w, http.StatusInternalServerError, "", "", "")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"exists": f.taken[name]})
}

func (f *fakeIDP) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{authv1.Subprotocol}})
	if err != nil {
		return
	}
	// The test owns the connection from here.
	f.streams <- conn
}

func (f *fakeIDP) issueCode(code, challenge string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = challenge
}

func (f *fakeIDP) logoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

func (f *fakeIDP) acceptStream(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.streams:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("client never dialed the event stream")
		return nil
	}
}
