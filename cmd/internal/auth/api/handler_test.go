package authapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"quill/cmd/internal/auth/accesstoken"
	"quill/cmd/internal/authstate"
	"quill/cmd/profile"
)

type fakeOps struct {
	mu sync.Mutex

	signUpOut authstate.SignUpOutcome
	signUpErr error
	signUps   []authstate.SignUpInput

	signInErr error
	oauthURL  string
	oauthErr  error
	oauthProv string
	signOuts  int

	store *authstate.Store
	sess  *authstate.Session
}

func (f *fakeOps) SignUp(_ context.Context, in authstate.SignUpInput) (authstate.SignUpOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signUps = append(f.signUps, in)
	if f.signUpErr == nil && f.signUpOut == authstate.OutcomeSignedIn {
		f.store.Update(f.sess)
	}
	return f.signUpOut, f.signUpErr
}

func (f *fakeOps) SignIn(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signInErr == nil {
		f.store.Update(f.sess)
	}
	return f.signInErr
}

func (f *fakeOps) SignInWithOAuth(_ context.Context, provider string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oauthProv = provider
	return f.oauthURL, f.oauthErr
}

func (f *fakeOps) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.store.Update(nil)
	return nil
}

type fakeExchanger struct {
	err   error
	calls int
}

func (f *fakeExchanger) ExchangeCode(context.Context, string, string) error {
	f.calls++
	return f.err
}

type fakeUsers struct{ names []string }

func (f *fakeUsers) UpdateFullName(_ context.Context, name string) error {
	f.names = append(f.names, name)
	return nil
}

type apiHarness struct {
	h        *Handler
	mux      *http.ServeMux
	ops      *fakeOps
	store    *authstate.Store
	profiles *profile.MemoryStore
	exch     *fakeExchanger
	users    *fakeUsers
}

func testSession() *authstate.Session {
	return &authstate.Session{
		ID:           "s1",
		AccessToken:  "secret-access",
		RefreshToken: "secret-refresh",
		ExpiresAt:    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		User:         &authstate.Identity{ID: "u1", Email: "ada@example.com", Metadata: authstate.Metadata{Username: "ada"}},
	}
}

func newAPIHarness(t *testing.T, cfg Config) *apiHarness {
	t.Helper()

	store := authstate.NewStore()
	a := &apiHarness{
		ops:      &fakeOps{store: store, sess: testSession(), oauthURL: "https://idp.test/authorize?x=1"},
		store:    store,
		profiles: profile.NewMemoryStore(),
		exch:     &fakeExchanger{},
		users:    &fakeUsers{},
	}

	h, err := NewHandler(Deps{
		Config:    cfg,
		Ops:       a.ops,
		Store:     store,
		Exchanger: a.exch,
		Profiles:  a.profiles,
		Users:     a.users,
		Audit:     NewMemoryAuditLog(time.Hour),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	a.h = h
	a.mux = http.NewServeMux()
	h.Register(a.mux)
	return a
}

func (a *apiHarness) newRequest(method, path, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "203.0.113.7:5555"
	return req
}

func (a *apiHarness) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	a.mux.ServeHTTP(rr, req)
	return rr
}

func (a *apiHarness) do(method, path, body string) *httptest.ResponseRecorder {
	return a.serve(a.newRequest(method, path, body))
}

// doAs sends the request with a bearer token.
func (a *apiHarness) doAs(token, method, path, body string) *httptest.ResponseRecorder {
	req := a.newRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return a.serve(req)
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestState_NeverLeaksTokens(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())

	rr := a.do(http.MethodGet, "/auth/state", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	st := decodeBody[stateResponse](t, rr)
	if !st.Loading || st.SignedIn || st.User != nil {
		t.Fatalf("unexpected initial state: %+v", st)
	}

	a.store.Update(testSession())
	rr = a.do(http.MethodGet, "/auth/state", "")
	st = decodeBody[stateResponse](t, rr)
	if !st.SignedIn || st.User == nil || st.User.Username != "ada" || st.Loading {
		t.Fatalf("unexpected state: %+v", st)
	}
	if strings.Contains(rr.Body.String(), "secret-") {
		t.Fatalf("state leaked a token: %s", rr.Body.String())
	}
}

func TestSignUp_OutcomeAndErrors(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())

	a.ops.signUpOut = authstate.OutcomeSignedIn
	rr := a.do(http.MethodPost, "/auth/signup", `{"email":"ada@example.com","password":"correct horse","username":"ada","full_name":"Ada"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	out := decodeBody[signUpResponse](t, rr)
	if out.Outcome != authstate.OutcomeSignedIn.String() || out.AccessToken != "secret-access" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if a.ops.signUps[0].FullName != "Ada" || a.ops.signUps[0].Username != "ada" {
		t.Fatalf("input not forwarded: %+v", a.ops.signUps[0])
	}

	a.ops.signUpOut = authstate.OutcomeFailed
	a.ops.signUpErr = &authstate.OpError{Op: "authstate.SignUp", Kind: authstate.ErrUsernameTaken, Msg: "Username already taken. Please choose another."}
	rr = a.do(http.MethodPost, "/auth/signup", `{"email":"b@example.com","password":"correct horse","username":"ada"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status=%d", rr.Code)
	}
	e := decodeBody[errorResponse](t, rr)
	if e.Error.Code != "username_taken" || e.Error.Field != "username" || e.Error.Message != "Username already taken. Please choose another." {
		t.Fatalf("unexpected error: %+v", e)
	}
}

func TestSignUp_RejectsUnknownFields(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())
	rr := a.do(http.MethodPost, "/auth/signup", `{"email":"a@b.co","nope":1}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestSignIn_StatusMapping(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())

	rr := a.do(http.MethodPost, "/auth/signin", `{"email":"","password":"x"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank email status=%d", rr.Code)
	}

	a.ops.signInErr = &authstate.OpError{Kind: authstate.ErrInvalidCredentials, Msg: "Invalid login credentials"}
	rr = a.do(http.MethodPost, "/auth/signin", `{"email":"ada@example.com","password":"bad"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rr.Code)
	}

	a.ops.signInErr = &authstate.OpError{Kind: authstate.ErrSessionMissing, Msg: "Sign-in completed but session not available"}
	rr = a.do(http.MethodPost, "/auth/signin", `{"email":"ada@example.com","password":"x"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", rr.Code)
	}

	a.ops.signInErr = nil
	rr = a.do(http.MethodPost, "/auth/signin", `{"email":"ada@example.com","password":"correct horse"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	got := decodeBody[signInResponse](t, rr)
	if !got.SignedIn || got.AccessToken != "secret-access" {
		t.Fatalf("expected signed in with token: %+v", got)
	}

	var cookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != "secret-access" || !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("session cookie=%+v", cookie)
	}
}

func TestJSONRoutes_RejectFormPosts(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())

	for _, path := range []string{"/auth/signin", "/auth/signup", "/auth/oauth"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("email=a%40b.co&password=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "198.51.100.4:5555"
		if rr := a.serve(req); rr.Code != http.StatusUnsupportedMediaType {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
	if len(a.ops.signUps) != 0 || a.store.Current().SignedIn() || a.ops.oauthProv != "" {
		t.Fatalf("operation ran for a form post")
	}
}

func TestSignIn_ThrottledAfterFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureIPMax = 3
	a := newAPIHarness(t, cfg)
	a.ops.signInErr = &authstate.OpError{Kind: authstate.ErrInvalidCredentials, Msg: "Invalid login credentials"}

	for i := 0; i < 3; i++ {
		if rr := a.do(http.MethodPost, "/auth/signin", `{"email":"a@b.co","password":"x"}`); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status=%d", i, rr.Code)
		}
	}

	rr := a.do(http.MethodPost, "/auth/signin", `{"email":"a@b.co","password":"x"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestOAuth(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())

	rr := a.do(http.MethodPost, "/auth/oauth", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := decodeBody[oauthResponse](t, rr).URL; got != a.ops.oauthURL {
		t.Fatalf("url=%q", got)
	}
	if a.ops.oauthProv != "" {
		t.Fatalf("expected blank provider to pass through, got %q", a.ops.oauthProv)
	}

	a.ops.oauthErr = &authstate.OpError{Kind: authstate.ErrOAuthInit, Msg: "Unsupported provider"}
	rr = a.do(http.MethodPost, "/auth/oauth", `{"provider":"myspace"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", rr.Code)
	}
	if a.ops.oauthProv != "myspace" {
		t.Fatalf("provider=%q", a.ops.oauthProv)
	}
}

func TestCallback_Redirects(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())

	rr := a.do(http.MethodGet, "/auth/callback?code=c&state=s", "")
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/" {
		t.Fatalf("status=%d location=%q", rr.Code, rr.Header().Get("Location"))
	}

	rr = a.do(http.MethodGet, "/auth/callback?state=s", "")
	if got := rr.Header().Get("Location"); got != "/auth?error=invalid_request" {
		t.Fatalf("location=%q", got)
	}

	rr = a.do(http.MethodGet, "/auth/callback?error=access_denied", "")
	if got := rr.Header().Get("Location"); got != "/auth?error=access_denied" {
		t.Fatalf("location=%q", got)
	}

	a.exch.err = &authstate.ProviderError{Status: 400, Code: "bad_oauth_state"}
	rr = a.do(http.MethodGet, "/auth/callback?code=c&state=s", "")
	if got := rr.Header().Get("Location"); got != "/auth?error=bad_oauth_state" {
		t.Fatalf("location=%q", got)
	}
	if a.exch.calls != 2 {
		t.Fatalf("exchange calls=%d", a.exch.calls)
	}
}

func TestCallback_NoExchanger(t *testing.T) {
	store := authstate.NewStore()
	h, err := NewHandler(Deps{Ops: &fakeOps{store: store}, Store: store})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/callback?code=c&state=s", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestSignOut(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())
	a.store.Update(testSession())

	if rr := a.do(http.MethodPost, "/auth/signout", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d", rr.Code)
	}
	if a.ops.signOuts != 0 || !a.store.Current().SignedIn() {
		t.Fatalf("anonymous caller ended the session")
	}

	rr := a.doAs("secret-access", http.MethodPost, "/auth/signout", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}
	if a.ops.signOuts != 1 || a.store.Current().SignedIn() {
		t.Fatalf("sign out not applied")
	}

	// Already signed out: idempotent without credentials.
	if rr := a.do(http.MethodPost, "/auth/signout", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("repeat status=%d", rr.Code)
	}
}

func TestProfile_StrangerIsUnauthorized(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())
	a.store.Update(testSession())
	if _, err := a.profiles.Create(context.Background(), profile.CreateInput{ID: "u1", Username: "ada"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cases := []struct {
		name string
		req  func() *http.Request
	}{
		{"no credentials", func() *http.Request { return a.newRequest(http.MethodPatch, "/profile", `{"full_name":"pwned"}`) }},
		{"wrong token", func() *http.Request {
			req := a.newRequest(http.MethodPatch, "/profile", `{"full_name":"pwned"}`)
			req.Header.Set("Authorization", "Bearer guess")
			return req
		}},
		{"basic scheme", func() *http.Request {
			req := a.newRequest(http.MethodPatch, "/profile", `{"full_name":"pwned"}`)
			req.Header.Set("Authorization", "Basic secret-access")
			return req
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := a.serve(tc.req()); rr.Code != http.StatusUnauthorized {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
		})
	}

	p, err := a.profiles.GetByID(context.Background(), "u1")
	if err != nil || p.FullName != nil {
		t.Fatalf("profile changed: %+v err=%v", p, err)
	}

	req := a.newRequest(http.MethodGet, "/profile", "")
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "secret-access"})
	if rr := a.serve(req); rr.Code != http.StatusOK {
		t.Fatalf("cookie status=%d", rr.Code)
	}
}

type fakeVerifier struct{ claims map[string]accesstoken.Claims }

func (f fakeVerifier) Verify(token string, _ time.Time) (accesstoken.Claims, error) {
	c, ok := f.claims[token]
	if !ok {
		return accesstoken.Claims{}, accesstoken.ErrInvalidToken
	}
	return c, nil
}

func TestAuthorize_EarlierTokenOfSameSession(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())
	a.h.tokens = fakeVerifier{claims: map[string]accesstoken.Claims{
		"before-refresh": {UserID: "u1", SessionID: "s1"},
		"other-session":  {UserID: "u1", SessionID: "s0"},
	}}
	a.store.Update(testSession())

	if rr := a.doAs("before-refresh", http.MethodGet, "/profile", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("same session status=%d", rr.Code)
	}
	if rr := a.doAs("other-session", http.MethodGet, "/profile", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("other session status=%d", rr.Code)
	}
}

type fakeConfirmer struct {
	tokens []string
	err    error
}

func (f *fakeConfirmer) ConfirmEmail(_ context.Context, tok string) error {
	f.tokens = append(f.tokens, tok)
	return f.err
}

func TestConfirm_Redirects(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())

	if rr := a.do(http.MethodGet, "/auth/confirm?token=t1", ""); rr.Code != http.StatusNotImplemented {
		t.Fatalf("no confirmer status=%d", rr.Code)
	}

	c := &fakeConfirmer{}
	a.h.confirmer = c

	rr := a.do(http.MethodGet, "/auth/confirm?token=t1", "")
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/auth?confirmed=1" {
		t.Fatalf("status=%d location=%q", rr.Code, rr.Header().Get("Location"))
	}

	if got := a.do(http.MethodGet, "/auth/confirm", "").Header().Get("Location"); got != "/auth?error=invalid_request" {
		t.Fatalf("location=%q", got)
	}

	c.err = &authstate.ProviderError{Status: 403, Code: "otp_expired"}
	if got := a.do(http.MethodGet, "/auth/confirm?token=t2", "").Header().Get("Location"); got != "/auth?error=otp_expired" {
		t.Fatalf("location=%q", got)
	}
	if len(c.tokens) != 2 || c.tokens[0] != "t1" {
		t.Fatalf("tokens=%v", c.tokens)
	}
}

func TestProfile_GetAndPatch(t *testing.T) {
	a := newAPIHarness(t, DefaultConfig())

	if rr := a.do(http.MethodGet, "/profile", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("signed out status=%d", rr.Code)
	}

	a.store.Update(testSession())
	if rr := a.doAs("secret-access", http.MethodGet, "/profile", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing profile status=%d", rr.Code)
	}

	if _, err := a.profiles.Create(context.Background(), profile.CreateInput{ID: "u1", Username: "ada"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rr := a.doAs("secret-access", http.MethodPatch, "/profile", `{"full_name":"  Ada Lovelace "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch status=%d body=%s", rr.Code, rr.Body.String())
	}
	p := decodeBody[profileResponse](t, rr)
	if p.FullName == nil || *p.FullName != "Ada Lovelace" {
		t.Fatalf("full name=%v", p.FullName)
	}
	if len(a.users.names) != 1 || a.users.names[0] != "Ada Lovelace" {
		t.Fatalf("provider not synced: %v", a.users.names)
	}

	rr = a.doAs("secret-access", http.MethodPatch, "/profile", `{"full_name":"`+strings.Repeat("x", 200)+`"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("long name status=%d", rr.Code)
	}

	rr = a.doAs("secret-access", http.MethodGet, "/profile", "")
	if got := decodeBody[profileResponse](t, rr); got.Username != "ada" {
		t.Fatalf("username=%q", got.Username)
	}
}
