// Package main provides a CI-friendly end-to-end smoke test for a running quill server.
//
// It validates:
//   - UI websocket handshake, subprotocol selection and hello/ack
//   - the state snapshot queued on attach
//   - sign-up over HTTP pushing toast, navigate and a signed-in state
//   - sign-out pushing a signed-out state and navigation to the sign-in route
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "quill/shared/contracts/ui/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "quill base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		pw      = flag.String("password", "smoke test passphrase", "Password for the throwaway account")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
		token   = flag.String("token", "", "Access token used to sign out a session that is already signed in")
	)
	flag.Parse()

	base, err := url.Parse(strings.TrimRight(*baseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fatalf("invalid -url: %q", *baseURL)
	}

	root := context.Background()
	c := mustConnect(root, wsURL(base), *origin, *timeout)
	defer closeWS(c.conn)

	initial := mustState(c.mustReadUntilType(root, v1.TypeState, *timeout, nil))
	if *verbose {
		fmt.Printf("connected: conn_id=%s signed_in=%v loading=%v\n", c.connID, initial.SignedIn, initial.Loading)
	}
	if initial.SignedIn {
		if *token == "" {
			fatalf("server already has a signed-in session; pass -token to sign it out")
		}
		mustPost(root, base, "/auth/signout", "", *token, http.StatusNoContent, *timeout)
		c.mustReadStateWhere(root, *timeout, func(st v1.StatePayload) bool { return !st.SignedIn })
	}

	id := strings.ToLower(ulid.Make().String())
	username := "smoke_" + id[len(id)-10:]
	body := fmt.Sprintf(`{"email":%q,"password":%q,"username":%q,"full_name":"Smoke Test"}`, username+"@example.com", *pw, username)

	var signup struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(mustPost(root, base, "/auth/signup", body, "", http.StatusOK, *timeout), &signup); err != nil || signup.AccessToken == "" {
		fatalf("signup response carries no access token (err=%v)", err)
	}

	signedIn := c.mustReadStateWhere(root, *timeout, func(st v1.StatePayload) bool { return st.SignedIn })
	if signedIn.User == nil || signedIn.User.Username != username {
		fatalf("signed-in state has wrong user: %+v", signedIn.User)
	}

	mustPost(root, base, "/auth/signout", "", signup.AccessToken, http.StatusNoContent, *timeout)
	c.mustReadStateWhere(root, *timeout, func(st v1.StatePayload) bool { return !st.SignedIn })

	fmt.Printf("OK: conn_id=%s username=%s revision=%d\n", c.connID, username, signedIn.Revision)
}

func wsURL(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ui/ws"
	return u.String()
}

func mustConnect(parent context.Context, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 128),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Client: "ui-smoke"}),
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload: %v", err)
	}
	if strings.TrimSpace(p.ConnID) == "" {
		fatalf("hello_ack missing conn_id")
	}
	c.connID = p.ConnID
	return c
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

// mustReadStateWhere skips toasts, navigations and intermediate states until ok matches.
func (c *smokeClient) mustReadStateWhere(parent context.Context, stepTimeout time.Duration, ok func(v1.StatePayload) bool) v1.StatePayload {
	skip := map[string]struct{}{v1.TypeToast: {}, v1.TypeNavigate: {}}
	deadline := time.Now().Add(stepTimeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			fatalf("timeout waiting for matching state")
		}
		st := mustState(c.mustReadUntilType(parent, v1.TypeState, left, skip))
		if ok(st) {
			return st
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
			if _, skip := skipTypes[env.Type]; skip {
				continue
			}
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
		}
	}
}

func mustState(env v1.Envelope) v1.StatePayload {
	var st v1.StatePayload
	if err := json.Unmarshal(env.Payload, &st); err != nil {
		fatalf("unmarshal state payload: %v", err)
	}
	return st
}

func mustPost(parent context.Context, base *url.URL, path, body, bearer string, want int, stepTimeout time.Duration) []byte {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String()+path, bytes.NewBufferString(body))
	if err != nil {
		fatalf("build request %s: %v", path, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != want {
		fatalf("POST %s: status=%d want=%d body=%s", path, resp.StatusCode, want, strings.TrimSpace(buf.String()))
	}
	return buf.Bytes()
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
